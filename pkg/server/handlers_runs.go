package server

import (
	stderrors "errors"
	"net/http"

	"github.com/duynguyendang/weeklyanalytics/pkg/common/errors"
	"github.com/duynguyendang/weeklyanalytics/pkg/pipeline"
	"github.com/gin-gonic/gin"
)

// handleRuns returns the latest run of every batch.
func (s *Server) handleRuns(c *gin.Context) {
	runs, err := s.batches.Runs()
	if err != nil {
		handleError(c, err)
		return
	}
	if runs == nil {
		runs = []pipeline.RunState{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// handleRunStatus returns the current or last archived run of a batch.
func (s *Server) handleRunStatus(c *gin.Context) {
	st, err := s.batches.RunStatus(c.Param("batch"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// handleRunHistory returns the archived runs of a batch.
func (s *Server) handleRunHistory(c *gin.Context) {
	hist, err := s.batches.History(c.Param("batch"))
	if err != nil {
		handleError(c, err)
		return
	}
	if hist == nil {
		hist = []pipeline.RunState{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": hist})
}

// handleStartRun schedules a run of a batch. With ?wait=true the request
// blocks until the run finishes and returns its outcome.
func (s *Server) handleStartRun(c *gin.Context) {
	if c.Query("wait") != "true" {
		id, err := s.batches.Start(c.Param("batch"))
		if err != nil {
			handleError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"batch_id": id, "status": "accepted"})
		return
	}

	out, err := s.batches.Run(c.Request.Context(), c.Param("batch"))
	if err != nil {
		var runErr *pipeline.RunError
		if stderrors.As(err, &runErr) && runErr.RunID != "" {
			handleRunError(c, runErr)
			return
		}
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func handleRunError(c *gin.Context, e *pipeline.RunError) {
	appErr := errors.MapError(e)
	c.JSON(appErr.Code, gin.H{
		"error":     appErr.Message,
		"run_id":    e.RunID,
		"batch_id":  e.BatchID,
		"stage":     e.Stage,
		"class":     e.Class,
		"resumable": e.Resumable,
	})
}
