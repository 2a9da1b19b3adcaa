package server

import (
	"net/http"

	"github.com/duynguyendang/weeklyanalytics/pkg/common/errors"
	"github.com/gin-gonic/gin"
)

// handleBatches returns the stored batches with their latest run stage.
func (s *Server) handleBatches(c *gin.Context) {
	batches, err := s.batches.ListBatches(c.Request.Context())
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": batches})
}

// handleTable returns the materialized table of a batch as JSON, or as CSV
// with ?format=csv.
func (s *Server) handleTable(c *gin.Context) {
	tbl, err := s.batches.Table(c.Request.Context(), c.Param("batch"))
	if err != nil {
		handleError(c, err)
		return
	}

	switch c.DefaultQuery("format", "json") {
	case "json":
		c.JSON(http.StatusOK, tbl)
	case "csv":
		c.Header("Content-Disposition", `attachment; filename="`+tbl.BatchID+`.csv"`)
		c.Data(http.StatusOK, "text/csv; charset=utf-8", tbl.CSV())
	default:
		handleError(c, errors.NewAppError(http.StatusBadRequest, "Unsupported table format", nil))
	}
}

// handleChart returns the D3 hierarchy of a batch.
func (s *Server) handleChart(c *gin.Context) {
	root, err := s.batches.Chart(c.Request.Context(), c.Param("batch"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, root)
}

// handleReport returns the latest formatted report of a batch.
func (s *Server) handleReport(c *gin.Context) {
	rep, err := s.batches.Report(c.Param("batch"), c.DefaultQuery("format", "markdown"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.Data(http.StatusOK, rep.ContentType, rep.Body)
}

func handleError(c *gin.Context, err error) {
	appErr := errors.MapError(err)
	body := gin.H{"error": appErr.Message}
	if class := errors.Classify(err); class != errors.ClassNone && class != errors.ClassInternal {
		body["class"] = class
	}
	c.JSON(appErr.Code, body)
}
