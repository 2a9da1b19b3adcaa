package pipeline

import (
	"fmt"

	apperrors "github.com/duynguyendang/weeklyanalytics/pkg/common/errors"
)

// RunError reports a run that stopped before DONE.
type RunError struct {
	RunID     string
	BatchID   string
	Stage     Stage
	Class     apperrors.Class
	Resumable bool
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s of %s failed at %s (%s, resumable=%t): %v",
		e.RunID, e.BatchID, e.Stage, e.Class, e.Resumable, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

func newRunError(runID, batchID string, stage Stage, err error) *RunError {
	class := apperrors.Classify(err)
	return &RunError{
		RunID:     runID,
		BatchID:   batchID,
		Stage:     stage,
		Class:     class,
		Resumable: apperrors.Resumable(class),
		Err:       err,
	}
}
