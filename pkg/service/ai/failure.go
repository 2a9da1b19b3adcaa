package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/duynguyendang/weeklyanalytics/pkg/common/errors"
)

// Class is the retry category of a backend error.
type Class string

const (
	ClassTimeout     Class = "timeout"
	ClassRateLimited Class = "rate_limited"
	ClassRejected    Class = "rejected"
	ClassServer      Class = "server"
)

// Transient reports whether a call failing with c may be retried.
func (c Class) Transient() bool { return c != ClassRejected }

// Failure is a classified backend error.
type Failure struct {
	Class Class
	Err   error
	// RetryAfter is the server's hint for rate-limited calls, zero if none.
	RetryAfter time.Duration
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Class)
	}
	return fmt.Sprintf("%s: %v", f.Class, f.Err)
}

// Unwrap exposes both the cause and the taxonomy sentinel.
func (f *Failure) Unwrap() []error {
	sentinel := apperrors.ErrAnalysisTransient
	if f.Class == ClassRejected {
		sentinel = apperrors.ErrAnalysisRejected
	}
	if f.Err == nil {
		return []error{sentinel}
	}
	return []error{f.Err, sentinel}
}

// Fail wraps err with a class.
func Fail(c Class, err error) *Failure { return &Failure{Class: c, Err: err} }

// ClassOf returns the class of a backend error. Unclassified errors are
// server errors; deadline errors are timeouts.
func ClassOf(err error) Class {
	var f *Failure
	if errors.As(err, &f) {
		return f.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	if errors.Is(err, apperrors.ErrAnalysisRejected) {
		return ClassRejected
	}
	return ClassServer
}

func retryAfter(err error) time.Duration {
	var f *Failure
	if errors.As(err, &f) {
		return f.RetryAfter
	}
	return 0
}
