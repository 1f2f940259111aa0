package iac

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ThrottleError signals that the generative service is rate limiting or
// overloaded. It is the only error class the executor retries.
type ThrottleError struct {
	Err error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("generative service throttled: %v", e.Err)
}

func (e *ThrottleError) Unwrap() error { return e.Err }

// FatalServiceError is any non-throttle failure of the generative service.
type FatalServiceError struct {
	Err error
}

func (e *FatalServiceError) Error() string {
	return fmt.Sprintf("generative service error: %v", e.Err)
}

func (e *FatalServiceError) Unwrap() error { return e.Err }

// ExecutionError is what a unit reports after its executor gave up.
type ExecutionError struct {
	UnitID    string
	Attempts  int
	Cancelled bool
	Err       error
}

func (e *ExecutionError) Error() string {
	if e.Cancelled {
		return fmt.Sprintf("unit %s cancelled after %d attempt(s): %v", e.UnitID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("unit %s failed after %d attempt(s): %v", e.UnitID, e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// throttleSignal matches rate-limit and overload wording. Status codes must
// stand alone so token counts or ids containing the digits do not match.
var throttleSignal = regexp.MustCompile(`(?i)\b(429|529)\b|\b503\b.*unavailable|` +
	`rate[ _-]?limit|too many requests|throttl|overloaded|resource[ _]exhausted|` +
	`quota exceeded|(over|at|insufficient|no available) capacity`)

// IsThrottle reports whether err is, or looks like, a throttling signal.
func IsThrottle(err error) bool {
	if err == nil {
		return false
	}
	var te *ThrottleError
	if errors.As(err, &te) {
		return true
	}
	var fe *FatalServiceError
	if errors.As(err, &fe) {
		return false
	}
	return throttleSignal.MatchString(err.Error())
}

// ClassifyServiceError wraps a raw error from the generative service into the
// taxonomy. Context cancellation is returned untouched.
func ClassifyServiceError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var te *ThrottleError
	var fe *FatalServiceError
	if errors.As(err, &te) || errors.As(err, &fe) {
		return err
	}
	if IsThrottle(err) {
		return &ThrottleError{Err: err}
	}
	return &FatalServiceError{Err: err}
}
