package connectors

import (
	"fmt"
	"time"
)

// ThrottleError коллаборатор попросил подождать (rate limit на его стороне).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error {
	return e.Cause
}

// RemoteError ошибка, которую вернул удаленный коллаборатор в теле ответа.
type RemoteError struct {
	Method  string
	Code    int64
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("collaborator %s returned error [%d]: %s", e.Method, e.Code, e.Message)
}
