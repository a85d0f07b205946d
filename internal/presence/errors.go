package presence

import (
	"errors"
	"fmt"
	"time"
)

const (
	CodeRegistrationFailed = "REGISTRATION_FAILED"
	CodeCleanupFailed      = "CLEANUP_FAILED"
	CodeHeartbeatFailed    = "HEARTBEAT_FAILED"
)

// Error is the failure type reported by registration, unregistration and
// heartbeats. Err holds the underlying cause when there is one.
type Error struct {
	Code       string
	Message    string
	Details    any
	Err        error
	RetryCount int
	Timestamp  time.Time
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewError(code, message string, cause error) *Error {
	err := &Error{
		Code:      code,
		Message:   message,
		Err:       cause,
		Timestamp: time.Now(),
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// HasCode reports whether err is, or wraps, a presence Error with the code.
func HasCode(err error, code string) bool {
	var presenceErr *Error
	return errors.As(err, &presenceErr) && presenceErr.Code == code
}
