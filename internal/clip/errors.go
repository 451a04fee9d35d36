package clip

import (
	"errors"
	"fmt"
)

// Failure taxonomy shared by every sync component.
var (
	ErrNotConnected       = errors.New("clip: not connected")
	ErrInvalidRecord      = errors.New("clip: invalid record")
	ErrRemoteSave         = errors.New("clip: remote save failed")
	ErrRemoteFetch        = errors.New("clip: remote fetch failed")
	ErrRemoteDelete       = errors.New("clip: remote delete failed")
	ErrSubscription       = errors.New("clip: subscription failed")
	ErrResolutionConflict = errors.New("clip: resolution conflict")
	ErrRecordNotFound     = errors.New("clip: record not found")
)

// ServiceError carries an operation-scoped code and unwraps to its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the "<operation>.<reason>" code.
func (e *ServiceError) Code() string {
	return e.code
}

// NewServiceError builds a ServiceError with code "<operation>.<reason>".
func NewServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
