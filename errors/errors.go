package errors

import (
	"fmt"
)

// ErrorCode identifies the class of a RingError, mirroring the taxonomy a caller
// needs to distinguish a CAS conflict from a plain configuration or IO failure.
type ErrorCode int

const (
	InternalError ErrorCode = iota
	ConcurrentMetaDataUpdate
	Configuration
	IO
	InvalidRequest
	RequestExecution
	RequestValidation
	NotStarted
	AlreadyStarted
	Timeout
)

// RingError is any kind of error that is exposed to callers of the coordination
// service via its external interfaces.
type RingError struct {
	Code ErrorCode
	Msg  string
}

func (e RingError) Error() string {
	return e.Msg
}

func NewRingErrorf(code ErrorCode, msgFormat string, args ...interface{}) RingError {
	return RingError{Code: code, Msg: fmt.Sprintf(fmt.Sprintf("RC%04d - %s", code, msgFormat), args...)}
}

func NewRingError(code ErrorCode, msg string) RingError {
	return RingError{Code: code, Msg: msg}
}

// NewConcurrentUpdateError is returned by a MetadataStore when a compare-and-swap
// persist is rejected because the expected prior version/UUID did not match what
// is currently stored - another node's task committed first.
func NewConcurrentUpdateError(msg string) RingError {
	return NewRingErrorf(ConcurrentMetaDataUpdate, "%s", msg)
}

func NewInvalidConfigurationError(msg string) RingError {
	return NewRingErrorf(Configuration, "%s", msg)
}

func NewInvalidRequestError(msg string) RingError {
	return NewRingErrorf(InvalidRequest, "%s", msg)
}

func NewRequestExecutionError(msg string) RingError {
	return NewRingErrorf(RequestExecution, "%s", msg)
}

func NewRequestValidationError(msg string) RingError {
	return NewRingErrorf(RequestValidation, "%s", msg)
}

func NewNotStartedError() RingError {
	return NewRingErrorf(NotStarted, "service is not started")
}

func NewAlreadyStartedError() RingError {
	return NewRingErrorf(AlreadyStarted, "service is already started")
}

func NewTimeoutError(msg string) RingError {
	return NewRingErrorf(Timeout, "%s", msg)
}

// IsConcurrentUpdate reports whether err (or its cause chain) is a CAS conflict
// raised by a MetadataStore.
func IsConcurrentUpdate(err error) bool {
	re, ok := Cause(err).(RingError) //nolint:errorlint
	return ok && re.Code == ConcurrentMetaDataUpdate
}
