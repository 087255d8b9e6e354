package recovery

import (
	"errors"
	"fmt"
)

// Code is the failure taxonomy reported to the engine.
type Code string

const (
	CodeDBUnavailable    Code = "DB_UNAVAILABLE"
	CodeDataCorrupt      Code = "DATA_CORRUPT"
	CodeValidationFailed Code = "VALIDATION_FAILED"
)

var (
	ErrDBUnavailable    = errors.New(string(CodeDBUnavailable))
	ErrDataCorrupt      = errors.New(string(CodeDataCorrupt))
	ErrValidationFailed = errors.New(string(CodeValidationFailed))
)

// Error is a failed recovery. It matches its code's sentinel with errors.Is
// and unwraps to the underlying cause.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrDBUnavailable:
		return e.Code == CodeDBUnavailable
	case ErrDataCorrupt:
		return e.Code == CodeDataCorrupt
	case ErrValidationFailed:
		return e.Code == CodeValidationFailed
	}
	return false
}

func fail(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}
