package error

import (
	"errors"
	"fmt"
)

var (
	ErrAttachFailed         = errors.New("cannot attach to target")
	ErrIllegalState         = errors.New("illegal debugger state")
	ErrEvaluationFailed     = errors.New("expression cannot be evaluated")
	ErrUnknownLocation      = errors.New("unknown location")
	ErrLanguageNotSupported = errors.New("This language is not supported")
	ErrDebuggerIsClosed     = fmt.Errorf("%w: debug is closed", ErrIllegalState)
	ErrThreadNotSuspended   = fmt.Errorf("%w: no suspended thread", ErrIllegalState)
	ErrTargetNotAttached    = errors.New("target is not attached")
)
