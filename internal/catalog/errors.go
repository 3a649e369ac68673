package catalog

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateSignal = errors.New("duplicate signal name")
	ErrMalformed       = errors.New("malformed catalog")
)

// CompileError aborts catalog construction.
type CompileError struct {
	Kind    error // ErrDuplicateSignal or ErrMalformed
	Signal  string
	Origins []Origin
	Reason  string
	Err     error
}

func (e *CompileError) Error() string {
	if e.Kind == ErrDuplicateSignal && len(e.Origins) == 2 {
		return fmt.Sprintf("duplicate signal %q: produced by %s and by %s", e.Signal, e.Origins[0], e.Origins[1])
	}
	msg := fmt.Sprintf("%v: %s", e.Kind, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CompileError) Is(target error) bool {
	return target == e.Kind
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

func malformed(err error, format string, args ...any) *CompileError {
	return &CompileError{Kind: ErrMalformed, Reason: fmt.Sprintf(format, args...), Err: err}
}

type DiagnosticCode string

const (
	DiagArrayWithoutMonitor DiagnosticCode = "array_without_monitor"
	DiagBindingUnsupported  DiagnosticCode = "binding_unsupported"
)

// Diagnostic is a non-fatal note about a command left out of the catalog.
type Diagnostic struct {
	Command string         `json:"command"`
	Code    DiagnosticCode `json:"code"`
	Message string         `json:"message"`
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s", d.Command, d.Message)
}
