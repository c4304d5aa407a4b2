package sandbox

import (
	"errors"
	"fmt"

	"github.com/casualjim/loom/action"
)

// Code classifies a sandbox fault.
type Code string

const (
	CodeTrap            Code = "ERR_SANDBOX_TRAP"
	CodeTimeExhausted   Code = "ERR_COMPUTE_TIME_EXHAUSTED"
	CodeMemoryExhausted Code = "ERR_COMPUTE_MEMORY_EXHAUSTED"
	CodeOutputExhausted Code = "ERR_COMPUTE_OUTPUT_EXHAUSTED"
	CodePermission      Code = "ERR_PERMISSION_DENIED"
	CodeABI             Code = "ERR_MODULE_ABI"
	CodeLoad            Code = "ERR_MODULE_LOAD"
)

// Error is a fault raised while loading or running a module.
type Error struct {
	Code    Code
	Module  string
	Message string
	cause   error
}

func newError(code Code, module string, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Module: module, Message: fmt.Sprintf(format, args...), cause: cause}
}

func (e *Error) Error() string {
	return fmt.Sprintf("module %s: %s: %s", e.Module, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// ActionError converts the fault into the SandboxFault dispatch error.
func (e *Error) ActionError() *action.Error {
	return action.Errorf(action.KindSandboxFault, "%s", e.Message).
		WithDetail("code", string(e.Code)).
		WithDetail("module", e.Module)
}

// CodeOf extracts the fault code of err, or the empty code.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
