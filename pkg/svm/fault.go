package svm

import (
	"errors"
	"fmt"
)

// FaultCode classifies a program fault.
type FaultCode uint8

// Fault codes. Zero is reserved so that a zero FaultCode never reads as a fault.
const (
	_ FaultCode = iota
	OutOfBoundsMemory
	UnknownSyscall
	BudgetExhausted
	DepthExceeded
	PrivilegeEscalation
	FrameMismatch
	MalformedArgument
	ProgramFailed
	InvalidInstruction
	IllegalAccountChange
)

var faultNames = [...]string{
	OutOfBoundsMemory:    "OutOfBoundsMemory",
	UnknownSyscall:       "UnknownSyscall",
	BudgetExhausted:      "BudgetExhausted",
	DepthExceeded:        "DepthExceeded",
	PrivilegeEscalation:  "PrivilegeEscalation",
	FrameMismatch:        "FrameMismatch",
	MalformedArgument:    "MalformedArgument",
	ProgramFailed:        "ProgramFailed",
	InvalidInstruction:   "InvalidInstruction",
	IllegalAccountChange: "IllegalAccountChange",
}

// String returns the fault code name.
func (c FaultCode) String() string {
	if int(c) < len(faultNames) && faultNames[c] != "" {
		return faultNames[c]
	}
	return fmt.Sprintf("FaultCode(%d)", uint8(c))
}

// Sentinel faults for errors.Is. Matching is by code only.
var (
	ErrOutOfBoundsMemory    = &Fault{Code: OutOfBoundsMemory}
	ErrUnknownSyscall       = &Fault{Code: UnknownSyscall}
	ErrBudgetExhausted      = &Fault{Code: BudgetExhausted}
	ErrDepthExceeded        = &Fault{Code: DepthExceeded}
	ErrPrivilegeEscalation  = &Fault{Code: PrivilegeEscalation}
	ErrFrameMismatch        = &Fault{Code: FrameMismatch}
	ErrMalformedArgument    = &Fault{Code: MalformedArgument}
	ErrProgramFailed        = &Fault{Code: ProgramFailed}
	ErrInvalidInstruction   = &Fault{Code: InvalidInstruction}
	ErrIllegalAccountChange = &Fault{Code: IllegalAccountChange}
)

// Fault is a typed program fault. Every error a syscall handler returns
// is a *Fault.
type Fault struct {
	Code FaultCode

	// Syscall is the name of the syscall that raised the fault, if any.
	Syscall string

	// ReturnCode is the program's exit or abort code for ProgramFailed.
	ReturnCode uint64

	// Err is the underlying cause.
	Err error
}

// NewFault creates a fault with the given code and cause.
func NewFault(code FaultCode, err error) *Fault {
	return &Fault{Code: code, Err: err}
}

// Faultf creates a fault with a formatted cause.
func Faultf(code FaultCode, format string, args ...interface{}) *Fault {
	return &Fault{Code: code, Err: fmt.Errorf(format, args...)}
}

func (f *Fault) Error() string {
	msg := f.Code.String()
	if f.Syscall != "" {
		msg = f.Syscall + ": " + msg
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

// Unwrap returns the cause.
func (f *Fault) Unwrap() error {
	return f.Err
}

// Is reports whether target is a *Fault with the same code.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	return ok && t.Code == f.Code
}

// In returns a copy of f attributed to the named syscall. The first
// attribution wins so nested syscalls keep the innermost name.
func (f *Fault) In(syscall string) *Fault {
	if f.Syscall != "" {
		return f
	}
	c := *f
	c.Syscall = syscall
	return &c
}

// AsFault extracts the *Fault in err's chain. A non-nil err without one
// is wrapped as MalformedArgument.
func AsFault(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return NewFault(MalformedArgument, err)
}

// CodeOf returns the fault code of err, or false when err carries none.
func CodeOf(err error) (FaultCode, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code, true
	}
	return 0, false
}

// InvariantError reports a broken internal invariant of the runtime itself.
// It is raised with panic and must never be converted into a program fault.
type InvariantError struct {
	Err error
}

func (e *InvariantError) Error() string {
	return "svm invariant violated: " + e.Err.Error()
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}

// Invariant panics with an *InvariantError wrapping err.
func Invariant(err error) {
	panic(&InvariantError{Err: err})
}
