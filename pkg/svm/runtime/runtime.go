// Package runtime is the harness boundary of the syscall stubs.
//
// A harness installs one Session per worker, then for each fuzz input
// resets it and executes a single instruction. The session owns the
// compute meter, invocation stack, log sink, sysvar store and syscall
// dispatcher of its runs. Programs are either sBPF programs run by the
// interpreter or builtins implemented in Go; both execute through the
// same frame machinery, so cross-program invocation works between them
// in either direction.
package runtime

import (
	"errors"

	"github.com/fortiblox/svmstub/internal/types"
	"github.com/fortiblox/svmstub/pkg/svm"
	"github.com/fortiblox/svmstub/pkg/svm/invoke"
	"github.com/fortiblox/svmstub/pkg/svm/programs"
)

// Harness errors. Program faults are reported in Result, not as errors.
var (
	ErrUnknownProgram      = errors.New("unknown program")
	ErrInstructionTooLarge = errors.New("instruction data too large")
	ErrTooManyAccounts     = errors.New("too many instruction accounts")
	ErrBuiltinPanic        = errors.New("builtin panicked")
)

// BuiltinFunc is the entrypoint of a builtin program.
type BuiltinFunc = programs.Builtin

// Account is the harness-side state of one instruction account.
type Account struct {
	Key        types.Pubkey
	Owner      types.Pubkey
	Lamports   uint64
	Data       []byte
	Executable bool
	IsSigner   bool
	IsWritable bool
}

// Instruction is one fuzz input: a program to run over a list of accounts.
type Instruction struct {
	ProgramID types.Pubkey
	Accounts  []Account
	Data      []byte
}

// Result is the outcome of one Execute.
type Result struct {
	// Fault is nil when the program returned success.
	Fault *svm.Fault

	ReturnProgram types.Pubkey
	ReturnData    []byte

	// ComputeUnits is the number of units consumed.
	ComputeUnits uint64
	Remaining    uint64

	// Accounts holds the post-execution state, in instruction order.
	Accounts []Account

	Logs          []string
	LogsTruncated bool
}

// Success reports whether the run completed without a fault.
func (r *Result) Success() bool {
	return r.Fault == nil
}

func snapshot(view *invoke.AccountView, a Account) Account {
	a.Lamports = view.Lamports()
	a.Owner = view.Owner()
	a.Data = append([]byte(nil), view.Data()...)
	return a
}
