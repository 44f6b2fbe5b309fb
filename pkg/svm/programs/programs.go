// Package programs defines the interface between the runtime and builtin
// (Go-native) programs.
//
// A builtin runs inside an invocation frame like any sBPF program: it gets
// the frame's account views and instruction data, charges compute through
// its Context and may invoke other programs.
package programs

import (
	"errors"
	"fmt"

	"github.com/fortiblox/svmstub/internal/types"
	"github.com/fortiblox/svmstub/pkg/svm/invoke"
	"github.com/fortiblox/svmstub/pkg/svm/sysvar"
)

// Common builtin errors.
var (
	ErrInvalidInstructionData   = errors.New("invalid instruction data")
	ErrNotEnoughAccountKeys     = errors.New("not enough account keys")
	ErrMissingRequiredSignature = errors.New("missing required signature")
	ErrInvalidAccountOwner      = errors.New("invalid account owner")
	ErrAccountNotWritable       = errors.New("account not writable")
)

// AccountMeta names an account of an instruction a builtin invokes.
type AccountMeta struct {
	Key        types.Pubkey
	IsSigner   bool
	IsWritable bool
}

// Context is what a builtin sees of the runtime.
type Context interface {
	// ProgramID is the program being executed.
	ProgramID() types.Pubkey

	// StackHeight is the height of the builtin's frame.
	StackHeight() int

	// Consume charges compute units.
	Consume(units uint64) error

	// Log appends a "Program log: " line.
	Log(msg string)

	Sysvars() *sysvar.Store

	// SetReturnData publishes return data for the caller.
	SetReturnData(data []byte) error

	// Invoke runs another program over accounts of the current frame.
	// Each seed list in signerSeeds makes the derived address a signer.
	Invoke(programID types.Pubkey, metas []AccountMeta, data []byte, signerSeeds ...[][]byte) error
}

// Builtin is the entrypoint of a builtin program.
type Builtin func(ctx Context, accounts []*invoke.AccountView, data []byte) error

// Custom is a program-defined error carrying its own exit code.
type Custom struct {
	Code uint32
	Msg  string
}

// NewCustom creates a program-defined error.
func NewCustom(code uint32, msg string) *Custom {
	return &Custom{Code: code, Msg: msg}
}

func (c *Custom) Error() string {
	if c.Msg == "" {
		return fmt.Sprintf("custom program error: %#x", c.Code)
	}
	return c.Msg
}

// customZero is the return code of Custom(0), which cannot be 0.
const customZero = uint64(1) << 32

// ReturnCode is the exit code a builtin error maps to. Custom codes keep
// their value; any other error maps to 1.
func ReturnCode(err error) uint64 {
	var c *Custom
	if errors.As(err, &c) {
		if c.Code == 0 {
			return customZero
		}
		return uint64(c.Code)
	}
	return 1
}

// Account returns accounts[i] or ErrNotEnoughAccountKeys.
func Account(accounts []*invoke.AccountView, i int) (*invoke.AccountView, error) {
	if i < 0 || i >= len(accounts) {
		return nil, fmt.Errorf("%w: want index %d of %d", ErrNotEnoughAccountKeys, i, len(accounts))
	}
	return accounts[i], nil
}
