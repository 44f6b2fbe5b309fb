// Package invoke implements the invocation stack used for cross-program
// invocation, together with the account views each frame exposes.
package invoke

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/svmstub/internal/types"
)

var (
	// ErrBadWindow is returned when a view window has the wrong size.
	ErrBadWindow = errors.New("invalid account view window")

	// ErrReadOnlyAccount is returned when writing through a read-only view.
	ErrReadOnlyAccount = errors.New("account is not writable")

	// ErrDataLengthChanged is returned when a data write would change the
	// length of an account's data window.
	ErrDataLengthChanged = errors.New("account data length changed")
)

// AccountView is a non-owning window into VM memory describing one
// account. The lamports, owner and data slices alias VM memory, so writes
// through a view are visible to the program that owns the memory. A view
// is valid only while the frame that holds it is on the stack.
type AccountView struct {
	Key        types.Pubkey
	IsSigner   bool
	IsWritable bool
	Executable bool

	lamports []byte
	owner    []byte
	data     []byte
}

// NewAccountView builds a view over the given windows. lamports must be
// 8 bytes and owner 32 bytes.
func NewAccountView(key types.Pubkey, lamports, owner, data []byte, signer, writable, executable bool) (*AccountView, error) {
	if len(lamports) != 8 {
		return nil, fmt.Errorf("%w: lamports window is %d bytes", ErrBadWindow, len(lamports))
	}
	if len(owner) != types.PubkeySize {
		return nil, fmt.Errorf("%w: owner window is %d bytes", ErrBadWindow, len(owner))
	}
	return &AccountView{
		Key:        key,
		IsSigner:   signer,
		IsWritable: writable,
		Executable: executable,
		lamports:   lamports,
		owner:      owner,
		data:       data,
	}, nil
}

// HostAccount allocates a view backed by host memory. Builtin programs and
// tests use it where no VM region exists.
func HostAccount(key, owner types.Pubkey, lamports uint64, data []byte, signer, writable bool) *AccountView {
	lb := make([]byte, 8)
	binary.LittleEndian.PutUint64(lb, lamports)
	ob := make([]byte, types.PubkeySize)
	copy(ob, owner[:])
	v, _ := NewAccountView(key, lb, ob, data, signer, writable, false)
	return v
}

// Lamports returns the account balance.
func (a *AccountView) Lamports() uint64 {
	return binary.LittleEndian.Uint64(a.lamports)
}

// SetLamports overwrites the balance. The view must be writable.
func (a *AccountView) SetLamports(v uint64) error {
	if !a.IsWritable {
		return fmt.Errorf("%w: %s", ErrReadOnlyAccount, a.Key)
	}
	binary.LittleEndian.PutUint64(a.lamports, v)
	return nil
}

// Owner returns the owning program.
func (a *AccountView) Owner() types.Pubkey {
	var p types.Pubkey
	copy(p[:], a.owner)
	return p
}

// SetOwner reassigns the account. The view must be writable.
func (a *AccountView) SetOwner(owner types.Pubkey) error {
	if !a.IsWritable {
		return fmt.Errorf("%w: %s", ErrReadOnlyAccount, a.Key)
	}
	copy(a.owner, owner[:])
	return nil
}

// Data returns the data window. Callers must not retain it past the frame.
func (a *AccountView) Data() []byte {
	return a.data
}

// SetData copies b into the data window. The length must not change.
func (a *AccountView) SetData(b []byte) error {
	if !a.IsWritable {
		return fmt.Errorf("%w: %s", ErrReadOnlyAccount, a.Key)
	}
	if len(b) != len(a.data) {
		return fmt.Errorf("%w: %s has %d bytes, got %d", ErrDataLengthChanged, a.Key, len(a.data), len(b))
	}
	copy(a.data, b)
	return nil
}

// CopyFrom copies the balance, owner and data of src into a. It is used
// to write callee results back into the caller's view of the same account.
func (a *AccountView) CopyFrom(src *AccountView) error {
	if len(src.data) != len(a.data) {
		return fmt.Errorf("%w: %s has %d bytes, callee left %d", ErrDataLengthChanged, a.Key, len(a.data), len(src.data))
	}
	copy(a.lamports, src.lamports)
	copy(a.owner, src.owner)
	copy(a.data, src.data)
	return nil
}

// WithFlags returns a view over the same windows with different flags.
func (a *AccountView) WithFlags(signer, writable bool) *AccountView {
	c := *a
	c.IsSigner = signer
	c.IsWritable = writable
	return &c
}

// Clone returns a view over host copies of a's windows.
func (a *AccountView) Clone() *AccountView {
	c := *a
	c.lamports = append([]byte(nil), a.lamports...)
	c.owner = append([]byte(nil), a.owner...)
	c.data = append([]byte(nil), a.data...)
	return &c
}
