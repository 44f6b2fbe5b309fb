package system

import (
	"encoding/binary"

	"github.com/fortiblox/svmstub/internal/types"
)

// Instruction data encoders. Each returns the bincode layout Process
// decodes.

// CreateAccountData encodes CreateAccount.
func CreateAccountData(lamports, space uint64, owner types.Pubkey) []byte {
	w := newWriter(InstructionCreateAccount)
	w.u64(lamports)
	w.u64(space)
	w.pubkey(owner)
	return w.buf
}

// AssignData encodes Assign.
func AssignData(owner types.Pubkey) []byte {
	w := newWriter(InstructionAssign)
	w.pubkey(owner)
	return w.buf
}

// TransferData encodes Transfer.
func TransferData(lamports uint64) []byte {
	w := newWriter(InstructionTransfer)
	w.u64(lamports)
	return w.buf
}

// CreateAccountWithSeedData encodes CreateAccountWithSeed.
func CreateAccountWithSeedData(base types.Pubkey, seed string, lamports, space uint64, owner types.Pubkey) []byte {
	w := newWriter(InstructionCreateAccountWithSeed)
	w.pubkey(base)
	w.str(seed)
	w.u64(lamports)
	w.u64(space)
	w.pubkey(owner)
	return w.buf
}

// AllocateData encodes Allocate.
func AllocateData(space uint64) []byte {
	w := newWriter(InstructionAllocate)
	w.u64(space)
	return w.buf
}

// AllocateWithSeedData encodes AllocateWithSeed.
func AllocateWithSeedData(base types.Pubkey, seed string, space uint64, owner types.Pubkey) []byte {
	w := newWriter(InstructionAllocateWithSeed)
	w.pubkey(base)
	w.str(seed)
	w.u64(space)
	w.pubkey(owner)
	return w.buf
}

// AssignWithSeedData encodes AssignWithSeed.
func AssignWithSeedData(base types.Pubkey, seed string, owner types.Pubkey) []byte {
	w := newWriter(InstructionAssignWithSeed)
	w.pubkey(base)
	w.str(seed)
	w.pubkey(owner)
	return w.buf
}

// TransferWithSeedData encodes TransferWithSeed.
func TransferWithSeedData(lamports uint64, fromSeed string, fromOwner types.Pubkey) []byte {
	w := newWriter(InstructionTransferWithSeed)
	w.u64(lamports)
	w.str(fromSeed)
	w.pubkey(fromOwner)
	return w.buf
}

type writer struct {
	buf []byte
}

func newWriter(instruction uint32) *writer {
	w := &writer{buf: make([]byte, 0, 64)}
	w.buf = binary.LittleEndian.AppendUint32(w.buf, instruction)
	return w
}

func (w *writer) u64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *writer) pubkey(p types.Pubkey) {
	w.buf = append(w.buf, p[:]...)
}

func (w *writer) str(s string) {
	w.u64(uint64(len(s)))
	w.buf = append(w.buf, s...)
}
