package invoke

import (
	"github.com/fortiblox/svmstub/internal/types"
	"github.com/fortiblox/svmstub/pkg/svm"
)

// Invocation describes a frame about to be pushed.
type Invocation struct {
	ProgramID types.Pubkey

	// Accounts carries the flags requested for the new frame.
	Accounts []*AccountView

	// PDASigners are addresses derived from the caller's signer seeds.
	PDASigners types.KeySet

	// Budget is the remaining compute budget at entry.
	Budget uint64
}

// Frame is one entry of the invocation stack.
type Frame struct {
	ProgramID types.Pubkey
	Accounts  []*AccountView
	Signers   types.KeySet
	Writable  types.KeySet

	// BudgetSnapshot is the remaining compute budget when the frame was pushed.
	BudgetSnapshot uint64

	// Height is the 1-based stack height of the frame.
	Height int
}

// Account returns the first view in the frame with the given key.
func (f *Frame) Account(key types.Pubkey) (*AccountView, bool) {
	for _, a := range f.Accounts {
		if a.Key == key {
			return a, true
		}
	}
	return nil, false
}

// FrameHandle identifies a pushed frame. Leave requires the handle of the
// top frame.
type FrameHandle struct {
	height int
	seq    uint64
}

// Height returns the stack height of the frame.
func (h FrameHandle) Height() int {
	return h.height
}

type entry struct {
	frame *Frame
	seq   uint64
}

// Stack is the LIFO invocation stack of one run.
type Stack struct {
	max     int
	entries []entry
	seq     uint64
}

// NewStack creates a stack that allows maxDepth nested invocations above
// the root frame.
func NewStack(maxDepth int) *Stack {
	return &Stack{
		max:     maxDepth,
		entries: make([]entry, 0, maxDepth+1),
	}
}

// Enter pushes a frame. It fails with DepthExceeded when the stack is full,
// with MalformedArgument when an account is missing from the immediate
// parent frame and with PrivilegeEscalation when an account gains a
// writable or signer flag that the parent does not hold.
func (s *Stack) Enter(inv Invocation) (FrameHandle, error) {
	if len(s.entries) > s.max {
		return FrameHandle{}, svm.Faultf(svm.DepthExceeded, "nested invocation %d exceeds max %d", len(s.entries), s.max)
	}
	if top := s.Top(); top != nil {
		if err := checkPrivileges(top, inv); err != nil {
			return FrameHandle{}, err
		}
	}

	f := &Frame{
		ProgramID:      inv.ProgramID,
		Accounts:       inv.Accounts,
		Signers:        make(types.KeySet),
		Writable:       make(types.KeySet),
		BudgetSnapshot: inv.Budget,
		Height:         len(s.entries) + 1,
	}
	for _, a := range inv.Accounts {
		if a.IsSigner {
			f.Signers.Add(a.Key)
		}
		if a.IsWritable {
			f.Writable.Add(a.Key)
		}
	}

	s.seq++
	s.entries = append(s.entries, entry{frame: f, seq: s.seq})
	return FrameHandle{height: f.Height, seq: s.seq}, nil
}

// checkPrivileges compares the requested flags against the parent frame.
// An account owned by the callee may be passed writable without the
// parent holding it writable; ownership is read from the parent's view,
// never from the requested one. Signer privileges come only from the
// parent or from the caller's PDA signers.
func checkPrivileges(parent *Frame, inv Invocation) error {
	for i, a := range inv.Accounts {
		held, ok := parent.Account(a.Key)
		if !ok {
			return svm.Faultf(svm.MalformedArgument, "%w: account %d (%s)", ErrMissingAccount, i, a.Key)
		}
		ownedByCallee := held.Owner() == inv.ProgramID
		if a.IsWritable && !parent.Writable.Has(a.Key) && !ownedByCallee {
			return svm.Faultf(svm.PrivilegeEscalation, "account %d (%s) writable without caller privilege", i, a.Key)
		}
		if a.IsSigner && !parent.Signers.Has(a.Key) && !inv.PDASigners.Has(a.Key) {
			return svm.Faultf(svm.PrivilegeEscalation, "account %d (%s) signer without caller privilege", i, a.Key)
		}
	}
	return nil
}

// Leave pops the top frame. The handle must be the one Enter returned for it.
func (s *Stack) Leave(h FrameHandle) error {
	n := len(s.entries)
	if n == 0 || s.entries[n-1].seq != h.seq || n != h.height {
		return svm.Faultf(svm.FrameMismatch, "leave height %d, stack height %d", h.height, n)
	}
	s.entries[n-1] = entry{}
	s.entries = s.entries[:n-1]
	return nil
}

// Top returns the current frame, or nil when the stack is empty.
func (s *Stack) Top() *Frame {
	if len(s.entries) == 0 {
		return nil
	}
	return s.entries[len(s.entries)-1].frame
}

// Caller returns the frame below the top, or nil.
func (s *Stack) Caller() *Frame {
	if len(s.entries) < 2 {
		return nil
	}
	return s.entries[len(s.entries)-2].frame
}

// Depth returns the number of frames on the stack.
func (s *Stack) Depth() int {
	return len(s.entries)
}

// Max returns the configured maximum number of nested invocations.
func (s *Stack) Max() int {
	return s.max
}

// Reset drops every frame.
func (s *Stack) Reset() {
	for i := range s.entries {
		s.entries[i] = entry{}
	}
	s.entries = s.entries[:0]
}
