package invoke

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/svmstub/internal/types"
	"github.com/fortiblox/svmstub/pkg/svm"
)

func key(b byte) types.Pubkey {
	var k types.Pubkey
	k[0] = b
	return k
}

var (
	progA  = key(0xA0)
	progB  = key(0xB0)
	progC  = key(0xC0)
	other  = key(0xEE)
	acctX  = key(1)
	acctY  = key(2)
	pdaKey = key(3)
)

func view(k, owner types.Pubkey, signer, writable bool) *AccountView {
	return HostAccount(k, owner, 100, make([]byte, 4), signer, writable)
}

func rootWith(t *testing.T, s *Stack, accts ...*AccountView) FrameHandle {
	t.Helper()
	h, err := s.Enter(Invocation{ProgramID: progA, Accounts: accts})
	require.NoError(t, err)
	return h
}

func TestRootFrameTakesHarnessPrivileges(t *testing.T) {
	s := NewStack(4)
	h := rootWith(t, s, view(acctX, other, true, true))
	assert.True(t, s.Top().Signers.Has(acctX))
	assert.True(t, s.Top().Writable.Has(acctX))
	assert.Equal(t, 1, h.Height())
	require.NoError(t, s.Leave(h))
	assert.Equal(t, 0, s.Depth())
}

func TestPrivilegeEscalation(t *testing.T) {
	escalation, missing := svm.ErrPrivilegeEscalation, svm.ErrMalformedArgument
	tests := []struct {
		name   string
		parent *AccountView
		child  *AccountView
		callee types.Pubkey
		pdas   types.KeySet
		want   error
	}{
		{"readonly to readonly", view(acctX, other, false, false), view(acctX, other, false, false), progB, nil, nil},
		{"writable to writable", view(acctX, other, false, true), view(acctX, other, false, true), progB, nil, nil},
		{"writable to readonly", view(acctX, other, false, true), view(acctX, other, false, false), progB, nil, nil},
		{"readonly to writable", view(acctX, other, false, false), view(acctX, other, false, true), progB, nil, escalation},
		{"signer to signer", view(acctX, other, true, false), view(acctX, other, true, false), progB, nil, nil},
		{"signer to nonsigner", view(acctX, other, true, false), view(acctX, other, false, false), progB, nil, nil},
		{"nonsigner to signer", view(acctX, other, false, false), view(acctX, other, true, false), progB, nil, escalation},
		{"unknown account writable", view(acctY, other, true, true), view(acctX, other, false, true), progB, nil, missing},
		{"unknown account readonly", view(acctY, other, true, true), view(acctX, other, false, false), progB, nil, missing},
		{"callee-owned writable", view(acctX, progB, false, false), view(acctX, progB, false, true), progB, nil, nil},
		{"callee-owned signer", view(acctX, progB, false, false), view(acctX, progB, true, false), progB, nil, escalation},
		{"owned by someone else writable", view(acctX, progC, false, false), view(acctX, progC, false, true), progB, nil, escalation},
		{"requested view claims callee ownership", view(acctX, other, false, false), view(acctX, progB, false, true), progB, nil, escalation},
		{"pda signer", view(pdaKey, other, false, false), view(pdaKey, other, true, false), progB, types.NewKeySet(pdaKey), nil},
		{"pda does not grant writable", view(pdaKey, other, false, false), view(pdaKey, other, true, true), progB, types.NewKeySet(pdaKey), escalation},
		{"pda for a different key", view(acctX, other, false, false), view(acctX, other, true, false), progB, types.NewKeySet(pdaKey), escalation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStack(4)
			rootWith(t, s, tt.parent)

			_, err := s.Enter(Invocation{ProgramID: tt.callee, Accounts: []*AccountView{tt.child}, PDASigners: tt.pdas})
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
				assert.Equal(t, 1, s.Depth())
			} else {
				assert.NoError(t, err)
				assert.Equal(t, 2, s.Depth())
			}
		})
	}
}

func TestGrandchildChecksImmediateParent(t *testing.T) {
	s := NewStack(4)
	rootWith(t, s, view(acctX, other, true, true))

	// B receives X read-only and unsigned.
	_, err := s.Enter(Invocation{ProgramID: progB, Accounts: []*AccountView{view(acctX, other, false, false)}})
	require.NoError(t, err)

	// C asks for the root's privileges back; only B's frame counts.
	_, err = s.Enter(Invocation{ProgramID: progC, Accounts: []*AccountView{view(acctX, other, false, true)}})
	assert.ErrorIs(t, err, svm.ErrPrivilegeEscalation)
	_, err = s.Enter(Invocation{ProgramID: progC, Accounts: []*AccountView{view(acctX, other, true, false)}})
	assert.ErrorIs(t, err, svm.ErrPrivilegeEscalation)
	assert.Equal(t, 2, s.Depth())
}

func TestDepthLimit(t *testing.T) {
	const maxDepth = 4
	s := NewStack(maxDepth)

	// The root frame plus maxDepth nested invocations fit.
	var handles []FrameHandle
	for i := 0; i <= maxDepth; i++ {
		h, err := s.Enter(Invocation{ProgramID: progA})
		require.NoError(t, err, "nested invocation %d", i)
		handles = append(handles, h)
	}
	assert.Equal(t, maxDepth+1, s.Depth())

	_, err := s.Enter(Invocation{ProgramID: progA})
	assert.ErrorIs(t, err, svm.ErrDepthExceeded)
	assert.Equal(t, maxDepth+1, s.Depth())

	for i := len(handles) - 1; i >= 0; i-- {
		require.NoError(t, s.Leave(handles[i]))
	}
	assert.Equal(t, 0, s.Depth())
}

func TestLeaveMismatch(t *testing.T) {
	s := NewStack(4)
	root := rootWith(t, s)
	child, err := s.Enter(Invocation{ProgramID: progB})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Leave(root), svm.ErrFrameMismatch)
	require.NoError(t, s.Leave(child))
	assert.ErrorIs(t, s.Leave(child), svm.ErrFrameMismatch)
	require.NoError(t, s.Leave(root))
	assert.ErrorIs(t, s.Leave(root), svm.ErrFrameMismatch)

	// A handle from a previous frame at the same height is stale.
	h1 := rootWith(t, s)
	require.NoError(t, s.Leave(h1))
	rootWith(t, s)
	assert.ErrorIs(t, s.Leave(h1), svm.ErrFrameMismatch)
}

func TestFrameTracksBudgetAndCaller(t *testing.T) {
	s := NewStack(4)
	_, err := s.Enter(Invocation{ProgramID: progA, Budget: 900})
	require.NoError(t, err)
	_, err = s.Enter(Invocation{ProgramID: progB, Budget: 400})
	require.NoError(t, err)

	assert.Equal(t, uint64(400), s.Top().BudgetSnapshot)
	assert.Equal(t, progA, s.Caller().ProgramID)
	assert.Equal(t, 2, s.Top().Height)

	s.Reset()
	assert.Nil(t, s.Top())
}

func TestAccountViewWrites(t *testing.T) {
	ro := HostAccount(acctX, other, 5, []byte{1, 2}, false, false)
	assert.ErrorIs(t, ro.SetLamports(6), ErrReadOnlyAccount)
	assert.ErrorIs(t, ro.SetOwner(progA), ErrReadOnlyAccount)

	rw := ro.WithFlags(false, true)
	require.NoError(t, rw.SetLamports(6))
	require.NoError(t, rw.SetOwner(progA))
	assert.Equal(t, uint64(6), ro.Lamports(), "views share windows")
	assert.Equal(t, progA, ro.Owner())

	assert.ErrorIs(t, rw.SetData([]byte{1}), ErrDataLengthChanged)
	require.NoError(t, rw.SetData([]byte{9, 9}))
	assert.Equal(t, []byte{9, 9}, ro.Data())

	_, err := NewAccountView(acctX, make([]byte, 7), make([]byte, 32), nil, false, false, false)
	assert.ErrorIs(t, err, ErrBadWindow)
}

func TestAccountViewCloneIsolates(t *testing.T) {
	orig := HostAccount(key(1), progA, 10, []byte{1, 2}, false, true)
	c := orig.Clone()

	require.NoError(t, c.SetLamports(20))
	require.NoError(t, c.SetData([]byte{3, 4}))
	assert.Equal(t, uint64(10), orig.Lamports())
	assert.Equal(t, []byte{1, 2}, orig.Data())

	require.NoError(t, orig.CopyFrom(c))
	assert.Equal(t, uint64(20), orig.Lamports())
	assert.Equal(t, []byte{3, 4}, orig.Data())

	short := HostAccount(key(1), progA, 0, []byte{1}, false, true)
	assert.ErrorIs(t, orig.CopyFrom(short), ErrDataLengthChanged)
}

func TestZeroDepthAllowsOnlyRoot(t *testing.T) {
	s := NewStack(0)
	rootWith(t, s)
	_, err := s.Enter(Invocation{ProgramID: progB})
	assert.ErrorIs(t, err, svm.ErrDepthExceeded)
}
