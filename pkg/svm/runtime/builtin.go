package runtime

import (
	"github.com/fortiblox/svmstub/internal/types"
	"github.com/fortiblox/svmstub/pkg/svm"
	"github.com/fortiblox/svmstub/pkg/svm/crypto"
	"github.com/fortiblox/svmstub/pkg/svm/invoke"
	"github.com/fortiblox/svmstub/pkg/svm/programs"
	"github.com/fortiblox/svmstub/pkg/svm/syscall"
	"github.com/fortiblox/svmstub/pkg/svm/sysvar"
)

// builtinBaseCost is charged before any builtin runs, so every builtin
// consumes at least one unit.
const builtinBaseCost = 1

// runBuiltin executes fn over host copies of the frame's accounts. When
// fn succeeds its changes are checked and committed into the frame's
// views, and the lamport total of the frame must be unchanged.
func (s *Session) runBuiltin(frame *invoke.Frame, fn BuiltinFunc, data []byte) error {
	if err := s.meter.Consume(builtinBaseCost); err != nil {
		return err
	}

	before := invoke.SumLamports(frame.Accounts)
	ctx := &invokeContext{session: s, frame: frame, accounts: cloneAccounts(frame.Accounts)}
	if err := callBuiltin(fn, ctx, ctx.accounts, data); err != nil {
		return builtinFault(err)
	}
	for i, a := range frame.Accounts {
		if err := ctx.commit(a, ctx.accounts[i]); err != nil {
			return err
		}
	}
	return invoke.CheckBalance(before, frame.Accounts)
}

// cloneAccounts copies each distinct account once. Repeated keys share
// the copy of their first occurrence.
func cloneAccounts(accounts []*invoke.AccountView) []*invoke.AccountView {
	out := make([]*invoke.AccountView, len(accounts))
	first := make(map[types.Pubkey]int, len(accounts))
	for i, a := range accounts {
		if j, dup := first[a.Key]; dup {
			out[i] = out[j].WithFlags(a.IsSigner, a.IsWritable)
			continue
		}
		first[a.Key] = i
		out[i] = a.Clone()
	}
	return out
}

func callBuiltin(fn BuiltinFunc, ctx programs.Context, accounts []*invoke.AccountView, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if inv, ok := r.(*svm.InvariantError); ok {
				panic(inv)
			}
			err = svm.Faultf(svm.ProgramFailed, "%w: %v", ErrBuiltinPanic, r)
		}
	}()
	return fn(ctx, accounts, data)
}

// builtinFault keeps faults as they are and turns program errors into a
// ProgramFailed fault carrying the error's return code.
func builtinFault(err error) *svm.Fault {
	if _, ok := svm.CodeOf(err); ok {
		return svm.AsFault(err)
	}
	return &svm.Fault{
		Code:       svm.ProgramFailed,
		ReturnCode: programs.ReturnCode(err),
		Err:        err,
	}
}

// invokeContext is the programs.Context of one builtin frame.
type invokeContext struct {
	session  *Session
	frame    *invoke.Frame
	accounts []*invoke.AccountView
}

var _ programs.Context = (*invokeContext)(nil)

func (c *invokeContext) ProgramID() types.Pubkey {
	return c.frame.ProgramID
}

func (c *invokeContext) StackHeight() int {
	return c.frame.Height
}

func (c *invokeContext) Consume(units uint64) error {
	return c.session.meter.Consume(units)
}

func (c *invokeContext) Log(msg string) {
	c.session.logs.Append(syscall.LogPrefix + msg)
}

func (c *invokeContext) Sysvars() *sysvar.Store {
	return c.session.sysvars
}

func (c *invokeContext) SetReturnData(data []byte) error {
	return c.session.dispatcher.SetReturnData(c.frame.ProgramID, data)
}

// commit checks the builtin's working copy of an account against the
// frame's view and commits it.
func (c *invokeContext) commit(held, working *invoke.AccountView) error {
	return held.Commit(c.frame.ProgramID, c.frame.Writable.Has(held.Key), working)
}

// builtinCPIAccount is one distinct account of an invocation made by a
// builtin.
type builtinCPIAccount struct {
	held    *invoke.AccountView
	working *invoke.AccountView
	callee  *invoke.AccountView
}

// Invoke commits the builtin's pending changes to the accounts it passes,
// then pushes a callee frame over private copies of them. On success the
// callee's writable accounts are written back to the frame and to the
// builtin's working copies.
func (c *invokeContext) Invoke(programID types.Pubkey, metas []programs.AccountMeta, data []byte, signerSeeds ...[][]byte) error {
	s := c.session
	if err := s.meter.Consume(s.costs.InvokeCost(uint64(len(data)))); err != nil {
		return err
	}
	if len(signerSeeds) > s.costs.MaxSigners {
		return svm.Faultf(svm.MalformedArgument, "%w: %d signers > %d", syscall.ErrCPILimit, len(signerSeeds), s.costs.MaxSigners)
	}

	signers := make(types.KeySet, len(signerSeeds))
	limits := crypto.LimitsFrom(&s.costs)
	for i, seeds := range signerSeeds {
		pda, err := crypto.CreateProgramAddress(seeds, c.frame.ProgramID, limits)
		if err != nil {
			return svm.Faultf(svm.MalformedArgument, "signer %d: %v", i, err)
		}
		signers.Add(pda)
	}

	accounts, err := c.calleeAccounts(metas)
	if err != nil {
		return err
	}
	views := make([]*invoke.AccountView, len(accounts))
	for i, acct := range accounts {
		views[i] = acct.callee
	}

	h, err := s.stack.Enter(invoke.Invocation{
		ProgramID:  programID,
		Accounts:   views,
		PDASigners: signers,
		Budget:     s.meter.Remaining(),
	})
	if err != nil {
		return err
	}
	execErr := s.ExecuteFrame(s.stack.Top(), data)
	if err := s.stack.Leave(h); err != nil {
		svm.Invariant(err)
	}
	if execErr != nil {
		return execErr
	}

	for _, acct := range accounts {
		if !acct.callee.IsWritable {
			continue
		}
		if err := acct.held.CopyFrom(acct.callee); err != nil {
			return svm.NewFault(svm.MalformedArgument, err)
		}
		if err := acct.working.CopyFrom(acct.held); err != nil {
			return svm.NewFault(svm.MalformedArgument, err)
		}
	}
	return nil
}

func (c *invokeContext) calleeAccounts(metas []programs.AccountMeta) ([]builtinCPIAccount, error) {
	var (
		out   []builtinCPIAccount
		index = make(map[types.Pubkey]int, len(metas))
	)
	for _, m := range metas {
		if i, dup := index[m.Key]; dup {
			out[i].callee.IsSigner = out[i].callee.IsSigner || m.IsSigner
			out[i].callee.IsWritable = out[i].callee.IsWritable || m.IsWritable
			continue
		}
		held, ok := c.frame.Account(m.Key)
		if !ok {
			return nil, svm.Faultf(svm.MalformedArgument, "%w: %s", syscall.ErrUnknownAccount, m.Key)
		}
		working, _ := c.find(m.Key)
		if err := c.commit(held, working); err != nil {
			return nil, err
		}
		index[m.Key] = len(out)
		out = append(out, builtinCPIAccount{
			held:    held,
			working: working,
			callee:  held.Clone().WithFlags(m.IsSigner, m.IsWritable),
		})
	}
	return out, nil
}

func (c *invokeContext) find(key types.Pubkey) (*invoke.AccountView, bool) {
	for _, a := range c.accounts {
		if a.Key == key {
			return a, true
		}
	}
	return nil, false
}
