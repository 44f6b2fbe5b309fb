package syscall

import (
	"errors"

	"github.com/fortiblox/svmstub/internal/types"
	"github.com/fortiblox/svmstub/pkg/svm"
	"github.com/fortiblox/svmstub/pkg/svm/crypto"
	"github.com/fortiblox/svmstub/pkg/svm/invoke"
	"github.com/fortiblox/svmstub/pkg/svm/sbpf"
)

func init() {
	register(SolInvokeSignedC, func(d *Dispatcher, vm sbpf.VM, a Args) (uint64, error) {
		return d.invokeSigned(vm, a, abiC)
	})
	register(SolInvokeSignedRust, func(d *Dispatcher, vm sbpf.VM, a Args) (uint64, error) {
		return d.invokeSigned(vm, a, abiRust)
	})
}

// invokeSigned implements sol_invoke_signed_{c,rust}(instruction,
// account_infos, n_infos, signer_seeds, n_signers).
//
// Account state comes from the caller's frame. The caller's pending
// changes, read through its account infos, are checked against the
// caller's privileges and committed to the frame first. The callee runs
// on private copies that are written back to the frame and the account
// infos only when it succeeds. Privilege violations and a full stack
// fault the caller. A failing callee returns its fault code in r0.
func (d *Dispatcher) invokeSigned(vm sbpf.VM, a Args, abi cpiABI) (uint64, error) {
	caller, err := d.topFrame()
	if err != nil {
		return 0, err
	}
	if d.executor == nil {
		return 0, svm.Faultf(svm.MalformedArgument, "%w: no cpi executor", ErrMissingCollaborator)
	}

	ins, err := abi.instruction(d, vm, a[0])
	if err != nil {
		return 0, err
	}
	if err := d.consume(d.costs.InvokeCost(uint64(len(ins.data)))); err != nil {
		return 0, err
	}
	infos, err := abi.accountInfos(d, vm, a[1], a[2])
	if err != nil {
		return 0, err
	}
	signers, err := d.pdaSigners(vm, caller.ProgramID, a[3], a[4])
	if err != nil {
		return 0, err
	}
	accounts, err := d.calleeAccounts(vm, caller, ins.metas, infos)
	if err != nil {
		return 0, err
	}
	views := make([]*invoke.AccountView, len(accounts))
	for i, acct := range accounts {
		views[i] = acct.callee
	}

	h, err := d.stack.Enter(invoke.Invocation{
		ProgramID:  ins.programID,
		Accounts:   views,
		PDASigners: signers,
		Budget:     d.meter.Remaining(),
	})
	if err != nil {
		return 0, err
	}
	if err := checkWritableWindows(vm, accounts); err != nil {
		d.leave(h)
		return 0, err
	}

	execErr := d.executor.ExecuteFrame(d.stack.Top(), ins.data)
	d.leave(h)

	if execErr != nil {
		if d.meter.IsExhausted() {
			return 0, svm.NewFault(svm.BudgetExhausted, execErr)
		}
		d.log.Debug("callee failed", "program", ins.programID, "err", execErr)
		return CalleeErrorCode(execErr), nil
	}
	if err := updateCaller(vm, accounts); err != nil {
		return 0, err
	}
	return 0, nil
}

// leave pops a frame pushed by invokeSigned. A mismatch means the
// executor unbalanced the stack.
func (d *Dispatcher) leave(h invoke.FrameHandle) {
	if err := d.stack.Leave(h); err != nil {
		svm.Invariant(err)
	}
}

// CalleeErrorCode is the r0 value a caller sees when a CPI callee fails:
// the callee's exit code for a non-zero exit, otherwise its fault code.
func CalleeErrorCode(err error) uint64 {
	f := svm.AsFault(err)
	if f.Code == svm.ProgramFailed && f.ReturnCode != 0 {
		return f.ReturnCode
	}
	return uint64(f.Code)
}

// pdaSigners derives the program addresses the caller signs for.
func (d *Dispatcher) pdaSigners(vm sbpf.VM, caller types.Pubkey, addr, n uint64) (types.KeySet, error) {
	if n == 0 {
		return nil, nil
	}
	if n > uint64(d.costs.MaxSigners) {
		return nil, svm.Faultf(svm.MalformedArgument, "%w: %d signers > %d", ErrCPILimit, n, d.costs.MaxSigners)
	}
	refs, err := readSliceRefs(vm, addr, n)
	if err != nil {
		return nil, err
	}

	out := make(types.KeySet, len(refs))
	limits := crypto.LimitsFrom(&d.costs)
	for i, r := range refs {
		seeds, err := d.readSeeds(vm, r.addr, r.len)
		if err != nil {
			return nil, err
		}
		pda, err := crypto.CreateProgramAddress(seeds, caller, limits)
		if errors.Is(err, crypto.ErrOnCurve) {
			return nil, svm.Faultf(svm.MalformedArgument, "signer %d: %v", i, err)
		}
		if err != nil {
			return nil, err
		}
		out.Add(pda)
	}
	return out, nil
}

// cpiAccount is one distinct account of a cross-program invocation.
type cpiAccount struct {
	// held is the caller frame's view of the account.
	held *invoke.AccountView

	// callee is the private copy the callee frame runs on.
	callee *invoke.AccountView

	info callerAccount
}

// calleeAccounts resolves every distinct instruction account against the
// caller frame and the caller's account infos. Repeated metas merge their
// flags.
func (d *Dispatcher) calleeAccounts(vm sbpf.VM, caller *invoke.Frame, metas []accountMeta, infos []callerAccount) ([]cpiAccount, error) {
	var (
		out   []cpiAccount
		index = make(map[types.Pubkey]int, len(metas))
	)
	for _, m := range metas {
		if i, dup := index[m.key]; dup {
			out[i].callee.IsSigner = out[i].callee.IsSigner || m.signer
			out[i].callee.IsWritable = out[i].callee.IsWritable || m.writable
			continue
		}

		held, ok := caller.Account(m.key)
		if !ok {
			return nil, svm.Faultf(svm.MalformedArgument, "%w: %s not in caller frame", ErrUnknownAccount, m.key)
		}
		info, ok := findInfo(infos, m.key)
		if !ok {
			return nil, svm.Faultf(svm.MalformedArgument, "%w: no account info for %s", ErrUnknownAccount, m.key)
		}
		if err := d.consume(d.costs.AccountDataCost(info.dataLen)); err != nil {
			return nil, err
		}

		current, err := viewOf(vm, info, false)
		if err != nil {
			return nil, err
		}
		if err := held.Commit(caller.ProgramID, caller.Writable.Has(m.key), current); err != nil {
			return nil, err
		}

		index[m.key] = len(out)
		out = append(out, cpiAccount{
			held:   held,
			callee: held.Clone().WithFlags(m.signer, m.writable),
			info:   info,
		})
	}
	return out, nil
}

func findInfo(infos []callerAccount, key types.Pubkey) (callerAccount, bool) {
	for _, info := range infos {
		if info.key == key {
			return info, true
		}
	}
	return callerAccount{}, false
}

// viewOf maps the windows of an account info. The view only carries
// values; flags and ownership rules come from the caller frame.
func viewOf(vm sbpf.VM, src callerAccount, write bool) (*invoke.AccountView, error) {
	lamports, err := vm.Translate(src.lamportsAddr, 8, write)
	if err != nil {
		return nil, err
	}
	owner, err := vm.Translate(src.ownerAddr, types.PubkeySize, write)
	if err != nil {
		return nil, err
	}
	data, err := translate(vm, src.dataAddr, src.dataLen, write)
	if err != nil {
		return nil, err
	}
	view, err := invoke.NewAccountView(src.key, lamports, owner, data, false, false, false)
	if err != nil {
		return nil, svm.NewFault(svm.MalformedArgument, err)
	}
	return view, nil
}

// checkWritableWindows verifies that every account the callee may write
// has its account info windows in writable VM memory.
func checkWritableWindows(vm sbpf.VM, accounts []cpiAccount) error {
	for _, acct := range accounts {
		if !acct.callee.IsWritable {
			continue
		}
		if _, err := viewOf(vm, acct.info, true); err != nil {
			return err
		}
	}
	return nil
}

// updateCaller commits the callee's copies of its writable accounts to
// the caller frame and mirrors them into the caller's account infos.
func updateCaller(vm sbpf.VM, accounts []cpiAccount) error {
	for _, acct := range accounts {
		if !acct.callee.IsWritable {
			continue
		}
		if err := acct.held.CopyFrom(acct.callee); err != nil {
			return svm.NewFault(svm.MalformedArgument, err)
		}
		window, err := viewOf(vm, acct.info, true)
		if err != nil {
			return err
		}
		if err := window.CopyFrom(acct.held); err != nil {
			return svm.NewFault(svm.MalformedArgument, err)
		}
	}
	return nil
}
