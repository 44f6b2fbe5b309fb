package syscall

import (
	"fmt"
	"unicode/utf8"

	"github.com/fortiblox/svmstub/internal/types"
	"github.com/fortiblox/svmstub/pkg/svm"
	"github.com/fortiblox/svmstub/pkg/svm/sbpf"
)

func init() {
	register(SolSetReturnData, (*Dispatcher).solSetReturnData)
	register(SolGetReturnData, (*Dispatcher).solGetReturnData)
	register(SolGetStackHeight, (*Dispatcher).solGetStackHeight)
	register(SolRemainingComputeUnits, (*Dispatcher).solRemainingComputeUnits)
	register(Abort, (*Dispatcher).abort)
	register(SolPanic, (*Dispatcher).solPanic)
}

// sol_set_return_data(data, len)
func (d *Dispatcher) solSetReturnData(vm sbpf.VM, a Args) (uint64, error) {
	if a[1] > d.costs.MaxReturnData {
		return 0, svm.Faultf(svm.MalformedArgument, "%w: %d > %d", ErrReturnDataTooLarge, a[1], d.costs.MaxReturnData)
	}
	frame, err := d.topFrame()
	if err != nil {
		return 0, err
	}
	data, err := translate(vm, a[0], a[1], false)
	if err != nil {
		return 0, err
	}
	if err := d.consume(d.costs.SyscallBase + a[1]/d.costs.CPIBytesPerUnit); err != nil {
		return 0, err
	}

	d.setReturnData(frame.ProgramID, data)
	return 0, nil
}

func (d *Dispatcher) setReturnData(program types.Pubkey, data []byte) {
	d.returnProgram = program
	d.returnData = append(d.returnData[:0:0], data...)
}

// SetReturnData publishes return data on behalf of a builtin program.
// It enforces the same size limit as sol_set_return_data but charges
// nothing.
func (d *Dispatcher) SetReturnData(program types.Pubkey, data []byte) error {
	if uint64(len(data)) > d.costs.MaxReturnData {
		return svm.Faultf(svm.MalformedArgument, "%w: %d > %d", ErrReturnDataTooLarge, len(data), d.costs.MaxReturnData)
	}
	d.setReturnData(program, data)
	return nil
}

// sol_get_return_data(dst, len, program_id) copies at most len bytes and
// returns the full length of the return data.
func (d *Dispatcher) solGetReturnData(vm sbpf.VM, a Args) (uint64, error) {
	if err := d.consume(d.costs.SyscallBase); err != nil {
		return 0, err
	}
	n := min(a[1], uint64(len(d.returnData)))
	if n == 0 {
		return uint64(len(d.returnData)), nil
	}

	dst, err := vm.Translate(a[0], n, true)
	if err != nil {
		return 0, err
	}
	pid, err := vm.Translate(a[2], types.PubkeySize, true)
	if err != nil {
		return 0, err
	}
	if err := d.consume((n + types.PubkeySize) / d.costs.CPIBytesPerUnit); err != nil {
		return 0, err
	}
	copy(dst, d.returnData[:n])
	copy(pid, d.returnProgram[:])
	return uint64(len(d.returnData)), nil
}

// sol_get_stack_height() returns the invocation stack height.
func (d *Dispatcher) solGetStackHeight(_ sbpf.VM, _ Args) (uint64, error) {
	if err := d.consume(d.costs.SyscallBase); err != nil {
		return 0, err
	}
	return uint64(d.stack.Depth()), nil
}

// sol_remaining_compute_units() returns the budget left after its own charge.
func (d *Dispatcher) solRemainingComputeUnits(_ sbpf.VM, _ Args) (uint64, error) {
	if err := d.consume(d.costs.SyscallBase); err != nil {
		return 0, err
	}
	return d.meter.Remaining(), nil
}

// abort()
func (d *Dispatcher) abort(_ sbpf.VM, _ Args) (uint64, error) {
	return 0, svm.NewFault(svm.ProgramFailed, ErrAbort)
}

// sol_panic_(file, len, line, column)
func (d *Dispatcher) solPanic(vm sbpf.VM, a Args) (uint64, error) {
	file, err := translate(vm, a[0], a[1], false)
	if err != nil {
		return 0, err
	}
	if err := d.consume(a[1]); err != nil {
		return 0, err
	}
	name := "<invalid utf-8>"
	if utf8.Valid(file) {
		name = string(file)
	}
	return 0, svm.NewFault(svm.ProgramFailed, fmt.Errorf("%w at %s:%d:%d", ErrPanic, name, a[2], a[3]))
}
