package syscall

import (
	"errors"

	"github.com/fortiblox/svmstub/internal/types"
	"github.com/fortiblox/svmstub/pkg/svm"
	"github.com/fortiblox/svmstub/pkg/svm/crypto"
	"github.com/fortiblox/svmstub/pkg/svm/sbpf"
)

func init() {
	register(SolCreateProgramAddress, (*Dispatcher).solCreateProgramAddress)
	register(SolTryFindProgramAddress, (*Dispatcher).solTryFindProgramAddress)
}

// readSeeds decodes a seed list, rejecting counts over the limit before
// any seed is translated.
func (d *Dispatcher) readSeeds(vm sbpf.VM, addr, n uint64) ([][]byte, error) {
	if n > uint64(d.costs.MaxSeeds) {
		return nil, svm.Faultf(svm.MalformedArgument, "%d seeds exceeds max %d", n, d.costs.MaxSeeds)
	}
	seeds, err := readSlices(vm, addr, n)
	if err != nil {
		return nil, err
	}
	if err := crypto.LimitsFrom(&d.costs).Check(seeds); err != nil {
		return nil, err
	}
	return seeds, nil
}

// sol_create_program_address(seeds, n, program_id, address). Returns 1
// when the derived address is on the curve.
func (d *Dispatcher) solCreateProgramAddress(vm sbpf.VM, a Args) (uint64, error) {
	seeds, err := d.readSeeds(vm, a[0], a[1])
	if err != nil {
		return 0, err
	}
	programID, err := readPubkey(vm, a[2])
	if err != nil {
		return 0, err
	}
	out, err := vm.Translate(a[3], types.PubkeySize, true)
	if err != nil {
		return 0, err
	}
	if err := d.consume(d.costs.CreateProgramAddress); err != nil {
		return 0, err
	}

	addr, err := crypto.CreateProgramAddress(seeds, programID, crypto.LimitsFrom(&d.costs))
	if errors.Is(err, crypto.ErrOnCurve) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	copy(out, addr[:])
	return 0, nil
}

// sol_try_find_program_address(seeds, n, program_id, address, bump).
// Every bump attempt costs one create_program_address charge. Returns 1
// when no bump yields an off-curve address.
func (d *Dispatcher) solTryFindProgramAddress(vm sbpf.VM, a Args) (uint64, error) {
	seeds, err := d.readSeeds(vm, a[0], a[1])
	if err != nil {
		return 0, err
	}
	programID, err := readPubkey(vm, a[2])
	if err != nil {
		return 0, err
	}
	out, err := vm.Translate(a[3], types.PubkeySize, true)
	if err != nil {
		return 0, err
	}
	bumpOut, err := vm.Translate(a[4], 1, true)
	if err != nil {
		return 0, err
	}

	charge := func() error { return d.consume(d.costs.CreateProgramAddress) }
	addr, bump, err := crypto.FindProgramAddress(seeds, programID, crypto.LimitsFrom(&d.costs), charge)
	if errors.Is(err, crypto.ErrNoViableBump) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	copy(out, addr[:])
	bumpOut[0] = bump
	return 0, nil
}
