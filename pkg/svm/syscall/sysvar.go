package syscall

import (
	"github.com/fortiblox/svmstub/pkg/svm"
	"github.com/fortiblox/svmstub/pkg/svm/sbpf"
	"github.com/fortiblox/svmstub/pkg/svm/sysvar"
)

// SysvarOffsetLengthExceeded is returned by sol_get_sysvar when the
// requested window runs past the end of the sysvar.
const SysvarOffsetLengthExceeded = 1

func init() {
	register(SolGetClockSysvar, sysvarSyscall(sysvar.KindClock))
	register(SolGetRentSysvar, sysvarSyscall(sysvar.KindRent))
	register(SolGetEpochScheduleSysvar, sysvarSyscall(sysvar.KindEpochSchedule))
	register(SolGetFeesSysvar, sysvarSyscall(sysvar.KindFees))
	register(SolGetEpochRewardsSysvar, sysvarSyscall(sysvar.KindEpochRewards))
	register(SolGetLastRestartSlot, sysvarSyscall(sysvar.KindLastRestartSlot))
	register(SolGetSysvar, (*Dispatcher).solGetSysvar)
}

func (d *Dispatcher) sysvarBytes(kind sysvar.Kind) ([]byte, error) {
	b, ok := d.sysvars.Bytes(kind)
	if !ok {
		return nil, svm.Faultf(svm.UnknownSyscall, "sysvar %s not in snapshot", kind)
	}
	return b, nil
}

// sysvarSyscall builds the handler for sol_get_<sysvar>(dst).
func sysvarSyscall(kind sysvar.Kind) handler {
	return func(d *Dispatcher, vm sbpf.VM, a Args) (uint64, error) {
		src, err := d.sysvarBytes(kind)
		if err != nil {
			return 0, err
		}
		dst, err := vm.Translate(a[0], uint64(len(src)), true)
		if err != nil {
			return 0, err
		}
		if err := d.consume(d.costs.SysvarCost(uint64(len(src)))); err != nil {
			return 0, err
		}
		copy(dst, src)
		return 0, nil
	}
}

// sol_get_sysvar(id, dst, offset, len) copies a window of any sysvar.
func (d *Dispatcher) solGetSysvar(vm sbpf.VM, a Args) (uint64, error) {
	id, err := readPubkey(vm, a[0])
	if err != nil {
		return 0, err
	}
	offset, length := a[2], a[3]
	dst, err := translate(vm, a[1], length, true)
	if err != nil {
		return 0, err
	}
	cost := d.costs.SysvarBase + max(length/d.costs.CPIBytesPerUnit, d.costs.MemOpBase)
	if err := d.consume(cost); err != nil {
		return 0, err
	}

	kind, ok := sysvar.KindByID(id)
	if !ok {
		return 0, svm.Faultf(svm.UnknownSyscall, "unknown sysvar %s", id)
	}
	src, err := d.sysvarBytes(kind)
	if err != nil {
		return 0, err
	}
	end := offset + length
	if end < offset || end > uint64(len(src)) {
		return SysvarOffsetLengthExceeded, nil
	}
	copy(dst, src[offset:end])
	return 0, nil
}
