package syscall

import (
	"encoding/binary"

	"github.com/fortiblox/svmstub/pkg/svm"
	"github.com/fortiblox/svmstub/pkg/svm/sbpf"
)

func init() {
	register(SolMemcpy, (*Dispatcher).solMemcpy)
	register(SolMemmove, (*Dispatcher).solMemmove)
	register(SolMemset, (*Dispatcher).solMemset)
	register(SolMemcmp, (*Dispatcher).solMemcmp)
	register(SolAllocFree, (*Dispatcher).solAllocFree)
}

func nonOverlapping(src, dst, n uint64) bool {
	if src > dst {
		return src-dst >= n
	}
	return dst-src >= n
}

// sol_memcpy_(dst, src, n)
func (d *Dispatcher) solMemcpy(vm sbpf.VM, a Args) (uint64, error) {
	dst, src, n := a[0], a[1], a[2]
	if !nonOverlapping(src, dst, n) {
		return 0, svm.Faultf(svm.MalformedArgument, "%w: dst 0x%x src 0x%x len %d", ErrOverlap, dst, src, n)
	}
	return d.move(vm, dst, src, n)
}

// sol_memmove_(dst, src, n)
func (d *Dispatcher) solMemmove(vm sbpf.VM, a Args) (uint64, error) {
	return d.move(vm, a[0], a[1], a[2])
}

func (d *Dispatcher) move(vm sbpf.VM, dst, src, n uint64) (uint64, error) {
	to, err := translate(vm, dst, n, true)
	if err != nil {
		return 0, err
	}
	from, err := translate(vm, src, n, false)
	if err != nil {
		return 0, err
	}
	if err := d.consume(d.costs.MemOpCost(n)); err != nil {
		return 0, err
	}
	copy(to, from)
	return 0, nil
}

// sol_memset_(dst, c, n)
func (d *Dispatcher) solMemset(vm sbpf.VM, a Args) (uint64, error) {
	to, err := translate(vm, a[0], a[2], true)
	if err != nil {
		return 0, err
	}
	if err := d.consume(d.costs.MemOpCost(a[2])); err != nil {
		return 0, err
	}
	c := byte(a[1])
	for i := range to {
		to[i] = c
	}
	return 0, nil
}

// sol_memcmp_(s1, s2, n, result *i32)
func (d *Dispatcher) solMemcmp(vm sbpf.VM, a Args) (uint64, error) {
	n := a[2]
	s1, err := translate(vm, a[0], n, false)
	if err != nil {
		return 0, err
	}
	s2, err := translate(vm, a[1], n, false)
	if err != nil {
		return 0, err
	}
	out, err := vm.Translate(a[3], 4, true)
	if err != nil {
		return 0, err
	}
	if err := d.consume(d.costs.MemOpCost(n)); err != nil {
		return 0, err
	}

	var res int32
	for i := range s1 {
		if s1[i] != s2[i] {
			res = int32(s1[i]) - int32(s2[i])
			break
		}
	}
	binary.LittleEndian.PutUint32(out, uint32(res))
	return 0, nil
}

// sol_alloc_free_(size, free_ptr). Frees are ignored. A failed allocation
// returns 0.
func (d *Dispatcher) solAllocFree(vm sbpf.VM, a Args) (uint64, error) {
	if a[1] != 0 {
		return 0, nil
	}
	return vm.HeapAlloc(a[0]), nil
}
