// Package sbpf implements the sBPF interpreter that runs programs against
// the syscall stubs.
//
// sBPF is a register-based virtual machine with 11 64-bit registers (R0-R10),
// where R10 is a read-only frame pointer. Memory is organized into four
// regions:
// - Program (0x100000000): read-only code and data
// - Stack   (0x200000000): read-write stack frames separated by gaps
// - Heap    (0x300000000): read-write heap served by a bump allocator
// - Input   (0x400000000): read-write serialized parameters
//
// Every error the interpreter returns is a *svm.Fault.
package sbpf

import (
	"math/bits"

	"github.com/fortiblox/svmstub/pkg/svm"
)

// Virtual memory region base addresses.
const (
	VaddrProgram = svm.VaddrProgram
	VaddrStack   = svm.VaddrStack
	VaddrHeap    = svm.VaddrHeap
	VaddrInput   = svm.VaddrInput
)

// Stack and heap constants.
const (
	StackFrameSize = 4096
	StackDepth     = 64
	StackGap       = 4096
	HeapDefault    = 32 * 1024
	HeapMax        = 256 * 1024

	// HeapAlign is the alignment of sol_alloc_free_ allocations.
	HeapAlign = 8
)

// VM is the view of a running interpreter that syscalls receive.
type VM interface {
	// Translate maps [addr, addr+size) to host memory. It fails with an
	// OutOfBoundsMemory fault if the range leaves its region or a write
	// targets a read-only region.
	Translate(addr uint64, size uint64, write bool) ([]byte, error)

	Read(addr uint64, p []byte) error
	Read8(addr uint64) (uint8, error)
	Read16(addr uint64) (uint16, error)
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)

	Write(addr uint64, p []byte) error
	Write8(addr uint64, x uint8) error
	Write16(addr uint64, x uint16) error
	Write32(addr uint64, x uint32) error
	Write64(addr uint64, x uint64) error

	// HeapAlloc bump-allocates size bytes and returns the virtual
	// address, or 0 when the heap is exhausted.
	HeapAlloc(size uint64) uint64
	HeapSize() uint64
}

// Syscall is the interface for host functions callable from sBPF programs.
type Syscall interface {
	// Invoke executes the syscall. Arguments are passed in r1-r5 and the
	// result goes in r0.
	Invoke(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error)
}

// SyscallFunc is a function that implements Syscall.
type SyscallFunc func(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error)

// Invoke implements Syscall.
func (f SyscallFunc) Invoke(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return f(vm, r1, r2, r3, r4, r5)
}

// SyscallRegistry maps syscall hashes to implementations.
type SyscallRegistry func(hash uint32) (Syscall, bool)

// Program represents a loaded sBPF program.
type Program struct {
	Text      []uint64          // Instructions
	RO        []byte            // Read-only data mapped at VaddrProgram
	Entry     uint64            // Entry point, in instruction slots
	Functions map[uint32]uint64 // Function registry: hash -> PC
}

// Options configures the interpreter.
type Options struct {
	HeapSize         uint64
	InstructionLimit uint64 // zero means unlimited
	Syscalls         SyscallRegistry
}

// Interpreter executes one sBPF program invocation.
type Interpreter struct {
	text      []uint64
	ro        []byte
	entry     uint64
	functions map[uint32]uint64

	stack   *callStack
	heap    []byte
	heapPos uint64
	input   []byte

	syscalls SyscallRegistry
	limit    uint64
	executed uint64
}

// NewInterpreter creates an interpreter over program with the given input
// region. The input slice is mapped writable and aliased, not copied.
func NewInterpreter(program *Program, input []byte, opts Options) *Interpreter {
	heapSize := opts.HeapSize
	if heapSize == 0 {
		heapSize = HeapDefault
	}
	if heapSize > HeapMax {
		heapSize = HeapMax
	}

	return &Interpreter{
		text:      program.Text,
		ro:        program.RO,
		entry:     program.Entry,
		functions: program.Functions,
		stack:     newCallStack(),
		heap:      make([]byte, heapSize),
		input:     input,
		syscalls:  opts.Syscalls,
		limit:     opts.InstructionLimit,
	}
}

// Executed returns the number of instructions executed so far.
func (ip *Interpreter) Executed() uint64 {
	return ip.executed
}

// Run executes the program until exit or fault. A panic carrying an
// *svm.InvariantError is propagated; any other panic becomes an
// InvalidInstruction fault.
func (ip *Interpreter) Run() (r0 uint64, err error) {
	var r [11]uint64
	r[1] = VaddrInput
	r[10] = VaddrStack + StackFrameSize

	pc := int64(ip.entry)

	defer func() {
		if rec := recover(); rec != nil {
			if inv, ok := rec.(*svm.InvariantError); ok {
				panic(inv)
			}
			r0 = 0
			err = svm.Faultf(svm.InvalidInstruction, "vm panic at pc %d: %v", pc, rec)
		}
	}()

	for {
		if pc < 0 || pc >= int64(len(ip.text)) {
			return 0, svm.Faultf(svm.InvalidInstruction, "program counter out of bounds: %d", pc)
		}
		if ip.limit != 0 && ip.executed >= ip.limit {
			return 0, svm.Faultf(svm.InvalidInstruction, "instruction limit %d reached", ip.limit)
		}
		ip.executed++

		ins := Instruction(ip.text[pc])
		op, dst, src := ins.Op(), ins.Dst(), ins.Src()
		off, imm := int64(ins.Off()), ins.Imm()

		if dst > 10 || src > 10 {
			return 0, svm.Faultf(svm.InvalidInstruction, "invalid register at pc %d", pc)
		}

		switch ins.Class() {
		case ClassAlu64, ClassAlu:
			if dst == 10 {
				return 0, svm.Faultf(svm.InvalidInstruction, "write to r10 at pc %d", pc)
			}
			v, err := ip.alu(op, r[dst], r[src], imm)
			if err != nil {
				return 0, err
			}
			r[dst] = v

		case ClassLd:
			if op != OpLddw || pc+1 >= int64(len(ip.text)) || dst == 10 {
				return 0, svm.Faultf(svm.InvalidInstruction, "bad lddw at pc %d", pc)
			}
			hi := Instruction(ip.text[pc+1]).Imm()
			r[dst] = uint64(uint32(imm)) | uint64(uint32(hi))<<32
			pc++

		case ClassLdx:
			if op&0xE0 != ModeMem || dst == 10 {
				return 0, svm.Faultf(svm.InvalidInstruction, "opcode 0x%02x at pc %d", op, pc)
			}
			v, err := ip.load(r[src]+uint64(off), accessSize(op))
			if err != nil {
				return 0, err
			}
			r[dst] = v

		case ClassSt, ClassStx:
			if op&0xE0 != ModeMem {
				return 0, svm.Faultf(svm.InvalidInstruction, "opcode 0x%02x at pc %d", op, pc)
			}
			v := uint64(int64(imm))
			if ins.Class() == ClassStx {
				v = r[src]
			}
			if err := ip.store(r[dst]+uint64(off), accessSize(op), v); err != nil {
				return 0, err
			}

		case ClassJmp, ClassJmp32:
			switch op {
			case OpJa:
				pc += off
			case OpCall:
				next, err := ip.call(&r, pc, src, uint32(imm))
				if err != nil {
					return 0, err
				}
				pc = next
				continue
			case OpExit:
				ret, ok := ip.stack.pop(&r)
				if !ok {
					return r[0], nil
				}
				pc = ret
				continue
			default:
				b := uint64(int64(imm))
				if op&SrcX != 0 {
					b = r[src]
				}
				taken, ok := jumpTaken(op, r[dst], b)
				if !ok {
					return 0, svm.Faultf(svm.InvalidInstruction, "opcode 0x%02x at pc %d", op, pc)
				}
				if taken {
					pc += off
				}
			}
		}

		pc++
	}
}

// call dispatches a call instruction and returns the next pc.
func (ip *Interpreter) call(r *[11]uint64, pc int64, src uint8, hash uint32) (int64, error) {
	if src == 0 && ip.syscalls != nil {
		if sc, ok := ip.syscalls(hash); ok {
			v, err := sc.Invoke(ip, r[1], r[2], r[3], r[4], r[5])
			if err != nil {
				return 0, svm.AsFault(err)
			}
			r[0] = v
			return pc + 1, nil
		}
	}

	var target int64
	switch {
	case src == 0 && ip.functions != nil:
		t, ok := ip.functions[hash]
		if !ok {
			return 0, svm.Faultf(svm.UnknownSyscall, "unresolved call 0x%08x at pc %d", hash, pc)
		}
		target = int64(t)
	case src == 1:
		target = pc + int64(int32(hash)) + 1
	default:
		return 0, svm.Faultf(svm.UnknownSyscall, "unresolved call 0x%08x at pc %d", hash, pc)
	}

	if err := ip.stack.push(r, pc+1); err != nil {
		return 0, err
	}
	return target, nil
}

func (ip *Interpreter) alu(op uint8, a, rb uint64, imm int32) (uint64, error) {
	b := uint64(int64(imm))
	if op&SrcX != 0 {
		b = rb
	}
	if op&0x07 == ClassAlu64 {
		return alu64(op, a, b)
	}
	if op&0xF0 == AluEnd {
		return byteSwap(op, a, imm)
	}
	v, err := alu32(op, uint32(a), uint32(b))
	return uint64(v), err
}

func alu64(op uint8, a, b uint64) (uint64, error) {
	switch op & 0xF0 {
	case AluAdd:
		return a + b, nil
	case AluSub:
		return a - b, nil
	case AluMul:
		return a * b, nil
	case AluDiv:
		if b == 0 {
			return 0, svm.Faultf(svm.InvalidInstruction, "division by zero")
		}
		return a / b, nil
	case AluMod:
		if b == 0 {
			return 0, svm.Faultf(svm.InvalidInstruction, "division by zero")
		}
		return a % b, nil
	case AluOr:
		return a | b, nil
	case AluAnd:
		return a & b, nil
	case AluXor:
		return a ^ b, nil
	case AluLsh:
		return a << (b & 63), nil
	case AluRsh:
		return a >> (b & 63), nil
	case AluArsh:
		return uint64(int64(a) >> (b & 63)), nil
	case AluMov:
		return b, nil
	case AluNeg:
		if op&SrcX == 0 {
			return -a, nil
		}
	}
	return 0, svm.Faultf(svm.InvalidInstruction, "alu64 opcode 0x%02x", op)
}

func alu32(op uint8, a, b uint32) (uint32, error) {
	switch op & 0xF0 {
	case AluAdd:
		return a + b, nil
	case AluSub:
		return a - b, nil
	case AluMul:
		return a * b, nil
	case AluDiv:
		if b == 0 {
			return 0, svm.Faultf(svm.InvalidInstruction, "division by zero")
		}
		return a / b, nil
	case AluMod:
		if b == 0 {
			return 0, svm.Faultf(svm.InvalidInstruction, "division by zero")
		}
		return a % b, nil
	case AluOr:
		return a | b, nil
	case AluAnd:
		return a & b, nil
	case AluXor:
		return a ^ b, nil
	case AluLsh:
		return a << (b & 31), nil
	case AluRsh:
		return a >> (b & 31), nil
	case AluArsh:
		return uint32(int32(a) >> (b & 31)), nil
	case AluMov:
		return b, nil
	case AluNeg:
		if op&SrcX == 0 {
			return -a, nil
		}
	}
	return 0, svm.Faultf(svm.InvalidInstruction, "alu32 opcode 0x%02x", op)
}

// byteSwap implements le/be. The host is treated as little-endian, so le
// only truncates.
func byteSwap(op uint8, a uint64, width int32) (uint64, error) {
	be := op == OpBe
	switch width {
	case 16:
		if be {
			return uint64(bits.ReverseBytes16(uint16(a))), nil
		}
		return uint64(uint16(a)), nil
	case 32:
		if be {
			return uint64(bits.ReverseBytes32(uint32(a))), nil
		}
		return uint64(uint32(a)), nil
	case 64:
		if be {
			return bits.ReverseBytes64(a), nil
		}
		return a, nil
	}
	return 0, svm.Faultf(svm.InvalidInstruction, "byte swap width %d", width)
}

// jumpTaken evaluates a conditional jump. The second result is false for
// an unknown opcode.
func jumpTaken(op uint8, a, b uint64) (bool, bool) {
	if op&0x07 == ClassJmp32 {
		a, b = uint64(uint32(a)), uint64(uint32(b))
		sa, sb := int64(int32(a)), int64(int32(b))
		return compare(op, a, b, sa, sb)
	}
	return compare(op, a, b, int64(a), int64(b))
}

func compare(op uint8, a, b uint64, sa, sb int64) (bool, bool) {
	switch op & 0xF0 {
	case JmpJeq:
		return a == b, true
	case JmpJne:
		return a != b, true
	case JmpJgt:
		return a > b, true
	case JmpJge:
		return a >= b, true
	case JmpJlt:
		return a < b, true
	case JmpJle:
		return a <= b, true
	case JmpJset:
		return a&b != 0, true
	case JmpJsgt:
		return sa > sb, true
	case JmpJsge:
		return sa >= sb, true
	case JmpJslt:
		return sa < sb, true
	case JmpJsle:
		return sa <= sb, true
	}
	return false, false
}

// callFrame saves caller state for a BPF-to-BPF call.
type callFrame struct {
	framePtr uint64
	nvRegs   [4]uint64 // r6-r9
	retAddr  int64
}

// callStack manages BPF-to-BPF call frames and their stack memory.
type callStack struct {
	mem    []byte
	frames []callFrame
}

func newCallStack() *callStack {
	return &callStack{
		mem:    make([]byte, StackFrameSize*StackDepth),
		frames: make([]callFrame, 0, StackDepth),
	}
}

func (s *callStack) push(r *[11]uint64, retAddr int64) error {
	if len(s.frames) >= StackDepth-1 {
		return svm.Faultf(svm.InvalidInstruction, "call depth exceeded (%d frames)", StackDepth)
	}
	f := callFrame{framePtr: r[10], retAddr: retAddr}
	copy(f.nvRegs[:], r[6:10])
	s.frames = append(s.frames, f)
	r[10] += StackFrameSize + StackGap
	return nil
}

func (s *callStack) pop(r *[11]uint64) (int64, bool) {
	if len(s.frames) == 0 {
		return 0, false
	}
	f := s.frames[len(s.frames)-1]
	s.frames = s.frames[:len(s.frames)-1]
	copy(r[6:10], f.nvRegs[:])
	r[10] = f.framePtr
	return f.retAddr, true
}

// frameSlice returns the stack memory for the region offset off, bounded
// by the end of its frame. Gap addresses return nil.
func (s *callStack) frameSlice(off uint64) []byte {
	idx := off / (StackFrameSize + StackGap)
	inner := off % (StackFrameSize + StackGap)
	if inner >= StackFrameSize || idx >= StackDepth {
		return nil
	}
	base := idx * StackFrameSize
	return s.mem[base+inner : base+StackFrameSize]
}

func (s *callStack) depth() int {
	return len(s.frames)
}

// CallDepth returns the current BPF-to-BPF call depth.
func (ip *Interpreter) CallDepth() int {
	return ip.stack.depth()
}

// HeapSize returns the size of the heap region.
func (ip *Interpreter) HeapSize() uint64 {
	return uint64(len(ip.heap))
}

// HeapAlloc implements the bump allocator behind sol_alloc_free_.
func (ip *Interpreter) HeapAlloc(size uint64) uint64 {
	pos := (ip.heapPos + HeapAlign - 1) &^ (HeapAlign - 1)
	if pos > uint64(len(ip.heap)) || size > uint64(len(ip.heap))-pos {
		return 0
	}
	ip.heapPos = pos + size
	return VaddrHeap + pos
}
