package sbpf

import (
	"encoding/binary"

	"github.com/fortiblox/svmstub/pkg/svm"
)

func oob(format string, args ...interface{}) error {
	return svm.Faultf(svm.OutOfBoundsMemory, format, args...)
}

// Translate converts a virtual address range to a host memory slice.
func (ip *Interpreter) Translate(addr uint64, size uint64, write bool) ([]byte, error) {
	region := addr >> 32
	lo := addr & 0xFFFFFFFF

	if lo+size < lo {
		return nil, oob("address overflow at 0x%x (size %d)", addr, size)
	}
	end := lo + size

	var mem []byte
	switch region {
	case VaddrProgram >> 32:
		if write {
			return nil, oob("write to read-only program region at 0x%x", addr)
		}
		mem = ip.ro

	case VaddrStack >> 32:
		frame := ip.stack.frameSlice(lo)
		if frame == nil || uint64(len(frame)) < size {
			return nil, oob("stack access at 0x%x (size %d)", addr, size)
		}
		return frame[:size:size], nil

	case VaddrHeap >> 32:
		mem = ip.heap

	case VaddrInput >> 32:
		mem = ip.input

	default:
		return nil, oob("unmapped region at 0x%x", addr)
	}

	if end > uint64(len(mem)) {
		return nil, oob("access at 0x%x (size %d) beyond region of %d bytes", addr, size, len(mem))
	}
	return mem[lo:end:end], nil
}

func (ip *Interpreter) load(addr, size uint64) (uint64, error) {
	mem, err := ip.Translate(addr, size, false)
	if err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(mem[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(mem)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(mem)), nil
	default:
		return binary.LittleEndian.Uint64(mem), nil
	}
}

func (ip *Interpreter) store(addr, size, v uint64) error {
	mem, err := ip.Translate(addr, size, true)
	if err != nil {
		return err
	}
	switch size {
	case 1:
		mem[0] = uint8(v)
	case 2:
		binary.LittleEndian.PutUint16(mem, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(mem, uint32(v))
	default:
		binary.LittleEndian.PutUint64(mem, v)
	}
	return nil
}

// Read reads bytes from virtual memory.
func (ip *Interpreter) Read(addr uint64, p []byte) error {
	mem, err := ip.Translate(addr, uint64(len(p)), false)
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// Read8 reads a byte from virtual memory.
func (ip *Interpreter) Read8(addr uint64) (uint8, error) {
	v, err := ip.load(addr, 1)
	return uint8(v), err
}

// Read16 reads a little-endian 16-bit value.
func (ip *Interpreter) Read16(addr uint64) (uint16, error) {
	v, err := ip.load(addr, 2)
	return uint16(v), err
}

// Read32 reads a little-endian 32-bit value.
func (ip *Interpreter) Read32(addr uint64) (uint32, error) {
	v, err := ip.load(addr, 4)
	return uint32(v), err
}

// Read64 reads a little-endian 64-bit value.
func (ip *Interpreter) Read64(addr uint64) (uint64, error) {
	return ip.load(addr, 8)
}

// Write writes bytes to virtual memory.
func (ip *Interpreter) Write(addr uint64, p []byte) error {
	mem, err := ip.Translate(addr, uint64(len(p)), true)
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

// Write8 writes a byte to virtual memory.
func (ip *Interpreter) Write8(addr uint64, x uint8) error {
	return ip.store(addr, 1, uint64(x))
}

// Write16 writes a little-endian 16-bit value.
func (ip *Interpreter) Write16(addr uint64, x uint16) error {
	return ip.store(addr, 2, uint64(x))
}

// Write32 writes a little-endian 32-bit value.
func (ip *Interpreter) Write32(addr uint64, x uint32) error {
	return ip.store(addr, 4, uint64(x))
}

// Write64 writes a little-endian 64-bit value.
func (ip *Interpreter) Write64(addr uint64, x uint64) error {
	return ip.store(addr, 8, x)
}
