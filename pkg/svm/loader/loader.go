// Package loader turns sBPF ELF shared objects into interpreter programs.
//
// It validates the ELF header, lays the allocated sections out as the
// read-only region mapped at VaddrProgram, extracts .text as instruction
// slots and applies the BPF relocations:
//   - R_BPF_64_64 and R_BPF_64_RELATIVE rebase lddw immediates into the
//     program region;
//   - R_BPF_64_32 resolves call immediates to the murmur3 hash of the
//     target symbol, registering internal functions and recording the
//     syscalls the program references.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/inconshreveable/log15"
	"github.com/klauspost/compress/zstd"

	"github.com/fortiblox/svmstub/pkg/svm/sbpf"
	"github.com/fortiblox/svmstub/pkg/svm/syscall"
)

// Machine types accepted in e_machine.
const (
	machineBPF  = elf.EM_BPF
	machineSBPF = elf.Machine(263)
)

// Relocation types for sBPF.
const (
	rBPF64_64       = 1
	rBPF64Relative  = 8
	rBPF64_32       = 10
	relEntrySize    = 16
	instructionSize = 8
)

// Loader errors.
var (
	ErrInvalidELF         = errors.New("invalid ELF file")
	ErrUnsupportedClass   = errors.New("unsupported ELF class (expected 64-bit)")
	ErrUnsupportedEndian  = errors.New("unsupported endianness (expected little-endian)")
	ErrUnsupportedMachine = errors.New("unsupported machine type (expected BPF/sBPF)")
	ErrNoTextSection      = errors.New("no .text section found")
	ErrInvalidSection     = errors.New("invalid section")
	ErrRelocationFailed   = errors.New("relocation failed")
	ErrTooLarge           = errors.New("ELF file too large")
)

// Maximum sizes.
const (
	MaxELFSize      = 10 * 1024 * 1024
	MaxRelocations  = 100_000
	MaxInstructions = 1_000_000
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var logger = log.New("pkg", "loader")

// Executable is a loaded sBPF program.
type Executable struct {
	// Text holds the relocated instruction slots of .text.
	Text []uint64

	// RO is the image of every allocated section at its address. It is
	// mapped at VaddrProgram.
	RO []byte

	// Entry is the entry point in instruction slots.
	Entry uint64

	// Functions maps function name hashes to instruction slots.
	Functions map[uint32]uint64

	// Syscalls lists the known syscalls the program calls.
	Syscalls []syscall.ID

	// Unresolved lists external symbols that name no known syscall.
	// Calls through them fault with UnknownSyscall at run time.
	Unresolved []string
}

// Program returns the interpreter view of e.
func (e *Executable) Program() *sbpf.Program {
	return &sbpf.Program{
		Text:      e.Text,
		RO:        e.RO,
		Entry:     e.Entry,
		Functions: e.Functions,
	}
}

// ReadProgramFile loads an ELF from path. Files ending in .zst or starting
// with the zstd frame magic are decompressed first.
func ReadProgramFile(path string) (*Executable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read program: %w", err)
	}
	if strings.HasSuffix(path, ".zst") || bytes.HasPrefix(raw, zstdMagic) {
		raw, err = decompress(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	exe, err := Load(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logger.Debug("program loaded", "path", path, "instructions", len(exe.Text), "ro", len(exe.RO), "syscalls", len(exe.Syscalls))
	return exe, nil
}

func decompress(raw []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxELFSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

// Load parses an ELF image and returns a relocated executable.
func Load(data []byte) (*Executable, error) {
	if len(data) > MaxELFSize {
		return nil, ErrTooLarge
	}
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidELF, err)
	}
	defer f.Close()

	if err := validateHeader(&f.FileHeader); err != nil {
		return nil, err
	}

	text := f.Section(".text")
	if text == nil || text.Type == elf.SHT_NOBITS || text.Flags&elf.SHF_ALLOC == 0 {
		return nil, ErrNoTextSection
	}

	image, err := buildImage(f)
	if err != nil {
		return nil, err
	}

	if text.Size%instructionSize != 0 {
		return nil, fmt.Errorf("%w: .text size %d not a multiple of %d", ErrInvalidSection, text.Size, instructionSize)
	}
	if text.Size/instructionSize > MaxInstructions {
		return nil, fmt.Errorf("%w: too many instructions", ErrTooLarge)
	}
	slots := make([]uint64, text.Size/instructionSize)
	for i := range slots {
		slots[i] = binary.LittleEndian.Uint64(image[text.Addr+uint64(i)*instructionSize:])
	}

	exe := &Executable{
		Text:      slots,
		RO:        image,
		Functions: make(map[uint32]uint64),
	}
	if f.Entry < text.Addr || f.Entry >= text.Addr+text.Size {
		return nil, fmt.Errorf("%w: entry 0x%x outside .text", ErrInvalidELF, f.Entry)
	}
	exe.Entry = (f.Entry - text.Addr) / instructionSize

	r := &relocator{file: f, text: text, exe: exe, seen: make(map[uint32]bool)}
	r.registerFunctions()
	for _, s := range f.Sections {
		if s.Type != elf.SHT_REL {
			continue
		}
		if err := r.apply(s); err != nil {
			return nil, err
		}
	}

	for i, ins := range slots {
		binary.LittleEndian.PutUint64(image[text.Addr+uint64(i)*instructionSize:], ins)
	}
	return exe, nil
}

func validateHeader(h *elf.FileHeader) error {
	if h.Class != elf.ELFCLASS64 {
		return ErrUnsupportedClass
	}
	if h.Data != elf.ELFDATA2LSB {
		return ErrUnsupportedEndian
	}
	if h.Machine != machineBPF && h.Machine != machineSBPF {
		return ErrUnsupportedMachine
	}
	if h.Type != elf.ET_EXEC && h.Type != elf.ET_DYN {
		return fmt.Errorf("%w: unsupported ELF type %s", ErrInvalidELF, h.Type)
	}
	return nil
}

// buildImage lays out every allocated PROGBITS section at its address.
func buildImage(f *elf.File) ([]byte, error) {
	var end uint64
	for _, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Type == elf.SHT_NOBITS {
			continue
		}
		if s.Addr+s.Size < s.Addr || s.Addr+s.Size > MaxELFSize {
			return nil, fmt.Errorf("%w: %s at 0x%x+%d", ErrInvalidSection, s.Name, s.Addr, s.Size)
		}
		if s.Addr+s.Size > end {
			end = s.Addr + s.Size
		}
	}

	image := make([]byte, end)
	for _, s := range f.Sections {
		if s.Flags&elf.SHF_ALLOC == 0 || s.Type == elf.SHT_NOBITS || s.Size == 0 {
			continue
		}
		if _, err := io.ReadFull(s.Open(), image[s.Addr:s.Addr+s.Size]); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSection, s.Name, err)
		}
	}
	return image, nil
}

type relocator struct {
	file *elf.File
	text *elf.Section
	exe  *Executable
	seen map[uint32]bool
}

// registerFunctions adds every defined function symbol inside .text to
// the function registry.
func (r *relocator) registerFunctions() {
	for _, load := range []func() ([]elf.Symbol, error){r.file.Symbols, r.file.DynamicSymbols} {
		syms, err := load()
		if err != nil {
			continue
		}
		for _, sym := range syms {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Section == elf.SHN_UNDEF || sym.Name == "" {
				continue
			}
			if pc, ok := r.slot(sym.Value); ok {
				r.exe.Functions[syscall.Murmur3Hash(sym.Name)] = pc
			}
		}
	}
}

func (r *relocator) slot(addr uint64) (uint64, bool) {
	if addr < r.text.Addr || addr >= r.text.Addr+r.text.Size {
		return 0, false
	}
	return (addr - r.text.Addr) / instructionSize, true
}

func (r *relocator) symbols(rel *elf.Section) ([]elf.Symbol, error) {
	if int(rel.Link) >= len(r.file.Sections) {
		return nil, fmt.Errorf("%w: %s links to section %d", ErrInvalidSection, rel.Name, rel.Link)
	}
	var (
		syms []elf.Symbol
		err  error
	)
	if r.file.Sections[rel.Link].Type == elf.SHT_DYNSYM {
		syms, err = r.file.DynamicSymbols()
	} else {
		syms, err = r.file.Symbols()
	}
	if errors.Is(err, elf.ErrNoSymbols) {
		return nil, nil
	}
	return syms, err
}

func (r *relocator) apply(rel *elf.Section) error {
	raw, err := rel.Data()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSection, rel.Name, err)
	}
	if len(raw)%relEntrySize != 0 {
		return fmt.Errorf("%w: %s size %d", ErrInvalidSection, rel.Name, len(raw))
	}
	if len(raw)/relEntrySize > MaxRelocations {
		return fmt.Errorf("%w: too many relocations", ErrTooLarge)
	}
	syms, err := r.symbols(rel)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSection, rel.Name, err)
	}

	for off := 0; off < len(raw); off += relEntrySize {
		offset := binary.LittleEndian.Uint64(raw[off:])
		info := binary.LittleEndian.Uint64(raw[off+8:])
		typ, symIdx := uint32(info), info>>32

		// debug/elf drops the null symbol, so index n is syms[n-1].
		var sym *elf.Symbol
		if symIdx > 0 {
			if symIdx > uint64(len(syms)) {
				return fmt.Errorf("%w: symbol %d out of range at 0x%x", ErrRelocationFailed, symIdx, offset)
			}
			sym = &syms[symIdx-1]
		}

		switch typ {
		case rBPF64_64:
			err = r.rebaseLddw(offset, sym)
		case rBPF64Relative:
			err = r.relative(offset)
		case rBPF64_32:
			err = r.resolveCall(offset, sym)
		default:
			err = fmt.Errorf("%w: unsupported type %d at 0x%x", ErrRelocationFailed, typ, offset)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// lddwImm returns the 64-bit immediate split over the two slots at pc.
func (r *relocator) lddwImm(pc uint64) uint64 {
	t := r.exe.Text
	return uint64(uint32(t[pc]>>32)) | uint64(uint32(t[pc+1]>>32))<<32
}

func (r *relocator) setLddwImm(pc, v uint64) {
	t := r.exe.Text
	t[pc] = t[pc]&0xFFFFFFFF | uint64(uint32(v))<<32
	t[pc+1] = t[pc+1]&0xFFFFFFFF | (v>>32)<<32
}

func (r *relocator) lddwAt(offset uint64) (uint64, error) {
	pc, ok := r.slot(offset)
	if !ok || pc+1 >= uint64(len(r.exe.Text)) {
		return 0, fmt.Errorf("%w: lddw at 0x%x outside .text", ErrRelocationFailed, offset)
	}
	return pc, nil
}

// rebaseLddw adds the symbol value to the implicit addend and maps the
// result into the program region.
func (r *relocator) rebaseLddw(offset uint64, sym *elf.Symbol) error {
	pc, err := r.lddwAt(offset)
	if err != nil {
		return err
	}
	addr := r.lddwImm(pc)
	if sym != nil {
		addr += sym.Value
	}
	if addr < sbpf.VaddrProgram {
		addr += sbpf.VaddrProgram
	}
	r.setLddwImm(pc, addr)
	return nil
}

// relative rebases an address already in place: an lddw immediate inside
// .text or a 64-bit word elsewhere in the image.
func (r *relocator) relative(offset uint64) error {
	if _, inText := r.slot(offset); inText {
		pc, err := r.lddwAt(offset)
		if err != nil {
			return err
		}
		if addr := r.lddwImm(pc); addr < sbpf.VaddrProgram {
			r.setLddwImm(pc, addr+sbpf.VaddrProgram)
		}
		return nil
	}

	ro := r.exe.RO
	if offset+8 > uint64(len(ro)) {
		return fmt.Errorf("%w: relative at 0x%x outside image", ErrRelocationFailed, offset)
	}
	if addr := binary.LittleEndian.Uint64(ro[offset:]); addr < sbpf.VaddrProgram {
		binary.LittleEndian.PutUint64(ro[offset:], addr+sbpf.VaddrProgram)
	}
	return nil
}

// resolveCall patches a call immediate with the hash of its target.
func (r *relocator) resolveCall(offset uint64, sym *elf.Symbol) error {
	pc, ok := r.slot(offset)
	if !ok {
		return fmt.Errorf("%w: call at 0x%x outside .text", ErrRelocationFailed, offset)
	}
	if sym == nil || sym.Name == "" {
		return fmt.Errorf("%w: call at 0x%x has no symbol", ErrRelocationFailed, offset)
	}

	hash := syscall.Murmur3Hash(sym.Name)
	if sym.Section == elf.SHN_UNDEF {
		r.noteExternal(sym.Name, hash)
	} else if target, ok := r.slot(sym.Value); ok {
		r.exe.Functions[hash] = target
	}
	t := r.exe.Text
	t[pc] = t[pc]&0xFFFFFFFF | uint64(hash)<<32
	return nil
}

func (r *relocator) noteExternal(name string, hash uint32) {
	if r.seen[hash] {
		return
	}
	r.seen[hash] = true
	if id, ok := syscall.ByHash(hash); ok {
		r.exe.Syscalls = append(r.exe.Syscalls, id)
		return
	}
	logger.Warn("unresolved external symbol", "name", name)
	r.exe.Unresolved = append(r.exe.Unresolved, name)
}
