package loader

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/svmstub/internal/types"
	"github.com/fortiblox/svmstub/pkg/svm"
	"github.com/fortiblox/svmstub/pkg/svm/runtime"
	"github.com/fortiblox/svmstub/pkg/svm/sbpf"
	"github.com/fortiblox/svmstub/pkg/svm/syscall"
)

type testSection struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	data    []byte
	link    uint32
	entsize uint64
}

// buildELF writes a minimal ELF64 shared object. Sections are placed
// after the header in order, 8-byte aligned, and allocated sections get
// their file offset as address.
func buildELF(machine elf.Machine, entry uint64, secs []testSection) []byte {
	buf := make([]byte, 64)
	align := func() {
		for len(buf)%8 != 0 {
			buf = append(buf, 0)
		}
	}

	shstr := []byte{0}
	nameOff := make([]uint32, len(secs)+1)
	offs := make([]uint64, len(secs)+1)
	for i, s := range secs {
		align()
		offs[i] = uint64(len(buf))
		buf = append(buf, s.data...)
		nameOff[i] = uint32(len(shstr))
		shstr = append(append(shstr, s.name...), 0)
	}
	nameOff[len(secs)] = uint32(len(shstr))
	shstr = append(append(shstr, ".shstrtab"...), 0)
	offs[len(secs)] = uint64(len(buf))
	buf = append(buf, shstr...)
	align()
	shoff := uint64(len(buf))

	le := binary.LittleEndian
	buf = append(buf, make([]byte, 64)...) // null section
	header := func(name, typ uint32, flags, addr, off, size uint64, link uint32, entsize uint64) {
		h := make([]byte, 64)
		le.PutUint32(h[0:], name)
		le.PutUint32(h[4:], typ)
		le.PutUint64(h[8:], flags)
		le.PutUint64(h[16:], addr)
		le.PutUint64(h[24:], off)
		le.PutUint64(h[32:], size)
		le.PutUint32(h[40:], link)
		le.PutUint64(h[48:], 8)
		le.PutUint64(h[56:], entsize)
		buf = append(buf, h...)
	}
	for i, s := range secs {
		var addr uint64
		if s.flags&elf.SHF_ALLOC != 0 {
			addr = offs[i]
		}
		header(nameOff[i], uint32(s.typ), uint64(s.flags), addr, offs[i], uint64(len(s.data)), s.link, s.entsize)
	}
	header(nameOff[len(secs)], uint32(elf.SHT_STRTAB), 0, 0, offs[len(secs)], uint64(len(shstr)), 0, 0)

	copy(buf, []byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)})
	le.PutUint16(buf[16:], uint16(elf.ET_DYN))
	le.PutUint16(buf[18:], uint16(machine))
	le.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	le.PutUint64(buf[24:], entry)
	le.PutUint64(buf[40:], shoff)
	le.PutUint16(buf[52:], 64)
	le.PutUint16(buf[58:], 64)
	le.PutUint16(buf[60:], uint16(len(secs)+2))
	le.PutUint16(buf[62:], uint16(len(secs)+1))
	return buf
}

func sym(name uint32, info byte, shndx uint16, value uint64) []byte {
	b := make([]byte, 24)
	binary.LittleEndian.PutUint32(b, name)
	b[4] = info
	binary.LittleEndian.PutUint16(b[6:], shndx)
	binary.LittleEndian.PutUint64(b[8:], value)
	return b
}

func rel(offset uint64, symIdx uint64, typ uint32) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b, offset)
	binary.LittleEndian.PutUint64(b[8:], symIdx<<32|uint64(typ))
	return b
}

func textBytes(slots ...uint64) []byte {
	b := make([]byte, 8*len(slots))
	for i, s := range slots {
		binary.LittleEndian.PutUint64(b[8*i:], s)
	}
	return b
}

const (
	textAddr = 64
	helperPC = 6
)

// helloELF logs "hello" through sol_log_, calls an internal helper and
// references one external symbol no syscall provides.
func helloELF(machine elf.Machine) []byte {
	ld := sbpf.EncodeLddw(1, 0)
	call := sbpf.Encode(sbpf.OpCall, 0, 0, 0, -1)
	text := textBytes(
		ld[0], ld[1],
		sbpf.Encode(sbpf.OpMov64Imm, 2, 0, 0, 5),
		call,
		call,
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
		sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 0),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
		call,
	)
	rodataAddr := uint64(textAddr + len(text))

	dynstr := []byte("\x00msg\x00sol_log_\x00helper\x00entrypoint\x00unknown_ext\x00")
	var dynsym []byte
	dynsym = append(dynsym, make([]byte, 24)...)
	dynsym = append(dynsym, sym(1, byte(elf.STB_GLOBAL)<<4|byte(elf.STT_OBJECT), 2, rodataAddr)...)
	dynsym = append(dynsym, sym(5, byte(elf.STB_GLOBAL)<<4, 0, 0)...)
	dynsym = append(dynsym, sym(14, byte(elf.STB_GLOBAL)<<4|byte(elf.STT_FUNC), 1, textAddr+helperPC*8)...)
	dynsym = append(dynsym, sym(21, byte(elf.STB_GLOBAL)<<4|byte(elf.STT_FUNC), 1, textAddr)...)
	dynsym = append(dynsym, sym(32, byte(elf.STB_GLOBAL)<<4, 0, 0)...)

	var rels []byte
	rels = append(rels, rel(textAddr, 1, rBPF64_64)...)
	rels = append(rels, rel(textAddr+3*8, 2, rBPF64_32)...)
	rels = append(rels, rel(textAddr+4*8, 3, rBPF64_32)...)
	rels = append(rels, rel(textAddr+8*8, 5, rBPF64_32)...)

	return buildELF(machine, textAddr, []testSection{
		{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: text},
		{name: ".rodata", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC, data: []byte("hello")},
		{name: ".dynsym", typ: elf.SHT_DYNSYM, flags: elf.SHF_ALLOC, data: dynsym, link: 4, entsize: 24},
		{name: ".dynstr", typ: elf.SHT_STRTAB, flags: elf.SHF_ALLOC, data: dynstr},
		{name: ".rel.dyn", typ: elf.SHT_REL, flags: elf.SHF_ALLOC, data: rels, link: 3, entsize: 16},
	})
}

func TestLoadRelocates(t *testing.T) {
	exe, err := Load(helloELF(elf.EM_BPF))
	require.NoError(t, err)

	require.Len(t, exe.Text, 9)
	assert.Equal(t, uint64(0), exe.Entry)

	rodataAddr := uint64(textAddr + 9*8)
	lo := uint32(exe.Text[0] >> 32)
	hi := uint32(exe.Text[1] >> 32)
	assert.Equal(t, sbpf.VaddrProgram+rodataAddr, uint64(hi)<<32|uint64(lo))
	assert.Equal(t, "hello", string(exe.RO[rodataAddr:rodataAddr+5]))

	assert.Equal(t, syscall.SolLog.Hash(), uint32(exe.Text[3]>>32))
	assert.Equal(t, syscall.Murmur3Hash("helper"), uint32(exe.Text[4]>>32))
	assert.Equal(t, uint64(helperPC), exe.Functions[syscall.Murmur3Hash("helper")])
	assert.Equal(t, uint64(0), exe.Functions[syscall.Murmur3Hash("entrypoint")])

	assert.Equal(t, []syscall.ID{syscall.SolLog}, exe.Syscalls)
	assert.Equal(t, []string{"unknown_ext"}, exe.Unresolved)

	// The image carries the relocated text too.
	assert.Equal(t, exe.Text[0], binary.LittleEndian.Uint64(exe.RO[textAddr:]))
}

func TestLoadedProgramRuns(t *testing.T) {
	exe, err := Load(helloELF(machineSBPF))
	require.NoError(t, err)

	s, err := runtime.Install(svm.DefaultConfig())
	require.NoError(t, err)
	var id types.Pubkey
	id[0] = 9
	s.AddProgram(id, exe.Program())

	res, err := s.Execute(runtime.Instruction{ProgramID: id})
	require.NoError(t, err)
	require.Nil(t, res.Fault, "%v", res.Fault)
	assert.Contains(t, res.Logs, "Program log: hello")
}

func TestLoadRejects(t *testing.T) {
	_, err := Load([]byte("not an elf at all, just some bytes"))
	assert.ErrorIs(t, err, ErrInvalidELF)

	_, err = Load(make([]byte, MaxELFSize+1))
	assert.ErrorIs(t, err, ErrTooLarge)

	_, err = Load(helloELF(elf.EM_X86_64))
	assert.ErrorIs(t, err, ErrUnsupportedMachine)

	noText := buildELF(elf.EM_BPF, 0, []testSection{
		{name: ".rodata", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC, data: []byte("x")},
	})
	_, err = Load(noText)
	assert.ErrorIs(t, err, ErrNoTextSection)

	badEntry := buildELF(elf.EM_BPF, 4096, []testSection{
		{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: textBytes(sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0))},
	})
	_, err = Load(badEntry)
	assert.ErrorIs(t, err, ErrInvalidELF)

	ragged := buildELF(elf.EM_BPF, textAddr, []testSection{
		{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, data: make([]byte, 12)},
	})
	_, err = Load(ragged)
	assert.ErrorIs(t, err, ErrInvalidSection)
}

func TestReadProgramFile(t *testing.T) {
	dir := t.TempDir()
	image := helloELF(elf.EM_BPF)

	plain := filepath.Join(dir, "hello.so")
	require.NoError(t, os.WriteFile(plain, image, 0o644))

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := filepath.Join(dir, "hello.so.zst")
	require.NoError(t, os.WriteFile(compressed, enc.EncodeAll(image, nil), 0o644))
	require.NoError(t, enc.Close())

	want, err := Load(image)
	require.NoError(t, err)
	for _, path := range []string{plain, compressed} {
		got, err := ReadProgramFile(path)
		require.NoError(t, err, path)
		assert.Equal(t, want.Text, got.Text, path)
		assert.Equal(t, want.RO, got.RO, path)
	}

	_, err = ReadProgramFile(filepath.Join(dir, "missing.so"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	broken := filepath.Join(dir, "broken.so.zst")
	require.NoError(t, os.WriteFile(broken, []byte{0x28, 0xb5, 0x2f, 0xfd, 1, 2, 3}, 0o644))
	_, err = ReadProgramFile(broken)
	assert.Error(t, err)
}
