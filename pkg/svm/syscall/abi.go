package syscall

import (
	"encoding/binary"

	"github.com/fortiblox/svmstub/internal/types"
	"github.com/fortiblox/svmstub/pkg/svm"
	"github.com/fortiblox/svmstub/pkg/svm/sbpf"
)

// C ABI layouts.
//
//	struct SolInstruction { SolPubkey *program_id; SolAccountMeta *accounts;
//	    u64 account_len; u8 *data; u64 data_len; }              // 40 bytes
//	struct SolAccountMeta { SolPubkey *pubkey; bool is_writable;
//	    bool is_signer; }                                       // 16 bytes
//	struct SolAccountInfo { SolPubkey *key; u64 *lamports; u64 data_len;
//	    u8 *data; SolPubkey *owner; u64 rent_epoch; bool is_signer;
//	    bool is_writable; bool executable; }                    // 56 bytes
const (
	cInstructionSize = 40
	cAccountMetaSize = 16
	cAccountInfoSize = 56
)

// Rust ABI layouts.
//
//	StableInstruction { accounts: StableVec<AccountMeta>, data: StableVec<u8>,
//	    program_id: Pubkey }                                    // 80 bytes
//	AccountMeta { pubkey: Pubkey, is_signer: bool, is_writable: bool } // 34
//	AccountInfo { key: &Pubkey, lamports: Rc<RefCell<&mut u64>>,
//	    data: Rc<RefCell<&mut [u8]>>, owner: &Pubkey, rent_epoch: u64,
//	    is_signer, is_writable, executable: bool }              // 48 bytes
//
// The value of an Rc<RefCell<T>> sits after the strong count, the weak
// count and the borrow flag.
const (
	rustInstructionSize = 80
	rustAccountMetaSize = 34
	rustAccountInfoSize = 48
	rustRcValueOffset   = 24
)

type accountMeta struct {
	key      types.Pubkey
	signer   bool
	writable bool
}

type cpiInstruction struct {
	programID types.Pubkey
	metas     []accountMeta
	data      []byte
}

// callerAccount locates the fields of one account info in caller memory.
type callerAccount struct {
	key          types.Pubkey
	lamportsAddr uint64
	ownerAddr    uint64
	dataAddr     uint64
	dataLen      uint64
}

// cpiABI decodes the arguments of one sol_invoke_signed flavor.
type cpiABI struct {
	instruction  func(d *Dispatcher, vm sbpf.VM, addr uint64) (*cpiInstruction, error)
	accountInfos func(d *Dispatcher, vm sbpf.VM, addr, n uint64) ([]callerAccount, error)
}

var (
	abiC    = cpiABI{instruction: decodeCInstruction, accountInfos: decodeCAccountInfos}
	abiRust = cpiABI{instruction: decodeRustInstruction, accountInfos: decodeRustAccountInfos}
)

func u64At(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off:])
}

func (d *Dispatcher) checkInstructionLimits(metas, dataLen uint64) error {
	if metas > d.costs.MaxInstructionAccts {
		return svm.Faultf(svm.MalformedArgument, "%w: %d instruction accounts > %d", ErrCPILimit, metas, d.costs.MaxInstructionAccts)
	}
	if dataLen > d.costs.MaxInstructionData {
		return svm.Faultf(svm.MalformedArgument, "%w: %d bytes of instruction data > %d", ErrCPILimit, dataLen, d.costs.MaxInstructionData)
	}
	return nil
}

func (d *Dispatcher) checkAccountInfoLimit(n uint64) error {
	if n > d.costs.MaxAccountInfos {
		return svm.Faultf(svm.MalformedArgument, "%w: %d account infos > %d", ErrCPILimit, n, d.costs.MaxAccountInfos)
	}
	return nil
}

func copyData(vm sbpf.VM, addr, n uint64) ([]byte, error) {
	b, err := translate(vm, addr, n, false)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func decodeCInstruction(d *Dispatcher, vm sbpf.VM, addr uint64) (*cpiInstruction, error) {
	raw, err := vm.Translate(addr, cInstructionSize, false)
	if err != nil {
		return nil, err
	}
	programIDAddr := u64At(raw, 0)
	metasAddr, metasLen := u64At(raw, 8), u64At(raw, 16)
	dataAddr, dataLen := u64At(raw, 24), u64At(raw, 32)
	if err := d.checkInstructionLimits(metasLen, dataLen); err != nil {
		return nil, err
	}

	ins := &cpiInstruction{metas: make([]accountMeta, metasLen)}
	if ins.programID, err = readPubkey(vm, programIDAddr); err != nil {
		return nil, err
	}
	metas, err := translate(vm, metasAddr, metasLen*cAccountMetaSize, false)
	if err != nil {
		return nil, err
	}
	for i := range ins.metas {
		m := metas[i*cAccountMetaSize:]
		if ins.metas[i].key, err = readPubkey(vm, u64At(m, 0)); err != nil {
			return nil, err
		}
		ins.metas[i].writable = m[8] != 0
		ins.metas[i].signer = m[9] != 0
	}
	if ins.data, err = copyData(vm, dataAddr, dataLen); err != nil {
		return nil, err
	}
	return ins, nil
}

func decodeRustInstruction(d *Dispatcher, vm sbpf.VM, addr uint64) (*cpiInstruction, error) {
	raw, err := vm.Translate(addr, rustInstructionSize, false)
	if err != nil {
		return nil, err
	}
	metasAddr, metasLen := u64At(raw, 0), u64At(raw, 16)
	dataAddr, dataLen := u64At(raw, 24), u64At(raw, 40)
	if err := d.checkInstructionLimits(metasLen, dataLen); err != nil {
		return nil, err
	}

	ins := &cpiInstruction{metas: make([]accountMeta, metasLen)}
	copy(ins.programID[:], raw[48:80])
	metas, err := translate(vm, metasAddr, metasLen*rustAccountMetaSize, false)
	if err != nil {
		return nil, err
	}
	for i := range ins.metas {
		m := metas[i*rustAccountMetaSize:]
		copy(ins.metas[i].key[:], m[:types.PubkeySize])
		ins.metas[i].signer = m[32] != 0
		ins.metas[i].writable = m[33] != 0
	}
	if ins.data, err = copyData(vm, dataAddr, dataLen); err != nil {
		return nil, err
	}
	return ins, nil
}

func decodeCAccountInfos(d *Dispatcher, vm sbpf.VM, addr, n uint64) ([]callerAccount, error) {
	if err := d.checkAccountInfoLimit(n); err != nil {
		return nil, err
	}
	raw, err := translate(vm, addr, n*cAccountInfoSize, false)
	if err != nil {
		return nil, err
	}
	out := make([]callerAccount, n)
	for i := range out {
		info := raw[i*cAccountInfoSize:]
		if out[i].key, err = readPubkey(vm, u64At(info, 0)); err != nil {
			return nil, err
		}
		out[i].lamportsAddr = u64At(info, 8)
		out[i].dataLen = u64At(info, 16)
		out[i].dataAddr = u64At(info, 24)
		out[i].ownerAddr = u64At(info, 32)
	}
	return out, nil
}

func decodeRustAccountInfos(d *Dispatcher, vm sbpf.VM, addr, n uint64) ([]callerAccount, error) {
	if err := d.checkAccountInfoLimit(n); err != nil {
		return nil, err
	}
	raw, err := translate(vm, addr, n*rustAccountInfoSize, false)
	if err != nil {
		return nil, err
	}
	out := make([]callerAccount, n)
	for i := range out {
		info := raw[i*rustAccountInfoSize:]
		if out[i].key, err = readPubkey(vm, u64At(info, 0)); err != nil {
			return nil, err
		}
		if out[i].lamportsAddr, err = vm.Read64(u64At(info, 8) + rustRcValueOffset); err != nil {
			return nil, err
		}
		dataRc := u64At(info, 16) + rustRcValueOffset
		if out[i].dataAddr, err = vm.Read64(dataRc); err != nil {
			return nil, err
		}
		if out[i].dataLen, err = vm.Read64(dataRc + 8); err != nil {
			return nil, err
		}
		out[i].ownerAddr = u64At(info, 24)
	}
	return out, nil
}
