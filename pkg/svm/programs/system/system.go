// Package system implements the System Program as a builtin.
//
// The System Program is responsible for:
// - Creating new accounts
// - Transferring lamports
// - Assigning account ownership
// - Allocating account space
// - The seed-derived variants of the above
//
// Accounts are fixed-size windows, so Allocate and CreateAccount cannot
// grow data. They succeed only when the harness already sized the data
// window to the requested space.
package system

import (
	"encoding/binary"
	"fmt"

	"github.com/fortiblox/svmstub/internal/types"
	"github.com/fortiblox/svmstub/pkg/svm/crypto"
	"github.com/fortiblox/svmstub/pkg/svm/invoke"
	"github.com/fortiblox/svmstub/pkg/svm/programs"
)

// ProgramID is the System Program address.
var ProgramID = types.SystemProgramAddr

// ComputeUnits is charged by every System Program instruction.
const ComputeUnits = 150

// Instruction discriminants.
const (
	InstructionCreateAccount uint32 = iota
	InstructionAssign
	InstructionTransfer
	InstructionCreateAccountWithSeed
	InstructionAdvanceNonceAccount
	InstructionWithdrawNonceAccount
	InstructionInitializeNonceAccount
	InstructionAuthorizeNonceAccount
	InstructionAllocate
	InstructionAllocateWithSeed
	InstructionAssignWithSeed
	InstructionTransferWithSeed
	InstructionUpgradeNonceAccount
)

// System errors, with their on-chain error codes.
var (
	ErrAccountAlreadyInUse        = programs.NewCustom(0, "account already in use")
	ErrResultWithNegativeLamports = programs.NewCustom(1, "insufficient funds")
	ErrInvalidProgramID           = programs.NewCustom(2, "invalid program id")
	ErrInvalidAccountDataLength   = programs.NewCustom(3, "invalid account data length")
	ErrMaxSeedLengthExceeded      = programs.NewCustom(4, "max seed length exceeded")
	ErrAddressWithSeedMismatch    = programs.NewCustom(5, "address with seed mismatch")

	ErrAccountNotRentExempt = programs.NewCustom(0x100, "account not rent exempt")
	ErrLamportOverflow      = programs.NewCustom(0x101, "lamport overflow")
)

// MaxPermittedDataLength bounds the space of a single account.
const MaxPermittedDataLength = 10 * 1024 * 1024

// MaxSeedLen bounds the seed of the WithSeed instructions.
const MaxSeedLen = 32

var pdaMarker = []byte("ProgramDerivedAddress")

// Process executes one System Program instruction. It has the
// programs.Builtin signature.
func Process(ctx programs.Context, accounts []*invoke.AccountView, data []byte) error {
	if err := ctx.Consume(ComputeUnits); err != nil {
		return err
	}

	r := &reader{buf: data}
	instruction := r.u32()
	if r.err != nil {
		return r.err
	}
	p := &processor{ctx: ctx, accounts: accounts, r: r}

	switch instruction {
	case InstructionCreateAccount:
		return p.createAccount()
	case InstructionAssign:
		return p.assign()
	case InstructionTransfer:
		return p.transfer()
	case InstructionCreateAccountWithSeed:
		return p.createAccountWithSeed()
	case InstructionAllocate:
		return p.allocate()
	case InstructionAllocateWithSeed:
		return p.allocateWithSeed()
	case InstructionAssignWithSeed:
		return p.assignWithSeed()
	case InstructionTransferWithSeed:
		return p.transferWithSeed()
	default:
		return fmt.Errorf("%w: unsupported instruction %d", programs.ErrInvalidInstructionData, instruction)
	}
}

type processor struct {
	ctx      programs.Context
	accounts []*invoke.AccountView
	r        *reader
}

func (p *processor) account(i int) (*invoke.AccountView, error) {
	return programs.Account(p.accounts, i)
}

// createAccount: [funder (signer, writable), new (signer, writable)]
// data: lamports u64, space u64, owner
func (p *processor) createAccount() error {
	lamports, space, owner := p.r.u64(), p.r.u64(), p.r.pubkey()
	if p.r.err != nil {
		return p.r.err
	}
	funder, err := p.account(0)
	if err != nil {
		return err
	}
	to, err := p.account(1)
	if err != nil {
		return err
	}
	if err := p.create(funder, to, to.Key, lamports, space, owner); err != nil {
		return err
	}
	p.ctx.Log("CreateAccount: success")
	return nil
}

// createAccountWithSeed: [funder (signer, writable), new (writable), base (signer, optional)]
// data: base, seed string, lamports u64, space u64, owner
func (p *processor) createAccountWithSeed() error {
	base, seed := p.r.pubkey(), p.r.str()
	lamports, space, owner := p.r.u64(), p.r.u64(), p.r.pubkey()
	if p.r.err != nil {
		return p.r.err
	}
	funder, err := p.account(0)
	if err != nil {
		return err
	}
	to, err := p.account(1)
	if err != nil {
		return err
	}
	if err := p.verifySeedAddress(to.Key, base, seed, owner); err != nil {
		return err
	}
	// The base signs for the derived account.
	if err := p.create(funder, to, base, lamports, space, owner); err != nil {
		return err
	}
	p.ctx.Log("CreateAccountWithSeed: success")
	return nil
}

func (p *processor) create(funder, to *invoke.AccountView, authority types.Pubkey, lamports, space uint64, owner types.Pubkey) error {
	if !funder.IsSigner {
		p.ctx.Log(fmt.Sprintf("Create Account: funder %s must sign", funder.Key))
		return programs.ErrMissingRequiredSignature
	}
	if to.Lamports() > 0 {
		p.ctx.Log(fmt.Sprintf("Create Account: account %s already in use", to.Key))
		return ErrAccountAlreadyInUse
	}
	if minimum := p.ctx.Sysvars().Rent().MinimumBalance(space); lamports < minimum {
		return fmt.Errorf("%w: %d < %d", ErrAccountNotRentExempt, lamports, minimum)
	}
	if err := p.allocateAndAssign(to, authority, space, owner); err != nil {
		return err
	}
	return p.move(funder, to, lamports)
}

// transfer: [from (signer, writable), to (writable)]
// data: lamports u64
func (p *processor) transfer() error {
	lamports := p.r.u64()
	if p.r.err != nil {
		return p.r.err
	}
	from, err := p.account(0)
	if err != nil {
		return err
	}
	to, err := p.account(1)
	if err != nil {
		return err
	}
	if !from.IsSigner {
		p.ctx.Log(fmt.Sprintf("Transfer: `from` account %s must sign", from.Key))
		return programs.ErrMissingRequiredSignature
	}
	if err := p.move(from, to, lamports); err != nil {
		return err
	}
	p.ctx.Log("Transfer: success")
	return nil
}

// transferWithSeed: [from (writable), base (signer), to (writable)]
// data: lamports u64, from_seed string, from_owner
func (p *processor) transferWithSeed() error {
	lamports, seed, fromOwner := p.r.u64(), p.r.str(), p.r.pubkey()
	if p.r.err != nil {
		return p.r.err
	}
	from, err := p.account(0)
	if err != nil {
		return err
	}
	base, err := p.account(1)
	if err != nil {
		return err
	}
	to, err := p.account(2)
	if err != nil {
		return err
	}
	if !base.IsSigner {
		p.ctx.Log(fmt.Sprintf("Transfer: `from` account %s must sign", base.Key))
		return programs.ErrMissingRequiredSignature
	}
	if err := p.verifySeedAddress(from.Key, base.Key, seed, fromOwner); err != nil {
		return err
	}
	if err := p.move(from, to, lamports); err != nil {
		return err
	}
	p.ctx.Log("TransferWithSeed: success")
	return nil
}

// move debits from and credits to. The source must be a data-less
// system account.
func (p *processor) move(from, to *invoke.AccountView, lamports uint64) error {
	if len(from.Data()) != 0 {
		p.ctx.Log("Transfer: `from` must not carry data")
		return fmt.Errorf("%w: source carries data", programs.ErrInvalidInstructionData)
	}
	if from.Owner() != ProgramID {
		return fmt.Errorf("%w: source owned by %s", programs.ErrInvalidAccountOwner, from.Owner())
	}
	if from.Lamports() < lamports {
		p.ctx.Log(fmt.Sprintf("Transfer: insufficient lamports %d, need %d", from.Lamports(), lamports))
		return ErrResultWithNegativeLamports
	}
	if to.Lamports() > ^uint64(0)-lamports {
		return ErrLamportOverflow
	}
	if from.Key == to.Key {
		return nil
	}
	if err := from.SetLamports(from.Lamports() - lamports); err != nil {
		return err
	}
	return to.SetLamports(to.Lamports() + lamports)
}

// assign: [account (signer, writable)]
// data: owner
func (p *processor) assign() error {
	owner := p.r.pubkey()
	if p.r.err != nil {
		return p.r.err
	}
	account, err := p.account(0)
	if err != nil {
		return err
	}
	if err := p.assignTo(account, account.Key, owner); err != nil {
		return err
	}
	p.ctx.Log("Assign: success")
	return nil
}

// assignWithSeed: [account (writable), base (signer)]
// data: base, seed string, owner
func (p *processor) assignWithSeed() error {
	base, seed, owner := p.r.pubkey(), p.r.str(), p.r.pubkey()
	if p.r.err != nil {
		return p.r.err
	}
	account, err := p.account(0)
	if err != nil {
		return err
	}
	if err := p.verifySeedAddress(account.Key, base, seed, owner); err != nil {
		return err
	}
	if err := p.assignTo(account, base, owner); err != nil {
		return err
	}
	p.ctx.Log("AssignWithSeed: success")
	return nil
}

func (p *processor) assignTo(account *invoke.AccountView, authority, owner types.Pubkey) error {
	if account.Owner() == owner {
		return nil
	}
	if !p.signed(authority) {
		p.ctx.Log(fmt.Sprintf("Assign: account %s must sign", authority))
		return programs.ErrMissingRequiredSignature
	}
	return account.SetOwner(owner)
}

// allocate: [account (signer, writable)]
// data: space u64
func (p *processor) allocate() error {
	space := p.r.u64()
	if p.r.err != nil {
		return p.r.err
	}
	account, err := p.account(0)
	if err != nil {
		return err
	}
	if err := p.allocateTo(account, account.Key, space); err != nil {
		return err
	}
	p.ctx.Log("Allocate: success")
	return nil
}

// allocateWithSeed: [account (writable), base (signer)]
// data: base, seed string, space u64, owner
func (p *processor) allocateWithSeed() error {
	base, seed, space, owner := p.r.pubkey(), p.r.str(), p.r.u64(), p.r.pubkey()
	if p.r.err != nil {
		return p.r.err
	}
	account, err := p.account(0)
	if err != nil {
		return err
	}
	if err := p.verifySeedAddress(account.Key, base, seed, owner); err != nil {
		return err
	}
	if err := p.allocateAndAssign(account, base, space, owner); err != nil {
		return err
	}
	p.ctx.Log("AllocateWithSeed: success")
	return nil
}

func (p *processor) allocateAndAssign(account *invoke.AccountView, authority types.Pubkey, space uint64, owner types.Pubkey) error {
	if err := p.allocateTo(account, authority, space); err != nil {
		return err
	}
	return p.assignTo(account, authority, owner)
}

// allocateTo accepts an unused system account whose data window already
// has space bytes.
func (p *processor) allocateTo(account *invoke.AccountView, authority types.Pubkey, space uint64) error {
	if !p.signed(authority) {
		p.ctx.Log(fmt.Sprintf("Allocate: 'to' account %s must sign", authority))
		return programs.ErrMissingRequiredSignature
	}
	if account.Owner() != ProgramID || !zero(account.Data()) {
		p.ctx.Log(fmt.Sprintf("Allocate: account %s already in use", account.Key))
		return ErrAccountAlreadyInUse
	}
	if space > MaxPermittedDataLength || uint64(len(account.Data())) != space {
		p.ctx.Log(fmt.Sprintf("Allocate: requested %d, window is %d", space, len(account.Data())))
		return ErrInvalidAccountDataLength
	}
	if !account.IsWritable {
		return programs.ErrAccountNotWritable
	}
	return nil
}

// signed reports whether key signs in the current frame.
func (p *processor) signed(key types.Pubkey) bool {
	for _, a := range p.accounts {
		if a.Key == key && a.IsSigner {
			return true
		}
	}
	return false
}

func (p *processor) verifySeedAddress(address, base types.Pubkey, seed string, owner types.Pubkey) error {
	derived, err := CreateWithSeed(base, seed, owner)
	if err != nil {
		return err
	}
	if derived != address {
		p.ctx.Log(fmt.Sprintf("Create: address %s does not match derived address %s", address, derived))
		return ErrAddressWithSeedMismatch
	}
	return nil
}

// CreateWithSeed derives sha256(base || seed || owner).
func CreateWithSeed(base types.Pubkey, seed string, owner types.Pubkey) (types.Pubkey, error) {
	if len(seed) > MaxSeedLen {
		return types.Pubkey{}, ErrMaxSeedLengthExceeded
	}
	if len(owner) >= len(pdaMarker) && string(owner[len(owner)-len(pdaMarker):]) == string(pdaMarker) {
		return types.Pubkey{}, ErrInvalidProgramID
	}
	return types.Pubkey(crypto.Hash(crypto.SHA256, base[:], []byte(seed), owner[:])), nil
}

func zero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// reader decodes the little-endian bincode layout of system
// instructions. The first short read sticks.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("%w: need %d bytes, have %d", programs.ErrInvalidInstructionData, n, len(r.buf))
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) pubkey() types.Pubkey {
	var p types.Pubkey
	if b := r.take(types.PubkeySize); b != nil {
		copy(p[:], b)
	}
	return p
}

func (r *reader) str() string {
	n := r.u64()
	if r.err != nil {
		return ""
	}
	if n > uint64(len(r.buf)) {
		r.err = fmt.Errorf("%w: seed length %d", programs.ErrInvalidInstructionData, n)
		return ""
	}
	return string(r.take(int(n)))
}
