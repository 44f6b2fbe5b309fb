package runtime

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/svmstub/internal/types"
	"github.com/fortiblox/svmstub/pkg/svm"
	"github.com/fortiblox/svmstub/pkg/svm/crypto"
	"github.com/fortiblox/svmstub/pkg/svm/invoke"
	"github.com/fortiblox/svmstub/pkg/svm/programs"
	"github.com/fortiblox/svmstub/pkg/svm/programs/system"
	"github.com/fortiblox/svmstub/pkg/svm/sbpf"
	"github.com/fortiblox/svmstub/pkg/svm/syscall"
)

func key(b byte) types.Pubkey {
	var k types.Pubkey
	k[0] = b
	return k
}

var (
	progA = key(0xA0)
	progB = key(0xB0)
	other = key(0xEE)
	alice = key(1)
	bob   = key(2)
)

// asm assembles sBPF text for tests.
type asm []uint64

func (a asm) lddw(dst uint8, v uint64) asm {
	ld := sbpf.EncodeLddw(dst, v)
	return append(a, ld[0], ld[1])
}

func (a asm) mov(dst uint8, imm int32) asm {
	return append(a, sbpf.Encode(sbpf.OpMov64Imm, dst, 0, 0, imm))
}

func (a asm) movReg(dst, src uint8) asm {
	return append(a, sbpf.Encode(sbpf.OpMov64Reg, dst, src, 0, 0))
}

func (a asm) add(dst uint8, imm int32) asm {
	return append(a, sbpf.Encode(sbpf.OpAdd64Imm, dst, 0, 0, imm))
}

func (a asm) stxdw(dst uint8, off int16, src uint8) asm {
	return append(a, sbpf.Encode(sbpf.OpStxdw, dst, src, off, 0))
}

func (a asm) call(id syscall.ID) asm {
	return append(a, sbpf.Encode(sbpf.OpCall, 0, 0, 0, int32(id.Hash())))
}

func (a asm) exit() asm {
	return append(a, sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0))
}

func testConfig() svm.Config {
	cfg := svm.DefaultConfig()
	cfg.ComputeBudget = 1000
	return cfg
}

func install(t *testing.T, cfg svm.Config, opts ...Option) *Session {
	t.Helper()
	s, err := Install(cfg, opts...)
	require.NoError(t, err)
	return s
}

func TestInstallValidatesConfig(t *testing.T) {
	cfg := svm.DefaultConfig()
	cfg.MaxCPIDepth = -1
	_, err := Install(cfg)
	assert.ErrorIs(t, err, svm.ErrInvalidConfig)

	cfg = svm.DefaultConfig()
	cfg.LogCapBytes = 0
	_, err = Install(cfg)
	assert.ErrorIs(t, err, svm.ErrInvalidConfig)

	cfg = svm.DefaultConfig()
	cfg.CostVersion = "agave-0.1"
	_, err = Install(cfg)
	assert.ErrorIs(t, err, svm.ErrInvalidConfig)
}

// hashAndLog hashes "abc" onto the stack, then logs "abc".
func hashAndLog() *sbpf.Program {
	ro := make([]byte, 40)
	binary.LittleEndian.PutUint64(ro[0:], sbpf.VaddrProgram+32)
	binary.LittleEndian.PutUint64(ro[8:], 3)
	copy(ro[32:], "abc")

	text := asm{}.
		lddw(1, sbpf.VaddrProgram).
		mov(2, 1).
		movReg(3, 10).
		add(3, -32).
		call(syscall.SolSha256).
		lddw(1, sbpf.VaddrProgram+32).
		mov(2, 3).
		call(syscall.SolLog).
		mov(0, 0).
		exit()
	return &sbpf.Program{Text: text, RO: ro}
}

func TestExecuteHashAndLog(t *testing.T) {
	s := install(t, testConfig())
	s.AddProgram(progA, hashAndLog())

	res, err := s.Execute(Instruction{ProgramID: progA})
	require.NoError(t, err)
	require.Nil(t, res.Fault)
	assert.True(t, res.Success())

	// sha256: 85 base + 10 for one short slice; log: 100.
	assert.Equal(t, uint64(195), res.ComputeUnits)
	assert.Equal(t, uint64(1000-195), res.Remaining)
	assert.Equal(t, []string{
		"Program " + progA.String() + " invoke [1]",
		"Program log: abc",
		"Program " + progA.String() + " success",
	}, res.Logs)

	_, faulted := s.LastFault()
	assert.False(t, faulted)
	assert.Len(t, s.DrainLogs(), 3)
	assert.Empty(t, s.DrainLogs())
}

func TestExecuteBudgetExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.ComputeBudget = 150
	s := install(t, cfg)
	s.AddProgram(progA, hashAndLog())

	res, err := s.Execute(Instruction{ProgramID: progA})
	require.NoError(t, err)
	require.NotNil(t, res.Fault)
	assert.Equal(t, svm.BudgetExhausted, res.Fault.Code)
	assert.Equal(t, "sol_log_", res.Fault.Syscall)
	assert.Zero(t, res.Remaining)

	code, ok := s.LastFault()
	assert.True(t, ok)
	assert.Equal(t, svm.BudgetExhausted, code)
	assert.NotContains(t, res.Logs, "Program log: abc")
}

func TestExecuteResetsBetweenRuns(t *testing.T) {
	s := install(t, testConfig())
	s.AddProgram(progA, hashAndLog())

	for i := 0; i < 3; i++ {
		res, err := s.Execute(Instruction{ProgramID: progA})
		require.NoError(t, err)
		assert.Equal(t, uint64(195), res.ComputeUnits)
		assert.Len(t, res.Logs, 3)
	}
}

func TestExecuteExitCode(t *testing.T) {
	s := install(t, testConfig())
	s.AddProgram(progA, &sbpf.Program{Text: asm{}.mov(0, 42).exit()})

	res, err := s.Execute(Instruction{ProgramID: progA})
	require.NoError(t, err)
	require.NotNil(t, res.Fault)
	assert.Equal(t, svm.ProgramFailed, res.Fault.Code)
	assert.Equal(t, uint64(42), res.Fault.ReturnCode)
	assert.Equal(t, []string{"Program " + progA.String() + " invoke [1]"}, res.Logs)
}

func TestExecuteHarnessErrors(t *testing.T) {
	s := install(t, testConfig())

	_, err := s.Execute(Instruction{ProgramID: progA})
	assert.ErrorIs(t, err, ErrUnknownProgram)

	s.AddProgram(progA, hashAndLog())
	_, err = s.Execute(Instruction{ProgramID: progA, Data: make([]byte, 10*1024+1)})
	assert.ErrorIs(t, err, ErrInstructionTooLarge)

	_, err = s.Execute(Instruction{ProgramID: progA, Accounts: make([]Account, 256)})
	assert.ErrorIs(t, err, ErrTooManyAccounts)
}

// poke stores a little-endian u64 at an offset of the serialized input.
type poke struct {
	off int
	v   uint64
}

// pokeProgram builds a program that applies pokes to its input region
// and exits with 0.
func pokeProgram(pokes ...poke) *sbpf.Program {
	text := asm{}
	for _, p := range pokes {
		text = text.lddw(2, p.v).stxdw(1, int16(p.off), 2)
	}
	return &sbpf.Program{Text: text.mov(0, 0).exit()}
}

func layoutOf(accounts []Account) []accountLayout {
	_, layout := serializeInput(progA, rootViews(accounts), nil)
	return layout
}

func TestExecuteCommitsWritableAccounts(t *testing.T) {
	accounts := []Account{
		{Key: alice, Owner: progA, Lamports: 50, Data: make([]byte, 8), IsWritable: true},
		{Key: bob, Owner: other, Lamports: 5, IsWritable: true},
	}
	layout := layoutOf(accounts)

	s := install(t, testConfig())
	s.AddProgram(progA, pokeProgram(
		poke{layout[0].lamports, 30},
		poke{layout[1].lamports, 25},
		poke{layout[0].data, 0x0102},
	))

	res, err := s.Execute(Instruction{ProgramID: progA, Accounts: accounts})
	require.NoError(t, err)
	require.Nil(t, res.Fault, "%v", res.Fault)
	assert.Equal(t, uint64(30), res.Accounts[0].Lamports)
	assert.Equal(t, []byte{2, 1, 0, 0, 0, 0, 0, 0}, res.Accounts[0].Data)
	assert.Equal(t, uint64(25), res.Accounts[1].Lamports)
	assert.Equal(t, uint64(5), accounts[1].Lamports, "harness accounts are not aliased")
}

func TestExecuteOwnerReassignsZeroedAccount(t *testing.T) {
	accounts := []Account{{Key: alice, Owner: progA, Lamports: 5, Data: make([]byte, 8), IsWritable: true}}
	layout := layoutOf(accounts)

	s := install(t, testConfig())
	s.AddProgram(progA, pokeProgram(poke{layout[0].owner, 0xB0}))

	res, err := s.Execute(Instruction{ProgramID: progA, Accounts: accounts})
	require.NoError(t, err)
	require.Nil(t, res.Fault, "%v", res.Fault)
	assert.Equal(t, progB, res.Accounts[0].Owner)
}

func TestExecuteRejectsIllegalAccountChanges(t *testing.T) {
	owned := func(lamports uint64, data []byte, writable bool) Account {
		return Account{Key: alice, Owner: progA, Lamports: lamports, Data: data, IsWritable: writable}
	}
	foreign := func(lamports uint64, data []byte, writable bool) Account {
		return Account{Key: bob, Owner: other, Lamports: lamports, Data: data, IsWritable: writable}
	}
	tests := []struct {
		name     string
		accounts []Account
		pokes    func(l []accountLayout) []poke
		want     error
	}{
		{
			name:     "minting lamports",
			accounts: []Account{owned(50, nil, true)},
			pokes:    func(l []accountLayout) []poke { return []poke{{l[0].lamports, 60}} },
			want:     invoke.ErrUnbalancedInstruction,
		},
		{
			name:     "spending a foreign account",
			accounts: []Account{owned(50, nil, true), foreign(5, nil, true)},
			pokes: func(l []accountLayout) []poke {
				return []poke{{l[0].lamports, 55}, {l[1].lamports, 0}}
			},
			want: invoke.ErrExternalLamportSpend,
		},
		{
			name:     "crediting a read-only account",
			accounts: []Account{owned(50, nil, true), foreign(5, nil, false)},
			pokes: func(l []accountLayout) []poke {
				return []poke{{l[0].lamports, 45}, {l[1].lamports, 10}}
			},
			want: invoke.ErrReadonlyLamportChange,
		},
		{
			name:     "writing read-only data",
			accounts: []Account{owned(50, make([]byte, 8), false)},
			pokes:    func(l []accountLayout) []poke { return []poke{{l[0].data, 1}} },
			want:     invoke.ErrReadonlyDataModified,
		},
		{
			name:     "writing foreign data",
			accounts: []Account{foreign(5, make([]byte, 8), true)},
			pokes:    func(l []accountLayout) []poke { return []poke{{l[0].data, 1}} },
			want:     invoke.ErrExternalDataModified,
		},
		{
			name:     "reassigning a foreign account",
			accounts: []Account{foreign(5, nil, true)},
			pokes:    func(l []accountLayout) []poke { return []poke{{l[0].owner, 0xA0}} },
			want:     invoke.ErrModifiedOwner,
		},
		{
			name:     "reassigning an account with data",
			accounts: []Account{owned(5, []byte{1, 0, 0, 0, 0, 0, 0, 0}, true)},
			pokes:    func(l []accountLayout) []poke { return []poke{{l[0].owner, 0xB0}} },
			want:     invoke.ErrModifiedOwner,
		},
		{
			name: "writing an executable account",
			accounts: []Account{
				{Key: alice, Owner: progA, Lamports: 5, Data: make([]byte, 8), IsWritable: true, Executable: true},
			},
			pokes: func(l []accountLayout) []poke { return []poke{{l[0].data, 1}} },
			want:  invoke.ErrExecutableModified,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := install(t, testConfig())
			s.AddProgram(progA, pokeProgram(tt.pokes(layoutOf(tt.accounts))...))

			res, err := s.Execute(Instruction{ProgramID: progA, Accounts: tt.accounts})
			require.NoError(t, err)
			require.NotNil(t, res.Fault)
			assert.Equal(t, svm.IllegalAccountChange, res.Fault.Code)
			assert.ErrorIs(t, res.Fault, tt.want)
			assert.Equal(t, tt.accounts, res.Accounts, "a faulted run reports the accounts unchanged")
		})
	}
}

func TestExecuteRejectsResize(t *testing.T) {
	views := rootViews([]Account{{Key: alice, Data: make([]byte, 4)}})
	_, layout := serializeInput(progA, views, nil)

	text := asm{}.
		mov(2, 8).
		stxdw(1, int16(layout[0].dataLen), 2).
		mov(0, 0).
		exit()
	s := install(t, testConfig())
	s.AddProgram(progA, &sbpf.Program{Text: text})

	res, err := s.Execute(Instruction{
		ProgramID: progA,
		Accounts:  []Account{{Key: alice, Data: make([]byte, 4), IsWritable: true}},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Fault)
	assert.Equal(t, svm.MalformedArgument, res.Fault.Code)
	assert.ErrorIs(t, res.Fault, invoke.ErrDataLengthChanged)
}

type cpiMeta struct {
	index            int
	signer, writable bool
}

// invokeProgram builds a program that invokes callee through the C ABI
// with metas over its input accounts, passing an account info for each of
// them. A non-empty after is logged once the invocation returns and the
// program exits with 0; otherwise it exits with the invocation result.
func invokeProgram(accounts []Account, callee types.Pubkey, metas []cpiMeta, data []byte, after string) *sbpf.Program {
	layout := layoutOf(accounts)
	at := func(off int) uint64 { return sbpf.VaddrInput + uint64(off) }
	keyAt := func(i int) uint64 { return at(layout[i].owner - types.PubkeySize) }

	metasOff := 40
	infosOff := metasOff + 16*len(metas)
	pidOff := infosOff + 56*len(accounts)
	dataOff := pidOff + types.PubkeySize
	msgOff := dataOff + len(data)
	ro := make([]byte, msgOff+len(after))
	put := func(off int, v uint64) { binary.LittleEndian.PutUint64(ro[off:], v) }

	put(0, sbpf.VaddrProgram+uint64(pidOff))
	put(8, sbpf.VaddrProgram+uint64(metasOff))
	put(16, uint64(len(metas)))
	put(24, sbpf.VaddrProgram+uint64(dataOff))
	put(32, uint64(len(data)))

	for i, m := range metas {
		off := metasOff + 16*i
		put(off, keyAt(m.index))
		ro[off+8], ro[off+9] = boolByte(m.writable), boolByte(m.signer)
	}
	for i := range accounts {
		info := infosOff + i*56
		put(info, keyAt(i))
		put(info+8, at(layout[i].lamports))
		put(info+16, uint64(len(accounts[i].Data)))
		put(info+24, at(layout[i].data))
		put(info+32, at(layout[i].owner))
	}
	copy(ro[pidOff:], callee[:])
	copy(ro[dataOff:], data)
	copy(ro[msgOff:], after)

	text := asm{}.
		lddw(1, sbpf.VaddrProgram).
		lddw(2, sbpf.VaddrProgram+uint64(infosOff)).
		mov(3, int32(len(accounts))).
		mov(4, 0).
		mov(5, 0).
		call(syscall.SolInvokeSignedC)
	if after != "" {
		text = text.
			lddw(1, sbpf.VaddrProgram+uint64(msgOff)).
			mov(2, int32(len(after))).
			call(syscall.SolLog).
			mov(0, 0)
	}
	return &sbpf.Program{Text: text.exit(), RO: ro}
}

// transferCPI builds a program that invokes the system program to move
// lamports from accounts[0] to accounts[1]. signTo asks for accounts[1]
// as a signer.
func transferCPI(accounts []Account, lamports uint64, signTo bool) *sbpf.Program {
	metas := []cpiMeta{
		{index: 0, signer: true, writable: true},
		{index: 1, signer: signTo, writable: true},
	}
	return invokeProgram(accounts, system.ProgramID, metas, system.TransferData(lamports), "")
}

func transferAccounts() []Account {
	return []Account{
		{Key: alice, Owner: system.ProgramID, Lamports: 1000, IsSigner: true, IsWritable: true},
		{Key: bob, Owner: system.ProgramID, IsWritable: true},
	}
}

func TestProgramInvokesBuiltin(t *testing.T) {
	cfg := testConfig()
	cfg.ComputeBudget = 10_000
	s := install(t, cfg)
	accounts := transferAccounts()
	s.AddProgram(progA, transferCPI(accounts, 300, false))

	res, err := s.Execute(Instruction{ProgramID: progA, Accounts: accounts})
	require.NoError(t, err)
	require.Nil(t, res.Fault, "%v", res.Fault)

	assert.Equal(t, uint64(700), res.Accounts[0].Lamports)
	assert.Equal(t, uint64(300), res.Accounts[1].Lamports)
	assert.Equal(t, []string{
		"Program " + progA.String() + " invoke [1]",
		"Program " + system.ProgramID.String() + " invoke [2]",
		"Program log: Transfer: success",
		"Program " + system.ProgramID.String() + " success",
		"Program " + progA.String() + " success",
	}, res.Logs)
	// invoke + builtin base + system program.
	assert.Equal(t, uint64(1000+1+system.ComputeUnits), res.ComputeUnits)
}

func TestProgramInvokeEscalation(t *testing.T) {
	cfg := testConfig()
	cfg.ComputeBudget = 10_000
	s := install(t, cfg)
	accounts := transferAccounts()
	s.AddProgram(progA, transferCPI(accounts, 300, true))

	res, err := s.Execute(Instruction{ProgramID: progA, Accounts: accounts})
	require.NoError(t, err)
	require.NotNil(t, res.Fault)
	assert.Equal(t, svm.PrivilegeEscalation, res.Fault.Code)
	assert.Equal(t, "sol_invoke_signed_c", res.Fault.Syscall)
	assert.Equal(t, uint64(1000), res.Accounts[0].Lamports)

	code, ok := s.LastFault()
	require.True(t, ok)
	assert.Equal(t, svm.PrivilegeEscalation, code)
}

func TestProgramInvokeDepth(t *testing.T) {
	tests := []struct {
		depth int
		fault bool
	}{
		{depth: 0, fault: true},
		{depth: 1, fault: false},
	}
	for _, tt := range tests {
		cfg := testConfig()
		cfg.ComputeBudget = 10_000
		cfg.MaxCPIDepth = tt.depth
		s := install(t, cfg)
		accounts := transferAccounts()
		s.AddProgram(progA, transferCPI(accounts, 300, false))

		res, err := s.Execute(Instruction{ProgramID: progA, Accounts: accounts})
		require.NoError(t, err)
		if !tt.fault {
			assert.Nil(t, res.Fault, "depth %d: %v", tt.depth, res.Fault)
			continue
		}
		require.NotNil(t, res.Fault, "depth %d", tt.depth)
		assert.Equal(t, svm.DepthExceeded, res.Fault.Code)
	}
}

func TestProgramSelfInvokeEscalation(t *testing.T) {
	cfg := testConfig()
	cfg.ComputeBudget = 10_000
	s := install(t, cfg)

	// alice is read-only at the root and owned by neither program; the
	// program re-enters itself asking for it writable.
	accounts := []Account{{Key: alice, Owner: other, Lamports: 5}}
	metas := []cpiMeta{{index: 0, writable: true}}
	s.AddProgram(progA, invokeProgram(accounts, progA, metas, nil, "after invoke"))

	res, err := s.Execute(Instruction{ProgramID: progA, Accounts: accounts})
	require.NoError(t, err)
	require.NotNil(t, res.Fault)
	assert.Equal(t, svm.PrivilegeEscalation, res.Fault.Code)
	assert.Equal(t, "sol_invoke_signed_c", res.Fault.Syscall)

	code, ok := s.LastFault()
	require.True(t, ok)
	assert.Equal(t, svm.PrivilegeEscalation, code)

	logs := s.DrainLogs()
	assert.Equal(t, []string{"Program " + progA.String() + " invoke [1]"}, logs)
	assert.NotContains(t, logs, "Program log: after invoke")
}

func TestProgramInvokeCalleeIllegalChange(t *testing.T) {
	cfg := testConfig()
	cfg.ComputeBudget = 10_000
	s := install(t, cfg)

	// progB moves lamports out of an account it does not own.
	accounts := []Account{
		{Key: alice, Owner: other, Lamports: 10, IsWritable: true},
		{Key: bob, Owner: progB, IsWritable: true},
	}
	layout := layoutOf(accounts)
	s.AddProgram(progB, pokeProgram(poke{layout[0].lamports, 0}, poke{layout[1].lamports, 10}))
	metas := []cpiMeta{{index: 0, writable: true}, {index: 1, writable: true}}
	s.AddProgram(progA, invokeProgram(accounts, progB, metas, nil, ""))

	res, err := s.Execute(Instruction{ProgramID: progA, Accounts: accounts})
	require.NoError(t, err)
	require.NotNil(t, res.Fault)
	assert.Equal(t, svm.ProgramFailed, res.Fault.Code)
	assert.Equal(t, uint64(svm.IllegalAccountChange), res.Fault.ReturnCode)
	assert.Equal(t, accounts, res.Accounts)
}

func TestSessionLogCap(t *testing.T) {
	invoked := "Program " + progA.String() + " invoke [1]"
	line := "Program log: abc"
	cfg := testConfig()
	cfg.LogCapBytes = len(invoked) + len(line) + 5
	s := install(t, cfg)

	// Log "abc" twice and exit with the result of the second log.
	ro := []byte("abc")
	text := asm{}.
		lddw(1, sbpf.VaddrProgram).
		mov(2, 3).
		call(syscall.SolLog).
		lddw(1, sbpf.VaddrProgram).
		mov(2, 3).
		call(syscall.SolLog).
		exit()
	s.AddProgram(progA, &sbpf.Program{Text: text, RO: ro})

	res, err := s.Execute(Instruction{ProgramID: progA})
	require.NoError(t, err)
	require.Nil(t, res.Fault, "a log past the cap is not a fault")
	assert.True(t, res.LogsTruncated)
	assert.Equal(t, uint64(200), res.ComputeUnits, "truncated logs are still charged")

	logs := s.DrainLogs()
	assert.Equal(t, []string{invoked, line, "Progr"}, logs)
	var n int
	for _, l := range logs {
		n += len(l)
	}
	assert.Equal(t, cfg.LogCapBytes, n)
}

func TestProgramInvokeCalleeFailure(t *testing.T) {
	cfg := testConfig()
	cfg.ComputeBudget = 10_000
	s := install(t, cfg)
	accounts := transferAccounts()
	s.AddProgram(progA, transferCPI(accounts, 5000, false))

	// The caller exits with the callee's code: insufficient funds is 1.
	res, err := s.Execute(Instruction{ProgramID: progA, Accounts: accounts})
	require.NoError(t, err)
	require.NotNil(t, res.Fault)
	assert.Equal(t, svm.ProgramFailed, res.Fault.Code)
	assert.Equal(t, uint64(1), res.Fault.ReturnCode)
	assert.Equal(t, uint64(1000), res.Accounts[0].Lamports)
}

func TestBuiltinInvokesWithPDASigner(t *testing.T) {
	seeds := [][]byte{[]byte("vault")}
	vault, bump, err := crypto.FindProgramAddress(seeds, progB, crypto.SeedLimits{MaxSeeds: 16, MaxSeedLen: 32}, nil)
	require.NoError(t, err)
	signer := [][]byte{[]byte("vault"), {bump}}

	cfg := testConfig()
	cfg.ComputeBudget = 10_000
	s := install(t, cfg)
	s.AddBuiltin(progB, func(ctx programs.Context, accounts []*invoke.AccountView, data []byte) error {
		metas := []programs.AccountMeta{
			{Key: vault, IsSigner: true, IsWritable: true},
			{Key: bob, IsWritable: true},
		}
		return ctx.Invoke(system.ProgramID, metas, system.TransferData(250), signer)
	})

	res, err := s.Execute(Instruction{
		ProgramID: progB,
		Accounts: []Account{
			{Key: vault, Owner: system.ProgramID, Lamports: 1000, IsWritable: true},
			{Key: bob, Owner: system.ProgramID, IsWritable: true},
		},
	})
	require.NoError(t, err)
	require.Nil(t, res.Fault, "%v", res.Fault)
	assert.Equal(t, uint64(750), res.Accounts[0].Lamports)
	assert.Equal(t, uint64(250), res.Accounts[1].Lamports)
	assert.Contains(t, res.Logs, "Program "+system.ProgramID.String()+" invoke [2]")
}

func TestBuiltinInvokeWithoutSignerEscalates(t *testing.T) {
	cfg := testConfig()
	cfg.ComputeBudget = 10_000
	s := install(t, cfg)
	s.AddBuiltin(progB, func(ctx programs.Context, _ []*invoke.AccountView, _ []byte) error {
		metas := []programs.AccountMeta{
			{Key: alice, IsSigner: true, IsWritable: true},
			{Key: bob, IsWritable: true},
		}
		return ctx.Invoke(system.ProgramID, metas, system.TransferData(1))
	})

	res, err := s.Execute(Instruction{
		ProgramID: progB,
		Accounts: []Account{
			{Key: alice, Owner: system.ProgramID, Lamports: 10, IsWritable: true},
			{Key: bob, Owner: system.ProgramID, IsWritable: true},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Fault)
	assert.Equal(t, svm.PrivilegeEscalation, res.Fault.Code)
}

func TestBuiltinFailureDiscardsWrites(t *testing.T) {
	s := install(t, testConfig())
	s.AddBuiltin(progB, func(_ programs.Context, accounts []*invoke.AccountView, _ []byte) error {
		if err := accounts[0].SetLamports(1); err != nil {
			return err
		}
		return programs.NewCustom(7, "nope")
	})

	res, err := s.Execute(Instruction{
		ProgramID: progB,
		Accounts:  []Account{{Key: alice, Lamports: 10, IsWritable: true}},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Fault)
	assert.Equal(t, svm.ProgramFailed, res.Fault.Code)
	assert.Equal(t, uint64(7), res.Fault.ReturnCode)
	assert.Equal(t, uint64(10), res.Accounts[0].Lamports)
	assert.Equal(t, uint64(1), res.ComputeUnits)
}

func TestBuiltinIllegalAccountChanges(t *testing.T) {
	tests := []struct {
		name     string
		accounts []Account
		run      BuiltinFunc
		want     error
	}{
		{
			name: "spending a foreign account",
			accounts: []Account{
				{Key: alice, Owner: other, Lamports: 10, IsWritable: true},
				{Key: bob, Owner: progB, IsWritable: true},
			},
			run: func(_ programs.Context, accounts []*invoke.AccountView, _ []byte) error {
				if err := accounts[0].SetLamports(0); err != nil {
					return err
				}
				return accounts[1].SetLamports(10)
			},
			want: invoke.ErrExternalLamportSpend,
		},
		{
			name:     "minting lamports",
			accounts: []Account{{Key: bob, Owner: progB, Lamports: 1, IsWritable: true}},
			run: func(_ programs.Context, accounts []*invoke.AccountView, _ []byte) error {
				return accounts[0].SetLamports(6)
			},
			want: invoke.ErrUnbalancedInstruction,
		},
		{
			name:     "writing read-only data in place",
			accounts: []Account{{Key: bob, Owner: progB, Data: []byte{1, 2}}},
			run: func(_ programs.Context, accounts []*invoke.AccountView, _ []byte) error {
				accounts[0].Data()[0] = 9
				return nil
			},
			want: invoke.ErrReadonlyDataModified,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := install(t, testConfig())
			s.AddBuiltin(progB, tt.run)

			res, err := s.Execute(Instruction{ProgramID: progB, Accounts: tt.accounts})
			require.NoError(t, err)
			require.NotNil(t, res.Fault)
			assert.Equal(t, svm.IllegalAccountChange, res.Fault.Code)
			assert.ErrorIs(t, res.Fault, tt.want)
			assert.Equal(t, tt.accounts, res.Accounts)
		})
	}
}

func TestBuiltinPanicIsFault(t *testing.T) {
	s := install(t, testConfig())
	s.AddBuiltin(progB, func(programs.Context, []*invoke.AccountView, []byte) error {
		var m map[string]int
		m["x"]++
		return nil
	})

	res, err := s.Execute(Instruction{ProgramID: progB})
	require.NoError(t, err)
	require.NotNil(t, res.Fault)
	assert.Equal(t, svm.ProgramFailed, res.Fault.Code)
	assert.ErrorIs(t, res.Fault, ErrBuiltinPanic)
}

func TestBuiltinInvariantPanics(t *testing.T) {
	s := install(t, testConfig())
	s.AddBuiltin(progB, func(programs.Context, []*invoke.AccountView, []byte) error {
		svm.Invariant(errors.New("broken"))
		return nil
	})
	assert.Panics(t, func() {
		_, _ = s.Execute(Instruction{ProgramID: progB})
	})

	// The next run starts from a clean stack.
	s.AddProgram(progA, hashAndLog())
	res, err := s.Execute(Instruction{ProgramID: progA})
	require.NoError(t, err)
	assert.Nil(t, res.Fault)
}

func TestBuiltinReturnData(t *testing.T) {
	s := install(t, testConfig())
	s.AddBuiltin(progB, func(ctx programs.Context, _ []*invoke.AccountView, data []byte) error {
		ctx.Log("echo")
		return ctx.SetReturnData(data)
	})

	res, err := s.Execute(Instruction{ProgramID: progB, Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	require.Nil(t, res.Fault)
	assert.Equal(t, progB, res.ReturnProgram)
	assert.Equal(t, []byte{1, 2, 3}, res.ReturnData)
	assert.Contains(t, res.Logs, "Program log: echo")

	res, err = s.Execute(Instruction{ProgramID: progB, Data: make([]byte, 1025)})
	require.NoError(t, err)
	require.NotNil(t, res.Fault)
	assert.Equal(t, svm.MalformedArgument, res.Fault.Code)
}

func TestDefaultBuiltins(t *testing.T) {
	s := install(t, testConfig())
	res, err := s.Execute(Instruction{
		ProgramID: system.ProgramID,
		Accounts: []Account{
			{Key: alice, Owner: system.ProgramID, Lamports: 10, IsSigner: true, IsWritable: true},
			{Key: bob, Owner: system.ProgramID, IsWritable: true},
		},
		Data: system.TransferData(4),
	})
	require.NoError(t, err)
	require.Nil(t, res.Fault)
	assert.Equal(t, uint64(6), res.Accounts[0].Lamports)

	bare := install(t, testConfig(), WithoutBuiltins())
	_, err = bare.Execute(Instruction{ProgramID: system.ProgramID})
	assert.ErrorIs(t, err, ErrUnknownProgram)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	s := install(t, testConfig(), WithMetrics(m))
	s.AddProgram(progA, hashAndLog())
	s.AddProgram(progB, &sbpf.Program{Text: asm{}.mov(0, 1).exit()})

	_, err = s.Execute(Instruction{ProgramID: progA})
	require.NoError(t, err)
	_, err = s.Execute(Instruction{ProgramID: progB})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("fault")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.faults.WithLabelValues("ProgramFailed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syscalls.WithLabelValues("sol_log_", "ok")))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "duplicate registration")
}
