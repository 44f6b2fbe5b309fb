package runtime

import (
	"fmt"

	log "github.com/inconshreveable/log15"

	"github.com/fortiblox/svmstub/internal/types"
	"github.com/fortiblox/svmstub/pkg/svm"
	"github.com/fortiblox/svmstub/pkg/svm/invoke"
	"github.com/fortiblox/svmstub/pkg/svm/logsink"
	"github.com/fortiblox/svmstub/pkg/svm/programs/precompile"
	"github.com/fortiblox/svmstub/pkg/svm/programs/system"
	"github.com/fortiblox/svmstub/pkg/svm/sbpf"
	"github.com/fortiblox/svmstub/pkg/svm/syscall"
	"github.com/fortiblox/svmstub/pkg/svm/sysvar"
)

// Option configures a Session at install time.
type Option func(*Session)

// WithLogger replaces the session's diagnostic logger.
func WithLogger(l log.Logger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// WithMetrics records runs, faults and syscalls into m.
func WithMetrics(m *Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithoutBuiltins skips registration of the default builtin programs.
func WithoutBuiltins() Option {
	return func(s *Session) {
		s.noBuiltins = true
	}
}

// Session is one installed stub runtime. It is not safe for concurrent
// use; run one session per worker.
type Session struct {
	cfg   svm.Config
	costs svm.CostTable

	meter      *svm.ComputeMeter
	stack      *invoke.Stack
	logs       *logsink.Sink
	sysvars    *sysvar.Store
	dispatcher *syscall.Dispatcher

	programs map[types.Pubkey]*sbpf.Program
	builtins map[types.Pubkey]BuiltinFunc

	lastFault  *svm.Fault
	metrics    *Metrics
	noBuiltins bool

	log log.Logger
}

// Install validates cfg and builds a session with fresh collaborators.
// The system program and the signature precompiles are registered unless
// WithoutBuiltins is given.
func Install(cfg svm.Config, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	costs, err := svm.LookupCostTable(cfg.CostVersion)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:      cfg,
		costs:    costs,
		meter:    svm.NewComputeMeter(cfg.ComputeBudget),
		stack:    invoke.NewStack(cfg.MaxCPIDepth),
		logs:     logsink.New(cfg.LogCapBytes),
		sysvars:  sysvar.NewStore(cfg.Sysvars),
		programs: make(map[types.Pubkey]*sbpf.Program),
		builtins: make(map[types.Pubkey]BuiltinFunc),
		log:      log.New("pkg", "runtime"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.dispatcher, err = syscall.New(syscall.Env{
		Costs:    costs,
		Meter:    s.meter,
		Stack:    s.stack,
		Logs:     s.logs,
		Sysvars:  s.sysvars,
		Executor: s,
		Observer: s.metrics.observeSyscall,
	})
	if err != nil {
		return nil, fmt.Errorf("install dispatcher: %w", err)
	}

	if !s.noBuiltins {
		s.AddBuiltin(system.ProgramID, system.Process)
		s.AddBuiltin(precompile.Ed25519ProgramID, precompile.VerifyEd25519)
		s.AddBuiltin(precompile.Secp256k1ProgramID, precompile.VerifySecp256k1)
	}

	s.log.Debug("session installed", "budget", cfg.ComputeBudget, "depth", cfg.MaxCPIDepth, "costs", costs.Version)
	return s, nil
}

// AddProgram registers an sBPF program under id.
func (s *Session) AddProgram(id types.Pubkey, p *sbpf.Program) {
	delete(s.builtins, id)
	s.programs[id] = p
}

// AddBuiltin registers a builtin program under id.
func (s *Session) AddBuiltin(id types.Pubkey, fn BuiltinFunc) {
	delete(s.programs, id)
	s.builtins[id] = fn
}

// Dispatcher returns the session's syscall dispatcher.
func (s *Session) Dispatcher() *syscall.Dispatcher {
	return s.dispatcher
}

// Config returns the installed config.
func (s *Session) Config() svm.Config {
	return s.cfg
}

// ResetRun clears all per-run state: the meter is refilled, the stack
// and log sink are emptied and return data is dropped.
func (s *Session) ResetRun() {
	s.meter.Reset()
	s.stack.Reset()
	s.logs.Reset()
	s.dispatcher.Reset()
	s.lastFault = nil
}

// DrainLogs returns the log lines of the current run and clears the sink.
func (s *Session) DrainLogs() []string {
	return s.logs.Drain()
}

// LastFault returns the code of the fault that ended the last run.
func (s *Session) LastFault() (svm.FaultCode, bool) {
	if s.lastFault == nil {
		return 0, false
	}
	return s.lastFault.Code, true
}

// Execute resets the session and runs ix in a root frame. The returned
// error is non-nil only for harness misuse; program faults are reported
// in Result.Fault. A faulted run reports the accounts unchanged.
func (s *Session) Execute(ix Instruction) (*Result, error) {
	if uint64(len(ix.Data)) > s.costs.MaxInstructionData {
		return nil, fmt.Errorf("%w: %d bytes > %d", ErrInstructionTooLarge, len(ix.Data), s.costs.MaxInstructionData)
	}
	if uint64(len(ix.Accounts)) > s.costs.MaxInstructionAccts {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyAccounts, len(ix.Accounts), s.costs.MaxInstructionAccts)
	}
	if !s.known(ix.ProgramID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProgram, ix.ProgramID)
	}
	s.ResetRun()

	views := rootViews(ix.Accounts)
	h, err := s.stack.Enter(invoke.Invocation{
		ProgramID: ix.ProgramID,
		Accounts:  views,
		Budget:    s.meter.Remaining(),
	})
	if err == nil {
		err = s.ExecuteFrame(s.stack.Top(), ix.Data)
		if lerr := s.stack.Leave(h); lerr != nil {
			svm.Invariant(lerr)
		}
	}

	returnProgram, returnData := s.dispatcher.ReturnData()
	res := &Result{
		ReturnProgram: returnProgram,
		ReturnData:    append([]byte(nil), returnData...),
		ComputeUnits:  s.meter.Consumed(),
		Remaining:     s.meter.Remaining(),
		Accounts:      make([]Account, len(ix.Accounts)),
		Logs:          s.logs.Lines(),
		LogsTruncated: s.logs.Truncated(),
	}
	for i, a := range ix.Accounts {
		if err != nil {
			a.Data = append([]byte(nil), a.Data...)
			res.Accounts[i] = a
			continue
		}
		res.Accounts[i] = snapshot(views[i], a)
	}
	if err != nil {
		res.Fault = svm.AsFault(err)
		s.lastFault = res.Fault
		s.log.Debug("run faulted", "program", ix.ProgramID, "code", res.Fault.Code, "err", res.Fault)
	}
	s.metrics.observeRun(res)
	return res, nil
}

// rootViews builds host-backed views over the harness accounts. A key
// listed twice shares the windows of its first occurrence.
func rootViews(accounts []Account) []*invoke.AccountView {
	views := make([]*invoke.AccountView, len(accounts))
	first := make(map[types.Pubkey]int, len(accounts))
	for i, a := range accounts {
		if j, dup := first[a.Key]; dup {
			views[i] = views[j].WithFlags(a.IsSigner, a.IsWritable)
			continue
		}
		first[a.Key] = i
		v := invoke.HostAccount(a.Key, a.Owner, a.Lamports, append([]byte(nil), a.Data...), a.IsSigner, a.IsWritable)
		v.Executable = a.Executable
		views[i] = v
	}
	return views
}

func (s *Session) known(id types.Pubkey) bool {
	if _, ok := s.builtins[id]; ok {
		return true
	}
	_, ok := s.programs[id]
	return ok
}

// ExecuteFrame runs the program of frame, which must be the top of the
// stack. It is the reentry point of cross-program invocation.
func (s *Session) ExecuteFrame(frame *invoke.Frame, data []byte) error {
	s.logs.Append(fmt.Sprintf("Program %s invoke [%d]", frame.ProgramID, frame.Height))

	var err error
	if fn, ok := s.builtins[frame.ProgramID]; ok {
		err = s.runBuiltin(frame, fn, data)
	} else if p, ok := s.programs[frame.ProgramID]; ok {
		err = s.runProgram(frame, p, data)
	} else {
		err = svm.Faultf(svm.MalformedArgument, "%w: %s", ErrUnknownProgram, frame.ProgramID)
	}
	if err != nil {
		s.log.Debug("frame failed", "program", frame.ProgramID, "height", frame.Height, "err", err)
		return err
	}

	s.logs.Append(fmt.Sprintf("Program %s success", frame.ProgramID))
	return nil
}

// runProgram serializes the frame into a fresh input region, interprets
// the program and commits its account changes back into the frame's views.
// The lamport total of the frame's accounts must not change.
func (s *Session) runProgram(frame *invoke.Frame, p *sbpf.Program, data []byte) error {
	before := invoke.SumLamports(frame.Accounts)
	input, layout := serializeInput(frame.ProgramID, frame.Accounts, data)

	vm := sbpf.NewInterpreter(p, input, sbpf.Options{
		HeapSize:         s.cfg.HeapSize,
		InstructionLimit: s.cfg.InstructionLimit,
		Syscalls:         s.dispatcher.Lookup(),
	})
	r0, err := vm.Run()
	if err != nil {
		return err
	}
	if r0 != 0 {
		return &svm.Fault{
			Code:       svm.ProgramFailed,
			ReturnCode: r0,
			Err:        fmt.Errorf("program %s exited with %d", frame.ProgramID, r0),
		}
	}
	if err := deserializeOutput(input, frame, layout); err != nil {
		return err
	}
	return invoke.CheckBalance(before, frame.Accounts)
}
