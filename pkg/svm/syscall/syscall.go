// Package syscall implements the syscall stubs programs call from the sBPF VM.
//
// Each syscall is identified by the murmur3 hash of its runtime name and
// resolves to one ID of a closed enumeration. Arguments arrive in r1-r5 as
// VM virtual addresses and raw words; the result goes in r0. Every error a
// handler returns is a *svm.Fault attributed to the syscall's name.
package syscall

import (
	"encoding/binary"
	"errors"

	log "github.com/inconshreveable/log15"

	"github.com/fortiblox/svmstub/internal/types"
	"github.com/fortiblox/svmstub/pkg/svm"
	"github.com/fortiblox/svmstub/pkg/svm/invoke"
	"github.com/fortiblox/svmstub/pkg/svm/logsink"
	"github.com/fortiblox/svmstub/pkg/svm/sbpf"
	"github.com/fortiblox/svmstub/pkg/svm/sysvar"
)

// Syscall errors.
var (
	ErrMissingCollaborator = errors.New("dispatcher collaborator missing")
	ErrNoActiveFrame       = errors.New("no active invocation frame")
	ErrInvalidUTF8         = errors.New("log message is not valid UTF-8")
	ErrOverlap             = errors.New("source and destination overlap")
	ErrTooManySlices       = errors.New("too many hash slices")
	ErrReturnDataTooLarge  = errors.New("return data too large")
	ErrUnknownAccount      = errors.New("instruction references an unknown account")
	ErrCPILimit            = errors.New("cpi argument exceeds limit")
	ErrAbort               = errors.New("program aborted")
	ErrPanic               = errors.New("program panicked")
)

// Args holds the raw argument words r1-r5 of a syscall.
type Args [5]uint64

// Executor runs the program of a frame the dispatcher has pushed. It is
// the reentry point for cross-program invocation. The frame is the top of
// the invocation stack for the duration of the call.
type Executor interface {
	ExecuteFrame(frame *invoke.Frame, data []byte) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(frame *invoke.Frame, data []byte) error

// ExecuteFrame implements Executor.
func (f ExecutorFunc) ExecuteFrame(frame *invoke.Frame, data []byte) error {
	return f(frame, data)
}

// Observer is notified after every dispatched syscall with the fault it
// raised, if any.
type Observer func(id ID, fault *svm.Fault)

// Env carries the collaborators of a Dispatcher.
type Env struct {
	Costs    svm.CostTable
	Meter    *svm.ComputeMeter
	Stack    *invoke.Stack
	Logs     *logsink.Sink
	Sysvars  *sysvar.Store
	Executor Executor

	// Observer is optional.
	Observer Observer
}

type handler func(d *Dispatcher, vm sbpf.VM, a Args) (uint64, error)

var handlers [numIDs]handler

// register binds a handler to an ID at init time.
func register(id ID, h handler) {
	if handlers[id] != nil {
		panic("syscall: duplicate handler for " + id.String())
	}
	handlers[id] = h
}

// Dispatcher resolves syscall hashes and runs their handlers against the
// collaborators of one session. It is not safe for concurrent use.
type Dispatcher struct {
	costs    svm.CostTable
	meter    *svm.ComputeMeter
	stack    *invoke.Stack
	logs     *logsink.Sink
	sysvars  *sysvar.Store
	executor Executor
	observer Observer

	returnProgram types.Pubkey
	returnData    []byte

	log log.Logger
}

// New creates a dispatcher over env. Executor may be nil, in which case
// CPI syscalls fault.
func New(env Env) (*Dispatcher, error) {
	if env.Meter == nil || env.Stack == nil || env.Logs == nil || env.Sysvars == nil {
		return nil, ErrMissingCollaborator
	}
	if env.Costs.CPIBytesPerUnit == 0 {
		return nil, errors.New("cost table has zero cpi_bytes_per_unit")
	}
	return &Dispatcher{
		costs:    env.Costs,
		meter:    env.Meter,
		stack:    env.Stack,
		logs:     env.Logs,
		sysvars:  env.Sysvars,
		executor: env.Executor,
		observer: env.Observer,
		log:      log.New("pkg", "syscall"),
	}, nil
}

// SetExecutor replaces the CPI reentry point.
func (d *Dispatcher) SetExecutor(e Executor) {
	d.executor = e
}

// Costs returns the cost table in use.
func (d *Dispatcher) Costs() *svm.CostTable {
	return &d.costs
}

// Reset clears per-run state.
func (d *Dispatcher) Reset() {
	d.returnProgram = types.Pubkey{}
	d.returnData = nil
}

// ReturnData returns the program that last set return data and the data.
func (d *Dispatcher) ReturnData() (types.Pubkey, []byte) {
	return d.returnProgram, d.returnData
}

// Dispatch runs the syscall identified by hash.
func (d *Dispatcher) Dispatch(hash uint32, vm sbpf.VM, args Args) (uint64, error) {
	id, ok := ByHash(hash)
	if !ok {
		return 0, svm.Faultf(svm.UnknownSyscall, "hash 0x%08x", hash)
	}
	return d.Call(id, vm, args)
}

// Call runs the syscall id.
func (d *Dispatcher) Call(id ID, vm sbpf.VM, args Args) (uint64, error) {
	if !id.Valid() || handlers[id] == nil {
		return 0, svm.Faultf(svm.UnknownSyscall, "syscall id %d", id)
	}

	r0, err := handlers[id](d, vm, args)
	var fault *svm.Fault
	if err != nil {
		fault = svm.AsFault(err).In(id.String())
		d.log.Debug("syscall fault", "syscall", id, "code", fault.Code, "err", fault.Err)
	}
	if d.observer != nil {
		d.observer(id, fault)
	}
	if fault != nil {
		return 0, fault
	}
	return r0, nil
}

// Lookup returns the registry the interpreter resolves call immediates
// through. Hashes that name no syscall are left to the function registry.
func (d *Dispatcher) Lookup() sbpf.SyscallRegistry {
	return func(hash uint32) (sbpf.Syscall, bool) {
		id, ok := ByHash(hash)
		if !ok {
			return nil, false
		}
		return sbpf.SyscallFunc(func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
			return d.Call(id, vm, Args{r1, r2, r3, r4, r5})
		}), true
	}
}

func (d *Dispatcher) consume(cost uint64) error {
	return d.meter.Consume(cost)
}

func (d *Dispatcher) topFrame() (*invoke.Frame, error) {
	f := d.stack.Top()
	if f == nil {
		return nil, svm.NewFault(svm.MalformedArgument, ErrNoActiveFrame)
	}
	return f, nil
}

// translate maps a VM range. A zero length yields an empty slice without
// touching memory.
func translate(vm sbpf.VM, addr, size uint64, write bool) ([]byte, error) {
	if size == 0 {
		return []byte{}, nil
	}
	return vm.Translate(addr, size, write)
}

func readPubkey(vm sbpf.VM, addr uint64) (types.Pubkey, error) {
	var k types.Pubkey
	b, err := vm.Translate(addr, types.PubkeySize, false)
	if err != nil {
		return k, err
	}
	copy(k[:], b)
	return k, nil
}

// sliceRef is a (ptr, len) pair as laid out in VM memory.
type sliceRef struct {
	addr uint64
	len  uint64
}

const sliceRefSize = 16

// readSliceRefs decodes n consecutive (ptr, len) pairs at addr.
func readSliceRefs(vm sbpf.VM, addr, n uint64) ([]sliceRef, error) {
	if n == 0 {
		return nil, nil
	}
	if n > (1<<32)/sliceRefSize {
		return nil, svm.Faultf(svm.OutOfBoundsMemory, "%d slice descriptors at 0x%x", n, addr)
	}
	raw, err := vm.Translate(addr, n*sliceRefSize, false)
	if err != nil {
		return nil, err
	}
	out := make([]sliceRef, n)
	for i := range out {
		out[i].addr = binary.LittleEndian.Uint64(raw[i*sliceRefSize:])
		out[i].len = binary.LittleEndian.Uint64(raw[i*sliceRefSize+8:])
	}
	return out, nil
}

// readSlices decodes n (ptr, len) pairs at addr and translates each one.
func readSlices(vm sbpf.VM, addr, n uint64) ([][]byte, error) {
	refs, err := readSliceRefs(vm, addr, n)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(refs))
	for i, r := range refs {
		if out[i], err = translate(vm, r.addr, r.len, false); err != nil {
			return nil, err
		}
	}
	return out, nil
}
