package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fortiblox/svmstub/internal/types"
	"github.com/fortiblox/svmstub/pkg/svm"
	"github.com/fortiblox/svmstub/pkg/svm/loader"
	svmruntime "github.com/fortiblox/svmstub/pkg/svm/runtime"
	"github.com/fortiblox/svmstub/pkg/svm/sbpf"
)

// fixtureAccount is one account of an instruction fixture.
type fixtureAccount struct {
	Key        types.Pubkey `json:"key"`
	Owner      types.Pubkey `json:"owner"`
	Lamports   uint64       `json:"lamports"`
	Data       []byte       `json:"data,omitempty"`
	Executable bool         `json:"executable,omitempty"`
	Signer     bool         `json:"signer,omitempty"`
	Writable   bool         `json:"writable,omitempty"`
}

// fixture is one instruction to execute. Byte fields are base64.
type fixture struct {
	ProgramID types.Pubkey     `json:"program_id"`
	Accounts  []fixtureAccount `json:"accounts"`
	Data      []byte           `json:"data,omitempty"`
}

func (f *fixture) instruction() svmruntime.Instruction {
	ix := svmruntime.Instruction{
		ProgramID: f.ProgramID,
		Data:      f.Data,
		Accounts:  make([]svmruntime.Account, len(f.Accounts)),
	}
	for i, a := range f.Accounts {
		ix.Accounts[i] = svmruntime.Account{
			Key:        a.Key,
			Owner:      a.Owner,
			Lamports:   a.Lamports,
			Data:       a.Data,
			Executable: a.Executable,
			IsSigner:   a.Signer,
			IsWritable: a.Writable,
		}
	}
	return ix
}

// outcome is the JSON line printed for one fixture.
type outcome struct {
	Input         string           `json:"input"`
	Error         string           `json:"error,omitempty"`
	Fault         string           `json:"fault,omitempty"`
	FaultSyscall  string           `json:"fault_syscall,omitempty"`
	ReturnCode    uint64           `json:"return_code,omitempty"`
	ComputeUnits  uint64           `json:"compute_units"`
	Remaining     uint64           `json:"remaining"`
	ReturnProgram *types.Pubkey    `json:"return_program,omitempty"`
	ReturnData    []byte           `json:"return_data,omitempty"`
	Logs          []string         `json:"logs"`
	LogsTruncated bool             `json:"logs_truncated,omitempty"`
	Accounts      []fixtureAccount `json:"accounts"`
}

func newOutcome(input string, res *svmruntime.Result) outcome {
	out := outcome{
		Input:         input,
		ComputeUnits:  res.ComputeUnits,
		Remaining:     res.Remaining,
		Logs:          res.Logs,
		LogsTruncated: res.LogsTruncated,
		Accounts:      make([]fixtureAccount, len(res.Accounts)),
	}
	if res.Fault != nil {
		out.Fault = res.Fault.Code.String()
		out.FaultSyscall = res.Fault.Syscall
		out.ReturnCode = res.Fault.ReturnCode
	}
	if len(res.ReturnData) > 0 {
		p := res.ReturnProgram
		out.ReturnProgram = &p
		out.ReturnData = res.ReturnData
	}
	for i, a := range res.Accounts {
		out.Accounts[i] = fixtureAccount{
			Key:        a.Key,
			Owner:      a.Owner,
			Lamports:   a.Lamports,
			Data:       a.Data,
			Executable: a.Executable,
			Signer:     a.IsSigner,
			Writable:   a.IsWritable,
		}
	}
	return out
}

func readFixture(path string) (*fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fixture
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &f, nil
}

// parsePrograms reads "<base58 id>=<path>" program flags.
func parsePrograms(specs []string) (map[types.Pubkey]*sbpf.Program, error) {
	out := make(map[types.Pubkey]*sbpf.Program, len(specs))
	for _, arg := range specs {
		id, path, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("program %q: want <id>=<path>", arg)
		}
		key, err := types.PubkeyFromBase58(id)
		if err != nil {
			return nil, fmt.Errorf("program %q: %w", arg, err)
		}
		exe, err := loader.ReadProgramFile(path)
		if err != nil {
			return nil, err
		}
		if len(exe.Unresolved) > 0 {
			log.Warn("program references unknown syscalls", "program", key, "symbols", exe.Unresolved)
		}
		out[key] = exe.Program()
	}
	return out, nil
}

// runner executes fixtures on a pool of workers, one session each.
type runner struct {
	cfg      svm.Config
	programs map[types.Pubkey]*sbpf.Program
	workers  int
	metrics  *svmruntime.Metrics
}

func (r *runner) session() (*svmruntime.Session, error) {
	s, err := svmruntime.Install(r.cfg, svmruntime.WithMetrics(r.metrics))
	if err != nil {
		return nil, err
	}
	for id, p := range r.programs {
		s.AddProgram(id, p)
	}
	return s, nil
}

// run executes every input and returns the outcomes in input order.
// Harness errors are reported per input; only setup failures and
// cancellation abort the batch.
func (r *runner) run(ctx context.Context, inputs []string) ([]outcome, error) {
	outcomes := make([]outcome, len(inputs))
	jobs := make(chan int)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for i := range inputs {
			if err := gctx.Err(); err != nil {
				return err
			}
			select {
			case jobs <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < r.workers; w++ {
		g.Go(func() error {
			s, err := r.session()
			if err != nil {
				return err
			}
			for i := range jobs {
				outcomes[i] = r.execute(s, inputs[i])
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (r *runner) execute(s *svmruntime.Session, input string) outcome {
	f, err := readFixture(input)
	if err != nil {
		return outcome{Input: input, Error: err.Error()}
	}
	res, err := s.Execute(f.instruction())
	if err != nil {
		return outcome{Input: input, Error: err.Error()}
	}
	return newOutcome(input, res)
}

func writeOutcomes(w io.Writer, outcomes []outcome) error {
	enc := json.NewEncoder(w)
	for _, o := range outcomes {
		if err := enc.Encode(o); err != nil {
			return err
		}
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "addr", addr, "err", err)
		}
	}()
}

func newRunCmd(loadConfig func(*cobra.Command) (svm.Config, error)) *cobra.Command {
	var (
		programs    []string
		workers     int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run [flags] fixture.json...",
		Short: "Execute instruction fixtures and print JSON results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			progs, err := parsePrograms(programs)
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			metrics, err := svmruntime.NewMetrics(reg)
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				serveMetrics(cmd.Context(), metricsAddr, reg)
			}

			if workers < 1 {
				workers = 1
			}
			r := &runner{cfg: cfg, programs: progs, workers: workers, metrics: metrics}

			start := time.Now()
			outcomes, err := r.run(cmd.Context(), args)
			if err != nil {
				return err
			}
			log.Info("batch complete", "inputs", len(args), "workers", workers, "elapsed", time.Since(start))
			return writeOutcomes(cmd.OutOrStdout(), outcomes)
		},
	}

	cmd.Flags().StringArrayVarP(&programs, "program", "p", nil, "sBPF program as <base58 id>=<path to .so or .so.zst>, repeatable")
	cmd.Flags().IntVarP(&workers, "workers", "w", runtime.NumCPU(), "parallel sessions")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while running")
	return cmd
}
