package svm

import (
	"fmt"

	"github.com/fortiblox/svmstub/pkg/svm/sysvar"
)

// Heap size limits.
const (
	HeapSizeDefault = uint64(32 * 1024)
	HeapSizeMax     = uint64(256 * 1024)
)

// CPI depth limits.
const (
	CPIDepthDefault = 4
	CPIDepthMax     = 64
)

// Config holds the per-session settings of the stub runtime.
type Config struct {
	// ComputeBudget is the syscall compute-unit budget of one run.
	ComputeBudget uint64 `mapstructure:"compute_budget"`

	// MaxCPIDepth is the maximum number of nested invocations above the
	// root frame. Zero forbids cross-program invocation.
	MaxCPIDepth int `mapstructure:"max_cpi_depth"`

	// LogCapBytes caps the total bytes held by the log sink per run. It
	// must be positive.
	LogCapBytes int `mapstructure:"log_cap_bytes"`

	// HeapSize is the size of the simulated heap region.
	HeapSize uint64 `mapstructure:"heap_size"`

	// InstructionLimit bounds the interpreter's instruction count per
	// frame. Zero means unlimited.
	InstructionLimit uint64 `mapstructure:"instruction_limit"`

	// CostVersion selects the pinned cost table.
	CostVersion string `mapstructure:"cost_version"`

	// Sysvars is the sysvar template copied into each session.
	Sysvars sysvar.Snapshot `mapstructure:"sysvars"`

	// LogLevel is the log15 level name for runtime diagnostics.
	LogLevel string `mapstructure:"log_level"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ComputeBudget:    CUDefault,
		MaxCPIDepth:      CPIDepthDefault,
		LogCapBytes:      10_000,
		HeapSize:         HeapSizeDefault,
		InstructionLimit: 1_000_000,
		CostVersion:      DefaultCostVersion,
		Sysvars:          sysvar.DefaultSnapshot(),
		LogLevel:         "warn",
	}
}

// Validate checks the config for values the runtime cannot honor.
func (c *Config) Validate() error {
	if c.ComputeBudget > CUMax {
		return fmt.Errorf("%w: compute_budget %d exceeds %d", ErrInvalidConfig, c.ComputeBudget, CUMax)
	}
	if c.MaxCPIDepth < 0 || c.MaxCPIDepth > CPIDepthMax {
		return fmt.Errorf("%w: max_cpi_depth %d not in [0, %d]", ErrInvalidConfig, c.MaxCPIDepth, CPIDepthMax)
	}
	if c.LogCapBytes < 1 {
		return fmt.Errorf("%w: log_cap_bytes %d must be positive", ErrInvalidConfig, c.LogCapBytes)
	}
	if c.HeapSize > HeapSizeMax || c.HeapSize%1024 != 0 {
		return fmt.Errorf("%w: heap_size %d must be a multiple of 1024 up to %d", ErrInvalidConfig, c.HeapSize, HeapSizeMax)
	}
	if _, err := LookupCostTable(c.CostVersion); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
