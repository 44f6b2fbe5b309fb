// Package config loads session settings from a config file, SVMSTUB_*
// environment variables and command-line flags, in increasing order of
// precedence.
package config

import (
	"fmt"
	"strings"

	log "github.com/inconshreveable/log15"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fortiblox/svmstub/pkg/svm"
)

// EnvPrefix prefixes environment overrides, e.g. SVMSTUB_COMPUTE_BUDGET.
const EnvPrefix = "SVMSTUB"

// Config keys.
const (
	keyComputeBudget    = "compute_budget"
	keyMaxCPIDepth      = "max_cpi_depth"
	keyLogCapBytes      = "log_cap_bytes"
	keyHeapSize         = "heap_size"
	keyInstructionLimit = "instruction_limit"
	keyCostVersion      = "cost_version"
	keyLogLevel         = "log_level"
)

// flagNames maps config keys to their flag names.
var flagNames = map[string]string{
	keyComputeBudget:    "compute-budget",
	keyMaxCPIDepth:      "max-cpi-depth",
	keyLogCapBytes:      "log-cap-bytes",
	keyHeapSize:         "heap-size",
	keyInstructionLimit: "instruction-limit",
	keyCostVersion:      "cost-version",
	keyLogLevel:         "log-level",
}

// RegisterFlags adds the session flags to fs with the default config as
// flag defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	d := svm.DefaultConfig()
	fs.Uint64(flagNames[keyComputeBudget], d.ComputeBudget, "compute-unit budget per run")
	fs.Int(flagNames[keyMaxCPIDepth], d.MaxCPIDepth, "maximum nested cross-program invocations")
	fs.Int(flagNames[keyLogCapBytes], d.LogCapBytes, "log bytes kept per run")
	fs.Uint64(flagNames[keyHeapSize], d.HeapSize, "heap region size in bytes")
	fs.Uint64(flagNames[keyInstructionLimit], d.InstructionLimit, "instructions per frame, 0 for unlimited")
	fs.String(flagNames[keyCostVersion], d.CostVersion, fmt.Sprintf("cost table version %v", svm.CostVersions()))
	fs.String(flagNames[keyLogLevel], d.LogLevel, "log level: debug, info, warn, error, crit")
}

// Load builds a validated config. path may be empty; fs may be nil.
// Only flags that were set on the command line override lower layers.
func Load(path string, fs *pflag.FlagSet) (svm.Config, error) {
	v := viper.New()
	d := svm.DefaultConfig()
	v.SetDefault(keyComputeBudget, d.ComputeBudget)
	v.SetDefault(keyMaxCPIDepth, d.MaxCPIDepth)
	v.SetDefault(keyLogCapBytes, d.LogCapBytes)
	v.SetDefault(keyHeapSize, d.HeapSize)
	v.SetDefault(keyInstructionLimit, d.InstructionLimit)
	v.SetDefault(keyCostVersion, d.CostVersion)
	v.SetDefault(keyLogLevel, d.LogLevel)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return svm.Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if fs != nil {
		for key, name := range flagNames {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return svm.Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	cfg := d
	if err := v.Unmarshal(&cfg); err != nil {
		return svm.Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return svm.Config{}, err
	}
	if _, err := log.LvlFromString(cfg.LogLevel); err != nil {
		return svm.Config{}, fmt.Errorf("%w: log_level %q", svm.ErrInvalidConfig, cfg.LogLevel)
	}
	return cfg, nil
}

// Handler returns a log15 handler writing terminal-formatted records at
// or above the config's log level.
func Handler(cfg svm.Config, h log.Handler) log.Handler {
	lvl, err := log.LvlFromString(cfg.LogLevel)
	if err != nil {
		lvl = log.LvlWarn
	}
	return log.LvlFilterHandler(lvl, h)
}
