// stubrun executes instruction fixtures against sBPF programs with the
// syscall stub runtime and prints one JSON result per fixture.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/inconshreveable/log15"
	"github.com/spf13/cobra"

	"github.com/fortiblox/svmstub/pkg/config"
	"github.com/fortiblox/svmstub/pkg/svm"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "stubrun",
		Short:         "Run sBPF programs against the syscall stub runtime",
		Version:       fmt.Sprintf("%s (%s)", Version, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (yaml, toml or json)")
	config.RegisterFlags(root.PersistentFlags())

	loadConfig := func(cmd *cobra.Command) (svm.Config, error) {
		cfg, err := config.Load(configPath, cmd.Flags())
		if err != nil {
			return svm.Config{}, err
		}
		log.Root().SetHandler(config.Handler(cfg, log.StreamHandler(os.Stderr, log.TerminalFormat())))
		return cfg, nil
	}

	root.AddCommand(newRunCmd(loadConfig), newSyscallsCmd())
	return root
}
