package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fortiblox/svmstub/pkg/svm/syscall"
)

func newSyscallsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "syscalls",
		Short: "List the syscalls the runtime dispatches, with their hashes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HASH\tNAME")
			for _, id := range syscall.IDs() {
				fmt.Fprintf(w, "0x%08x\t%s\n", id.Hash(), id)
			}
			return w.Flush()
		},
	}
}
