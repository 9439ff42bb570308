package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/MissPeppermintPatty/taskolib/cli"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

// newRootCmd assembles the taskolib command tree.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "taskolib",
		Short:        "Run and validate automation sequences of sandboxed script steps",
		SilenceUsage: true,
	}

	root.AddCommand(
		cli.NewRunCmd(),
		cli.NewValidateCmd(),
	)

	return root
}
