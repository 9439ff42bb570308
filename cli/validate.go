package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/MissPeppermintPatty/taskolib/store"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a sequence file without executing",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	out := cmd.OutOrStdout()

	seq, err := store.Load(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return exitError(exitInput, "loading sequence: %v", err)
	}

	if msg := seq.IndentationError(); msg != "" {
		fmt.Fprintf(out, "sequence %q is invalid: %s\n", seq.Label(), msg)
		return exitError(exitValidation, "validation failed")
	}

	fmt.Fprintf(out, "sequence %q is valid (%d steps)\n", seq.Label(), seq.Size())
	for i := 0; i < seq.Size(); i++ {
		step := seq.StepAt(i)
		fmt.Fprintf(out, "%3d %s%s", i,
			indentPrefix(step.IndentationLevel()), step.Type())
		if label := step.Label(); label != "" {
			fmt.Fprintf(out, "  %s", label)
		}
		fmt.Fprintln(out)
	}

	return nil
}

func indentPrefix(level int) string {
	const unit = "  "
	out := ""
	for i := 0; i < level; i++ {
		out += unit
	}
	return out
}
