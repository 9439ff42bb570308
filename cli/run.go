package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MissPeppermintPatty/taskolib"
	"github.com/MissPeppermintPatty/taskolib/bus"
	"github.com/MissPeppermintPatty/taskolib/store"
)

// NewRunCmd creates the "run" subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a sequence file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().StringArray("var", nil, "Set a context variable (repeatable, e.g. --var n=5)")
	cmd.Flags().Duration("timeout", 0, "Overall execution timeout (0 = none)")
	cmd.Flags().Bool("quiet", false, "Suppress progress messages")
	cmd.Flags().String("message-db", "", "Persist progress messages to this SQLite database")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	out := cmd.OutOrStdout()

	seq, err := store.Load(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return exitError(exitInput, "loading sequence: %v", err)
	}
	if err := seq.CheckCorrectnessOfSteps(); err != nil {
		return exitError(exitValidation, "invalid sequence: %v", err)
	}

	runContext := taskolib.NewContext()
	varFlags, _ := cmd.Flags().GetStringArray("var")
	if err := applyVarFlags(runContext, varFlags); err != nil {
		return exitError(exitInput, "%v", err)
	}

	quiet, _ := cmd.Flags().GetBool("quiet")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	dbPath, _ := cmd.Flags().GetString("message-db")

	comm := taskolib.NewCommChannel(0)

	feed := bus.NewFeed()
	defer feed.Close()

	recorderCfg := bus.RecorderConfig{Feed: feed}
	if dbPath != "" {
		msgStore, err := bus.NewSQLiteMessageStore(bus.SQLiteStoreConfig{DSN: dbPath})
		if err != nil {
			return exitError(exitRuntime, "opening message store: %v", err)
		}
		defer msgStore.Close()
		recorderCfg.Store = msgStore
	}

	var printerDone chan struct{}
	if !quiet {
		tap := feed.Attach(bus.Filter{}, 0)
		printerDone = make(chan struct{})
		go func() {
			defer close(printerDone)
			for {
				m, err := tap.Next(context.Background())
				if err != nil {
					return
				}
				printMessage(out, m)
			}
		}()
	}

	recorder := bus.NewRecorder(comm, recorderCfg)

	run := taskolib.NewExecutor().Start(seq, runContext, comm)

	if timeout > 0 {
		go func() {
			select {
			case <-time.After(timeout):
				run.Cancel()
			case <-run.Done():
			}
		}()
	}

	runErr := run.Wait()
	recorder.Stop()
	feed.Close()
	if printerDone != nil {
		<-printerDone
	}

	printVariables(out, runContext.Variables)

	if runErr != nil {
		return exitError(exitRuntime, "%v", runErr)
	}
	return nil
}

// applyVarFlags parses --var name=value flags into context variables. Values
// that parse as integers become integer variables, values that parse as
// floating-point numbers become doubles, everything else is a string.
func applyVarFlags(runContext *taskolib.Context, flags []string) error {
	for _, flag := range flags {
		name, raw, ok := strings.Cut(flag, "=")
		if !ok {
			return fmt.Errorf("invalid --var %q, expected name=value", flag)
		}
		varName, err := taskolib.NewVariableName(name)
		if err != nil {
			return err
		}

		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			runContext.Variables.Set(varName, taskolib.IntegerValue(i))
			continue
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			runContext.Variables.Set(varName, taskolib.FloatValue(f))
			continue
		}
		runContext.Variables.Set(varName, taskolib.StringValue(raw))
	}
	return nil
}

func printMessage(out io.Writer, m taskolib.Message) {
	if m.StepIndex == taskolib.SequenceMessageIndex {
		fmt.Fprintf(out, "%s  %-28s %s\n",
			m.Time.Format(time.RFC3339), m.Type, m.Text)
		return
	}
	fmt.Fprintf(out, "%s  %-28s [step %d] %s\n",
		m.Time.Format(time.RFC3339), m.Type, m.StepIndex, m.Text)
}

func printVariables(out io.Writer, vars taskolib.VariableStore) {
	if len(vars) == 0 {
		return
	}
	fmt.Fprintln(out, "variables:")
	for name, value := range vars {
		fmt.Fprintf(out, "  %s = %s (%s)\n", name, value, value.Kind())
	}
}
