package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// formatFlag is shared by every tool: --format json|table.
var formatFlag string

func addFormatFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&formatFlag, "format", "table", "output format: json or table")
}

// usageError marks errors that should exit with code 2 rather than 1.
type usageError struct{ err error }

func (u usageError) Error() string { return u.err.Error() }
func (u usageError) Unwrap() error { return u.err }

func usageErrf(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

// execute runs a root command with the exit-code contract: 0 success,
// 1 operational error, 2 usage error.
func execute(root *cobra.Command) {
	root.SilenceUsage = true
	root.SilenceErrors = true
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var usage usageError
		if errors.As(err, &usage) || isUsageMessage(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// isUsageMessage catches cobra's own argument/command validation errors,
// which are plain errors rather than a distinguishable type.
func isUsageMessage(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"unknown command", "accepts ", "requires at least", "unknown flag", "invalid argument"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table starts a tabwriter for aligned column output.
func table() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}
