package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// errCriticalFound makes `scan` exit non-zero so CI pipelines fail on
// CRITICAL findings.
var errCriticalFound = errors.New("critical vulnerabilities detected")

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "invisithreat",
		Short: "Dangerous-pattern scanner with AI remediation advice",
		Long: `InvisiThreat scans Python source for dangerous call patterns
(eval, exec, os.system, subprocess.Popen, pickle.loads, input) and
attaches AI-generated remediation advice to each finding.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newScanCmd())
	root.AddCommand(newCheckAICmd())

	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errCriticalFound) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
