package main

import (
	"fmt"

	"github.com/invisithreat/invisithreat/internal/scanner"
	"github.com/spf13/cobra"
)

func newScanCmd() *cobra.Command {
	var (
		exclude    []string
		extensions []string
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:   "scan [path]",
		Short: "Scan a directory and fail on CRITICAL findings",
		Long: `Walk a directory (default: current) and report every dangerous
pattern found. Exits with status 1 when any CRITICAL finding exists, so it
can gate a CI pipeline. No AI calls and no database writes are made.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}

			findings, err := scanner.ScanProject(root, scanner.ProjectOptions{
				Extensions: extensions,
				SkipDirs:   exclude,
			})
			if err != nil {
				return fmt.Errorf("failed to scan %s: %w", root, err)
			}

			out := cmd.OutOrStdout()
			if !quiet {
				for _, f := range findings {
					fmt.Fprintf(out, "%s | %s | L%d | %s\n", f.Severity, f.File, f.Line, f.Code)
				}
			}

			summary := scanner.Summarize(findings)
			fmt.Fprintln(out, "Total findings:", summary.Total)
			fmt.Fprintln(out, "Critical findings:", summary.Critical)

			if summary.Critical > 0 {
				fmt.Fprintln(out, "CRITICAL vulnerabilities detected!")
				return errCriticalFound
			}

			fmt.Fprintln(out, "No critical vulnerabilities found.")
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&exclude, "exclude", []string{".git", "venv", "__pycache__"}, "Directory names to skip")
	cmd.Flags().StringSliceVar(&extensions, "ext", []string{".py"}, "File extensions to scan")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only print totals")

	return cmd
}
