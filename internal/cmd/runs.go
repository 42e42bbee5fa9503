package cmd

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ionlab/pmtscan/internal/persist"
)

var runsCmd = &cobra.Command{
	Use:   "runs [pattern]",
	Short: "List scan files",
	Long: `List the scan files in the output directory, newest first.

The optional pattern is matched against file names and supports globs
with alternatives.

Examples:
  pmtscan runs
  pmtscan runs 'sample-*'
  pmtscan runs '{a,b}*' --dir data/2024`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRuns,
}

var runsDir string

func init() {
	rootCmd.AddCommand(runsCmd)

	runsCmd.Flags().StringVarP(&runsDir, "dir", "d", "", "directory to list (default: directory of output.file)")
}

func runRuns(cmd *cobra.Command, args []string) error {
	dir := runsDir
	if dir == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dir = filepath.Dir(cfg.Output.File)
	}
	pattern := ""
	if len(args) > 0 {
		pattern = args[0]
	}

	runs, err := persist.ListRuns(dir, pattern)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintf(out, "No scan files in %s\n", dir)
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPHASE\tSTATUS\tROWS\tEXPOSURE\tMODIFIED")
	for _, r := range runs {
		phase, status, rows, exposure := "-", "-", "-", "-"
		if r.Meta != nil {
			phase = r.Meta.Phase
			status = r.Meta.Status
			if status == "" {
				status = "incomplete"
			}
			rows = fmt.Sprint(r.Meta.Rows)
			exposure = fmt.Sprintf("%g ms", r.Meta.ExposureMs)
		} else if r.Rescan {
			phase = persist.PhaseRefine
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Name, phase, status, rows, exposure, r.ModTime.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}
