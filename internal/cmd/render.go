package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ionlab/pmtscan/internal/render"
)

var renderCmd = &cobra.Command{
	Use:   "render <scan.csv>",
	Short: "Draw a heatmap of a scan file",
	Long: `Draw a heatmap of a scan file written by 'pmtscan scan'.

Points without data are left blank. The image format follows the output
extension (png, svg or pdf).

Examples:
  pmtscan render data/default.csv
  pmtscan render data/default_rescan_around_max.csv -o max.svg`,
	Args: cobra.ExactArgs(1),
	RunE: runRender,
}

var (
	renderOutput string
	renderFormat string
	renderTitle  string
)

func init() {
	rootCmd.AddCommand(renderCmd)

	renderCmd.Flags().StringVarP(&renderOutput, "output", "o", "", "image file (default: next to the CSV)")
	renderCmd.Flags().StringVarP(&renderFormat, "format", "f", "png", "image format when --output is not given")
	renderCmd.Flags().StringVar(&renderTitle, "title", "", "plot title (default: file name)")
}

func runRender(cmd *cobra.Command, args []string) error {
	path := args[0]
	g, err := render.FromCSV(path)
	if err != nil {
		return err
	}

	out := renderOutput
	if out == "" {
		out = render.ImagePath(path, renderFormat)
	}
	title := renderTitle
	if title == "" {
		title = filepath.Base(path)
	}
	if err := render.Save(out, g, title); err != nil {
		return err
	}

	nx, ny := g.Dims()
	fmt.Fprintf(cmd.OutOrStdout(), "%dx%d points (%d with data) written to %s\n", nx, ny, g.Valid(), out)
	return nil
}
