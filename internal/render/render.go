// Package render draws scan images as heatmaps.
//
// A heatmap can be produced from a live session snapshot or from a CSV file
// written by package persist. Cells without data are left blank.
package render

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/ionlab/pmtscan/internal/persist"
	"github.com/ionlab/pmtscan/internal/raster"
	"github.com/ionlab/pmtscan/internal/scan"
)

// Default image size.
const (
	DefaultWidth  = 6 * vg.Inch
	DefaultHeight = 5 * vg.Inch
)

// positionTolerance merges CSV coordinates that differ only by float
// formatting noise.
const positionTolerance = 1e-9

// Grid is a scan image ready for plotting. Z is indexed [x][y]; NaN marks a
// cell without data. Grid implements plotter.GridXYZ.
type Grid struct {
	Xs []float64
	Ys []float64
	Zs [][]float64
}

// FromSnapshot converts a session snapshot.
func FromSnapshot(s scan.Snapshot) *Grid {
	g := newGrid(s.XPositions, s.YPositions)
	for x := range s.Image {
		for y, r := range s.Image[x] {
			if r.Valid {
				g.Zs[x][y] = r.Value
			}
		}
	}
	return g
}

// FromPoints builds a grid from CSV points. Positions are collected from the
// points themselves; a later point for the same cell wins.
func FromPoints(points []persist.Point) (*Grid, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("no points to render")
	}
	xs := make([]float64, 0, len(points))
	ys := make([]float64, 0, len(points))
	for _, p := range points {
		xs = append(xs, p.X)
		ys = append(ys, p.Y)
	}
	g := newGrid(unique(xs), unique(ys))
	for _, p := range points {
		if !p.Valid {
			continue
		}
		g.Zs[raster.IndexOf(g.Xs, p.X)][raster.IndexOf(g.Ys, p.Y)] = p.Count
	}
	return g, nil
}

// FromCSV reads a scan file.
func FromCSV(path string) (*Grid, error) {
	points, err := persist.ReadCSV(path)
	if err != nil {
		return nil, err
	}
	g, err := FromPoints(points)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

func newGrid(xs, ys []float64) *Grid {
	zs := make([][]float64, len(xs))
	for i := range zs {
		zs[i] = make([]float64, len(ys))
		for j := range zs[i] {
			zs[i][j] = math.NaN()
		}
	}
	return &Grid{Xs: xs, Ys: ys, Zs: zs}
}

func unique(vs []float64) []float64 {
	sort.Float64s(vs)
	out := vs[:0]
	for _, v := range vs {
		if len(out) == 0 || math.Abs(v-out[len(out)-1]) > positionTolerance {
			out = append(out, v)
		}
	}
	return append([]float64(nil), out...)
}

// Dims implements plotter.GridXYZ.
func (g *Grid) Dims() (c, r int) { return len(g.Xs), len(g.Ys) }

// Z implements plotter.GridXYZ.
func (g *Grid) Z(c, r int) float64 { return g.Zs[c][r] }

// X implements plotter.GridXYZ.
func (g *Grid) X(c int) float64 { return g.Xs[c] }

// Y implements plotter.GridXYZ.
func (g *Grid) Y(r int) float64 { return g.Ys[r] }

// Min returns the smallest value, ignoring cells without data.
func (g *Grid) Min() float64 {
	lo, _ := g.bounds()
	return lo
}

// Max returns the largest value, ignoring cells without data.
func (g *Grid) Max() float64 {
	_, hi := g.bounds()
	return hi
}

// bounds never returns an empty interval, so the palette scale stays finite
// for flat or empty images.
func (g *Grid) bounds() (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, col := range g.Zs {
		for _, v := range col {
			if math.IsNaN(v) {
				continue
			}
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	if math.IsInf(lo, 1) {
		return 0, 1
	}
	if hi == lo {
		hi = lo + 1
	}
	return lo, hi
}

// Valid returns the number of cells holding data.
func (g *Grid) Valid() int {
	n := 0
	for _, col := range g.Zs {
		for _, v := range col {
			if !math.IsNaN(v) {
				n++
			}
		}
	}
	return n
}

// Plot builds a heatmap plot of g.
func Plot(g *Grid, title string) (*plot.Plot, error) {
	if nx, ny := g.Dims(); nx == 0 || ny == 0 {
		return nil, fmt.Errorf("cannot render an empty %dx%d grid", nx, ny)
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"

	h := plotter.NewHeatMap(g, palette.Heat(64, 1))
	p.Add(h)
	return p, nil
}

// Format returns the image format for path from its extension.
func Format(path string) (string, error) {
	switch ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")); ext {
	case "png", "svg", "pdf":
		return ext, nil
	default:
		return "", fmt.Errorf("unsupported image format %q", ext)
	}
}

// Write renders g to w in format ("png", "svg" or "pdf").
func Write(w io.Writer, g *Grid, title, format string, width, height vg.Length) error {
	p, err := Plot(g, title)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(width, height, format)
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// Save renders g to path, choosing the format from the extension.
func Save(path string, g *Grid, title string) (err error) {
	format, err := Format(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = combineErrors(err, f.Close())
	}()
	return Write(f, g, title, format, DefaultWidth, DefaultHeight)
}

// ImagePath returns the heatmap path next to a CSV file.
func ImagePath(csvPath, format string) string {
	return strings.TrimSuffix(csvPath, filepath.Ext(csvPath)) + "." + format
}

func combineErrors(errs ...error) (err error) {
	for _, e := range errs {
		switch {
		case e == nil:
		case err == nil:
			err = e
		default:
			err = multierror.Append(err, e)
		}
	}
	return err
}
