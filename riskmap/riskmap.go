// Package riskmap draws geo-spatial risk scatter plots.
package riskmap

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

var (
	ErrNoPoints  = errors.New("spatialData is empty")
	ErrNonFinite = errors.New("non-finite value")
)

type Point struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	RiskFactor float64 `json:"riskFactor"`
}

// Options sizes the image in inches.
type Options struct {
	Width  float64
	Height float64
}

func (o Options) size() (vg.Length, vg.Length) {
	width, height := o.Width, o.Height
	if width <= 0 {
		width = 8
	}
	if height <= 0 {
		height = 6
	}
	return vg.Length(width) * vg.Inch, vg.Length(height) * vg.Inch
}

func validate(points []Point) (lo, hi float64, err error) {
	if len(points) == 0 {
		return 0, 0, ErrNoPoints
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	for i, p := range points {
		for _, v := range []float64{p.Latitude, p.Longitude, p.RiskFactor} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return 0, 0, fmt.Errorf("spatialData[%d]: %w", i, ErrNonFinite)
			}
		}
		lo = math.Min(lo, p.RiskFactor)
		hi = math.Max(hi, p.RiskFactor)
	}
	if hi == lo {
		// a colour map needs a non-empty range
		lo, hi = lo-0.5, hi+0.5
	}
	return lo, hi, nil
}

func newPlots(points []Point) (*plot.Plot, *plot.Plot, error) {
	lo, hi, err := validate(points)
	if err != nil {
		return nil, nil, err
	}
	colors := moreland.ExtendedBlackBody()
	colors.SetMin(lo)
	colors.SetMax(hi)

	xys := make(plotter.XYs, len(points))
	for i, p := range points {
		xys[i].X = p.Longitude
		xys[i].Y = p.Latitude
	}
	scatter, err := plotter.NewScatter(xys)
	if err != nil {
		return nil, nil, err
	}
	scatter.GlyphStyleFunc = func(i int) draw.GlyphStyle {
		c, err := colors.At(points[i].RiskFactor)
		if err != nil {
			c = color.Black
		}
		return draw.GlyphStyle{Color: c, Radius: vg.Points(4), Shape: draw.CircleGlyph{}}
	}

	chart := plot.New()
	chart.Title.Text = "Geo-spatial Risk Map"
	chart.X.Label.Text = "Longitude"
	chart.Y.Label.Text = "Latitude"
	chart.Add(scatter, plotter.NewGrid())

	bar := plot.New()
	bar.Title.Text = " "
	bar.HideX()
	bar.Y.Label.Text = "Risk Factor"
	bar.Y.Padding = 0
	bar.Add(&plotter.ColorBar{ColorMap: colors, Vertical: true})
	return chart, bar, nil
}

// WritePNG draws the scatter with its colour bar on the right and encodes it
// as PNG.
func WritePNG(w io.Writer, points []Point, opts Options) error {
	chart, bar, err := newPlots(points)
	if err != nil {
		return err
	}
	width, height := opts.size()
	barWidth := width / 7

	img := vgimg.New(width, height)
	dc := draw.New(img)
	chart.Draw(draw.Crop(dc, 0, -barWidth, 0, 0))
	bar.Draw(draw.Crop(dc, width-barWidth, 0, 0, 0))

	_, err = vgimg.PngCanvas{Canvas: img}.WriteTo(w)
	return err
}

// Render writes the PNG to path, replacing any previous map.
func Render(points []Point, path string, opts Options) error {
	if _, _, err := validate(points); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".risk-map-*.png")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := WritePNG(tmp, points, opts); err != nil {
		tmp.Close()
		return fmt.Errorf("draw risk map: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
