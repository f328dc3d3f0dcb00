package calibration

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotProfile renders the per-band mean of each non-nil reference as a PNG.
// A healthy pair shows the white curve well above the black one in every
// valid band.
func PlotProfile(w io.Writer, refs ...*Reference) error {
	p := plot.New()
	p.Title.Text = "Calibration band profile"
	p.X.Label.Text = "band"
	p.Y.Label.Text = "mean counts"

	colors := map[Kind]color.Color{
		Black: color.RGBA{R: 40, G: 40, B: 40, A: 255},
		White: color.RGBA{R: 230, G: 140, B: 0, A: 255},
	}

	plotted := 0
	for _, ref := range refs {
		if ref == nil {
			continue
		}
		means := ref.BandMean()
		pts := make(plotter.XYs, len(means))
		for b, m := range means {
			pts[b] = plotter.XY{X: float64(b), Y: m}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = colors[ref.Kind]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(ref.Kind.String(), line)
		plotted++
	}
	if plotted == 0 {
		return fmt.Errorf("no reference to plot")
	}
	p.Legend.Top = true

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}
