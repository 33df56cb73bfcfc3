package qcplot

import (
	"context"
	"fmt"
	"image/color"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// SaturationPoint is the saturation index of one cell at its read depth.
type SaturationPoint struct {
	Reads, Saturation float64
}

// SaturationOpts decorate a SaturationPlot.
type SaturationOpts struct {
	// Curve, if set, is drawn from the first to the last read depth, or up
	// to Knee if that is positive.
	Curve func(float64) float64
	Vmax  float64
	Knee  float64

	MeanReads, MeanSaturation float64
	// Notes are listed in the legend of the left panel.
	Notes []string
}

var dashed = []vg.Length{vg.Points(4), vg.Points(3)}

// SaturationPlot writes the saturation index of every cell against its reads,
// side by side with a linear and a log scaled x axis.
func SaturationPlot(ctx context.Context, pts []SaturationPoint, opts SaturationOpts, path string) (err error) {
	if len(pts) == 0 {
		return errors.E(errors.Invalid, "saturation plot: no cells")
	}
	xys := make(plotter.XYs, 0, len(pts))
	minX, maxX := math.Inf(1), math.Inf(-1)
	for _, p := range pts {
		if p.Reads <= 0 {
			continue
		}
		xys = append(xys, plotter.XY{X: p.Reads, Y: p.Saturation})
		minX, maxX = math.Min(minX, p.Reads), math.Max(maxX, p.Reads)
	}
	if len(xys) == 0 {
		return errors.E(errors.Invalid, "saturation plot: no cell with reads")
	}

	var plots [1][2]*plot.Plot
	for i, logX := range []bool{false, true} {
		p, err := saturationPanel(xys, minX, maxX, opts, logX)
		if err != nil {
			return errors.E(err, "saturation plot")
		}
		plots[0][i] = p
	}
	plots[0][0].Legend.Top = true
	plots[0][0].Legend.Left = true
	for _, note := range opts.Notes {
		plots[0][0].Legend.Add(note)
	}

	img := vgimg.New(12*vg.Inch, 6*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 1, Cols: 2, PadX: vg.Millimeter, PadTop: vg.Millimeter, PadBottom: vg.Millimeter}
	canvases := plot.Align([][]*plot.Plot{plots[0][:]}, tiles, dc)
	for i, p := range plots[0] {
		p.Draw(canvases[0][i])
	}

	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	png := vgimg.PngCanvas{Canvas: img}
	if _, err = png.WriteTo(out.Writer(ctx)); err != nil {
		return errors.E(err, "write", path)
	}
	return nil
}

func saturationPanel(xys plotter.XYs, minX, maxX float64, opts SaturationOpts, logX bool) (*plot.Plot, error) {
	p := plot.New()
	p.X.Label.Text = "Reads per cell"
	p.Y.Label.Text = "Sequencing saturation index"
	p.Y.Min, p.Y.Max = 0, 1
	if logX {
		p.Title.Text = "Saturation, log scale"
		p.X.Scale = plot.LogScale{}
		p.X.Tick.Marker = plot.LogTicks{Prec: -1}
	} else {
		p.Title.Text = "Saturation, linear scale"
	}
	p.Add(plotter.NewGrid())

	if opts.Curve != nil {
		f := plotter.NewFunction(opts.Curve)
		f.XMin, f.XMax = minX, maxX
		if opts.Knee > 0 && opts.Knee < maxX {
			f.XMax = opts.Knee
		}
		f.Samples = 1000
		f.Color = color.Black
		f.Width = vg.Points(3)
		p.Add(f)
		if !logX {
			p.Legend.Add(fmt.Sprintf("fit, Vmax = %.3f", opts.Vmax), f)
		}
	}

	s, err := plotter.NewScatter(xys)
	if err != nil {
		return nil, err
	}
	s.GlyphStyle.Color = color.RGBA{R: 220, A: 255}
	s.GlyphStyle.Radius = vg.Points(1.5)
	s.GlyphStyle.Shape = draw.CircleGlyph{}
	p.Add(s)

	mean, err := plotter.NewLine(plotter.XYs{{X: opts.MeanReads, Y: 0}, {X: opts.MeanReads, Y: 1}})
	if err != nil {
		return nil, err
	}
	mean.Color = plotutil.Color(0)
	mean.Dashes = dashed
	if opts.MeanReads > 0 {
		p.Add(mean)
	}
	sat, err := plotter.NewLine(plotter.XYs{{X: minX, Y: opts.MeanSaturation}, {X: maxX, Y: opts.MeanSaturation}})
	if err != nil {
		return nil, err
	}
	sat.Color = plotutil.Color(1)
	sat.Dashes = dashed
	p.Add(sat)
	if !logX {
		p.Legend.Add("real cells", s)
		p.Legend.Add(fmt.Sprintf("mean reads per cell: %.1f", opts.MeanReads), mean)
		p.Legend.Add(fmt.Sprintf("mean saturation: %.3f", opts.MeanSaturation), sat)
	}

	if opts.Knee > 0 {
		knee, err := plotter.NewLine(plotter.XYs{{X: opts.Knee, Y: 0}, {X: opts.Knee, Y: 1}})
		if err != nil {
			return nil, err
		}
		knee.Color = plotutil.Color(4)
		knee.Dashes = dashed
		p.Add(knee)
		if !logX {
			p.Legend.Add(fmt.Sprintf("knee point: %.0f reads", opts.Knee), knee)
		}
	}
	return p, nil
}
