package qcplot

import (
	"context"
	"sort"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// SampleCount is one point of the read count plot.
type SampleCount struct {
	Sample string
	// Group colours the point; for Kinnex data it is the adapter.
	Group string
	Count int64
}

// ReadCountsBySample writes a scatter plot of read counts per sample, one
// colour per group, to path.
func ReadCountsBySample(ctx context.Context, counts []SampleCount, title, path string) error {
	if len(counts) == 0 {
		return errors.E(errors.Invalid, "no read counts to plot")
	}
	var samples, groups []string
	index := make(map[string]int)
	seen := make(map[string]bool)
	for _, c := range counts {
		if _, ok := index[c.Sample]; !ok {
			index[c.Sample] = len(samples)
			samples = append(samples, c.Sample)
		}
		if !seen[c.Group] {
			seen[c.Group] = true
			groups = append(groups, c.Group)
		}
	}
	sort.Strings(groups)

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "sample_id"
	p.Y.Label.Text = "counts"
	p.Y.Min = 0
	p.X.Tick.Label.Rotation = 0.8
	for gi, g := range groups {
		var xys plotter.XYs
		for _, c := range counts {
			if c.Group == g {
				xys = append(xys, plotter.XY{X: float64(index[c.Sample]), Y: float64(c.Count)})
			}
		}
		s, err := plotter.NewScatter(xys)
		if err != nil {
			return errors.E(err, "scatter", g)
		}
		s.GlyphStyle.Color = plotutil.Color(gi)
		s.GlyphStyle.Shape = plotutil.Shape(gi)
		s.GlyphStyle.Radius = vg.Points(3)
		p.Add(s)
		p.Legend.Add(g, s)
	}
	p.Legend.Top = true
	p.NominalX(samples...)

	w := width
	if n := vg.Length(len(samples)) * 0.4 * vg.Inch; n > w {
		w = n
	}
	return save(ctx, p, w, height, path)
}
