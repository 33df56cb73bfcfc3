package qcplot

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ReadLigations reads the skera ligation report, "Adapter_1,Adapter_2,Ligations"
// rows with adapter indexes in 0..arraySize, into a matrix m with
// m[a2][a1] = ligations.
func ReadLigations(ctx context.Context, path string, arraySize int) (*mat.Dense, error) {
	in, err := open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer in.close(ctx)
	m := mat.NewDense(arraySize+1, arraySize+1, nil)
	r := csv.NewReader(in)
	r.FieldsPerRecord = 3
	for line := 1; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.E(errors.Integrity, err, path)
		}
		if line == 1 {
			continue
		}
		var v [3]int
		for i := range v {
			if v[i], err = strconv.Atoi(rec[i]); err != nil {
				return nil, errors.E(errors.Integrity, err, fmt.Sprintf("%s:%d", path, line))
			}
		}
		if v[0] < 0 || v[0] > arraySize || v[1] < 0 || v[1] > arraySize {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("%s:%d: adapter outside 0..%d", path, line, arraySize))
		}
		m.Set(v[1], v[0], float64(v[2]))
	}
	return m, nil
}

// grid adapts a matrix to plotter.GridXYZ.
type grid struct{ m *mat.Dense }

func (g grid) Dims() (c, r int) {
	r, c = g.m.Dims()
	return c, r
}

func (g grid) Z(c, r int) float64 { return g.m.At(r, c) }
func (g grid) X(c int) float64    { return float64(c) }
func (g grid) Y(r int) float64    { return float64(r) }

// LigationHeatmap writes m as a heatmap, normalized to the largest count.
// With numbers, every cell is labelled with its normalized value 0..100.
func LigationHeatmap(ctx context.Context, m *mat.Dense, numbers bool, path string) error {
	norm := mat.DenseCopyOf(m)
	if max := mat.Max(norm); max > 0 {
		norm.Apply(func(_, _ int, v float64) float64 { return float64(int(v / max * 100)) }, norm)
	}
	p := plot.New()
	p.Title.Text = "Adapter ligations"
	p.X.Label.Text = "Adapter 1"
	p.Y.Label.Text = "Adapter 2"
	h := plotter.NewHeatMap(grid{norm}, palette.Heat(16, 1))
	h.Min, h.Max = 0, 100
	p.Add(h)
	if numbers {
		var labels plotter.XYLabels
		r, c := norm.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				labels.XYs = append(labels.XYs, plotter.XY{X: float64(j), Y: float64(i)})
				labels.Labels = append(labels.Labels, strconv.Itoa(int(norm.At(i, j))))
			}
		}
		l, err := plotter.NewLabels(labels)
		if err != nil {
			return errors.E(err, "labels")
		}
		for i := range l.TextStyle {
			l.TextStyle[i].XAlign = -0.5
			l.TextStyle[i].YAlign = -0.5
			l.TextStyle[i].Font.Size = vg.Points(5)
		}
		p.Add(l)
	}
	return save(ctx, p, 6*vg.Inch, 5*vg.Inch, path)
}
