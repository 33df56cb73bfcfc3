package qcplot

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// DefaultArraySize is the number of segments of a Kinnex/MAS array.
const DefaultArraySize = 15

// LengthBin is the bin width of ReadLengthHistogram, in bases.
const LengthBin = 250

// SkeraEntry is a row of the skera read length report: a HiFi read and the
// number of segments it was split into.
type SkeraEntry struct {
	ZMW            int64
	HiFiLength     int
	DeconcatLength int
	Concat         int
}

// ReadSkeraCSV reads the skera read_lengths.csv report, plain or gzipped.
// A ZMW that occurs more than once keeps its first entry.
func ReadSkeraCSV(ctx context.Context, path string) ([]SkeraEntry, error) {
	in, err := open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer in.close(ctx)
	r := csv.NewReader(in)
	r.FieldsPerRecord = 4
	r.ReuseRecord = true
	var (
		entries []SkeraEntry
		seen    = make(map[int64]bool)
	)
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
		var v [4]int64
		for i := range v {
			if v[i], err = strconv.ParseInt(rec[i], 10, 64); err != nil {
				return nil, errors.E(errors.Integrity, err, fmt.Sprintf("%s:%d", path, line))
			}
		}
		if seen[v[0]] {
			continue
		}
		seen[v[0]] = true
		entries = append(entries, SkeraEntry{ZMW: v[0], HiFiLength: int(v[1]), DeconcatLength: int(v[2]), Concat: int(v[3])})
	}
	log.Debug.Printf("%s: %d zmws", path, len(entries))
	return entries, nil
}

// ConcatCounts returns the number of molecules per concatenation factor
// 1..arraySize and their percentage of the total, rounded to two decimals.
func ConcatCounts(factors []int, arraySize int) (heights []int, percents []float64, err error) {
	heights = make([]int, arraySize)
	for _, f := range factors {
		if f < 1 || f > arraySize {
			return nil, nil, errors.E(errors.Integrity, fmt.Sprintf("concatenation factor %d outside 1..%d", f, arraySize))
		}
		heights[f-1]++
	}
	percents = make([]float64, arraySize)
	if len(factors) > 0 {
		for i, h := range heights {
			percents[i] = math.Round(float64(h)/float64(len(factors))*1e4) / 100
		}
	}
	return heights, percents, nil
}

// ConcatHistogram writes a bar chart of the concatenation factors, each bar
// labelled with its percentage.
func ConcatHistogram(ctx context.Context, factors []int, arraySize int, path string) error {
	heights, percents, err := ConcatCounts(factors, arraySize)
	if err != nil {
		return err
	}
	values := make(plotter.Values, len(heights))
	labels := plotter.XYLabels{}
	ticks := make([]string, len(heights))
	for i, h := range heights {
		values[i] = float64(h)
		labels.XYs = append(labels.XYs, plotter.XY{X: float64(i), Y: float64(h)})
		labels.Labels = append(labels.Labels, strconv.FormatFloat(percents[i], 'f', -1, 64)+"%")
		ticks[i] = strconv.Itoa(i + 1)
	}
	p := plot.New()
	p.X.Label.Text = "Concatemers per molecule"
	p.Y.Label.Text = "Count"
	bars, err := plotter.NewBarChart(values, vg.Points(16))
	if err != nil {
		return errors.E(err, "bar chart")
	}
	bars.Color = plotutil.Color(2)
	bars.LineStyle.Width = 0
	l, err := plotter.NewLabels(labels)
	if err != nil {
		return errors.E(err, "labels")
	}
	for i := range l.TextStyle {
		l.TextStyle[i].XAlign = -0.5
		l.TextStyle[i].Font.Size = vg.Points(6)
	}
	p.Add(bars, l)
	p.NominalX(ticks...)
	p.Y.Min = 0
	p.Y.Max = maxInt(heights) * 1.1
	return save(ctx, p, width, height, path)
}

// LengthBins bins the HiFi read lengths of entries in LengthBin wide bins up
// to xmax, stacked by concatenation factor: bins[b][c-1] is the number of
// reads of bin b with factor c. Longer reads fall in the last bin.
func LengthBins(entries []SkeraEntry, arraySize, xmax int) ([][]int, error) {
	if xmax < LengthBin {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("xmax %d below one %d bp bin", xmax, LengthBin))
	}
	bins := make([][]int, xmax/LengthBin)
	for i := range bins {
		bins[i] = make([]int, arraySize)
	}
	for _, e := range entries {
		if e.Concat < 1 || e.Concat > arraySize {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("zmw %d: concatenation factor %d outside 1..%d", e.ZMW, e.Concat, arraySize))
		}
		n := e.HiFiLength
		if n < 0 {
			n = 0
		}
		if n >= xmax {
			n = xmax - 1
		}
		b := n / LengthBin
		if b >= len(bins) {
			b = len(bins) - 1
		}
		bins[b][e.Concat-1]++
	}
	return bins, nil
}

// ReadLengthHistogram writes a histogram of HiFi read lengths whose bars are
// stacked by concatenation factor.
func ReadLengthHistogram(ctx context.Context, entries []SkeraEntry, arraySize, xmax int, path string) error {
	bins, err := LengthBins(entries, arraySize, xmax)
	if err != nil {
		return err
	}
	p := plot.New()
	p.X.Label.Text = "Read length, bp"
	p.Y.Label.Text = "Number of Reads"
	p.Legend.Top = true
	p.Legend.Left = false

	barWidth := vg.Length(float64(width) / float64(len(bins)) * 0.8)
	var below *plotter.BarChart
	for c := 0; c < arraySize; c++ {
		values := make(plotter.Values, len(bins))
		for b := range bins {
			values[b] = float64(bins[b][c])
		}
		bars, err := plotter.NewBarChart(values, barWidth)
		if err != nil {
			return errors.E(err, "bar chart")
		}
		bars.Color = plotutil.Color(c)
		bars.LineStyle.Width = vg.Points(0.1)
		if below != nil {
			bars.StackOn(below)
		}
		below = bars
		p.Add(bars)
		p.Legend.Add(strconv.Itoa(c+1)+"x", bars)
	}
	p.X.Tick.Marker = plot.TickerFunc(func(min, max float64) []plot.Tick {
		var ticks []plot.Tick
		for b := 0; b <= len(bins); b += 10 {
			ticks = append(ticks, plot.Tick{Value: float64(b), Label: strconv.Itoa(b * LengthBin)})
		}
		return ticks
	})
	return save(ctx, p, width, height, path)
}

func maxInt(v []int) float64 {
	m := 0
	for _, x := range v {
		if x > m {
			m = x
		}
	}
	if m == 0 {
		return 1
	}
	return float64(m)
}
