package qcplot

import (
	"context"
	"io"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/tsv"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// BcStatsRow is a row of the isoseq bcstats report. Trailing columns are
// ignored.
type BcStatsRow struct {
	Barcode string
	Reads   int64
	Rank    int
	UMIs    int64
	// Real is "cell" for barcodes called as real cells.
	Real string
}

// ReadBcStats reads a bcstats report, plain or gzipped, and returns the UMI
// counts per barcode in decreasing order together with the number of real
// cells. With maxCells > 0 only barcodes ranked below maxCells are read.
func ReadBcStats(ctx context.Context, path string, maxCells int) (counts []int64, ncells int, err error) {
	rows, err := ReadBcStatsRows(ctx, path, maxCells)
	if err != nil {
		return nil, 0, err
	}
	last := -1
	for _, r := range rows {
		if r.Real == "cell" {
			last = r.Rank
		}
		counts = append(counts, r.UMIs)
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i] > counts[j] })
	return counts, last + 1, nil
}

// ReadBcStatsRows reads the rows of a bcstats report, plain or gzipped. With
// maxCells > 0 reading stops at the first barcode ranked maxCells or lower.
func ReadBcStatsRows(ctx context.Context, path string, maxCells int) ([]BcStatsRow, error) {
	in, err := open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer in.close(ctx)
	r := tsv.NewReader(in)
	r.HasHeaderRow = true
	var rows []BcStatsRow
	for {
		var row BcStatsRow
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Integrity, err, path)
		}
		if maxCells > 0 && row.Rank >= maxCells {
			break
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// KneePlot writes a log-log plot of UMIs per cell ranked in decreasing order,
// with the first ncells cells highlighted. Zero counts are not drawn.
func KneePlot(ctx context.Context, counts []int64, ncells int, path string) error {
	all := rankXYs(counts)
	if len(all) == 0 {
		return errors.E(errors.Invalid, "knee plot: no cell with UMIs")
	}
	p := plot.New()
	p.Title.Text = "UMIs per cell"
	p.X.Label.Text = "Cell # (log10)"
	p.Y.Label.Text = "log10(# of UMIs)"
	p.X.Scale = plot.LogScale{}
	p.Y.Scale = plot.LogScale{}
	p.X.Tick.Marker = plot.LogTicks{Prec: -1}
	p.Y.Tick.Marker = plot.LogTicks{Prec: -1}

	line, err := plotter.NewLine(all)
	if err != nil {
		return errors.E(err, "knee plot")
	}
	line.Color = plotutil.Color(6)
	line.Width = vg.Points(1)
	p.Add(line)
	if ncells > len(all) {
		ncells = len(all)
	}
	if ncells > 0 {
		cells, err := plotter.NewLine(all[:ncells])
		if err != nil {
			return errors.E(err, "knee plot")
		}
		cells.Color = plotutil.Color(0)
		cells.Width = vg.Points(1.5)
		p.Add(cells)
		p.Legend.Add("cells", cells)
	}
	return save(ctx, p, 5*vg.Inch, 3*vg.Inch, path)
}

// rankXYs returns (rank, count) for counts > 0, ranks starting at 1.
func rankXYs(counts []int64) plotter.XYs {
	var xys plotter.XYs
	for i, c := range counts {
		if c <= 0 {
			break
		}
		xys = append(xys, plotter.XY{X: float64(i + 1), Y: float64(c)})
	}
	return xys
}

// BarcodeCount is the number of reads of one barcode.
type BarcodeCount struct {
	Barcode string
	Count   int64
}

// Top returns the n barcodes with the most reads, ties broken by barcode.
func Top(counts []BarcodeCount, n int) []BarcodeCount {
	top := append([]BarcodeCount(nil), counts...)
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Barcode < top[j].Barcode
	})
	if n >= 0 && n < len(top) {
		top = top[:n]
	}
	return top
}

// TopBarcodes writes a bar chart of the n barcodes with the most reads.
func TopBarcodes(ctx context.Context, counts []BarcodeCount, n int, path string) error {
	top := Top(counts, n)
	if len(top) == 0 {
		return errors.E(errors.Invalid, "no barcodes to plot")
	}
	values := make(plotter.Values, len(top))
	names := make([]string, len(top))
	for i, c := range top {
		values[i] = float64(c.Count)
		names[i] = c.Barcode
	}
	p := plot.New()
	p.Title.Text = "Reads per barcode"
	p.Y.Label.Text = "reads"
	p.X.Tick.Label.Rotation = 1.2
	bars, err := plotter.NewBarChart(values, vg.Points(8))
	if err != nil {
		return errors.E(err, "bar chart")
	}
	bars.Color = plotutil.Color(1)
	p.Add(bars)
	p.NominalX(names...)
	w := width
	if l := vg.Length(len(top)) * 12; l > w {
		w = l
	}
	return save(ctx, p, w, height, path)
}
