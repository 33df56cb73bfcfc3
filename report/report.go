// Package report renders the summary of a replicate reconciliation as an
// interactive HTML page and as an xlsx workbook.
package report

import (
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
	"github.com/grailbio/base/errors"
)

// Total is a read count total of a sample or a run.
type Total struct {
	Name  string
	Count int64
}

// Row is the read count of one barcode in one run. Sample is empty for
// unmapped rows.
type Row struct {
	Run     string
	Sample  string
	Barcode string
	Count   int64
}

// Merged describes the coalesced BAM of a sample.
type Merged struct {
	Sample  string
	Path    string
	Sources int
	Reads   int64
}

// Blocked is a sample whose replicates could not be coalesced.
type Blocked struct {
	Sample string
	Reason string
}

// Summary is the content of a report.
type Summary struct {
	Title    string
	Raw      int64
	BySample []Total
	ByRun    []Total
	Rows     []Row
	Unmapped []Row
	Merged   []Merged
	Blocked  []Blocked
}

func (s Summary) unmappedByRun() []Total {
	var (
		t     []Total
		index = make(map[string]int)
	)
	for _, r := range s.Unmapped {
		i, ok := index[r.Run]
		if !ok {
			i = len(t)
			index[r.Run] = i
			t = append(t, Total{Name: r.Run})
		}
		t[i].Count += r.Count
	}
	return t
}

func barChart(title, subtitle, series string, totals []Total) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: types.ThemeWesteros}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
	)
	names := make([]string, len(totals))
	data := make([]opts.BarData, len(totals))
	for i, t := range totals {
		names[i] = t.Name
		data[i] = opts.BarData{Value: t.Count}
	}
	bar.SetXAxis(names).AddSeries(series, data)
	return bar
}

// WriteHTML writes s as a page of bar charts: reads by sample, reads by run
// and, if any, unmapped reads by run.
func WriteHTML(w io.Writer, s Summary) error {
	page := components.NewPage()
	page.PageTitle = s.Title
	page.AddCharts(
		barChart(s.Title, "reads by sample", "reads", s.BySample),
		barChart("Reads by run", "mapped reads of every movie", "reads", s.ByRun),
	)
	if u := s.unmappedByRun(); len(u) > 0 {
		page.AddCharts(barChart("Unmapped reads by run", "barcodes without a sample", "unmapped", u))
	}
	if err := page.Render(w); err != nil {
		return errors.E(err, "render summary page")
	}
	return nil
}
