package reconcile

import (
	"context"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/masseq/artifact"
	"github.com/grailbio/masseq/qcplot"
	"github.com/grailbio/masseq/report"
)

// writeReports writes the count tables, the read count plot and, if asked,
// the HTML and xlsx summaries of res to opts.OutputDir.
func writeReports(ctx context.Context, opts Options, res *Result) error {
	tables := []struct {
		name   string
		header []string
		write  func(w *tsv.Writer) error
	}{
		{artifact.CountsByMovie, []string{"movie_name", "sample_id", "isoseq_primer", "kinnex_adapter", "counts"}, res.writeByMovie},
		{artifact.CountsBySample, []string{"sample_id", "barcodes", "movie_names", "counts"}, res.writeBySample},
		{artifact.CountsByRun, []string{"movie_name", "samples", "counts"}, res.writeByRun},
		{artifact.UnmappedCounts, []string{"movie_name", "barcode", "counts", "source"}, res.writeUnmapped},
	}
	for _, t := range tables {
		path := artifact.Join(opts.OutputDir, t.name)
		if err := writeTable(ctx, path, t.header, t.write); err != nil {
			return err
		}
		res.Reports = append(res.Reports, path)
	}

	plot := artifact.Join(opts.OutputDir, artifact.ReadCountsPlot)
	if len(res.Joined) == 0 {
		log.Error.Printf("no mapped reads; skipping %s", plot)
	} else {
		if err := qcplot.ReadCountsBySample(ctx, res.sampleCounts(), opts.Title, plot); err != nil {
			return errors.E(err, "plot", plot)
		}
		res.Reports = append(res.Reports, plot)
	}

	if !opts.Summary {
		return nil
	}
	s := res.Summary(opts.Title)
	for _, out := range []struct {
		name  string
		write func(io.Writer, report.Summary) error
	}{
		{artifact.SummaryHTML, report.WriteHTML},
		{artifact.SummaryWorkbook, report.WriteXLSX},
	} {
		path := artifact.Join(opts.OutputDir, out.name)
		if err := writeFile(ctx, path, func(w io.Writer) error { return out.write(w, s) }); err != nil {
			return err
		}
		res.Reports = append(res.Reports, path)
	}
	return nil
}

func writeFile(ctx context.Context, path string, write func(io.Writer) error) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	if err = write(out.Writer(ctx)); err != nil {
		return errors.E(err, "write", path)
	}
	return nil
}

func writeTable(ctx context.Context, path string, header []string, rows func(*tsv.Writer) error) error {
	return writeFile(ctx, path, func(w io.Writer) error {
		tw := tsv.NewWriter(w)
		for _, h := range header {
			tw.WriteString(h)
		}
		if err := tw.EndLine(); err != nil {
			return err
		}
		if err := rows(tw); err != nil {
			return err
		}
		return tw.Flush()
	})
}

func (r *Result) writeByMovie(w *tsv.Writer) error {
	for _, j := range r.Joined {
		adapter, primer := j.Barcode.Split()
		w.WriteString(j.Run)
		w.WriteString(j.Sample)
		w.WriteString(primer)
		w.WriteString(adapter)
		w.WriteString(strconv.FormatInt(j.Count, 10))
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Result) writeBySample(w *tsv.Writer) error {
	for _, t := range r.BySample {
		var barcodes, runs []string
		if g := r.Group(t.Name); g != nil {
			for _, k := range g.Keys {
				barcodes = append(barcodes, string(k.Barcode))
				runs = append(runs, k.Run)
			}
		}
		w.WriteString(t.Name)
		w.WriteString(strings.Join(uniq(barcodes), ","))
		w.WriteString(strings.Join(uniq(runs), ","))
		w.WriteString(strconv.FormatInt(t.Count, 10))
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Result) writeByRun(w *tsv.Writer) error {
	samples := make(map[string][]string)
	for _, j := range r.Joined {
		samples[j.Run] = append(samples[j.Run], j.Sample)
	}
	for _, t := range r.ByRun {
		w.WriteString(t.Name)
		w.WriteString(strings.Join(uniq(samples[t.Name]), ","))
		w.WriteString(strconv.FormatInt(t.Count, 10))
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Result) writeUnmapped(w *tsv.Writer) error {
	for _, row := range r.Unmapped {
		w.WriteString(row.Run)
		w.WriteString(string(row.Barcode))
		w.WriteString(strconv.FormatInt(row.Count, 10))
		w.WriteString(row.Source)
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	return nil
}

func uniq(s []string) []string {
	c := append([]string(nil), s...)
	return distinct(c)
}

// sampleCounts sums the joined rows by (sample, adapter, primer), the points
// of the read count plot. Points are coloured by adapter.
func (r *Result) sampleCounts() []qcplot.SampleCount {
	type key struct{ sample, barcode string }
	sums := make(map[key]int64)
	var keys []key
	for _, j := range r.Joined {
		k := key{j.Sample, string(j.Barcode)}
		if _, ok := sums[k]; !ok {
			keys = append(keys, k)
		}
		sums[k] += j.Count
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].sample != keys[j].sample {
			return keys[i].sample < keys[j].sample
		}
		return keys[i].barcode < keys[j].barcode
	})
	counts := make([]qcplot.SampleCount, len(keys))
	for i, k := range keys {
		adapter, _ := Barcode(k.barcode).Split()
		if adapter == "" {
			adapter = k.barcode
		}
		counts[i] = qcplot.SampleCount{Sample: k.sample, Group: adapter, Count: sums[k]}
	}
	return counts
}

// Summary converts r for package report.
func (r *Result) Summary(title string) report.Summary {
	s := report.Summary{Title: title, Raw: r.Raw}
	for _, t := range r.BySample {
		s.BySample = append(s.BySample, report.Total{Name: t.Name, Count: t.Count})
	}
	for _, t := range r.ByRun {
		s.ByRun = append(s.ByRun, report.Total{Name: t.Name, Count: t.Count})
	}
	for _, j := range r.Joined {
		s.Rows = append(s.Rows, report.Row{Run: j.Run, Sample: j.Sample, Barcode: string(j.Barcode), Count: j.Count})
	}
	for _, u := range r.Unmapped {
		s.Unmapped = append(s.Unmapped, report.Row{Run: u.Run, Barcode: string(u.Barcode), Count: u.Count})
	}
	for _, o := range r.Outputs {
		s.Merged = append(s.Merged, report.Merged{Sample: o.Sample, Path: o.Path, Sources: len(o.Stats.Sources), Reads: o.Stats.Out})
	}
	for _, b := range r.Blocked {
		s.Blocked = append(s.Blocked, report.Blocked{Sample: b.Sample, Reason: b.Reason})
	}
	return s
}
