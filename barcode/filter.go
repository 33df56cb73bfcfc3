package barcode

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/masseq/artifact"
	"github.com/grailbio/masseq/qcplot"
	"gonum.org/v1/gonum/stat"
)

// Defaults of Opts.
const (
	DefaultTag  = "CB"
	DefaultTopN = 20
)

// Opts configure Filter.
type Opts struct {
	// Input and Output are the long-read BAMs.
	Input, Output string
	// Barcodes is the short-read barcode list.
	Barcodes []string
	// MaxEdits enables snapping of unlisted barcodes within that many edits.
	MaxEdits int
	// Tag holds the cell barcode; DefaultTag if empty.
	Tag string
	// SampleID titles the report.
	SampleID string
	// ListName names the barcode list in the report.
	ListName string
	// Report is the text report path; Output + ".report.txt" if empty.
	Report string
	// TopN is the number of barcodes plotted; DefaultTopN if zero.
	TopN int
}

// Stats summarize a Filter run.
type Stats struct {
	Total, Retained int64
	// NoTag counts reads without a barcode tag.
	NoTag int64
	// Reversed and Snapped count retained reads that matched as a reverse
	// complement or after snapping.
	Reversed, Snapped int64
	Listed            int
	// Counts are the retained reads per listed barcode, by decreasing count.
	Counts []qcplot.BarcodeCount
}

// Fraction returns the fraction of reads retained.
func (s *Stats) Fraction() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Retained) / float64(s.Total)
}

// Mean and Median return the mean and median reads per found barcode.
func (s *Stats) Mean() float64 {
	if len(s.Counts) == 0 {
		return 0
	}
	return stat.Mean(s.values(), nil)
}

func (s *Stats) Median() float64 {
	v := s.values()
	switch n := len(v); {
	case n == 0:
		return 0
	case n%2 == 1:
		return v[n/2]
	default:
		return (v[n/2-1] + v[n/2]) / 2
	}
}

// values returns the counts in increasing order.
func (s *Stats) values() []float64 {
	v := make([]float64, len(s.Counts))
	for i, c := range s.Counts {
		v[len(v)-1-i] = float64(c.Count)
	}
	return v
}

// CountsPath, PlotPath and ReportPath return the side outputs of a filtered
// BAM.
func CountsPath(output string) string { return output + ".barcode_counts.tsv" }
func PlotPath(output string) string   { return output + ".barcode_plot.png" }
func ReportPath(output string) string { return output + ".report.txt" }

// Filter copies the reads of opts.Input whose barcode resolves against
// opts.Barcodes to opts.Output, and writes the per-barcode read counts, a
// plot of the most frequent barcodes and a text report next to it. Reads are
// written unchanged.
func Filter(ctx context.Context, opts Opts) (*Stats, error) {
	if opts.Input == "" || opts.Output == "" {
		return nil, errors.E(errors.Invalid, "barcode filter: input and output are required")
	}
	if opts.Tag == "" {
		opts.Tag = DefaultTag
	}
	if len(opts.Tag) != 2 {
		return nil, errors.E(errors.Invalid, "barcode filter: invalid tag", opts.Tag)
	}
	if opts.TopN <= 0 {
		opts.TopN = DefaultTopN
	}
	if opts.Report == "" {
		opts.Report = ReportPath(opts.Output)
	}
	snapper, err := NewSnapper(opts.Barcodes, opts.MaxEdits)
	if err != nil {
		return nil, err
	}
	log.Printf("loaded %d barcodes", snapper.Len())

	tmp := opts.Output
	if artifact.Scheme(tmp) == "" {
		tmp = artifact.Temp(tmp)
	}
	stats, err := filter(ctx, opts, snapper, tmp)
	if err != nil {
		_ = file.Remove(ctx, tmp)
		return nil, err
	}
	if tmp != opts.Output {
		if err := os.Rename(tmp, opts.Output); err != nil {
			_ = file.Remove(ctx, tmp)
			return nil, errors.E(err, "rename", tmp, opts.Output)
		}
	}

	if err := writeCounts(ctx, CountsPath(opts.Output), stats.Counts); err != nil {
		return stats, err
	}
	if len(stats.Counts) > 0 {
		if err := qcplot.TopBarcodes(ctx, stats.Counts, opts.TopN, PlotPath(opts.Output)); err != nil {
			return stats, err
		}
	} else {
		log.Error.Printf("%s: no barcode counts to plot", opts.Output)
	}
	if err := writeText(ctx, opts.Report, func(w io.Writer) error { return writeReport(w, opts, stats) }); err != nil {
		return stats, err
	}
	log.Printf("%s: retained %d of %d reads (%.4f)", opts.Output, stats.Retained, stats.Total, stats.Fraction())
	return stats, nil
}

func filter(ctx context.Context, opts Opts, snapper *Snapper, path string) (stats *Stats, err error) {
	in, err := file.Open(ctx, opts.Input)
	if err != nil {
		return nil, errors.E(err, "open", opts.Input)
	}
	defer in.Close(ctx) // nolint: errcheck
	r, err := bam.NewReader(in.Reader(ctx), runtime.NumCPU())
	if err != nil {
		return nil, errors.E(errors.Integrity, err, "read BAM header", opts.Input)
	}
	defer r.Close() // nolint: errcheck

	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, errors.E(err, "create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	w, err := bam.NewWriter(out.Writer(ctx), r.Header(), runtime.NumCPU())
	if err != nil {
		return nil, errors.E(err, "write BAM header", path)
	}

	var (
		tag    = sam.NewTag(opts.Tag)
		counts = make(map[string]int64)
	)
	stats = &Stats{Listed: snapper.Len()}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.E(errors.Integrity, err, "read", opts.Input)
		}
		stats.Total++
		bc, ok := barcodeOf(rec, tag)
		if !ok {
			stats.NoTag++
			sam.PutInFreePool(rec)
			continue
		}
		m, ok := snapper.Resolve(bc)
		if !ok {
			sam.PutInFreePool(rec)
			continue
		}
		if err := w.Write(rec); err != nil {
			return nil, errors.E(err, "write", path)
		}
		sam.PutInFreePool(rec)
		stats.Retained++
		counts[m.Barcode]++
		if m.Reversed {
			stats.Reversed++
		}
		if m.Edits > 0 {
			stats.Snapped++
		}
	}
	if err := w.Close(); err != nil {
		return nil, errors.E(err, "close", path)
	}
	for bc, n := range counts {
		stats.Counts = append(stats.Counts, qcplot.BarcodeCount{Barcode: bc, Count: n})
	}
	stats.Counts = qcplot.Top(stats.Counts, len(stats.Counts))
	return stats, nil
}

func barcodeOf(rec *sam.Record, tag sam.Tag) (string, bool) {
	aux := rec.AuxFields.Get(tag)
	if aux == nil {
		return "", false
	}
	bc, ok := aux.Value().(string)
	if !ok || bc == "" {
		return "", false
	}
	return strings.ToUpper(bc), true
}

func writeText(ctx context.Context, path string, write func(io.Writer) error) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	if err := write(out.Writer(ctx)); err != nil {
		return errors.E(err, "write", path)
	}
	return nil
}

// writeCounts writes the Barcode/ReadCount table.
func writeCounts(ctx context.Context, path string, counts []qcplot.BarcodeCount) error {
	return writeText(ctx, path, func(w io.Writer) error {
		tw := tsv.NewWriter(w)
		tw.WriteString("Barcode")
		tw.WriteString("ReadCount")
		if err := tw.EndLine(); err != nil {
			return err
		}
		for _, c := range counts {
			tw.WriteString(c.Barcode)
			tw.WriteString(strconv.FormatInt(c.Count, 10))
			if err := tw.EndLine(); err != nil {
				return err
			}
		}
		return tw.Flush()
	})
}

func writeReport(w io.Writer, opts Opts, s *Stats) error {
	title := "Report"
	if opts.SampleID != "" {
		title = "Report for Sample: " + opts.SampleID
	}
	most, fewest := qcplot.BarcodeCount{Barcode: "NA"}, qcplot.BarcodeCount{Barcode: "NA"}
	if n := len(s.Counts); n > 0 {
		most = s.Counts[0]
		// Counts are ordered by count then barcode; report the first barcode
		// with the lowest count.
		fewest = s.Counts[sort.Search(n, func(i int) bool { return s.Counts[i].Count <= s.Counts[n-1].Count })]
	}
	lines := []string{
		title,
		"Generated: " + time.Now().Format(time.RFC3339),
		"Input BAM: " + opts.Input,
		"Output BAM: " + opts.Output,
		"Barcode file: " + opts.ListName,
		fmt.Sprintf("Total reads: %d", s.Total),
		fmt.Sprintf("Reads without %s tag: %d", opts.Tag, s.NoTag),
		fmt.Sprintf("Reads retained: %d", s.Retained),
		fmt.Sprintf("Reads retained as reverse complement: %d", s.Reversed),
		fmt.Sprintf("Reads retained after snapping (max %d edits): %d", opts.MaxEdits, s.Snapped),
		fmt.Sprintf("Fraction retained: %.4f", s.Fraction()),
		fmt.Sprintf("Barcodes in list: %d", s.Listed),
		fmt.Sprintf("Barcodes found in BAM: %d", len(s.Counts)),
		fmt.Sprintf("Average reads per retained barcode: %.2f", s.Mean()),
		fmt.Sprintf("Median reads per retained barcode: %.2f", s.Median()),
		fmt.Sprintf("Barcode with most reads: %s (%d reads)", most.Barcode, most.Count),
		fmt.Sprintf("Barcode with fewest reads: %s (%d reads)", fewest.Barcode, fewest.Count),
	}
	if len(s.Counts) > 0 {
		lines = append(lines, "Plot saved as: "+PlotPath(opts.Output))
	}
	lines = append(lines, "Barcode counts saved as: "+CountsPath(opts.Output))
	_, err := io.WriteString(w, strings.Join(lines, "\n")+"\n")
	return err
}
