package saturation

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/masseq/qcplot"
	"gonum.org/v1/gonum/stat"
)

// DefaultTargetReads is the reads per cell the extra sequencing estimate aims
// for.
const DefaultTargetReads = 10000

// ReadRealCells returns the barcodes a bcstats report calls real cells.
func ReadRealCells(ctx context.Context, bcstats string) (map[string]bool, error) {
	rows, err := qcplot.ReadBcStatsRows(ctx, bcstats, 0)
	if err != nil {
		return nil, err
	}
	cells := make(map[string]bool)
	for _, r := range rows {
		if r.Real == "cell" {
			cells[r.Barcode] = true
		}
	}
	if len(cells) == 0 {
		log.Error.Printf("%s: no real cells", bcstats)
	}
	return cells, nil
}

// CellSaturation is the saturation of one real cell.
type CellSaturation struct {
	Barcode    string
	Reads      int64
	UMIs       int
	Saturation float64
	// Molecules is the Lander-Waterman estimate of distinct molecules in the
	// cell, or 0 without duplicate reads.
	Molecules int64
}

// Summary is the saturation of the real cells of a library.
type Summary struct {
	Cells []CellSaturation
	// TotalReads counts the reads of every cell; CellReads those of real
	// cells.
	TotalReads, CellReads int64
	MeanReads             float64
	MeanSaturation        float64
	// GlobalSaturation is 1 - (sum of UMIs)/(sum of reads) over real cells.
	GlobalSaturation float64
	// Fraction of all reads in real cells.
	Fraction float64

	TargetReads int
	// ExtraPerCell is the reads a real cell lacks on average to reach
	// TargetReads; ExtraCells is that for all real cells and ExtraTotal the
	// sequencing needed given Fraction.
	ExtraPerCell, ExtraCells, ExtraTotal float64

	// Fit is the Michaelis-Menten fit of saturation against reads per cell,
	// nil if it could not be fit.
	Fit *Fit
}

func saturation(unique, total int64) float64 {
	if total == 0 {
		return 0
	}
	return 1 - float64(unique)/float64(total)
}

// Compute summarizes counts over the real cells. targetReads <= 0 means
// DefaultTargetReads.
func Compute(counts *Counts, cells map[string]bool, targetReads int) *Summary {
	if targetReads <= 0 {
		targetReads = DefaultTargetReads
	}
	s := &Summary{TargetReads: targetReads}
	var (
		unique int64
		reads  []float64
		sat    []float64
	)
	for _, c := range counts.Cells {
		total := c.Total()
		s.TotalReads += total
		if !cells[c.Barcode] {
			continue
		}
		cs := CellSaturation{
			Barcode:    c.Barcode,
			Reads:      total,
			UMIs:       c.Unique(),
			Saturation: saturation(int64(c.Unique()), total),
		}
		if n, err := estimateMolecules(uint64(total), uint64(c.Unique())); err == nil {
			cs.Molecules = int64(n)
		}
		s.Cells = append(s.Cells, cs)
		s.CellReads += total
		unique += int64(c.Unique())
		reads = append(reads, float64(total))
		sat = append(sat, cs.Saturation)
	}
	if len(s.Cells) > 0 {
		s.MeanReads = stat.Mean(reads, nil)
		s.MeanSaturation = stat.Mean(sat, nil)
	}
	s.GlobalSaturation = saturation(unique, s.CellReads)
	if s.TotalReads > 0 {
		s.Fraction = float64(s.CellReads) / float64(s.TotalReads)
	}
	if d := float64(targetReads) - s.MeanReads; d > 0 {
		s.ExtraPerCell = d
	}
	s.ExtraCells = s.ExtraPerCell * float64(len(s.Cells))
	if s.Fraction > 0 {
		s.ExtraTotal = s.ExtraCells / s.Fraction
	}
	if len(s.Cells) >= 3 {
		fit, err := FitMichaelisMenten(reads, sat)
		if err != nil {
			log.Error.Printf("saturation fit: %v", err)
		} else {
			s.Fit = fit
		}
	}
	return s
}

// Plot draws the saturation of every real cell against its reads with the
// fitted curve.
func (s *Summary) Plot(ctx context.Context, path string) error {
	pts := make([]qcplot.SaturationPoint, len(s.Cells))
	for i, c := range s.Cells {
		pts[i] = qcplot.SaturationPoint{Reads: float64(c.Reads), Saturation: c.Saturation}
	}
	opts := qcplot.SaturationOpts{
		MeanReads:      s.MeanReads,
		MeanSaturation: s.MeanSaturation,
		Notes:          s.lines(),
	}
	if s.Fit != nil {
		opts.Curve = s.Fit.Eval
		opts.Vmax = s.Fit.Vmax
		if k, ok := s.Fit.Knee(); ok {
			opts.Knee = k
		}
	}
	return qcplot.SaturationPlot(ctx, pts, opts, path)
}

func (s *Summary) lines() []string {
	lines := []string{
		fmt.Sprintf("Global saturation: %.3f", s.GlobalSaturation),
		fmt.Sprintf("Mean reads per cell: %.1f", s.MeanReads),
		fmt.Sprintf("Mean saturation: %.3f", s.MeanSaturation),
		fmt.Sprintf("Real cells: %d", len(s.Cells)),
		fmt.Sprintf("Fraction of reads in real cells: %.1f%%", 100*s.Fraction),
	}
	if f := s.Fit; f != nil {
		lines = append(lines,
			fmt.Sprintf("Vmax = %.3f ± %.3f", f.Vmax, f.VmaxSigma),
			fmt.Sprintf("Km = %.1f ± %.1f", f.Km, f.KmSigma),
			fmt.Sprintf("R² = %.3f", f.R2))
		if k, ok := f.Knee(); ok {
			lines = append(lines, fmt.Sprintf("Knee point: %.0f reads", k))
		}
	}
	return append(lines,
		fmt.Sprintf("Extra reads needed per real cell for %d: %.0f", s.TargetReads, s.ExtraPerCell),
		fmt.Sprintf("Total extra for real cells: %.0f", s.ExtraCells),
		fmt.Sprintf("Total extra sequencing required: %.0f", s.ExtraTotal))
}

// WriteSummary writes the summary lines as text.
func (s *Summary) WriteSummary(ctx context.Context, path string) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	if _, err := io.WriteString(out.Writer(ctx), strings.Join(s.lines(), "\n")+"\n"); err != nil {
		return errors.E(err, "write", path)
	}
	return nil
}
