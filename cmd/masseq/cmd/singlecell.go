package cmd

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/masseq/barcode"
	"github.com/grailbio/masseq/saturation"
	"v.io/x/lib/cmdline"
)

func newCmdFilterBarcodes() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "filter-barcodes",
		Short: "Keep the long reads of cells called in a short-read library",
		Long: `
Filter-barcodes copies the reads of -input whose cell barcode is in the
short-read barcode list to -output. A barcode matches when it is listed, when
its reverse complement is listed or, with -max-edits > 0, when exactly one
listed barcode is closest to it within that many edits. The read counts per
barcode, a plot of the most frequent barcodes and a text report are written
next to -output.`,
	}
	var (
		opts barcode.Opts
		list string
	)
	cmd.Flags.StringVar(&opts.Input, "input", "", "Long-read BAM")
	cmd.Flags.StringVar(&opts.Output, "output", "", "Filtered BAM")
	cmd.Flags.StringVar(&list, "barcodes", "", "Short-read barcode list, one per line, may be gzipped")
	cmd.Flags.StringVar(&opts.SampleID, "sample", "", "Sample named in the report")
	cmd.Flags.IntVar(&opts.MaxEdits, "max-edits", 0, "Snap unlisted barcodes within this many edits")
	cmd.Flags.StringVar(&opts.Tag, "tag", barcode.DefaultTag, "Cell barcode tag")
	cmd.Flags.IntVar(&opts.TopN, "top", barcode.DefaultTopN, "Number of barcodes plotted")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return env.UsageErrorf("filter-barcodes takes no arguments, but got %v", argv)
		}
		if opts.Input == "" || opts.Output == "" || list == "" {
			return env.UsageErrorf("-input, -output and -barcodes are required")
		}
		return filterBarcodes(vcontext.Background(), env.Stdout, opts, list)
	})
	return cmd
}

func filterBarcodes(ctx context.Context, w io.Writer, opts barcode.Opts, list string) error {
	var err error
	if opts.Barcodes, err = barcode.ReadList(ctx, list); err != nil {
		return err
	}
	opts.ListName = path.Base(list)
	stats, err := barcode.Filter(ctx, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "retained %d of %d reads (%.4f) in %d barcodes\n", stats.Retained, stats.Total, stats.Fraction(), len(stats.Counts))
	return nil
}

type saturationOpts struct {
	bam, bcstats    string
	umiCounts       string
	plot, summary   string
	targetReads     int
	cellTag, umiTag string
}

func newCmdSaturation() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "saturation",
		Short: "Count UMIs per cell and estimate sequencing saturation",
		Long: `
Saturation counts the reads of every (cell, UMI) pair of a corrected BAM,
computes the saturation 1 - UMIs/reads of every real cell of the bcstats
report and fits saturation against reads per cell with a Michaelis-Menten
curve. It also estimates the extra sequencing needed to reach -target-reads
reads per real cell.`,
	}
	var opts saturationOpts
	cmd.Flags.StringVar(&opts.bam, "bam", "", "Corrected BAM")
	cmd.Flags.StringVar(&opts.bcstats, "bcstats", "", "isoseq bcstats report")
	cmd.Flags.StringVar(&opts.umiCounts, "umi-counts", "", "Output TSV of reads per cell and UMI")
	cmd.Flags.StringVar(&opts.plot, "plot", "", "Output saturation plot")
	cmd.Flags.StringVar(&opts.summary, "summary", "", "Output text summary")
	cmd.Flags.IntVar(&opts.targetReads, "target-reads", saturation.DefaultTargetReads, "Reads per cell aimed for")
	cmd.Flags.StringVar(&opts.cellTag, "cell-tag", saturation.DefaultCellTag, "Cell barcode tag")
	cmd.Flags.StringVar(&opts.umiTag, "umi-tag", saturation.DefaultUMITag, "UMI tag")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return env.UsageErrorf("saturation takes no arguments, but got %v", argv)
		}
		if opts.bam == "" || opts.bcstats == "" {
			return env.UsageErrorf("-bam and -bcstats are required")
		}
		return runSaturation(vcontext.Background(), env.Stdout, opts)
	})
	return cmd
}

func runSaturation(ctx context.Context, w io.Writer, opts saturationOpts) error {
	counts, err := saturation.CountUMIs(ctx, opts.bam, opts.cellTag, opts.umiTag)
	if err != nil {
		return err
	}
	if opts.umiCounts != "" {
		if err := saturation.WriteUMICounts(ctx, opts.umiCounts, counts); err != nil {
			return err
		}
	}
	cells, err := saturation.ReadRealCells(ctx, opts.bcstats)
	if err != nil {
		return err
	}
	s := saturation.Compute(counts, cells, opts.targetReads)
	fmt.Fprintf(w, "Average reads per real cell: %.1f\n", s.MeanReads)
	fmt.Fprintf(w, "Total filtered (real) cells: %d\n", len(s.Cells))
	fmt.Fprintf(w, "Fraction of reads going to filtered cells: %.3f\n", s.Fraction)
	if opts.summary != "" {
		if err := s.WriteSummary(ctx, opts.summary); err != nil {
			return err
		}
	}
	if opts.plot != "" && len(s.Cells) > 0 {
		return s.Plot(ctx, opts.plot)
	}
	return nil
}
