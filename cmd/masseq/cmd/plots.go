package cmd

import (
	"context"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/masseq/qcplot"
	"v.io/x/lib/cmdline"
)

type plotOpts struct {
	input     string
	output    string
	arraySize int
	xmax      int
	maxCells  int
	noNumbers bool
}

func newPlotCmd(name, short, input, inputHelp, output string, opts *plotOpts, plot func(context.Context, plotOpts) error) *cmdline.Command {
	cmd := &cmdline.Command{Name: name, Short: short}
	cmd.Flags.StringVar(&opts.input, input, "", inputHelp)
	cmd.Flags.StringVar(&opts.output, "o", output, "Output PNG")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return env.UsageErrorf("%s takes no arguments, but got %v", name, argv)
		}
		if opts.input == "" {
			return env.UsageErrorf("-%s is required", input)
		}
		return plot(vcontext.Background(), *opts)
	})
	return cmd
}

func newCmdPlotConcat() *cmdline.Command {
	opts := new(plotOpts)
	cmd := newPlotCmd("plot-concat", "Plot the histogram of segments per skera read",
		"csv", "Skera read length CSV, may be gzipped", "skera_concat_hist.png", opts, plotConcat)
	cmd.Flags.IntVar(&opts.arraySize, "arraysize", qcplot.DefaultArraySize, "Array size")
	return cmd
}

func plotConcat(ctx context.Context, opts plotOpts) error {
	entries, err := qcplot.ReadSkeraCSV(ctx, opts.input)
	if err != nil {
		return err
	}
	factors := make([]int, len(entries))
	for i, e := range entries {
		factors[i] = e.Concat
	}
	return qcplot.ConcatHistogram(ctx, factors, opts.arraySize, opts.output)
}

func newCmdPlotReadLen() *cmdline.Command {
	opts := new(plotOpts)
	cmd := newPlotCmd("plot-readlen", "Plot the HiFi read lengths stacked by segments per read",
		"csv", "Skera read length CSV, may be gzipped", "skera_readlen_hist.png", opts, plotReadLen)
	cmd.Flags.IntVar(&opts.arraySize, "arraysize", qcplot.DefaultArraySize, "Array size")
	cmd.Flags.IntVar(&opts.xmax, "xmax", 25000, "Longest read length plotted")
	return cmd
}

func plotReadLen(ctx context.Context, opts plotOpts) error {
	entries, err := qcplot.ReadSkeraCSV(ctx, opts.input)
	if err != nil {
		return err
	}
	return qcplot.ReadLengthHistogram(ctx, entries, opts.arraySize, opts.xmax, opts.output)
}

func newCmdPlotKnees() *cmdline.Command {
	opts := new(plotOpts)
	cmd := newPlotCmd("plot-knees", "Plot the UMIs per cell barcode, ranked",
		"tsv", "isoseq bcstats report, may be gzipped", "knee.png", opts, plotKnees)
	cmd.Flags.IntVar(&opts.maxCells, "max-cells", -1, "Plot only the barcodes ranked below this")
	return cmd
}

func plotKnees(ctx context.Context, opts plotOpts) error {
	counts, ncells, err := qcplot.ReadBcStats(ctx, opts.input, opts.maxCells)
	if err != nil {
		return err
	}
	return qcplot.KneePlot(ctx, counts, ncells, opts.output)
}

func newCmdPlotLigations() *cmdline.Command {
	opts := new(plotOpts)
	cmd := newPlotCmd("plot-ligations", "Plot the heatmap of adapter ligations",
		"csv", "Skera ligation CSV", "skera_ligations.png", opts, plotLigations)
	cmd.Flags.IntVar(&opts.arraySize, "arraysize", qcplot.DefaultArraySize, "Array size")
	cmd.Flags.BoolVar(&opts.noNumbers, "exclude-nums", false, "Leave the counts out of the heatmap cells")
	return cmd
}

func plotLigations(ctx context.Context, opts plotOpts) error {
	m, err := qcplot.ReadLigations(ctx, opts.input, opts.arraySize)
	if err != nil {
		return err
	}
	return qcplot.LigationHeatmap(ctx, m, !opts.noNumbers, opts.output)
}
