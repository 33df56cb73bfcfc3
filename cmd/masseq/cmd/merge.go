package cmd

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/masseq/artifact"
	"github.com/grailbio/masseq/reconcile"
	"github.com/grailbio/masseq/report"
	"v.io/x/lib/cmdline"
)

type mergeOpts struct {
	idmap           string
	countsDir       string
	bamDir          string
	outDir          string
	mergePhysically bool
	title           string
	unmapped        string
	parallelism     int
	summary         bool
	// html and xlsx, if set, receive the summaries instead of outDir.
	html, xlsx string
}

func (o *mergeOpts) register(cmd *cmdline.Command) {
	cmd.Flags.StringVar(&o.idmap, "idmap", "", "Sample mapping, sample_id and barcode or sample_id, kinnex_adapter and isoseq_primer columns")
	cmd.Flags.StringVar(&o.countsDir, "limacountsdir", "", "Directory of the *.lima.counts reports")
	cmd.Flags.StringVar(&o.outDir, "outdir", "", "Output directory of the reports")
	cmd.Flags.StringVar(&o.title, "title", reconcile.DefaultTitle, "Title of the read count plot")
	cmd.Flags.StringVar(&o.unmapped, "unmapped", "report", `Barcodes absent from the mapping: "report" or "fatal"`)
}

func (o *mergeOpts) check(env *cmdline.Env, argv []string) error {
	if len(argv) != 0 {
		return env.UsageErrorf("takes no arguments, but got %v", argv)
	}
	if o.idmap == "" || o.countsDir == "" || o.outDir == "" {
		return env.UsageErrorf("-idmap, -limacountsdir and -outdir are required")
	}
	if o.mergePhysically && o.bamDir == "" {
		return env.UsageErrorf("-merge-replicates requires -bampath")
	}
	return nil
}

func newCmdMerge() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "merge",
		Short: "Reconcile the replicates of each sample",
		Long: `
Merge joins the lima read counts of every run against the sample mapping and
writes the read counts by movie, by sample and by run, the unmapped barcodes
and a plot of the reads of each sample to -outdir. With -merge-replicates it
also coalesces the refined BAMs of each sample, found in -bampath as
<movie>.<adapter>.<primer>.refine.bam, into one BAM per sample.`,
	}
	var opts mergeOpts
	opts.register(cmd)
	cmd.Flags.StringVar(&opts.bamDir, "bampath", "", "Directory of the refined BAMs")
	cmd.Flags.BoolVar(&opts.mergePhysically, "merge-replicates", false, "Write one merged BAM per sample")
	cmd.Flags.IntVar(&opts.parallelism, "parallelism", runtime.NumCPU(), "Number of samples merged at once")
	cmd.Flags.BoolVar(&opts.summary, "summary", false, "Also write the HTML and xlsx summaries")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if err := opts.check(env, argv); err != nil {
			return err
		}
		res, err := merge(vcontext.Background(), opts)
		if res != nil {
			printResult(env.Stdout, res)
		}
		return err
	})
	return cmd
}

func newCmdReport() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "report",
		Short: "Write the HTML and xlsx summaries of the read counts",
		Long: `
Report joins the lima read counts against the sample mapping like merge, but
never touches a BAM. The count reports go to -outdir; the summaries go to
-html and -xlsx, by default also in -outdir.`,
	}
	var opts mergeOpts
	opts.register(cmd)
	cmd.Flags.StringVar(&opts.html, "html", "", "HTML summary path")
	cmd.Flags.StringVar(&opts.xlsx, "xlsx", "", "xlsx summary path")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if err := opts.check(env, argv); err != nil {
			return err
		}
		opts.summary = opts.html == "" && opts.xlsx == ""
		res, err := merge(vcontext.Background(), opts)
		if res != nil {
			printResult(env.Stdout, res)
		}
		return err
	})
	return cmd
}

// merge runs a reconciliation as configured by opts.
func merge(ctx context.Context, opts mergeOpts) (*reconcile.Result, error) {
	policy, err := reconcile.ParsePolicy(opts.unmapped)
	if err != nil {
		return nil, err
	}
	m, err := reconcile.ReadMapping(ctx, opts.idmap)
	if err != nil {
		return nil, err
	}
	reports, err := reconcile.FindLimaCounts(ctx, opts.countsDir)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, errors.E(errors.NotExist, "no lima counts in", opts.countsDir)
	}
	rows, err := reconcile.ReadCountReports(ctx, reports)
	if err != nil {
		return nil, err
	}
	var replicates []reconcile.ReplicateFile
	if opts.bamDir != "" {
		if replicates, err = reconcile.FindRefineBAMs(ctx, opts.bamDir); err != nil {
			return nil, err
		}
	}
	log.Printf("%d count reports, %d rows, %d refined BAMs, %d mapped barcodes", len(reports), len(rows), len(replicates), m.Len())
	res, err := reconcile.Reconcile(ctx, reconcile.Options{
		OutputDir:       artifact.Normalize(opts.outDir),
		MergePhysically: opts.mergePhysically,
		Title:           opts.title,
		Unmapped:        policy,
		Parallelism:     opts.parallelism,
		Summary:         opts.summary,
	}, rows, replicates, m)
	if res == nil {
		return nil, err
	}
	if opts.html != "" {
		if werr := writeSummary(ctx, opts.html, res.Summary(opts.title), report.WriteHTML); werr != nil && err == nil {
			err = werr
		}
	}
	if opts.xlsx != "" {
		if werr := writeSummary(ctx, opts.xlsx, res.Summary(opts.title), report.WriteXLSX); werr != nil && err == nil {
			err = werr
		}
	}
	return res, err
}

func writeSummary(ctx context.Context, path string, s report.Summary, write func(io.Writer, report.Summary) error) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	if err := write(out.Writer(ctx), s); err != nil {
		return errors.E(err, "write", path)
	}
	return nil
}

func printResult(w io.Writer, res *reconcile.Result) {
	for _, t := range res.BySample {
		fmt.Fprintf(w, "%s\t%d\n", t.Name, t.Count)
	}
	if n := res.UnmappedCount(); n > 0 {
		fmt.Fprintf(w, "unmapped\t%d\n", n)
	}
	for _, o := range res.Outputs {
		fmt.Fprintf(w, "merged\t%s\t%s\n", o.Sample, o.Path)
	}
	for _, b := range res.Blocked {
		fmt.Fprintf(w, "blocked\t%s\t%s\n", b.Sample, b.Reason)
	}
}
