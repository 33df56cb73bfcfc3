package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/masseq/pipeline"
	"github.com/grailbio/masseq/workflow"
	"v.io/x/lib/cmdline"
)

const (
	modeBulk       = "bulk"
	modeSingleCell = "single-cell"
)

type runOpts struct {
	config          string
	mode            string
	outputRoot      string
	parallelism     int
	mergePhysically bool
	dryRun          bool
}

func newCmdRun() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:  "run",
		Short: "Run a MAS-seq workflow",
		Long: `
Run executes the workflow described by a YAML run configuration. The bulk
workflow processes every run listed under "runs" up to refined reads and then
reconciles the replicates of each sample; the single-cell workflow chains the
isoseq single-cell tools on one HiFi BAM.

Flags given on the command line override the configuration.`,
	}
	var opts runOpts
	cmd.Flags.StringVar(&opts.config, "config", "", "YAML run configuration")
	cmd.Flags.StringVar(&opts.mode, "mode", "", `Workflow, "bulk" or "single-cell". By default bulk if the configuration lists runs`)
	cmd.Flags.StringVar(&opts.outputRoot, "output-root", "", "Overrides output_root")
	cmd.Flags.IntVar(&opts.parallelism, "parallelism", 0, "Overrides parallelism, the number of stages run at once")
	cmd.Flags.BoolVar(&opts.mergePhysically, "merge-replicates", false, "Write one merged BAM per sample")
	cmd.Flags.BoolVar(&opts.dryRun, "dry-run", false, "Print the stages and their dependencies without running them")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		if len(argv) != 0 {
			return env.UsageErrorf("run takes no arguments, but got %v", argv)
		}
		if opts.config == "" {
			return env.UsageErrorf("-config is required")
		}
		return runWorkflow(vcontext.Background(), env.Stdout, opts)
	})
	return cmd
}

func runWorkflow(ctx context.Context, w io.Writer, opts runOpts) error {
	cfg, err := workflow.LoadConfig(ctx, opts.config)
	if err != nil {
		return err
	}
	rc := &cfg.RunContext
	if opts.outputRoot != "" {
		rc.OutputRoot = opts.outputRoot
	}
	if opts.parallelism > 0 {
		rc.Parallelism = opts.parallelism
	}
	if opts.mergePhysically {
		rc.MergePhysically = true
	}
	if err := rc.Init(); err != nil {
		return err
	}
	mode := opts.mode
	if mode == "" {
		mode = modeSingleCell
		if len(cfg.Runs) > 0 {
			mode = modeBulk
		}
	}
	var (
		g      *pipeline.Graph
		inputs pipeline.Values
	)
	switch mode {
	case modeBulk:
		if err := cfg.CheckPrimers(ctx); err != nil {
			return err
		}
		g, inputs, err = workflow.Bulk(rc, cfg.Runs)
	case modeSingleCell:
		g, inputs, err = workflow.SingleCell(rc)
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("unknown mode %q", mode))
	}
	if err != nil {
		return err
	}
	if opts.dryRun {
		for _, name := range g.Order() {
			fmt.Fprintf(w, "%s\t%s\n", name, strings.Join(g.Dependencies(name), ","))
		}
		return nil
	}
	log.Printf("%s: running the %s workflow, %d stages, output in %s", rc.RunID, mode, len(g.Order()), rc.OutputRoot)
	run, err := pipeline.Run(ctx, rc, g, inputs)
	if run != nil {
		printRun(w, run)
	}
	return err
}

func printRun(w io.Writer, run *pipeline.PipelineRun) {
	for _, st := range run.Stages {
		line := st.Name + "\t" + st.Status.String()
		switch st.Status {
		case pipeline.Succeeded:
			line += "\t" + st.End.Sub(st.Start).String()
			if len(st.Incomplete) > 0 {
				line += "\twithout " + strings.Join(st.Incomplete, ",")
			}
		case pipeline.Failed:
			line += "\t" + st.Err.Error()
		case pipeline.Skipped:
			line += "\twaiting on " + st.Cause
		}
		fmt.Fprintln(w, line)
	}
}
