package workflow

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/masseq/artifact"
	"github.com/grailbio/masseq/pipeline"
	"github.com/grailbio/masseq/reconcile"
	"github.com/grailbio/masseq/toolchain"
)

// Outputs of the replicate reconciliation stage.
const (
	OutByMovie  = "by_movie"
	OutBySample = "by_sample"
	OutByRun    = "by_run"
	OutUnmapped = "unmapped"
	OutMerged   = "merged"
)

// Bulk builds the bulk Kinnex graph. Each run is processed independently,
//
//   skera -> lima (split by primer) -> refine (one per primer)
//
// and a single merge_replicates stage joins the lima counts and refined BAMs
// of every run against the InputMapping table. The merge is a partial stage:
// a failed replicate blocks only the samples it maps to. Bulk also returns
// the typed workflow inputs of rc, with the BAM of each run added.
func Bulk(rc *pipeline.RunContext, runs []Run) (*pipeline.Graph, pipeline.Values, error) {
	if len(runs) == 0 {
		return nil, nil, errors.E(errors.Invalid, "bulk workflow: no runs")
	}
	var (
		root     = rc.OutputRoot
		args     = toolchain.ArgumentSet(rc.Features)
		b        = pipeline.NewBuilder()
		raw      = make(map[string]interface{}, len(rc.Inputs)+len(runs))
		counts   []pipeline.Ref
		refined  []pipeline.Ref
		seenRuns = make(map[string]bool)
		// keys maps each stage the merge reads from to the replicates it
		// produces.
		keys = make(map[string][]reconcile.Key)
	)
	for k, v := range rc.Inputs {
		raw[k] = v
	}
	b.Input(InputAdapters, pipeline.File).
		Input(InputPrimers, pipeline.File).
		Input(InputMapping, pipeline.File)

	for _, run := range runs {
		if err := run.validate(); err != nil {
			return nil, nil, err
		}
		id := run.ID()
		if seenRuns[id] {
			return nil, nil, errors.E(errors.Invalid, fmt.Sprintf("bulk workflow: run %s listed twice", id))
		}
		seenRuns[id] = true
		raw[run.input()] = run.BAM
		b.Input(run.input(), pipeline.File)

		skera := stageName(artifact.StageSkera, id)
		b.Add(pipeline.Stage{
			Name:    skera,
			Kind:    artifact.StageSkera,
			Inputs:  filePorts("bam", "adapters"),
			Outputs: filePorts("bam"),
			Action:  skeraAction(root, id),
		}, pipeline.Bind("bam", pipeline.In(run.input())), pipeline.Bind("adapters", pipeline.In(InputAdapters)))

		lima := stageName(artifact.StageLima, id)
		limaOut := []string{"counts"}
		for _, p := range run.Primers {
			limaOut = append(limaOut, "bam_"+p)
		}
		b.Add(pipeline.Stage{
			Name:    lima,
			Kind:    artifact.StageLima,
			Inputs:  filePorts("bam", "primers"),
			Outputs: filePorts(limaOut...),
			Action:  splitLimaAction(root, id, run.Primers, args),
		}, pipeline.Bind("bam", pipeline.Out(skera, "bam")), pipeline.Bind("primers", pipeline.In(InputPrimers)))
		counts = append(counts, pipeline.Out(lima, "counts"))

		for _, p := range run.Primers {
			k := reconcile.Key{Barcode: reconcile.PairBarcode(run.Adapter, p), Run: run.Movie}
			refine := stageName(artifact.StageRefine, id+"."+p)
			keys[lima] = append(keys[lima], k)
			keys[refine] = []reconcile.Key{k}
			b.Add(pipeline.Stage{
				Name:    refine,
				Kind:    artifact.StageRefine,
				Inputs:  filePorts("bam", "primers"),
				Outputs: filePorts("bam"),
				Action:  refineAction(root, id+"."+p, args),
			}, pipeline.Bind("bam", pipeline.Out(lima, "bam_"+p)), pipeline.Bind("primers", pipeline.In(InputPrimers)))
			refined = append(refined, pipeline.Out(refine, "bam"))
		}
	}

	b.Add(pipeline.Stage{
		Name: artifact.StageMerge,
		Inputs: []pipeline.Port{
			{Name: "counts", Type: pipeline.Files},
			{Name: "bams", Type: pipeline.Files},
			{Name: "idmap", Type: pipeline.File},
		},
		Outputs: append(filePorts(OutByMovie, OutBySample, OutByRun, OutUnmapped),
			pipeline.Port{Name: OutMerged, Type: pipeline.Files}),
		Action:  mergeAction(keys),
		Partial: true,
	},
		pipeline.Bind("counts", counts...),
		pipeline.Bind("bams", refined...),
		pipeline.Bind("idmap", pipeline.In(InputMapping)))

	g, err := b.Build()
	if err != nil {
		return nil, nil, errors.E(err, "bulk workflow")
	}
	withRuns := *rc
	withRuns.Inputs = raw
	inputs, err := withRuns.GraphInputs(g)
	if err != nil {
		return nil, nil, err
	}
	return g, inputs, nil
}

// splitLimaAction demultiplexes a run by IsoSeq primer into one BAM per
// primer. Each split BAM is a declared output, so a primer that received no
// reads fails the stage.
func splitLimaAction(root, id string, primers []string, args toolchain.Arguments) pipeline.Action {
	return func(ctx context.Context, c pipeline.Call) (pipeline.Values, error) {
		l := toolchain.Lima{
			Cmd:           c.RC.Tool(toolLima),
			IsoSeq:        true,
			PeekGuess:     true,
			SplitBAMNamed: true,
			Threads:       c.Resources.Threads,
			Input:         c.Inputs.File("bam"),
			Barcodes:      c.Inputs.File("primers"),
			Output:        artifact.StageOutput(root, artifact.StageLima, id),
		}
		args.ApplyLima(&l)
		out := pipeline.Values{"counts": l.Counts()}
		tool := declared{Tool: l, outputs: l.Outputs()}
		for _, p := range primers {
			bam := l.SplitOutput(pairName(p))
			out["bam_"+p] = bam
			tool.outputs = append(tool.outputs, bam)
		}
		if err := invoke(ctx, c, tool); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// mergeAction reconciles the lima counts and refined BAMs of every run. The
// replicates of the stages the merge runs without are incomplete, which
// blocks their samples.
func mergeAction(keys map[string][]reconcile.Key) pipeline.Action {
	return func(ctx context.Context, c pipeline.Call) (pipeline.Values, error) {
		var (
			incomplete []reconcile.Key
			seen       = make(map[reconcile.Key]bool)
		)
		for _, stage := range c.Incomplete {
			for _, k := range keys[stage] {
				if !seen[k] {
					seen[k] = true
					incomplete = append(incomplete, k)
				}
			}
		}
		return merge(ctx, c, incomplete)
	}
}

func merge(ctx context.Context, c pipeline.Call, incomplete []reconcile.Key) (pipeline.Values, error) {
	policy, err := reconcile.ParsePolicy(c.RC.Unmapped)
	if err != nil {
		return nil, err
	}
	m, err := reconcile.ReadMapping(ctx, c.Inputs.File("idmap"))
	if err != nil {
		return nil, err
	}
	rows, err := reconcile.ReadCountReports(ctx, c.Inputs.Files("counts"))
	if err != nil {
		return nil, err
	}
	var replicates []reconcile.ReplicateFile
	for _, bam := range c.Inputs.Files("bams") {
		f, ok := reconcile.ParseRefineName(bam)
		if !ok {
			return nil, errors.E(errors.Invalid, "unexpected refined BAM name", bam)
		}
		replicates = append(replicates, f)
	}
	dir := artifact.Dir(c.RC.OutputRoot, artifact.StageMerge)
	res, err := reconcile.Reconcile(ctx, reconcile.Options{
		OutputDir:       dir,
		MergePhysically: c.RC.MergePhysically,
		Title:           c.RC.Title,
		Unmapped:        policy,
		Parallelism:     c.Resources.CPU,
		Summary:         c.RC.Summary,
		Incomplete:      incomplete,
		AllowBlocked:    true,
	}, rows, replicates, m)
	if err != nil {
		return nil, err
	}
	for _, b := range res.Blocked {
		log.Error.Printf("%s: sample %s blocked: %s", c.Stage, b.Sample, b.Reason)
	}
	merged := []string{}
	for _, o := range res.Outputs {
		merged = append(merged, o.Path)
	}
	log.Printf("%s: %d samples, %d merged BAMs, %d blocked", c.Stage, len(res.BySample), len(merged), len(res.Blocked))
	return pipeline.Values{
		OutByMovie:  artifact.Join(dir, artifact.CountsByMovie),
		OutBySample: artifact.Join(dir, artifact.CountsBySample),
		OutByRun:    artifact.Join(dir, artifact.CountsByRun),
		OutUnmapped: artifact.Join(dir, artifact.UnmappedCounts),
		OutMerged:   merged,
	}, nil
}
