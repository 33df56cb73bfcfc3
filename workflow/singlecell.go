package workflow

import (
	"context"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/masseq/artifact"
	"github.com/grailbio/masseq/pipeline"
	"github.com/grailbio/masseq/toolchain"
)

// Correction parameters of isoseq correct.
const (
	correctMethod     = "percentile"
	correctPercentile = 95
)

const (
	cellBarcodeTag = "CB"
	alignPreset    = "ISOSEQ"
)

func stageName(kind, id string) string { return kind + "/" + id }

// SingleCell builds the single-cell graph of the HiFi BAM InputHiFi:
//
//   skera -> lima -> tag -> refine -> correct -> bcstats
//                                     correct -> sort -> groupdedup [-> pbmm2]
//
// The alignment stage is added when the configuration supplies InputReference.
// SingleCell also returns the typed workflow inputs of rc.
func SingleCell(rc *pipeline.RunContext) (*pipeline.Graph, pipeline.Values, error) {
	var (
		id        = rc.RunID
		root      = rc.OutputRoot
		args      = toolchain.ArgumentSet(rc.Features)
		_, align  = rc.Inputs[InputReference]
		b         = pipeline.NewBuilder()
		skera     = stageName(artifact.StageSkera, id)
		lima      = stageName(artifact.StageLima, id)
		tag       = stageName(artifact.StageTag, id)
		refine    = stageName(artifact.StageRefine, id)
		correct   = stageName(artifact.StageCorrect, id)
		bcstats   = stageName(artifact.StageBcStats, id)
		sortStage = stageName(artifact.StageSort, id)
		dedup     = stageName(artifact.StageDedup, id)
	)
	b.Input(InputHiFi, pipeline.File).
		Input(InputAdapters, pipeline.File).
		Input(InputPrimers, pipeline.File).
		Input(InputDesign, pipeline.String).
		Input(InputWhitelist, pipeline.File)

	b.Add(pipeline.Stage{
		Name:    skera,
		Kind:    artifact.StageSkera,
		Inputs:  filePorts("bam", "adapters"),
		Outputs: filePorts("bam"),
		Action:  skeraAction(root, id),
	}, pipeline.Bind("bam", pipeline.In(InputHiFi)), pipeline.Bind("adapters", pipeline.In(InputAdapters)))

	b.Add(pipeline.Stage{
		Name:    lima,
		Kind:    artifact.StageLima,
		Inputs:  filePorts("bam", "primers"),
		Outputs: filePorts("bam", "counts"),
		Action: func(ctx context.Context, c pipeline.Call) (pipeline.Values, error) {
			l := toolchain.Lima{
				Cmd:      c.RC.Tool(toolLima),
				IsoSeq:   true,
				Threads:  c.Resources.Threads,
				Input:    c.Inputs.File("bam"),
				Barcodes: c.Inputs.File("primers"),
				Output:   artifact.StageOutput(root, artifact.StageLima, id),
			}
			args.ApplyLima(&l)
			if err := invoke(ctx, c, l); err != nil {
				return nil, err
			}
			return pipeline.Values{"bam": l.Output, "counts": l.Counts()}, nil
		},
	}, pipeline.Bind("bam", pipeline.Out(skera, "bam")), pipeline.Bind("primers", pipeline.In(InputPrimers)))

	b.Add(pipeline.Stage{
		Name:    tag,
		Kind:    artifact.StageTag,
		Inputs:  []pipeline.Port{{Name: "bam", Type: pipeline.File}, {Name: "design", Type: pipeline.String}},
		Outputs: filePorts("bam"),
		Action: func(ctx context.Context, c pipeline.Call) (pipeline.Values, error) {
			t := toolchain.IsoSeqTag{
				Cmd:     c.RC.Tool(toolIsoSeq),
				Design:  c.Inputs.File("design"),
				Threads: c.Resources.Threads,
				Input:   c.Inputs.File("bam"),
				Output:  artifact.StageOutput(root, artifact.StageTag, id),
			}
			return runBAM(ctx, c, t)
		},
	}, pipeline.Bind("bam", pipeline.Out(lima, "bam")), pipeline.Bind("design", pipeline.In(InputDesign)))

	b.Add(pipeline.Stage{
		Name:    refine,
		Kind:    artifact.StageRefine,
		Inputs:  filePorts("bam", "primers"),
		Outputs: filePorts("bam"),
		Action:  refineAction(root, id, args),
	}, pipeline.Bind("bam", pipeline.Out(tag, "bam")), pipeline.Bind("primers", pipeline.In(InputPrimers)))

	b.Add(pipeline.Stage{
		Name:    correct,
		Kind:    artifact.StageCorrect,
		Inputs:  filePorts("bam", "whitelist"),
		Outputs: filePorts("bam"),
		Action: func(ctx context.Context, c pipeline.Call) (pipeline.Values, error) {
			t := toolchain.IsoSeqCorrect{
				Cmd:        c.RC.Tool(toolIsoSeq),
				Barcodes:   c.Inputs.File("whitelist"),
				Method:     correctMethod,
				Percentile: correctPercentile,
				Threads:    c.Resources.Threads,
				Input:      c.Inputs.File("bam"),
				Output:     artifact.StageOutput(root, artifact.StageCorrect, id),
			}
			return runBAM(ctx, c, t)
		},
	}, pipeline.Bind("bam", pipeline.Out(refine, "bam")), pipeline.Bind("whitelist", pipeline.In(InputWhitelist)))

	b.Add(pipeline.Stage{
		Name:    bcstats,
		Kind:    artifact.StageBcStats,
		Inputs:  filePorts("bam"),
		Outputs: filePorts("tsv", "json"),
		Action: func(ctx context.Context, c pipeline.Call) (pipeline.Values, error) {
			out := artifact.StageOutput(root, artifact.StageBcStats, id)
			t := toolchain.IsoSeqBcStats{
				Cmd:     c.RC.Tool(toolIsoSeq),
				JSON:    strings.TrimSuffix(out, ".tsv") + ".json",
				Output:  out,
				Threads: c.Resources.Threads,
				Input:   c.Inputs.File("bam"),
			}
			if err := invoke(ctx, c, t); err != nil {
				return nil, err
			}
			return pipeline.Values{"tsv": t.Output, "json": t.JSON}, nil
		},
	}, pipeline.Bind("bam", pipeline.Out(correct, "bam")))

	b.Add(pipeline.Stage{
		Name:    sortStage,
		Kind:    artifact.StageSort,
		Inputs:  filePorts("bam"),
		Outputs: filePorts("bam"),
		Action: func(ctx context.Context, c pipeline.Call) (pipeline.Values, error) {
			t := toolchain.SamtoolsSort{
				Cmd:     c.RC.Tool(toolSamtools),
				Tag:     cellBarcodeTag,
				Threads: c.Resources.Threads,
				Output:  artifact.StageOutput(root, artifact.StageSort, id),
				Input:   c.Inputs.File("bam"),
			}
			return runBAM(ctx, c, t)
		},
	}, pipeline.Bind("bam", pipeline.Out(correct, "bam")))

	b.Add(pipeline.Stage{
		Name:    dedup,
		Kind:    artifact.StageDedup,
		Inputs:  filePorts("bam"),
		Outputs: filePorts("bam"),
		Action: func(ctx context.Context, c pipeline.Call) (pipeline.Values, error) {
			t := toolchain.IsoSeqGroupDedup{
				Cmd:     c.RC.Tool(toolIsoSeq),
				Threads: c.Resources.Threads,
				Input:   c.Inputs.File("bam"),
				Output:  artifact.StageOutput(root, artifact.StageDedup, id),
			}
			return runBAM(ctx, c, t)
		},
	}, pipeline.Bind("bam", pipeline.Out(sortStage, "bam")))

	if align {
		b.Input(InputReference, pipeline.File)
		b.Add(pipeline.Stage{
			Name:    stageName(artifact.StageAlign, id),
			Kind:    artifact.StageAlign,
			Inputs:  filePorts("bam", "reference"),
			Outputs: filePorts("bam"),
			Action: func(ctx context.Context, c pipeline.Call) (pipeline.Values, error) {
				t := toolchain.Pbmm2Align{
					Cmd:       c.RC.Tool(toolPbmm2),
					Preset:    alignPreset,
					Sort:      true,
					Threads:   c.Resources.Threads,
					Reference: c.Inputs.File("reference"),
					Input:     c.Inputs.File("bam"),
					Output:    artifact.StageOutput(root, artifact.StageAlign, id),
				}
				return runBAM(ctx, c, t)
			},
		}, pipeline.Bind("bam", pipeline.Out(dedup, "bam")), pipeline.Bind("reference", pipeline.In(InputReference)))
	}

	g, err := b.Build()
	if err != nil {
		return nil, nil, errors.E(err, "single-cell workflow")
	}
	inputs, err := rc.GraphInputs(g)
	if err != nil {
		return nil, nil, err
	}
	return g, inputs, nil
}

func skeraAction(root, id string) pipeline.Action {
	return func(ctx context.Context, c pipeline.Call) (pipeline.Values, error) {
		t := toolchain.SkeraSplit{
			Cmd:      c.RC.Tool(toolSkera),
			Threads:  c.Resources.Threads,
			Input:    c.Inputs.File("bam"),
			Adapters: c.Inputs.File("adapters"),
			Output:   artifact.StageOutput(root, artifact.StageSkera, id),
		}
		return runBAM(ctx, c, t)
	}
}

func refineAction(root, id string, args toolchain.Arguments) pipeline.Action {
	return func(ctx context.Context, c pipeline.Call) (pipeline.Values, error) {
		t := toolchain.IsoSeqRefine{
			Cmd:     c.RC.Tool(toolIsoSeq),
			Threads: c.Resources.Threads,
			Input:   c.Inputs.File("bam"),
			Primers: c.Inputs.File("primers"),
			Output:  artifact.StageOutput(root, artifact.StageRefine, id),
		}
		args.ApplyRefine(&t)
		return runBAM(ctx, c, t)
	}
}

// runBAM runs a tool that writes one BAM and returns it as output "bam".
func runBAM(ctx context.Context, c pipeline.Call, tool toolchain.Tool) (pipeline.Values, error) {
	if err := invoke(ctx, c, tool); err != nil {
		return nil, err
	}
	return pipeline.Values{"bam": tool.Outputs()[0]}, nil
}
