package resources

import (
	"github.com/grailbio/masseq/artifact"
)

// Stage defaults. Values follow the sizing the pipeline historically ran with
// on preemptible cloud VMs.
var defaults = map[string]Spec{
	artifact.StageSkera:      {MemoryGiB: 32, CPU: 16, DiskGiB: 500, Preemptible: 1, BootDiskGiB: 25},
	artifact.StageLima:       {MemoryGiB: 32, CPU: 16, DiskGiB: 500, Preemptible: 1, BootDiskGiB: 25},
	artifact.StageTag:        {MemoryGiB: 16, CPU: 8, DiskGiB: 250, Preemptible: 1, BootDiskGiB: 25},
	artifact.StageRefine:     {MemoryGiB: 32, CPU: 16, DiskGiB: 250, Preemptible: 1, BootDiskGiB: 25},
	artifact.StageCorrect:    {MemoryGiB: 32, CPU: 16, DiskGiB: 250, Preemptible: 1, BootDiskGiB: 25},
	artifact.StageBcStats:    {MemoryGiB: 16, CPU: 8, DiskGiB: 100, Preemptible: 1, BootDiskGiB: 25},
	artifact.StageSort:       {MemoryGiB: 64, CPU: 16, DiskGiB: 500, Preemptible: 1, BootDiskGiB: 25, Threads: 8},
	artifact.StageDedup:      {MemoryGiB: 64, CPU: 16, DiskGiB: 250, Preemptible: 1, BootDiskGiB: 25},
	artifact.StageAlign:      {MemoryGiB: 64, CPU: 32, DiskGiB: 500, Preemptible: 1, BootDiskGiB: 25},
	artifact.StageMerge:      {MemoryGiB: 16, CPU: 4, DiskGiB: 500, Preemptible: 0, BootDiskGiB: 25},
	artifact.StageSaturation: {MemoryGiB: 16, CPU: 2, DiskGiB: 100, Preemptible: 1, BootDiskGiB: 25},
}

// fallback is used for stages without an entry in defaults.
var fallback = Spec{MemoryGiB: 8, CPU: 4, DiskGiB: 100, Preemptible: 1, BootDiskGiB: 25}

// estimates holds the disk scaling of stages whose footprint tracks their
// input. Array splitting and demultiplexing roughly double-to-triple the
// input footprint; the others keep about one copy plus scratch.
var estimates = map[string]Estimate{
	artifact.StageSkera:   {Scale: 3, OverheadGiB: 20},
	artifact.StageLima:    {Scale: 3, OverheadGiB: 20},
	artifact.StageTag:     {Scale: 2.5, OverheadGiB: 20},
	artifact.StageRefine:  {Scale: 2.5, OverheadGiB: 20},
	artifact.StageCorrect: {Scale: 2.5, OverheadGiB: 20},
	artifact.StageSort:    {Scale: 4, OverheadGiB: 20},
	artifact.StageDedup:   {Scale: 2.5, OverheadGiB: 20},
	artifact.StageAlign:   {Scale: 3, OverheadGiB: 50},
	artifact.StageMerge:   {Scale: 2.5, OverheadGiB: 10},
}

// Defaults returns the default Spec of stage.
func Defaults(stage string) Spec {
	if s, ok := defaults[stage]; ok {
		return s
	}
	return fallback
}

// EstimateFor returns the disk estimate of stage, or nil if its disk need is
// fixed.
func EstimateFor(stage string) *Estimate {
	if e, ok := estimates[stage]; ok {
		return &e
	}
	return nil
}

// For resolves the resources of stage from its built-in defaults and
// estimate.
func For(stage string, inputBytes int64, o Override) Spec {
	return Resolve(stage, Defaults(stage), EstimateFor(stage), inputBytes, o)
}
