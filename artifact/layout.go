package artifact

// Stage names. They double as the per-stage output directory names under the
// run root.
const (
	StageSkera      = "skera"
	StageLima       = "lima"
	StageTag        = "tag"
	StageRefine     = "refine"
	StageCorrect    = "correct"
	StageBcStats    = "bcstats"
	StageSort       = "sort"
	StageDedup      = "dedup"
	StageAlign      = "align"
	StageMerge      = "merge_replicates"
	StageSaturation = "saturation"
)

// Files written by the replicate reconciliation stage.
const (
	CountsByMovie    = "lima_counts_by_moviename.tsv"
	CountsBySample   = "aggregated_lima_counts_by_sample.tsv"
	CountsByRun      = "aggregated_lima_counts_by_run.tsv"
	UnmappedCounts   = "unmapped_lima_counts.tsv"
	ReadCountsPlot   = "readcounts_by_sample.png"
	SummaryHTML      = "summary.html"
	SummaryWorkbook  = "summary.xlsx"
	MergedSubdir     = "merge"
	mergedBAMSuffix  = ".merged.unaligned.bam"
	tmpSuffix        = ".tmp"
)

// Suffixes of the BAM files produced by the external tool stages. A stage
// output is "<prefix><suffix>" where prefix is usually "<movie>" or
// "<movie>.<barcode>".
var stageSuffix = map[string]string{
	StageSkera:   ".skera.bam",
	StageLima:    ".lima.bam",
	StageTag:     ".tagged.bam",
	StageRefine:  ".refine.bam",
	StageCorrect: ".corrected.bam",
	StageBcStats: ".bcstats.tsv",
	StageSort:    ".sorted.bam",
	StageDedup:   ".dedup.bam",
	StageAlign:   ".aligned.bam",
}

// StageOutput returns the path of the primary output of an external tool
// stage for the given prefix, e.g. StageOutput(root, "lima", "m84001") is
// "<root>/lima/m84001.lima.bam". It panics for a stage without a BAM output,
// which is a programming error.
func StageOutput(root, stage, prefix string) string {
	suffix, ok := stageSuffix[stage]
	if !ok {
		panic("artifact: no output layout for stage " + stage)
	}
	return Path(root, stage, "", prefix+suffix)
}

// LimaCounts returns the counts report lima writes next to its output BAM.
// lima derives it from the output name: x.lima.bam -> x.lima.lima.counts.
func LimaCounts(root, prefix string) string {
	return Path(root, StageLima, "", prefix+".lima.lima.counts")
}

// MergedBAM returns the coalesced BAM path of sample under the merge output
// directory dir.
func MergedBAM(dir, sample string) string {
	return Join(dir, MergedSubdir, sample+mergedBAMSuffix)
}

// Temp returns the staging path used while p is being written. Outputs are
// written to Temp(p) and renamed into place once complete.
func Temp(p string) string {
	return p + tmpSuffix
}
