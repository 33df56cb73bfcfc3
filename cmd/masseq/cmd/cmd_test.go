package cmd

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/masseq/artifact"
	"github.com/grailbio/masseq/pipeline"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"v.io/x/lib/cmdline"
)

func writeFile(t *testing.T, path, data string) string {
	require.NoError(t, ioutil.WriteFile(path, []byte(data), 0644))
	return path
}

func TestUsage(t *testing.T) {
	for _, args := range [][]string{
		{"run"},
		{"run", "-config", "x.yaml", "extra"},
		{"merge", "-idmap", "x"},
		{"merge", "-idmap", "x", "-limacountsdir", "y", "-outdir", "z", "-merge-replicates"},
		{"report"},
		{"plot-concat"},
		{"plot-knees", "-o", "x.png"},
		{"filter-barcodes", "-input", "x.bam"},
		{"saturation", "-bam", "x.bam"},
	} {
		var out bytes.Buffer
		env := &cmdline.Env{Stdout: &out, Stderr: &out, Vars: map[string]string{}}
		err := cmdline.ParseAndRun(newCmdRoot(), env, args)
		assert.Error(t, err, "%v", args)
	}
}

func TestRunDryRun(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	primers := writeFile(t, filepath.Join(tempDir, "IsoSeq_primers.fasta"),
		">bc01_5p\nCTACACGACGCTCTTCCGATCT\n>IsoSeqX_3p\nAAGCAGTGGTATCAACGCAGAGT\n")
	config := writeFile(t, filepath.Join(tempDir, "wf.yaml"), `
run_id: kinnex
output_root: `+tempDir+`/out
inputs:
  skera_adapters: /ref/mas16_primers.fasta
  primers: `+primers+`
  idmap: /ref/idmap.tsv
runs:
  - movie: m1
    adapter: bcM0001
    bam: /data/m1.bcM0001.hifi_reads.bam
`)
	var out bytes.Buffer
	require.NoError(t, runWorkflow(ctx, &out, runOpts{config: config, dryRun: true}))
	assert.Equal(t,
		"skera/m1.bcM0001\t\n"+
			"lima/m1.bcM0001\tskera/m1.bcM0001\n"+
			"refine/m1.bcM0001.bc01\tlima/m1.bcM0001\n"+
			"merge_replicates\tlima/m1.bcM0001,refine/m1.bcM0001.bc01\n",
		out.String())

	err := runWorkflow(ctx, &out, runOpts{config: config, mode: "spatial", dryRun: true})
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
	// The single-cell workflow needs inputs this configuration lacks.
	err = runWorkflow(ctx, &out, runOpts{config: config, mode: modeSingleCell, dryRun: true})
	assert.Error(t, err)
}

func TestRegisterFiles(t *testing.T) {
	registerFiles()
	registerFiles()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// A path without a bucket fails inside the s3 implementation, without
	// reaching AWS.
	_, err := file.Stat(ctx, "s3://")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "no implementation registered")
}

func TestPrintRun(t *testing.T) {
	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	run := &pipeline.PipelineRun{Stages: []*pipeline.StageRun{
		{Name: "lima/m1.bcM0001", Status: pipeline.Succeeded, Start: start, End: start.Add(time.Minute)},
		{Name: "refine/m1.bcM0001.bc01", Status: pipeline.Failed, Err: errors.New("exit status 1")},
		{Name: "refine/m1.bcM0001.bc02", Status: pipeline.Skipped, Cause: "lima/m1.bcM0001"},
		{Name: "merge_replicates", Status: pipeline.Succeeded, Start: start, End: start.Add(time.Second),
			Incomplete: []string{"refine/m1.bcM0001.bc01"}},
	}}
	var out bytes.Buffer
	printRun(&out, run)
	assert.Equal(t,
		"lima/m1.bcM0001\tsucceeded\t1m0s\n"+
			"refine/m1.bcM0001.bc01\tfailed\texit status 1\n"+
			"refine/m1.bcM0001.bc02\tskipped\twaiting on lima/m1.bcM0001\n"+
			"merge_replicates\tsucceeded\t1s\twithout refine/m1.bcM0001.bc01\n",
		out.String())
}

func TestMerge(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	countsDir := filepath.Join(tempDir, "lima")
	require.NoError(t, os.MkdirAll(countsDir, 0777))
	writeFile(t, filepath.Join(countsDir, "m1.bcM0001.lima.lima.counts"),
		"IdxFirst\tIdxCombined\tIdxFirstNamed\tIdxCombinedNamed\tCounts\n"+
			"0\t0\tbc01\tbc01\t5\n"+
			"1\t1\tbc02\tbc02\t7\n")
	idmap := writeFile(t, filepath.Join(tempDir, "idmap.tsv"),
		"sample_id\tkinnex_adapter\tisoseq_primer\nS1\tbcM0001\tbc01\n")
	outDir := filepath.Join(tempDir, "out")
	html := filepath.Join(tempDir, "summary.html")
	opts := mergeOpts{
		idmap:     idmap,
		countsDir: countsDir,
		outDir:    outDir,
		unmapped:  "report",
		html:      html,
	}
	res, err := merge(ctx, opts)
	require.NoError(t, err)
	require.Len(t, res.BySample, 1)
	assert.Equal(t, "S1", res.BySample[0].Name)
	assert.Equal(t, int64(5), res.BySample[0].Count)
	assert.Equal(t, int64(7), res.UnmappedCount())
	for _, name := range []string{artifact.CountsBySample, artifact.CountsByRun, artifact.UnmappedCounts, artifact.ReadCountsPlot} {
		_, err := os.Stat(filepath.Join(outDir, name))
		assert.NoError(t, err, name)
	}
	data, err := ioutil.ReadFile(html)
	require.NoError(t, err)
	assert.Contains(t, string(data), "S1")

	var out bytes.Buffer
	printResult(&out, res)
	assert.Equal(t, "S1\t5\nunmapped\t7\n", out.String())

	opts.unmapped = "fatal"
	_, err = merge(ctx, opts)
	assert.True(t, errors.Is(errors.Integrity, err), "%v", err)

	opts.countsDir = tempDir
	_, err = merge(ctx, opts)
	assert.Error(t, err)
}

func TestPlotCommands(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	csv := writeFile(t, filepath.Join(tempDir, "read_lengths.csv"),
		"zmw,hifi_length,deconcat_length,concat_factor\n"+
			"1,15000,1000,15\n"+
			"2,9000,900,10\n"+
			"3,2000,2000,1\n")
	for _, test := range []struct {
		name string
		plot func(context.Context, plotOpts) error
	}{
		{"concat.png", plotConcat},
		{"readlen.png", plotReadLen},
	} {
		png := filepath.Join(tempDir, test.name)
		require.NoError(t, test.plot(ctx, plotOpts{input: csv, output: png, arraySize: 15, xmax: 25000}), test.name)
		data, err := ioutil.ReadFile(png)
		require.NoError(t, err)
		assert.Equal(t, []byte("\x89PNG"), data[:4], test.name)
	}
	assert.Error(t, plotConcat(ctx, plotOpts{input: filepath.Join(tempDir, "missing.csv"), output: "x.png"}))
}
