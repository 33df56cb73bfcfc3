package reconcile

import (
	"context"
	"fmt"
	"io/ioutil"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/masseq/artifact"
	"github.com/grailbio/masseq/bammerge"
	"github.com/grailbio/masseq/internal/bamtest"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, path, data string) string {
	require.NoError(t, ioutil.WriteFile(path, []byte(data), 0644))
	return path
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readLines(t *testing.T, path string) []string {
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func mapping(t *testing.T, pairs ...string) *Mapping {
	var entries []MappingEntry
	for i := 0; i < len(pairs); i += 2 {
		entries = append(entries, MappingEntry{Barcode: Barcode(pairs[i]), Sample: pairs[i+1], Line: i/2 + 2})
	}
	m, err := NewMapping(entries)
	require.NoError(t, err)
	return m
}

func scenarioA() []Row {
	return []Row{
		{Barcode: "BC1", Run: "run1", Count: 100, Source: "run1.tsv"},
		{Barcode: "BC3", Run: "run1", Count: 50, Source: "run1.tsv"},
		{Barcode: "BC2", Run: "run2", Count: 80, Source: "run2.tsv"},
	}
}

func TestReadMapping(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	path := writeTestFile(t, filepath.Join(tempDir, "idmap.csv"),
		"Sample ID, Kinnex_Adapter ,IsoSeq Primer,notes\n"+
			"S 1.a,bcM0001,bc01,x\n"+
			"S2,bcM0001,bc02,\n"+
			"\n"+
			"S 1.a,bcM0002,bc01,repeat\n")
	m, err := ReadMapping(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"S_1_a", "S2"}, m.Samples())
	assert.Equal(t, 3, m.Len())
	s, ok := m.Sample(PairBarcode("bcM0002", "bc01"))
	assert.True(t, ok)
	assert.Equal(t, "S_1_a", s)
	_, ok = m.Sample("bcm0002.bc01")
	assert.False(t, ok)

	path = writeTestFile(t, filepath.Join(tempDir, "idmap.tsv"), "sample_id\tbarcode\nS1\tBC1\nS1\tBC1\nS2\tBC3\n")
	m, err = ReadMapping(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, []MappingEntry{{"S1", "BC1", 2}, {"S2", "BC3", 4}}, m.Entries())

	for _, test := range []struct{ name, data, err string }{
		{"nosample.csv", "sample,barcode\nS1,BC1\n", "no sample_id column"},
		{"nobarcode.csv", "sample_id,kinnex_adapter\nS1,bcM0001\n", "need a barcode column"},
		{"empty.csv", "sample_id,barcode\nS1,\n", "line 2: empty barcode"},
		{"conflict.csv", "sample_id,barcode\nS1,BC1\nS2,BC1\n", "mapped to both S1 and S2"},
		{"header.csv", "sample_id,barcode\n", "no entries"},
	} {
		_, err := ReadMapping(ctx, writeTestFile(t, filepath.Join(tempDir, test.name), test.data))
		require.Error(t, err, test.name)
		assert.True(t, errors.Is(errors.Invalid, err), test.name)
		assert.Contains(t, err.Error(), test.err, test.name)
	}
	_, err = ReadMapping(ctx, filepath.Join(tempDir, "absent.csv"))
	assert.True(t, errors.Is(errors.NotExist, err))
}

func TestSanitizeSample(t *testing.T) {
	for _, test := range []struct{ id, want string }{
		{" S1 ", "S1"},
		{"S 1.a", "S_1_a"},
		{"A/B", "A_B"},
		{"../x", "___x"},
	} {
		assert.Equal(t, test.want, SanitizeSample(test.id), test.id)
	}
	assert.Equal(t, "/out/merge/A_B.merged.unaligned.bam", artifact.MergedBAM("/out", SanitizeSample("A/B")))
}

func TestLimaCounts(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	for _, test := range []struct {
		name, movie, adapter string
		ok                   bool
	}{
		{"m84001.bcM0001.lima.lima.counts", "m84001", "bcM0001", true},
		{"/x/y/m84001.bcM0002.fl.lima.counts", "m84001", "bcM0002", true},
		{"m84001.lima.counts", "", "", false},
		{"m84001.bcM0001.lima.bam", "", "", false},
	} {
		movie, adapter, ok := ParseLimaCountsName(test.name)
		assert.Equal(t, test.ok, ok, test.name)
		assert.Equal(t, test.movie, movie, test.name)
		assert.Equal(t, test.adapter, adapter, test.name)
	}

	header := "IdxFirst\tIdxCombined\tIdxFirstNamed\tIdxCombinedNamed\tCounts\tMeanScore\n"
	path := writeTestFile(t, filepath.Join(tempDir, "m84001.bcM0001.lima.lima.counts"), header+
		"0\t1\tbc01_5p\tbc01_5p--IsoSeqX_3p\t120\t98\n"+
		"2\t1\tbc02_5p\tbc02_5p--IsoSeqX_3p\t7\t97\n")
	rows, err := ReadLimaCounts(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []Row{
		{Barcode: "bcM0001.bc01", Run: "m84001", Count: 120, Source: path},
		{Barcode: "bcM0001.bc02", Run: "m84001", Count: 7, Source: path},
	}, rows)

	bad := writeTestFile(t, filepath.Join(tempDir, "m84002.bcM0001.lima.lima.counts"), header+"0\t1\tIsoSeqX\tx\t3\t90\n")
	_, err = ReadLimaCounts(ctx, bad)
	assert.True(t, errors.Is(errors.Integrity, err))

	bad = writeTestFile(t, filepath.Join(tempDir, "m84003.bcM0001.lima.lima.counts"), header+"0\t1\tbc01_5p\tx\tmany\t90\n")
	_, err = ReadLimaCounts(ctx, bad)
	assert.True(t, errors.Is(errors.Integrity, err))

	writeTestFile(t, filepath.Join(tempDir, "m84001.bcM0001.lima.bam"), "")
	paths, err := FindLimaCounts(ctx, tempDir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(tempDir, "m84001.bcM0001.lima.lima.counts"),
		filepath.Join(tempDir, "m84002.bcM0001.lima.lima.counts"),
		filepath.Join(tempDir, "m84003.bcM0001.lima.lima.counts"),
	}, paths)
}

func TestReadCountTable(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	path := writeTestFile(t, filepath.Join(tempDir, "counts.tsv"), "barcode\trun\tcount\n# comment\nBC1\trun1\t100\nBC3\trun1\t50\n")
	lima := writeTestFile(t, filepath.Join(tempDir, "m1.bcM0001.lima.lima.counts"),
		"IdxFirst\tIdxCombined\tIdxFirstNamed\tIdxCombinedNamed\tCounts\n0\t0\tbc01\tbc01\t5\n")
	rows, err := ReadCountReports(ctx, []string{path, lima})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, Row{Barcode: "BC3", Run: "run1", Count: 50, Source: path}, rows[1])
	assert.Equal(t, Barcode("bcM0001.bc01"), rows[2].Barcode)

	bad := writeTestFile(t, filepath.Join(tempDir, "bad.tsv"), "barcode\trun\tcount\nBC1\trun1\t-1\n")
	_, err = ReadCountTable(ctx, bad)
	assert.True(t, errors.Is(errors.Integrity, err))
	wrong := writeTestFile(t, filepath.Join(tempDir, "wrong.tsv"), "bc\trun\tcount\nBC1\trun1\t1\n")
	_, err = ReadCountTable(ctx, wrong)
	assert.Error(t, err)
}

func TestRefineNames(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	f, ok := ParseRefineName("/d/m84001.bcM0001.bc01.refine.bam")
	assert.True(t, ok)
	assert.Equal(t, ReplicateFile{Run: "m84001", Barcode: "bcM0001.bc01", Path: "/d/m84001.bcM0001.bc01.refine.bam"}, f)
	for _, name := range []string{"m84001.bc01.refine.bam", "m84001..bc01.refine.bam", "m84001.bcM0001.bc01.lima.bam"} {
		_, ok := ParseRefineName(name)
		assert.False(t, ok, name)
	}

	for _, name := range []string{"m2.bcM0001.bc01.refine.bam", "m1.bcM0001.bc02.refine.bam", "m1.refine.bam", "notes.txt"} {
		writeTestFile(t, filepath.Join(tempDir, name), "")
	}
	files, err := FindRefineBAMs(ctx, tempDir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "m1", files[0].Run)
	assert.Equal(t, Barcode("bcM0001.bc02"), files[0].Barcode)

	_, err = indexReplicates([]ReplicateFile{
		{Run: "m1", Barcode: "a.b", Path: "/x/1.bam"},
		{Run: "m1", Barcode: "a.b", Path: "/x/2.bam"},
	})
	assert.True(t, errors.Is(errors.Integrity, err))
}

func TestScenarioA(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	out := filepath.Join(tempDir, "out")
	m := mapping(t, "BC1", "S1", "BC2", "S1", "BC3", "S2")
	res, err := Reconcile(ctx, Options{OutputDir: out, Summary: true}, scenarioA(), nil, m)
	require.NoError(t, err)
	assert.Equal(t, []Total{{"S1", 180}, {"S2", 50}}, res.BySample)
	assert.Equal(t, []Total{{"run1", 150}, {"run2", 80}}, res.ByRun)
	assert.Empty(t, res.Unmapped)
	assert.NoError(t, res.Check())
	assert.Empty(t, res.Outputs)
	assert.False(t, exists(filepath.Join(out, artifact.MergedSubdir)))

	g := res.Group("S1")
	require.NotNil(t, g)
	assert.Equal(t, []Key{{"BC1", "run1"}, {"BC2", "run2"}}, g.Keys)
	assert.Equal(t, int64(180), g.Count)
	assert.Nil(t, res.Group("S3"))

	for _, name := range []string{
		artifact.CountsByMovie, artifact.CountsBySample, artifact.CountsByRun, artifact.UnmappedCounts,
		artifact.ReadCountsPlot, artifact.SummaryHTML, artifact.SummaryWorkbook,
	} {
		assert.True(t, exists(filepath.Join(out, name)), name)
	}
	assert.Len(t, res.Reports, 7)
	assert.Equal(t, []string{
		"sample_id\tbarcodes\tmovie_names\tcounts",
		"S1\tBC1,BC2\trun1,run2\t180",
		"S2\tBC3\trun1\t50",
	}, readLines(t, filepath.Join(out, artifact.CountsBySample)))
	assert.Equal(t, []string{
		"movie_name\tsamples\tcounts",
		"run1\tS1,S2\t150",
		"run2\tS1\t80",
	}, readLines(t, filepath.Join(out, artifact.CountsByRun)))
	assert.Equal(t, []string{
		"movie_name\tsample_id\tisoseq_primer\tkinnex_adapter\tcounts",
		"run1\tS1\tBC1\t\t100",
		"run1\tS2\tBC3\t\t50",
		"run2\tS1\tBC2\t\t80",
	}, readLines(t, filepath.Join(out, artifact.CountsByMovie)))
}

func TestScenarioB(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	out := filepath.Join(tempDir, "out")
	m := mapping(t, "BC1", "S1", "BC2", "S1", "BC3", "S2")
	rows := append(scenarioA(), Row{Barcode: "BC9", Run: "run3", Count: 10, Source: "run3.tsv"})
	res, err := Reconcile(ctx, Options{OutputDir: out}, rows, nil, m)
	require.NoError(t, err)
	assert.Equal(t, []Total{{"S1", 180}, {"S2", 50}}, res.BySample)
	assert.Equal(t, []Row{{Barcode: "BC9", Run: "run3", Count: 10, Source: "run3.tsv"}}, res.Unmapped)
	assert.Equal(t, int64(240), res.Raw)
	assert.Equal(t, int64(10), res.UnmappedCount())
	assert.Equal(t, []string{
		"movie_name\tbarcode\tcounts\tsource",
		"run3\tBC9\t10\trun3.tsv",
	}, readLines(t, filepath.Join(out, artifact.UnmappedCounts)))
	assert.False(t, exists(filepath.Join(out, artifact.SummaryHTML)))

	fatal := filepath.Join(tempDir, "fatal")
	_, err = Reconcile(ctx, Options{OutputDir: fatal, Unmapped: UnmappedFatal}, rows, nil, m)
	require.Error(t, err)
	assert.True(t, IsDataIntegrityError(err))
	assert.Contains(t, err.Error(), "run3/BC9")
	assert.False(t, exists(fatal))
}

// replicate writes a replicate BAM of n reads and returns its path.
func replicate(t *testing.T, dir, run string, bc Barcode, n int) ReplicateFile {
	adapter, primer := bc.Split()
	path := filepath.Join(dir, fmt.Sprintf("%s.%s.%s.refine.bam", run, adapter, primer))
	var recs []*sam.Record
	for i := 0; i < n; i++ {
		recs = append(recs, bamtest.NewRecord(fmt.Sprintf("%s/%d/ccs", run, i), "ACGTACGT", bamtest.NewAux("RG", run)))
	}
	bamtest.Write(t, path, bamtest.NewHeader(t, run), recs)
	return ReplicateFile{Run: run, Barcode: bc, Path: path}
}

func TestScenarioC(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	f1 := replicate(t, tempDir, "run1", "bcM0001.bc01", 3)
	f2 := replicate(t, tempDir, "run2", "bcM0001.bc01", 2)
	f3 := replicate(t, tempDir, "run1", "bcM0001.bc02", 4)
	rows := []Row{
		{Barcode: "bcM0001.bc01", Run: "run1", Count: 3},
		{Barcode: "bcM0001.bc01", Run: "run2", Count: 2},
		{Barcode: "bcM0001.bc02", Run: "run1", Count: 4},
	}
	m := mapping(t, "bcM0001.bc01", "S1", "bcM0001.bc02", "S2")
	out := filepath.Join(tempDir, "out")
	res, err := Reconcile(ctx, Options{OutputDir: out, MergePhysically: true, Parallelism: 2},
		rows, []ReplicateFile{f3, f2, f1}, m)
	require.NoError(t, err)
	require.Len(t, res.Outputs, 2)
	assert.Empty(t, res.Blocked)

	s1 := res.Outputs[0]
	assert.Equal(t, "S1", s1.Sample)
	assert.Equal(t, artifact.MergedBAM(out, "S1"), s1.Path)
	assert.Equal(t, []string{f1.Path, f2.Path}, s1.Stats.Sources)
	assert.Equal(t, int64(5), s1.Stats.Out)
	n, err := bammerge.Count(ctx, s1.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.False(t, exists(artifact.Temp(s1.Path)))

	s2 := res.Outputs[1]
	want, err := ioutil.ReadFile(f3.Path)
	require.NoError(t, err)
	got, err := ioutil.ReadFile(s2.Path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	entries, err := ioutil.ReadDir(filepath.Join(out, artifact.MergedSubdir))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"S1.merged.unaligned.bam", "S2.merged.unaligned.bam"}, names)
	for _, f := range []ReplicateFile{f1, f2, f3} {
		assert.True(t, exists(f.Path))
	}
}

func TestScenarioD(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	out := filepath.Join(tempDir, "out")
	rows := []Row{
		{Barcode: "BC1", Run: "run1", Count: 100, Source: "a.tsv"},
		{Barcode: "BC2", Run: "run1", Count: 10, Source: "a.tsv"},
		{Barcode: "BC1", Run: "run1", Count: 50, Source: "b.tsv"},
	}
	_, err := Reconcile(ctx, Options{OutputDir: out, MergePhysically: true}, rows, nil, mapping(t, "BC1", "S1", "BC2", "S2"))
	require.Error(t, err)
	assert.True(t, IsDataIntegrityError(err))
	assert.Contains(t, err.Error(), "counted twice")
	assert.False(t, exists(out))
}

func TestBlockedSample(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	f1 := replicate(t, tempDir, "run1", "bcM0001.bc01", 3)
	f3 := replicate(t, tempDir, "run1", "bcM0001.bc03", 1)
	rows := []Row{
		{Barcode: "bcM0001.bc01", Run: "run1", Count: 3},
		{Barcode: "bcM0001.bc01", Run: "run2", Count: 2},
		{Barcode: "bcM0001.bc02", Run: "run1", Count: 0},
		{Barcode: "bcM0001.bc03", Run: "run1", Count: 1},
		{Barcode: "bcM0001.bc04", Run: "run1", Count: 6},
	}
	absent := ReplicateFile{Run: "run1", Barcode: "bcM0001.bc04", Path: filepath.Join(tempDir, "gone.refine.bam")}
	m := mapping(t, "bcM0001.bc01", "S1", "bcM0001.bc02", "S2", "bcM0001.bc03", "S2", "bcM0001.bc04", "S3")
	out := filepath.Join(tempDir, "out")
	res, err := Reconcile(ctx, Options{OutputDir: out, MergePhysically: true}, rows, []ReplicateFile{f1, f3, absent}, m)
	require.Error(t, err)
	assert.True(t, IsDataIntegrityError(err))
	assert.Contains(t, err.Error(), "S1, S3")
	require.NotNil(t, res)

	require.Len(t, res.Blocked, 2)
	assert.Equal(t, "S1", res.Blocked[0].Sample)
	assert.Contains(t, res.Blocked[0].Reason, "run2/bcM0001.bc01")
	assert.Contains(t, res.Blocked[1].Reason, "gone.refine.bam")
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, "S2", res.Outputs[0].Sample)
	assert.False(t, exists(artifact.MergedBAM(out, "S1")))
	assert.False(t, exists(artifact.MergedBAM(out, "S3")))
	assert.True(t, exists(filepath.Join(out, artifact.CountsBySample)))
}

func TestOrphanReplicates(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	f1 := replicate(t, tempDir, "run1", "bcM0001.bc01", 1)
	orphan := replicate(t, tempDir, "run2", "bcM0001.bc02", 2)
	rows := []Row{{Barcode: "bcM0001.bc01", Run: "run1", Count: 1}}
	m := mapping(t, "bcM0001.bc01", "S1", "bcM0001.bc02", "S1")

	out := filepath.Join(tempDir, "out")
	res, err := Reconcile(ctx, Options{OutputDir: out, MergePhysically: true}, rows, []ReplicateFile{orphan, f1}, m)
	require.NoError(t, err)
	assert.Equal(t, []ReplicateFile{orphan}, res.Orphans)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, int64(1), res.Outputs[0].Stats.Out)

	fatal := filepath.Join(tempDir, "fatal")
	_, err = Reconcile(ctx, Options{OutputDir: fatal, MergePhysically: true, Unmapped: UnmappedFatal},
		rows, []ReplicateFile{orphan, f1}, m)
	assert.True(t, IsDataIntegrityError(err), "%v", err)
	assert.Contains(t, err.Error(), orphan.Path)
	assert.False(t, exists(fatal))
}

func TestIncompleteKeys(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	rows := []Row{
		{Barcode: "bcM0001.bc01", Run: "run1", Count: 3},
		{Barcode: "bcM0001.bc02", Run: "run1", Count: 2},
	}
	m := mapping(t, "bcM0001.bc01", "S1", "bcM0001.bc02", "S2", "bcM0001.bc03", "S1", "bcM0001.bc04", "S3")
	incomplete := []Key{
		{"bcM0001.bc04", "run2"},
		{"bcM0001.bc03", "run2"},
		{"bcM0009.bc01", "run2"},
	}

	out := filepath.Join(tempDir, "counts")
	res, err := Reconcile(ctx, Options{OutputDir: out, Incomplete: incomplete}, rows, nil, m)
	assert.True(t, IsDataIntegrityError(err), "%v", err)
	assert.Contains(t, err.Error(), "S1, S3")
	require.NotNil(t, res)
	assert.Equal(t, []Total{{"S1", 3}, {"S2", 2}}, res.BySample)
	assert.True(t, exists(filepath.Join(out, artifact.CountsBySample)))
	g := res.Group("S3")
	require.NotNil(t, g)
	assert.Equal(t, []Key{{"bcM0001.bc04", "run2"}}, g.Incomplete)
	assert.Empty(t, res.Group("S2").Incomplete)

	f1 := replicate(t, tempDir, "run1", "bcM0001.bc01", 3)
	f2 := replicate(t, tempDir, "run1", "bcM0001.bc02", 2)
	out = filepath.Join(tempDir, "merged")
	res, err = Reconcile(ctx, Options{OutputDir: out, MergePhysically: true, Incomplete: incomplete, AllowBlocked: true},
		rows, []ReplicateFile{f1, f2}, m)
	require.NoError(t, err)
	require.Len(t, res.Blocked, 2)
	assert.Equal(t, "S1", res.Blocked[0].Sample)
	assert.Contains(t, res.Blocked[0].Reason, "run2/bcM0001.bc03")
	assert.Equal(t, "S3", res.Blocked[1].Sample)
	require.Len(t, res.Outputs, 1)
	assert.Equal(t, "S2", res.Outputs[0].Sample)
	assert.False(t, exists(artifact.MergedBAM(out, "S1")))
}

// fakeMerger records calls and fails for the samples in fail.
type fakeMerger struct {
	mu     sync.Mutex
	merges map[string][]string
	fail   map[string]bool
}

func (f *fakeMerger) record(dst string, srcs []string) (bammerge.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.merges == nil {
		f.merges = make(map[string][]string)
	}
	f.merges[filepath.Base(dst)] = srcs
	if f.fail[filepath.Base(dst)] {
		return bammerge.Stats{}, errors.E(errors.Integrity, "read count mismatch")
	}
	return bammerge.Stats{Sources: srcs, In: make([]int64, len(srcs)), Out: 0}, nil
}

func (f *fakeMerger) Merge(ctx context.Context, dst string, srcs []string) (bammerge.Stats, error) {
	return f.record(dst, srcs)
}

func (f *fakeMerger) Copy(ctx context.Context, dst, src string) (bammerge.Stats, error) {
	return f.record(dst, []string{"copy:" + src})
}

func TestMergeDispatch(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	var (
		rows  []Row
		files []ReplicateFile
		pairs []string
	)
	for s := 0; s < 8; s++ {
		bc := PairBarcode("bcM0001", fmt.Sprintf("bc%02d", s))
		pairs = append(pairs, string(bc), fmt.Sprintf("S%d", s))
		for r := 0; r <= s%3; r++ {
			run := fmt.Sprintf("m%d", r)
			path := filepath.Join(tempDir, fmt.Sprintf("%s.%s.refine.bam", run, bc))
			writeTestFile(t, path, "")
			rows = append(rows, Row{Barcode: bc, Run: run, Count: 1})
			files = append(files, ReplicateFile{Run: run, Barcode: bc, Path: path})
		}
	}
	merger := &fakeMerger{fail: map[string]bool{"S4.merged.unaligned.bam": true}}
	res, err := Reconcile(ctx, Options{OutputDir: filepath.Join(tempDir, "out"), MergePhysically: true, Parallelism: 3, Merger: merger},
		rows, files, mapping(t, pairs...))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sample S4")
	assert.Len(t, merger.merges, 8)
	assert.Len(t, res.Outputs, 7)
	assert.Len(t, merger.merges["S0.merged.unaligned.bam"], 1)
	assert.True(t, strings.HasPrefix(merger.merges["S0.merged.unaligned.bam"][0], "copy:"))
	assert.Len(t, merger.merges["S2.merged.unaligned.bam"], 3)
	assert.True(t, sort.StringsAreSorted(merger.merges["S2.merged.unaligned.bam"]))
}

func TestJoinCompleteness(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	rnd := rand.New(rand.NewSource(1))
	var pairs []string
	for i := 0; i < 20; i++ {
		pairs = append(pairs, fmt.Sprintf("BC%d", i), fmt.Sprintf("S%d", rnd.Intn(6)))
	}
	m := mapping(t, pairs...)
	for trial := 0; trial < 10; trial++ {
		var (
			rows []Row
			raw  int64
		)
		for run := 0; run < 4; run++ {
			for bc := 0; bc < 30; bc++ {
				if rnd.Intn(3) == 0 {
					continue
				}
				n := int64(rnd.Intn(1000))
				raw += n
				rows = append(rows, Row{Barcode: Barcode(fmt.Sprintf("BC%d", bc)), Run: fmt.Sprintf("r%d", run), Count: n})
			}
		}
		out := filepath.Join(tempDir, fmt.Sprintf("out%d", trial))
		res, err := Reconcile(ctx, Options{OutputDir: out}, rows, nil, m)
		require.NoError(t, err)
		var bySample int64
		for _, s := range res.BySample {
			bySample += s.Count
		}
		assert.Equal(t, raw, bySample+res.UnmappedCount())
		assert.Equal(t, raw, res.Raw)
		assert.NoError(t, res.Check())
	}
}

func TestCheck(t *testing.T) {
	res := &Result{
		BySample: []Total{{"S1", 10}},
		ByRun:    []Total{{"r1", 9}},
		Raw:      10,
	}
	assert.True(t, IsDataIntegrityError(res.Check()))
}

func TestParsePolicy(t *testing.T) {
	for s, want := range map[string]Policy{"": UnmappedReport, "report": UnmappedReport, "FATAL": UnmappedFatal} {
		p, err := ParsePolicy(s)
		require.NoError(t, err)
		assert.Equal(t, want, p)
	}
	_, err := ParsePolicy("drop")
	assert.True(t, errors.Is(errors.Invalid, err))
	assert.Equal(t, "fatal", UnmappedFatal.String())
}
