package barcode

import (
	"bytes"
	"context"
	"io/ioutil"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/antzucaro/matchr"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/masseq/internal/bamtest"
	"github.com/grailbio/masseq/qcplot"
	"github.com/grailbio/testutil"
	gzip "github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReverseComplement(t *testing.T) {
	assert.Equal(t, "ACGTN", ReverseComplement("NACGT"))
	assert.Equal(t, "NNA", ReverseComplement("TX."))
	assert.Equal(t, "", ReverseComplement(""))
}

func TestReadList(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	data := "AAACCCAAGAAACACT-1\n\naaacccaagaaacact\n  AAACCCAAGAAACCAT \n"
	plain := filepath.Join(tempDir, "barcodes.tsv")
	require.NoError(t, ioutil.WriteFile(plain, []byte(data), 0644))
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	zipped := filepath.Join(tempDir, "barcodes.tsv.gz")
	require.NoError(t, ioutil.WriteFile(zipped, buf.Bytes(), 0644))

	for _, path := range []string{plain, zipped} {
		list, err := ReadList(ctx, path)
		require.NoError(t, err, path)
		assert.Equal(t, []string{"AAACCCAAGAAACACT", "AAACCCAAGAAACCAT"}, list)
	}

	bad := filepath.Join(tempDir, "bad.txt")
	require.NoError(t, ioutil.WriteFile(bad, []byte("ACGT\nAC#T\n"), 0644))
	_, err = ReadList(ctx, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")

	require.NoError(t, ioutil.WriteFile(bad, []byte("\n\n"), 0644))
	_, err = ReadList(ctx, bad)
	assert.Error(t, err)
}

func TestSnapper(t *testing.T) {
	s, err := NewSnapper([]string{"AAAAAAAA", "CCCCCCCC", "AAAAAAAT"}, 1)
	require.NoError(t, err)
	tests := []struct {
		bc    string
		want  Match
		found bool
	}{
		{"AAAAAAAA", Match{Barcode: "AAAAAAAA"}, true},
		{"GGGGGGGG", Match{Barcode: "CCCCCCCC", Reversed: true}, true},
		{"CCCCCCCA", Match{Barcode: "CCCCCCCC", Edits: 1}, true},
		{"CCCCCCC", Match{Barcode: "CCCCCCCC", Edits: 1}, true},
		{"CCCCACCCC", Match{Barcode: "CCCCCCCC", Edits: 1}, true},
		// One edit from both AAAAAAAA and AAAAAAAT.
		{"AAAAAAAG", Match{}, false},
		{"CCCCAACC", Match{}, false},
		// Snaps after reverse complementing: TTTTTTTA -> TAAAAAAA.
		{"TTTTTTTA", Match{Barcode: "AAAAAAAA", Edits: 1, Reversed: true}, true},
	}
	for _, test := range tests {
		m, ok := s.Resolve(test.bc)
		assert.Equal(t, test.found, ok, test.bc)
		assert.Equal(t, test.want, m, test.bc)
	}

	exact, err := NewSnapper([]string{"AAAAAAAA"}, 0)
	require.NoError(t, err)
	_, ok := exact.Resolve("AAAAAAAC")
	assert.False(t, ok)

	_, err = NewSnapper([]string{"ACGT"}, -1)
	assert.Error(t, err)
	_, err = NewSnapper([]string{"ACXT"}, 1)
	assert.Error(t, err)
}

func randomBarcode(r *rand.Rand, n int) string {
	const bases = "ACGT"
	b := make([]byte, n)
	for i := range b {
		b[i] = bases[r.Intn(4)]
	}
	return string(b)
}

// mutate applies n random substitutions, insertions or deletions to bc.
func mutate(r *rand.Rand, bc string, n int) string {
	b := []byte(bc)
	for i := 0; i < n; i++ {
		pos := r.Intn(len(b))
		switch r.Intn(3) {
		case 0:
			b[pos] = "ACGT"[r.Intn(4)]
		case 1:
			b = append(b[:pos], append([]byte{"ACGT"[r.Intn(4)]}, b[pos:]...)...)
		default:
			if len(b) > 1 {
				b = append(b[:pos], b[pos+1:]...)
			}
		}
	}
	return string(b)
}

// TestSnapExhaustive checks the indexed snap against a scan of the whole
// list.
func TestSnapExhaustive(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	var (
		list []string
		seen = make(map[string]bool)
	)
	for len(list) < 300 {
		if bc := randomBarcode(r, 10); !seen[bc] {
			seen[bc] = true
			list = append(list, bc)
		}
	}
	for _, maxEdits := range []int{1, 2, 3} {
		s, err := NewSnapper(list, maxEdits)
		require.NoError(t, err)
		for i := 0; i < 500; i++ {
			q := mutate(r, list[r.Intn(len(list))], r.Intn(maxEdits+2))
			best, bestBC, n := maxEdits+1, "", 0
			for _, bc := range list {
				switch d := matchr.Levenshtein(q, bc); {
				case d > maxEdits:
				case d < best:
					best, bestBC, n = d, bc, 1
				case d == best:
					n++
				}
			}
			known, edits, ok := s.Snap(q)
			if n != 1 {
				assert.False(t, ok, "%s: maxEdits %d", q, maxEdits)
				continue
			}
			if assert.True(t, ok, "%s: maxEdits %d", q, maxEdits) {
				assert.Equal(t, bestBC, known, q)
				assert.Equal(t, best, edits, q)
			}
		}
	}
}

func TestFilter(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	const (
		bc1 = "AAACCCAAGAAACACT"
		bc2 = "TTTGGGCCCAAATTTG"
	)
	cb := func(v string) sam.Aux { return bamtest.NewAux("CB", v) }
	in := filepath.Join(tempDir, "in.bam")
	bamtest.Write(t, in, bamtest.NewHeader(t, "m1"), []*sam.Record{
		bamtest.NewRecord("r1", "ACGT", cb(bc1)),
		bamtest.NewRecord("r2", "ACGT", cb(bc1)),
		bamtest.NewRecord("r3", "ACGT", cb(ReverseComplement(bc2))),
		bamtest.NewRecord("r4", "ACGT", cb("AAACCCAAGAAACACA")),
		bamtest.NewRecord("r5", "ACGT"),
		bamtest.NewRecord("r6", "ACGT", cb("GATTACAGATTACAGA")),
		bamtest.NewRecord("r7", "ACGT", cb(strings.ToLower(bc2))),
	})
	out := filepath.Join(tempDir, "out.bam")
	stats, err := Filter(ctx, Opts{
		Input:    in,
		Output:   out,
		Barcodes: []string{bc1, bc2, "CCCCCCCCCCCCCCCC"},
		MaxEdits: 1,
		SampleID: "S1",
		ListName: "sr_barcodes.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), stats.Total)
	assert.Equal(t, int64(5), stats.Retained)
	assert.Equal(t, int64(1), stats.NoTag)
	assert.Equal(t, int64(1), stats.Reversed)
	assert.Equal(t, int64(1), stats.Snapped)
	assert.Equal(t, []qcplot.BarcodeCount{{Barcode: bc1, Count: 3}, {Barcode: bc2, Count: 2}}, stats.Counts)
	assert.Equal(t, 2.5, stats.Mean())
	assert.Equal(t, 2.5, stats.Median())

	_, recs := bamtest.Read(t, out)
	assert.Equal(t, []string{"r1", "r2", "r3", "r4", "r7"}, bamtest.Names(recs))

	counts, err := ioutil.ReadFile(CountsPath(out))
	require.NoError(t, err)
	assert.Equal(t, "Barcode\tReadCount\n"+bc1+"\t3\n"+bc2+"\t2\n", string(counts))

	plot, err := ioutil.ReadFile(PlotPath(out))
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), plot[:4])

	report, err := ioutil.ReadFile(ReportPath(out))
	require.NoError(t, err)
	for _, want := range []string{
		"Report for Sample: S1\n",
		"Barcode file: sr_barcodes.txt\n",
		"Reads retained: 5\n",
		"Fraction retained: 0.7143\n",
		"Barcodes in list: 3\n",
		"Barcodes found in BAM: 2\n",
		"Barcode with most reads: " + bc1 + " (3 reads)\n",
		"Barcode with fewest reads: " + bc2 + " (2 reads)\n",
	} {
		assert.Contains(t, string(report), want)
	}
}

func TestFilterNothingRetained(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	in := filepath.Join(tempDir, "in.bam")
	bamtest.Write(t, in, bamtest.NewHeader(t, "m1"), []*sam.Record{bamtest.NewRecord("r1", "ACGT")})
	out := filepath.Join(tempDir, "out.bam")
	stats, err := Filter(ctx, Opts{Input: in, Output: out, Barcodes: []string{"ACGTACGT"}})
	require.NoError(t, err)
	assert.Equal(t, 0.0, stats.Fraction())
	report, err := ioutil.ReadFile(ReportPath(out))
	require.NoError(t, err)
	assert.Contains(t, string(report), "Barcode with most reads: NA (0 reads)")
	assert.NotContains(t, string(report), "Plot saved as")
}
