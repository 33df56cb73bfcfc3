package saturation

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/masseq/internal/bamtest"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountUMIs(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	tags := func(cb, xm string) []sam.Aux {
		return []sam.Aux{bamtest.NewAux("CB", cb), bamtest.NewAux("XM", xm)}
	}
	path := filepath.Join(tempDir, "corrected.bam")
	bamtest.Write(t, path, bamtest.NewHeader(t, "m1"), []*sam.Record{
		bamtest.NewRecord("r1", "ACGT", tags("CELLB", "UMI1")...),
		bamtest.NewRecord("r2", "ACGT", tags("CELLA", "UMI2")...),
		bamtest.NewRecord("r3", "ACGT", tags("CELLB", "UMI1")...),
		bamtest.NewRecord("r4", "ACGT", bamtest.NewAux("CB", "CELLA")),
		bamtest.NewRecord("r5", "ACGT", tags("CELLB", "UMI3")...),
		bamtest.NewRecord("r6", "ACGT"),
	})
	counts, err := CountUMIs(ctx, path, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts.Reads)
	assert.Equal(t, int64(2), counts.Skipped)
	require.Len(t, counts.Cells, 2)
	b := counts.Cell("CELLB")
	assert.Equal(t, "CELLB", counts.Cells[0].Barcode)
	assert.Equal(t, []string{"UMI1", "UMI3"}, b.UMIs)
	assert.Equal(t, []int64{2, 1}, b.Reads)
	assert.Equal(t, int64(3), b.Total())
	assert.Equal(t, 2, b.Unique())
	assert.Nil(t, counts.Cell("CELLC"))

	tsv := filepath.Join(tempDir, "umis.tsv")
	require.NoError(t, WriteUMICounts(ctx, tsv, counts))
	data, err := ioutil.ReadFile(tsv)
	require.NoError(t, err)
	assert.Equal(t, "cell_barcode\tUMI\tCount\nCELLB\tUMI1\t2\nCELLB\tUMI3\t1\nCELLA\tUMI2\t1\n", string(data))

	_, err = CountUMIs(ctx, path, "CBX", "")
	assert.Error(t, err)
}

func add(c *Counts, cell string, umis ...string) {
	for _, u := range umis {
		c.Add(cell, u)
	}
}

func TestCompute(t *testing.T) {
	counts := NewCounts()
	add(counts, "A", "u1", "u1", "u2", "u2", "u3", "u3", "u4", "u4", "u5", "u5")
	add(counts, "B", "u1", "u2", "u3", "u4")
	add(counts, "C", "u1", "u1", "u2", "u2", "u3", "u3")
	add(counts, "D", strings.Split(strings.Repeat("u,", 20)[:39], ",")...)

	s := Compute(counts, map[string]bool{"A": true, "B": true, "C": true}, 10)
	require.Len(t, s.Cells, 3)
	assert.Equal(t, CellSaturation{Barcode: "B", Reads: 4, UMIs: 4}, s.Cells[1])
	assert.Equal(t, 0.5, s.Cells[0].Saturation)
	assert.True(t, s.Cells[0].Molecules > 5, "%d", s.Cells[0].Molecules)
	assert.Equal(t, int64(40), s.TotalReads)
	assert.Equal(t, int64(20), s.CellReads)
	assert.InDelta(t, 20.0/3, s.MeanReads, 1e-9)
	assert.InDelta(t, 1.0/3, s.MeanSaturation, 1e-9)
	assert.InDelta(t, 0.4, s.GlobalSaturation, 1e-9)
	assert.Equal(t, 0.5, s.Fraction)
	assert.InDelta(t, 10-20.0/3, s.ExtraPerCell, 1e-9)
	assert.InDelta(t, 10, s.ExtraCells, 1e-9)
	assert.InDelta(t, 20, s.ExtraTotal, 1e-9)

	// Deep enough already.
	s = Compute(counts, map[string]bool{"A": true}, 5)
	assert.Equal(t, 0.0, s.ExtraPerCell)
	assert.Equal(t, 0.0, s.ExtraTotal)
	assert.Nil(t, s.Fit)

	s = Compute(counts, nil, 0)
	assert.Empty(t, s.Cells)
	assert.Equal(t, DefaultTargetReads, s.TargetReads)
	assert.Equal(t, 0.0, s.Fraction)
}

func TestFitMichaelisMenten(t *testing.T) {
	const vmax, km = 0.9, 2000.0
	var x, y []float64
	for r := 500.0; r <= 20000; r += 500 {
		x = append(x, r)
		y = append(y, vmax*r/(km+r))
	}
	f, err := FitMichaelisMenten(x, y)
	require.NoError(t, err)
	assert.InDelta(t, vmax, f.Vmax, 1e-3)
	assert.InDelta(t, km, f.Km, 20)
	assert.InDelta(t, 1, f.R2, 1e-4)
	assert.InDelta(t, f.Vmax/2, f.Eval(f.Km), 1e-12)
	knee, ok := f.Knee()
	require.True(t, ok)
	assert.InDelta(t, 9*km, knee, 200)

	f.MaxX = 10000
	_, ok = f.Knee()
	assert.False(t, ok)

	_, err = FitMichaelisMenten(x[:2], y[:2])
	assert.Error(t, err)
	_, err = FitMichaelisMenten(x, y[:3])
	assert.Error(t, err)
}

func TestEstimateMolecules(t *testing.T) {
	n, err := estimateMolecules(1000000, 800000)
	require.NoError(t, err)
	assert.InEpsilon(t, 2154184, n, 1e-10)

	_, err = estimateMolecules(10, 10)
	assert.Error(t, err)
	_, err = estimateMolecules(0, 0)
	assert.Error(t, err)
}

func TestSummaryFiles(t *testing.T) {
	ctx := context.Background()
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup)

	bcstats := filepath.Join(tempDir, "bcstats.tsv")
	require.NoError(t, ioutil.WriteFile(bcstats, []byte(
		"#BarcodeSequence\tNumberOfReads\tRank\tNumberOfUMIs\tRealCell\n"+
			"A\t10\t0\t5\tcell\n"+
			"C\t6\t1\t3\tcell\n"+
			"B\t4\t2\t4\tcell\n"+
			"D\t20\t3\t1\tnon-cell\n"), 0644))
	cells, err := ReadRealCells(ctx, bcstats)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"A": true, "B": true, "C": true}, cells)

	counts := NewCounts()
	for i, cell := range []string{"A", "B", "C"} {
		for r := 0; r < 1000*(i+1); r++ {
			counts.Add(cell, string(rune('a'+r%(300*(i+1)))))
		}
	}
	s := Compute(counts, cells, 0)
	summary := filepath.Join(tempDir, "saturation.txt")
	require.NoError(t, s.WriteSummary(ctx, summary))
	data, err := ioutil.ReadFile(summary)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Real cells: 3\n")
	assert.Contains(t, string(data), "Mean reads per cell: 2000.0\n")
	assert.Contains(t, string(data), "Extra reads needed per real cell for 10000: 8000\n")

	png := filepath.Join(tempDir, "saturation.png")
	require.NoError(t, s.Plot(ctx, png))
	data, err = ioutil.ReadFile(png)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), data[:4])
}
