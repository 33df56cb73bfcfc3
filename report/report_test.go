package report

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func summary() Summary {
	return Summary{
		Title:    "Readcounts by sample",
		Raw:      240,
		BySample: []Total{{"S1", 180}, {"S2", 50}},
		ByRun:    []Total{{"run1", 150}, {"run2", 80}},
		Rows: []Row{
			{Run: "run1", Sample: "S1", Barcode: "BC1", Count: 100},
			{Run: "run1", Sample: "S2", Barcode: "BC3", Count: 50},
			{Run: "run2", Sample: "S1", Barcode: "BC2", Count: 80},
		},
		Unmapped: []Row{{Run: "run3", Barcode: "BC9", Count: 10}},
		Merged:   []Merged{{Sample: "S1", Path: "/out/merge/S1.merged.unaligned.bam", Sources: 2, Reads: 180}},
		Blocked:  []Blocked{{Sample: "S2", Reason: "missing replicate"}},
	}
}

func TestWriteHTML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHTML(&buf, summary()))
	html := buf.String()
	for _, want := range []string{"Readcounts by sample", "S1", "run2", "Unmapped reads by run", "run3"} {
		assert.Contains(t, html, want)
	}

	buf.Reset()
	s := summary()
	s.Unmapped = nil
	require.NoError(t, WriteHTML(&buf, s))
	assert.NotContains(t, buf.String(), "Unmapped reads by run")
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, summary()))

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer f.Close() // nolint: errcheck
	assert.Equal(t, []string{SheetBySample, SheetByRun, SheetByMovie, SheetUnmapped, SheetMerged}, f.GetSheetList())

	rows, err := f.GetRows(SheetBySample)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"sample_id", "counts"}, {"S1", "180"}, {"S2", "50"}}, rows)

	rows, err = f.GetRows(SheetUnmapped)
	require.NoError(t, err)
	assert.Equal(t, []string{"run3", "BC9", "10"}, rows[1])

	rows, err = f.GetRows(SheetMerged)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "missing replicate", rows[2][4])
}
