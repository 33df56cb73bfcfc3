package report

import (
	"io"

	"github.com/grailbio/base/errors"
	"github.com/xuri/excelize/v2"
)

// Sheet names of the workbook.
const (
	SheetBySample = "by_sample"
	SheetByRun    = "by_run"
	SheetByMovie  = "by_movie"
	SheetUnmapped = "unmapped"
	SheetMerged   = "merged"
)

type sheet struct {
	name   string
	header []interface{}
	rows   [][]interface{}
}

func (s Summary) sheets() []sheet {
	bySample := sheet{name: SheetBySample, header: []interface{}{"sample_id", "counts"}}
	for _, t := range s.BySample {
		bySample.rows = append(bySample.rows, []interface{}{t.Name, t.Count})
	}
	byRun := sheet{name: SheetByRun, header: []interface{}{"movie_name", "counts"}}
	for _, t := range s.ByRun {
		byRun.rows = append(byRun.rows, []interface{}{t.Name, t.Count})
	}
	byMovie := sheet{name: SheetByMovie, header: []interface{}{"movie_name", "sample_id", "barcode", "counts"}}
	for _, r := range s.Rows {
		byMovie.rows = append(byMovie.rows, []interface{}{r.Run, r.Sample, r.Barcode, r.Count})
	}
	unmapped := sheet{name: SheetUnmapped, header: []interface{}{"movie_name", "barcode", "counts"}}
	for _, r := range s.Unmapped {
		unmapped.rows = append(unmapped.rows, []interface{}{r.Run, r.Barcode, r.Count})
	}
	merged := sheet{name: SheetMerged, header: []interface{}{"sample_id", "bam", "replicates", "reads", "blocked"}}
	for _, m := range s.Merged {
		merged.rows = append(merged.rows, []interface{}{m.Sample, m.Path, m.Sources, m.Reads, ""})
	}
	for _, b := range s.Blocked {
		merged.rows = append(merged.rows, []interface{}{b.Sample, "", 0, 0, b.Reason})
	}
	return []sheet{bySample, byRun, byMovie, unmapped, merged}
}

// WriteXLSX writes s as a workbook with one sheet per table.
func WriteXLSX(w io.Writer, s Summary) error {
	f := excelize.NewFile()
	defer f.Close() // nolint: errcheck
	for i, sh := range s.sheets() {
		if i == 0 {
			if err := f.SetSheetName(f.GetSheetName(0), sh.name); err != nil {
				return errors.E(err, "sheet", sh.name)
			}
		} else if _, err := f.NewSheet(sh.name); err != nil {
			return errors.E(err, "sheet", sh.name)
		}
		if err := setRow(f, sh.name, 1, sh.header); err != nil {
			return err
		}
		for j, row := range sh.rows {
			if err := setRow(f, sh.name, j+2, row); err != nil {
				return err
			}
		}
	}
	f.SetActiveSheet(0)
	if _, err := f.WriteTo(w); err != nil {
		return errors.E(err, "write workbook")
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return errors.E(err, sheet)
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return errors.E(err, sheet, cell)
	}
	return nil
}
