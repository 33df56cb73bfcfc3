package reconcile

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
)

// Row is one CountReport row: the reads of one barcode in one run.
type Row struct {
	Barcode Barcode
	Run     string
	Count   int64
	// Source is the file the row was read from, for error messages.
	Source string
}

const limaCountsSuffix = ".lima.counts"

var primerRE = regexp.MustCompile(`^(bc\d+)`)

// ParseLimaCountsName parses the base name of a lima counts report,
// "<movie>.<adapter>[.<more>].lima.lima.counts", or any name ending in
// ".lima.counts" whose first two dot separated fields are the movie and the
// Kinnex adapter.
func ParseLimaCountsName(name string) (movie, adapter string, ok bool) {
	name = filepath.Base(name)
	if !strings.HasSuffix(name, limaCountsSuffix) {
		return "", "", false
	}
	id := strings.TrimSuffix(strings.TrimSuffix(name, limaCountsSuffix), ".lima")
	parts := strings.Split(id, ".")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// limaCountsRow is a row of a lima counts report. Columns after Counts are
// ignored.
type limaCountsRow struct {
	IdxFirst         string
	IdxCombined      string
	IdxFirstNamed    string
	IdxCombinedNamed string
	Counts           int64
}

// ReadLimaCounts reads a lima counts report of the IsoSeq primer
// demultiplexing of one Kinnex adapter. The run and the adapter come from
// the file name; the primer is the leading "bcNN" of IdxFirstNamed.
func ReadLimaCounts(ctx context.Context, path string) ([]Row, error) {
	movie, adapter, ok := ParseLimaCountsName(path)
	if !ok {
		return nil, errors.E(errors.Invalid, "lima counts name is not <movie>.<adapter>.lima.lima.counts:", path)
	}
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	defer in.Close(ctx) // nolint: errcheck

	r := tsv.NewReader(in.Reader(ctx))
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	var rows []Row
	for line := 2; ; line++ {
		var row limaCountsRow
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Integrity, err, fmt.Sprintf("%s:%d", path, line))
		}
		m := primerRE.FindStringSubmatch(row.IdxFirstNamed)
		if m == nil {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("%s:%d: IdxFirstNamed %q has no bcNN primer", path, line, row.IdxFirstNamed))
		}
		if row.Counts < 0 {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("%s:%d: negative count %d", path, line, row.Counts))
		}
		rows = append(rows, Row{Barcode: PairBarcode(adapter, m[1]), Run: movie, Count: row.Counts, Source: path})
	}
	log.Debug.Printf("%s: %d rows", path, len(rows))
	return rows, nil
}

// countTableRow is a row of a generic count table.
type countTableRow struct {
	Barcode string `tsv:"barcode"`
	Run     string `tsv:"run"`
	Count   int64  `tsv:"count"`
}

// ReadCountTable reads a generic count report: a TSV file with the header
// "barcode run count".
func ReadCountTable(ctx context.Context, path string) ([]Row, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	defer in.Close(ctx) // nolint: errcheck

	r := tsv.NewReader(in.Reader(ctx))
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	r.Comment = '#'
	var rows []Row
	for line := 2; ; line++ {
		var row countTableRow
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Integrity, err, fmt.Sprintf("%s:%d", path, line))
		}
		if row.Barcode == "" || row.Run == "" || row.Count < 0 {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("%s:%d: malformed row %+v", path, line, row))
		}
		rows = append(rows, Row{Barcode: Barcode(row.Barcode), Run: row.Run, Count: row.Count, Source: path})
	}
	return rows, nil
}

// ReadCountReports reads every report in paths. Files ending in
// ".lima.counts" are read with ReadLimaCounts, others with ReadCountTable.
func ReadCountReports(ctx context.Context, paths []string) ([]Row, error) {
	var rows []Row
	for _, p := range paths {
		var (
			r   []Row
			err error
		)
		if strings.HasSuffix(p, limaCountsSuffix) {
			r, err = ReadLimaCounts(ctx, p)
		} else {
			r, err = ReadCountTable(ctx, p)
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, r...)
	}
	return rows, nil
}

// FindLimaCounts lists the lima counts reports directly under dir, sorted.
func FindLimaCounts(ctx context.Context, dir string) ([]string, error) {
	return list(ctx, dir, func(p string) bool {
		_, _, ok := ParseLimaCountsName(p)
		return ok
	})
}

func list(ctx context.Context, dir string, match func(string) bool) ([]string, error) {
	var paths []string
	lister := file.List(ctx, dir, false)
	for lister.Scan() {
		if !match(lister.Path()) {
			continue
		}
		paths = append(paths, lister.Path())
	}
	if err := lister.Err(); err != nil {
		return nil, errors.E(err, "list", dir)
	}
	sort.Strings(paths)
	return paths, nil
}
