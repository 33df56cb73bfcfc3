// Package barcode filters single-cell long reads by the cell barcodes called
// in a matching short-read library. Barcodes of the long reads are matched
// to the short-read list directly, as reverse complements, or by snapping to
// the unique closest listed barcode.
package barcode

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	gzip "github.com/klauspost/pgzip"
)

var complement = [256]byte{'A': 'T', 'C': 'G', 'G': 'C', 'T': 'A', 'N': 'N'}

// ReverseComplement returns the reverse complement of the barcode s. Bases
// other than ACGT become N.
func ReverseComplement(s string) string {
	rc := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := complement[s[len(s)-1-i]]
		if c == 0 {
			c = 'N'
		}
		rc[i] = c
	}
	return string(rc)
}

// ReadList reads a barcode list, one barcode per line, from path. A ".gz"
// file is decompressed. Blank lines are skipped, barcodes are upper-cased,
// the "-1" style GEM well suffix of short-read callers is removed and
// repeated barcodes are kept once, in order of first appearance.
func ReadList(ctx context.Context, path string) (list []string, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open barcode list", path)
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil && cerr != nil {
			err = errors.E(cerr, "close", path)
		}
	}()
	var r io.Reader = f.Reader(ctx)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.E(err, "gunzip", path)
		}
		defer gz.Close() // nolint: errcheck
		r = gz
	}
	list, err = parseList(r)
	if err != nil {
		return nil, errors.E(err, path)
	}
	return list, nil
}

func parseList(r io.Reader) ([]string, error) {
	var (
		list []string
		seen = make(map[string]bool)
		sc   = bufio.NewScanner(r)
		line int
	)
	for sc.Scan() {
		line++
		bc := strings.ToUpper(strings.TrimSpace(sc.Text()))
		if bc == "" {
			continue
		}
		if i := strings.IndexByte(bc, '-'); i > 0 {
			bc = bc[:i]
		}
		if err := validate(bc); err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("line %d: %v", line, err))
		}
		if !seen[bc] {
			seen[bc] = true
			list = append(list, bc)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, errors.E(errors.Invalid, "no barcodes")
	}
	return list, nil
}

func validate(bc string) error {
	for i := 0; i < len(bc); i++ {
		if complement[bc[i]] == 0 {
			return fmt.Errorf("invalid base %c in barcode %s", bc[i], bc)
		}
	}
	return nil
}
