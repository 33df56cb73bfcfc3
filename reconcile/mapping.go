package reconcile

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// Barcode is a barcode label exactly as it appears in count reports. It is
// case sensitive and never normalized.
type Barcode string

// PairBarcode is the barcode of a read demultiplexed twice, first by Kinnex
// adapter and then by IsoSeq primer.
func PairBarcode(adapter, primer string) Barcode {
	return Barcode(adapter + "." + primer)
}

// Split returns the adapter and primer of a PairBarcode. For a plain
// barcode, adapter is empty.
func (b Barcode) Split() (adapter, primer string) {
	if i := strings.IndexByte(string(b), '.'); i >= 0 {
		return string(b[:i]), string(b[i+1:])
	}
	return "", string(b)
}

// MappingEntry maps one barcode to a sample.
type MappingEntry struct {
	Sample  string
	Barcode Barcode
	// Line is the 1-based line of the entry in its file, or 0.
	Line int
}

// Mapping is the barcode to sample mapping of a reconciliation run. It is
// immutable once built and safe for concurrent use.
type Mapping struct {
	entries   []MappingEntry
	byBarcode map[Barcode]string
	samples   []string
}

// NewMapping builds a Mapping. A barcode mapped to two different samples is
// an errors.Invalid error; a sample may own many barcodes.
func NewMapping(entries []MappingEntry) (*Mapping, error) {
	m := &Mapping{byBarcode: make(map[Barcode]string, len(entries))}
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.Sample == "" || e.Barcode == "" {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("mapping line %d: empty sample or barcode", e.Line))
		}
		if s, ok := m.byBarcode[e.Barcode]; ok {
			if s == e.Sample {
				continue
			}
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("mapping line %d: barcode %s mapped to both %s and %s", e.Line, e.Barcode, s, e.Sample))
		}
		m.byBarcode[e.Barcode] = e.Sample
		m.entries = append(m.entries, e)
		if !seen[e.Sample] {
			seen[e.Sample] = true
			m.samples = append(m.samples, e.Sample)
		}
	}
	return m, nil
}

// Sample returns the sample that owns b.
func (m *Mapping) Sample(b Barcode) (string, bool) {
	s, ok := m.byBarcode[b]
	return s, ok
}

// Samples returns the samples in order of first appearance.
func (m *Mapping) Samples() []string { return m.samples }

// Entries returns the entries in file order, without repeats.
func (m *Mapping) Entries() []MappingEntry { return m.entries }

// Len is the number of mapped barcodes.
func (m *Mapping) Len() int { return len(m.entries) }

// Column names of mapping files, after normalization.
const (
	colSample  = "sample_id"
	colBarcode = "barcode"
	colAdapter = "kinnex_adapter"
	colPrimer  = "isoseq_primer"
)

// ReadMapping reads a mapping file. The file is comma or tab separated with a
// header row; column names are matched case-insensitively with surrounding
// space trimmed and inner spaces read as underscores, so "Sample ID" and
// "sample_id" are the same column. Two layouts are accepted:
//
//   sample_id, barcode
//   sample_id, kinnex_adapter, isoseq_primer
//
// Other columns are ignored. Empty values are errors. Sample ids are trimmed
// and their spaces and dots replaced by underscores, so that they can name
// files.
func ReadMapping(ctx context.Context, path string) (*Mapping, error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open mapping", path)
	}
	defer in.Close(ctx) // nolint: errcheck
	m, err := parseMapping(in.Reader(ctx))
	if err != nil {
		return nil, errors.E(err, path)
	}
	log.Printf("%s: %d barcodes of %d samples", path, m.Len(), len(m.Samples()))
	return m, nil
}

func parseMapping(r io.Reader) (*Mapping, error) {
	br := bufio.NewReader(r)
	first, err := br.Peek(4096)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, errors.E(err, "read mapping")
	}
	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	if line := firstLine(first); strings.Contains(line, "\t") {
		cr.Comma = '\t'
	}

	var (
		sample, barcode, adapter, primer = -1, -1, -1, -1
		entries                          []MappingEntry
	)
	for header := true; ; header = false {
		cols, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.E(errors.Invalid, err, "parse mapping")
		}
		lineNo, _ := cr.FieldPos(0)
		if header {
			for k, col := range cols {
				switch normalizeColumn(col) {
				case colSample:
					sample = k
				case colBarcode:
					barcode = k
				case colAdapter:
					adapter = k
				case colPrimer:
					primer = k
				}
			}
			if sample < 0 {
				return nil, errors.E(errors.Invalid, "mapping: no sample_id column; accepted forms are Sample_ID, sample_id, Sample ID, sample id")
			}
			if barcode < 0 && (adapter < 0 || primer < 0) {
				return nil, errors.E(errors.Invalid, "mapping: need a barcode column, or kinnex_adapter and isoseq_primer columns")
			}
			continue
		}
		if blank(cols) {
			continue
		}
		get := func(k int, name string) (string, error) {
			if k >= len(cols) || strings.TrimSpace(cols[k]) == "" {
				return "", errors.E(errors.Invalid, fmt.Sprintf("mapping line %d: empty %s", lineNo, name))
			}
			return strings.TrimSpace(cols[k]), nil
		}
		id, err := get(sample, colSample)
		if err != nil {
			return nil, err
		}
		e := MappingEntry{Sample: SanitizeSample(id), Line: lineNo}
		if barcode >= 0 {
			bc, err := get(barcode, colBarcode)
			if err != nil {
				return nil, err
			}
			e.Barcode = Barcode(bc)
		} else {
			a, err := get(adapter, colAdapter)
			if err != nil {
				return nil, err
			}
			p, err := get(primer, colPrimer)
			if err != nil {
				return nil, err
			}
			e.Barcode = PairBarcode(a, p)
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return nil, errors.E(errors.Invalid, "mapping: no entries")
	}
	return NewMapping(entries)
}

var sampleReplacer = strings.NewReplacer(" ", "_", ".", "_", "/", "_", "\\", "_")

// SanitizeSample trims id and replaces spaces, dots and path separators with
// underscores, so that a sample names a single file.
func SanitizeSample(id string) string {
	return sampleReplacer.Replace(strings.TrimSpace(id))
}

func normalizeColumn(c string) string {
	return strings.Replace(strings.ToLower(strings.TrimSpace(c)), " ", "_", -1)
}

func firstLine(b []byte) string {
	s := string(b)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func blank(cols []string) bool {
	for _, c := range cols {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
