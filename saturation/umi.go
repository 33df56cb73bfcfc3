// Package saturation counts UMIs per cell in a corrected single-cell BAM and
// estimates how close the library is to sequencing saturation.
package saturation

import (
	"context"
	"io"
	"runtime"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
)

// Default tags of the cell barcode and the UMI.
const (
	DefaultCellTag = "CB"
	DefaultUMITag  = "XM"
)

// Cell holds the reads per UMI of one cell barcode.
type Cell struct {
	Barcode string
	// UMIs lists the UMIs in order of first appearance; Reads[u] counts
	// the reads of UMIs[u].
	UMIs  []string
	Reads []int64

	index map[string]int
}

// Total returns the reads of the cell.
func (c *Cell) Total() int64 {
	var n int64
	for _, r := range c.Reads {
		n += r
	}
	return n
}

// Unique returns the number of distinct UMIs of the cell.
func (c *Cell) Unique() int { return len(c.UMIs) }

func (c *Cell) add(umi string) {
	if i, ok := c.index[umi]; ok {
		c.Reads[i]++
		return
	}
	c.index[umi] = len(c.UMIs)
	c.UMIs = append(c.UMIs, umi)
	c.Reads = append(c.Reads, 1)
}

// Counts are the UMI counts of a BAM.
type Counts struct {
	// Cells are in order of first appearance.
	Cells []*Cell
	// Reads is the number of reads carrying both tags; Skipped counts the
	// others.
	Reads, Skipped int64

	index map[string]*Cell
}

// NewCounts returns empty counts.
func NewCounts() *Counts {
	return &Counts{index: make(map[string]*Cell)}
}

// Add counts one read of the given cell and UMI.
func (c *Counts) Add(cell, umi string) {
	x := c.index[cell]
	if x == nil {
		x = &Cell{Barcode: cell, index: make(map[string]int)}
		c.index[cell] = x
		c.Cells = append(c.Cells, x)
	}
	x.add(umi)
	c.Reads++
}

// Cell returns the counts of a barcode, or nil.
func (c *Counts) Cell(barcode string) *Cell { return c.index[barcode] }

// CountUMIs reads the BAM at path and counts reads per (cell, UMI). Tags
// default to DefaultCellTag and DefaultUMITag; reads missing either tag are
// skipped.
func CountUMIs(ctx context.Context, path, cellTag, umiTag string) (*Counts, error) {
	if cellTag == "" {
		cellTag = DefaultCellTag
	}
	if umiTag == "" {
		umiTag = DefaultUMITag
	}
	if len(cellTag) != 2 || len(umiTag) != 2 {
		return nil, errors.E(errors.Invalid, "invalid tags", cellTag, umiTag)
	}
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	defer in.Close(ctx) // nolint: errcheck
	r, err := bam.NewReader(in.Reader(ctx), runtime.NumCPU())
	if err != nil {
		return nil, errors.E(errors.Integrity, err, "read BAM header", path)
	}
	defer r.Close() // nolint: errcheck

	var (
		cb     = sam.NewTag(cellTag)
		xm     = sam.NewTag(umiTag)
		counts = NewCounts()
	)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.E(errors.Integrity, err, "read", path)
		}
		cell, ok1 := stringTag(rec, cb)
		umi, ok2 := stringTag(rec, xm)
		sam.PutInFreePool(rec)
		if !ok1 || !ok2 {
			counts.Skipped++
			continue
		}
		counts.Add(cell, umi)
	}
	log.Printf("%s: %d reads in %d cells, %d reads without %s/%s", path, counts.Reads, len(counts.Cells), counts.Skipped, cellTag, umiTag)
	return counts, nil
}

func stringTag(rec *sam.Record, tag sam.Tag) (string, bool) {
	aux := rec.AuxFields.Get(tag)
	if aux == nil {
		return "", false
	}
	s, ok := aux.Value().(string)
	return s, ok && s != ""
}

// WriteUMICounts writes one cell_barcode/UMI/Count row per UMI of every cell.
func WriteUMICounts(ctx context.Context, path string, counts *Counts) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := tsv.NewWriter(out.Writer(ctx))
	w.WriteString("cell_barcode")
	w.WriteString("UMI")
	w.WriteString("Count")
	if err := w.EndLine(); err != nil {
		return errors.E(err, path)
	}
	for _, c := range counts.Cells {
		for i, umi := range c.UMIs {
			w.WriteString(c.Barcode)
			w.WriteString(umi)
			w.WriteString(strconv.FormatInt(c.Reads[i], 10))
			if err := w.EndLine(); err != nil {
				return errors.E(err, path)
			}
		}
	}
	if err := w.Flush(); err != nil {
		return errors.E(err, path)
	}
	return nil
}
