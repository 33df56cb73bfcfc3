// Package qcplot draws the PNG quality control plots of a MAS-seq run: read
// counts by sample, skera concatemer and read length histograms, knee plots
// of UMIs per cell, top barcodes and the adapter ligation heatmap.
//
// Every plot is written with the grailbio file package, so outputs may live
// on S3.
package qcplot

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	gzip "github.com/klauspost/pgzip"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/vg"
)

// Default plot sizes.
const (
	width  = 6 * vg.Inch
	height = 4 * vg.Inch
)

// save renders p as a PNG to path.
func save(ctx context.Context, p *plot.Plot, w, h vg.Length, path string) (err error) {
	wt, err := p.WriterTo(w, h, "png")
	if err != nil {
		return errors.E(err, "render", path)
	}
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	if _, err = wt.WriteTo(out.Writer(ctx)); err != nil {
		return errors.E(err, "write", path)
	}
	return nil
}

// input is an open text input that may be gzipped.
type input struct {
	f  file.File
	gz *gzip.Reader
	io.Reader
}

// open opens path for reading. Paths ending in ".gz" are decompressed.
func open(ctx context.Context, path string) (*input, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	in := &input{f: f}
	var r io.Reader = f.Reader(ctx)
	if strings.HasSuffix(path, ".gz") {
		if in.gz, err = gzip.NewReader(r); err != nil {
			_ = f.Close(ctx)
			return nil, errors.E(errors.Integrity, err, "gzip", path)
		}
		r = in.gz
	}
	in.Reader = bufio.NewReaderSize(r, 1<<20)
	return in, nil
}

func (in *input) close(ctx context.Context) {
	if in.gz != nil {
		_ = in.gz.Close()
	}
	_ = in.f.Close(ctx)
}
