package bammerge

import (
	"context"
	"io"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/masseq/artifact"
)

// Copy copies src to dst byte for byte. It is used instead of Merge for a
// sample with a single replicate. The read counts of both files are checked
// as for Merge.
func Copy(ctx context.Context, dst, src string) (Stats, error) {
	src = artifact.Normalize(src)
	n, err := Count(ctx, src)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{Sources: []string{src}, In: []int64{n}}

	tmp := dst
	if artifact.Scheme(dst) == "" {
		tmp = artifact.Temp(dst)
	}
	if err := copyFile(ctx, tmp, src); err != nil {
		_ = file.Remove(ctx, tmp)
		return stats, err
	}
	if err := verify(ctx, tmp, &stats); err != nil {
		_ = file.Remove(ctx, tmp)
		return stats, err
	}
	if tmp != dst {
		if err := os.Rename(tmp, dst); err != nil {
			_ = file.Remove(ctx, tmp)
			return stats, errors.E(err, "rename", tmp, dst)
		}
	}
	log.Printf("copied %s: %s", dst, stats)
	return stats, nil
}

func copyFile(ctx context.Context, dst, src string) (err error) {
	in, err := file.Open(ctx, src)
	if err != nil {
		return errors.E(err, "open", src)
	}
	defer in.Close(ctx) // nolint: errcheck
	out, err := file.Create(ctx, dst)
	if err != nil {
		return errors.E(err, "create", dst)
	}
	defer file.CloseAndReport(ctx, out, &err)
	if _, err = io.Copy(out.Writer(ctx), in.Reader(ctx)); err != nil {
		return errors.E(err, "copy", src, dst)
	}
	return nil
}
