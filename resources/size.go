package resources

import (
	"context"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/masseq/artifact"
)

// Sizer reports the size in bytes of an input file.
type Sizer interface {
	Size(ctx context.Context, path string) (int64, error)
}

// FileSizer sizes local and s3:// paths through grailbio/base/file, and gs://
// paths through the Google Cloud Storage object metadata. The storage client
// is created on the first gs:// lookup. s3:// paths need the s3file
// implementation registered with base/file, as the masseq command does.
type FileSizer struct {
	once   sync.Once
	client *storage.Client
	err    error
}

// Size implements Sizer.
func (s *FileSizer) Size(ctx context.Context, path string) (int64, error) {
	if artifact.Scheme(path) == "gs" {
		return s.gcsSize(ctx, path)
	}
	info, err := file.Stat(ctx, path)
	if err != nil {
		return 0, errors.E(err, "stat", path)
	}
	return info.Size(), nil
}

func (s *FileSizer) gcsSize(ctx context.Context, path string) (int64, error) {
	s.once.Do(func() {
		s.client, s.err = storage.NewClient(ctx)
	})
	if s.err != nil {
		return 0, errors.E(s.err, "storage client")
	}
	bucket, key := artifact.SplitBucket(path)
	if bucket == "" || key == "" {
		return 0, errors.E(errors.Invalid, "malformed gs:// path", path)
	}
	attrs, err := s.client.Bucket(bucket).Object(key).Attrs(ctx)
	if err != nil {
		if err == storage.ErrObjectNotExist {
			return 0, errors.E(errors.NotExist, path)
		}
		return 0, errors.E(err, "attrs", path)
	}
	return attrs.Size, nil
}

// Close releases the storage client, if one was created.
func (s *FileSizer) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// TotalSize sums the sizes of paths. A path that cannot be sized contributes
// zero and is logged; the disk estimate then falls back to the stage default
// when nothing could be sized.
func TotalSize(ctx context.Context, sz Sizer, paths ...string) int64 {
	var total int64
	for _, p := range paths {
		n, err := sz.Size(ctx, p)
		if err != nil {
			log.Error.Printf("size %s: %v", p, err)
			continue
		}
		total += n
	}
	return total
}
