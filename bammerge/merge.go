// Package bammerge combines the replicate BAMs of one sample into a single
// BAM and accounts for every read on the way.
//
// Merge is a function of the set of its inputs: the sources are put in a
// canonical order before their headers are merged, and records are
// interleaved by (read name, encoded record) with an N-way merge. Any
// permutation of the same sources therefore produces byte-identical output,
// and name-sorted inputs produce a name-sorted output.
package bammerge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/masseq/artifact"
	"v.io/x/lib/vlog"
)

// Stats accounts for the reads of one merge or copy.
type Stats struct {
	// Sources are the inputs in the order they were merged.
	Sources []string
	// In is the number of reads read from each source.
	In []int64
	// Out is the number of reads in the written output.
	Out int64
}

// TotalIn is the sum of In.
func (s Stats) TotalIn() int64 {
	var n int64
	for _, v := range s.In {
		n += v
	}
	return n
}

func (s Stats) String() string {
	return fmt.Sprintf("%d sources, %d reads in, %d reads out", len(s.Sources), s.TotalIn(), s.Out)
}

// source is one input of a merge.
type source struct {
	seq    int
	path   string
	f      file.File
	reader *bam.Reader
	refMap []*sam.Reference // nil if references need no translation.

	rec  *sam.Record
	key  []byte
	n    int64
	done bool
	err  *errors.Once
}

func openSource(ctx context.Context, seq int, path string, errs *errors.Once) (*source, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	r, err := bam.NewReader(f.Reader(ctx), 1)
	if err != nil {
		_ = f.Close(ctx)
		return nil, errors.E(errors.Integrity, err, "read BAM header", path)
	}
	return &source{seq: seq, path: path, f: f, reader: r, err: errs}, nil
}

// scan advances to the next record. It returns false at the end of input or
// on error.
func (s *source) scan() bool {
	rec, err := s.reader.Read()
	if err != nil {
		if err != io.EOF {
			s.err.Set(errors.E(errors.Integrity, err, "read", s.path))
		}
		s.done = true
		return false
	}
	if s.refMap != nil {
		if rec.Ref != nil {
			rec.Ref = s.refMap[rec.Ref.ID()]
		}
		if rec.MateRef != nil {
			rec.MateRef = s.refMap[rec.MateRef.ID()]
		}
	}
	var buf bytes.Buffer
	if err := bam.Marshal(rec, &buf); err != nil {
		s.err.Set(errors.E(errors.Integrity, err, "encode record", rec.Name, "from", s.path))
		s.done = true
		return false
	}
	s.rec, s.key = rec, buf.Bytes()
	s.n++
	return true
}

func (s *source) close(ctx context.Context) {
	if s.reader != nil {
		s.err.Set(s.reader.Close())
	}
	s.err.Set(s.f.Close(ctx))
}

// compare orders sources by their current record.
func (s *source) compare(o *source) int {
	if s.rec.Name != o.rec.Name {
		if s.rec.Name < o.rec.Name {
			return -1
		}
		return 1
	}
	return bytes.Compare(s.key, o.key)
}

// Compare implements llrb.Comparable.
func (s *source) Compare(c llrb.Comparable) int {
	o := c.(*source)
	if c := s.compare(o); c != 0 {
		return c
	}
	return s.seq - o.seq
}

// Canonical returns paths sorted, after normalization. It is the order in
// which Merge reads its sources.
func Canonical(paths []string) []string {
	sorted := make([]string, len(paths))
	for i, p := range paths {
		sorted[i] = artifact.Normalize(p)
	}
	sort.Strings(sorted)
	return sorted
}

// Merge writes the union of the reads of srcs to dst. The post-merge read
// count of dst is verified against the reads consumed; on a mismatch the
// output is removed and an errors.Integrity error returned. dst is written
// through a temporary file so that a failed merge leaves nothing behind.
func Merge(ctx context.Context, dst string, srcs []string) (Stats, error) {
	if len(srcs) == 0 {
		return Stats{}, errors.E(errors.Invalid, "merge", dst, ": no sources")
	}
	paths := Canonical(srcs)
	for i := 1; i < len(paths); i++ {
		if paths[i] == paths[i-1] {
			return Stats{}, errors.E(errors.Invalid, "merge", dst, ": source listed twice:", paths[i])
		}
	}
	stats := Stats{Sources: paths, In: make([]int64, len(paths))}

	var errs errors.Once
	sources := make([]*source, 0, len(paths))
	defer func() {
		for _, s := range sources {
			s.close(ctx)
		}
	}()
	headers := make([]*sam.Header, len(paths))
	for i, path := range paths {
		s, err := openSource(ctx, i, path, &errs)
		if err != nil {
			return stats, err
		}
		sources = append(sources, s)
		headers[i] = s.reader.Header()
	}
	header, err := mergeHeaders(headers)
	if err != nil {
		return stats, errors.E(errors.Integrity, err, "merge headers of", dst)
	}
	if header.refLinks != nil {
		for i, s := range sources {
			s.refMap = header.refLinks[i]
		}
	}

	tmp := dst
	if artifact.Scheme(dst) == "" {
		tmp = artifact.Temp(dst)
	}
	if err := write(ctx, tmp, header.Header, sources, &errs); err != nil {
		_ = file.Remove(ctx, tmp)
		return stats, err
	}
	for i, s := range sources {
		stats.In[i] = s.n
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
	log.Printf("merged %s: %s", dst, stats)
	return stats, nil
}

// write runs the N-way merge of sources into path.
func write(ctx context.Context, path string, header *sam.Header, sources []*source, errs *errors.Once) error {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	w, err := bam.NewWriter(out.Writer(ctx), header, runtime.NumCPU())
	if err != nil {
		_ = out.Close(ctx)
		return errors.E(err, "write BAM header", path)
	}

	leafs := llrb.Tree{}
	for _, s := range sources {
		if s.scan() {
			vlog.VI(1).Infof("Leaf %v created", s.path)
			leafs.Insert(s)
		}
	}
	vlog.VI(1).Infof("Merging %d sources, %d leafs active", len(sources), leafs.Len())
	for leafs.Len() > 0 && errs.Err() == nil {
		// top is the smallest leaf, next the second smallest or nil.
		var top, next *source
		nth := 0
		leafs.Do(func(item llrb.Comparable) bool {
			nth++
			if nth == 1 {
				top = item.(*source)
				return false
			}
			next = item.(*source)
			return true
		})
		// Emit from top until it passes next.
		for {
			if err := w.Write(top.rec); err != nil {
				errs.Set(errors.E(err, "write", path))
				break
			}
			if !top.scan() || (next != nil && next.Compare(top) < 0) {
				break
			}
		}
		leafs.DeleteMin()
		if !top.done {
			leafs.Insert(top)
		}
	}
	errs.Set(w.Close())
	errs.Set(out.Close(ctx))
	return errs.Err()
}

// verify counts the reads of the written output.
func verify(ctx context.Context, path string, stats *Stats) error {
	n, err := Count(ctx, path)
	if err != nil {
		return err
	}
	stats.Out = n
	if in := stats.TotalIn(); n != in {
		return errors.E(errors.Integrity,
			fmt.Sprintf("%s: wrote %d reads, expected %d from %d sources", path, n, in, len(stats.Sources)))
	}
	return nil
}

// Count returns the number of records in the BAM file at path.
func Count(ctx context.Context, path string) (int64, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return 0, errors.E(err, "open", path)
	}
	defer f.Close(ctx) // nolint: errcheck
	r, err := bam.NewReader(f.Reader(ctx), 1)
	if err != nil {
		return 0, errors.E(errors.Integrity, err, "read BAM header", path)
	}
	defer r.Close() // nolint: errcheck
	var n int64
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, errors.E(errors.Integrity, err, "read", path)
		}
		sam.PutInFreePool(rec)
		n++
	}
}
