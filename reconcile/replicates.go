package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/errors"
)

// Key identifies the contribution of one barcode in one run.
type Key struct {
	Barcode Barcode
	Run     string
}

func (k Key) String() string { return k.Run + "/" + string(k.Barcode) }

// ReplicateFile is the processed reads of one barcode in one run.
type ReplicateFile struct {
	Run     string
	Barcode Barcode
	Path    string
}

// Key returns the (barcode, run) key of f.
func (f ReplicateFile) Key() Key { return Key{f.Barcode, f.Run} }

const refineSuffix = ".refine.bam"

// ParseRefineName parses the base name of a refine output,
// "<movie>.<adapter>.<primer>.refine.bam". The barcode is the PairBarcode of
// adapter and primer.
func ParseRefineName(path string) (ReplicateFile, bool) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, refineSuffix) {
		return ReplicateFile{}, false
	}
	parts := strings.Split(strings.TrimSuffix(name, refineSuffix), ".")
	if len(parts) != 3 {
		return ReplicateFile{}, false
	}
	for _, p := range parts {
		if p == "" {
			return ReplicateFile{}, false
		}
	}
	return ReplicateFile{Run: parts[0], Barcode: PairBarcode(parts[1], parts[2]), Path: path}, true
}

// FindRefineBAMs lists the refine outputs directly under dir, sorted by path.
func FindRefineBAMs(ctx context.Context, dir string) ([]ReplicateFile, error) {
	paths, err := list(ctx, dir, func(p string) bool {
		_, ok := ParseRefineName(p)
		return ok
	})
	if err != nil {
		return nil, err
	}
	files := make([]ReplicateFile, len(paths))
	for i, p := range paths {
		files[i], _ = ParseRefineName(p)
	}
	return files, nil
}

// indexReplicates indexes files by key. Two files with one key are an
// errors.Integrity error.
func indexReplicates(files []ReplicateFile) (map[Key]string, error) {
	m := make(map[Key]string, len(files))
	for _, f := range files {
		if f.Path == "" {
			return nil, errors.E(errors.Invalid, "replicate", f.Key().String(), "has no path")
		}
		if p, ok := m[f.Key()]; ok && p != f.Path {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("replicate %s: two files, %s and %s", f.Key(), p, f.Path))
		}
		m[f.Key()] = f.Path
	}
	return m, nil
}
