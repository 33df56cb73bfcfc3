// Package artifact computes where pipeline outputs live. Every stage asks this
// package for its destination paths; no other package joins output paths.
package artifact

import (
	"os"
	"strings"

	"github.com/grailbio/base/errors"
)

// remoteSchemes lists the URI schemes whose prefix is normalized to
// "<scheme>://".
var remoteSchemes = []string{"gs", "s3"}

// Path returns the destination of artifact "name" produced by "stage" for
// "sample" under "root":
//
//   <root>/<stage>/<sample>/<name>
//
// An empty sample (run-scoped artifacts) or an empty name is omitted. The
// result is normalized, so repeated calls with the same arguments return the
// same string.
func Path(root, stage, sample, name string) string {
	return Join(root, stage, sample, name)
}

// Dir returns the output directory of stage under root.
func Dir(root, stage string) string {
	return Join(root, stage)
}

// Join joins path elements and normalizes the result. Empty elements are
// skipped.
func Join(elems ...string) string {
	var parts []string
	for _, e := range elems {
		if e != "" {
			parts = append(parts, e)
		}
	}
	return Normalize(strings.Join(parts, "/"))
}

// Normalize collapses repeated separators, drops "." segments and trailing
// separators, and canonicalizes a remote storage prefix: "GS:/bucket//x",
// "gs:///bucket/x" and "gs://bucket/x" all become "gs://bucket/x". Bucket and
// key text are not otherwise altered; in particular ".." segments are kept
// since they are legal object key characters on remote storage.
func Normalize(p string) string {
	scheme, rest := splitScheme(p)
	absolute := scheme == "" && strings.HasPrefix(rest, "/")
	var segs []string
	for _, s := range strings.Split(rest, "/") {
		if s == "" || s == "." {
			continue
		}
		segs = append(segs, s)
	}
	joined := strings.Join(segs, "/")
	switch {
	case scheme != "":
		return scheme + "://" + joined
	case absolute:
		return "/" + joined
	case joined == "":
		return "."
	}
	return joined
}

// Scheme returns the lower-cased remote scheme of p ("gs", "s3"), or "" for a
// local path.
func Scheme(p string) string {
	s, _ := splitScheme(p)
	return s
}

// splitScheme separates a recognized remote scheme from the rest of p. The
// scheme match is case-insensitive and tolerates one or three slashes after
// the colon.
func splitScheme(p string) (scheme, rest string) {
	i := strings.Index(p, ":")
	if i <= 0 {
		return "", p
	}
	candidate := strings.ToLower(p[:i])
	for _, s := range remoteSchemes {
		if candidate == s {
			return s, strings.TrimLeft(p[i+1:], "/")
		}
	}
	return "", p
}

// SplitBucket splits a normalized remote path into bucket and object key.
// For "gs://b/k/x.bam" it returns ("b", "k/x.bam").
func SplitBucket(p string) (bucket, key string) {
	_, rest := splitScheme(Normalize(p))
	if i := strings.Index(rest, "/"); i >= 0 {
		return rest[:i], rest[i+1:]
	}
	return rest, ""
}

// MkdirAll creates the local directory dir and its parents. Remote prefixes
// have no directories and are left alone.
func MkdirAll(dir string) error {
	if Scheme(dir) != "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0777); err != nil {
		return errors.E(err, "create directory", dir)
	}
	return nil
}
