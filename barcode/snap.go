package barcode

import (
	"github.com/antzucaro/matchr"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Match is the listed barcode an observed barcode resolved to.
type Match struct {
	Barcode string
	// Edits is the Levenshtein distance between the observed barcode, or its
	// reverse complement, and Barcode.
	Edits int
	// Reversed is set if the reverse complement matched.
	Reversed bool
}

type snapEntry struct {
	known string
	edits int
	ok    bool
}

// piece is a key of the exact-match index: the i'th of the maxEdits+1
// pieces of a listed barcode of a given length.
type piece struct {
	length, index int
	seq           string
}

// Snapper resolves observed barcodes against a list. A barcode that is not
// listed snaps to a listed barcode K if K is closer to it than every other
// listed barcode in Levenshtein distance, and no more than MaxEdits away.
//
// Candidates are found with the pigeonhole principle: a barcode within d
// edits of K contains one of d+1 disjoint pieces of K unchanged, shifted by
// at most d bases. Resolutions are memoized; a Snapper is not safe for
// concurrent use.
type Snapper struct {
	known    map[string]bool
	list     []string
	lengths  []int
	maxEdits int
	index    map[piece][]int32
	cache    map[string]snapEntry
}

// NewSnapper indexes list for snapping within maxEdits edits. With maxEdits
// 0 only exact and reverse complement matches are made.
func NewSnapper(list []string, maxEdits int) (*Snapper, error) {
	if maxEdits < 0 {
		return nil, errors.E(errors.Invalid, "negative edit distance")
	}
	s := &Snapper{
		known:    make(map[string]bool, len(list)),
		maxEdits: maxEdits,
		cache:    make(map[string]snapEntry),
	}
	seenLen := make(map[int]bool)
	for _, bc := range list {
		if s.known[bc] {
			continue
		}
		if err := validate(bc); err != nil {
			return nil, errors.E(errors.Invalid, err)
		}
		s.known[bc] = true
		s.list = append(s.list, bc)
		if !seenLen[len(bc)] {
			seenLen[len(bc)] = true
			s.lengths = append(s.lengths, len(bc))
		}
	}
	if maxEdits == 0 {
		return s, nil
	}
	log.Debug.Printf("indexing %d barcodes for snapping within %d edits", len(s.list), maxEdits)
	s.index = make(map[piece][]int32)
	for id, bc := range s.list {
		for i := 0; i <= maxEdits; i++ {
			start, end := pieceBounds(len(bc), maxEdits+1, i)
			if start == end {
				continue
			}
			k := piece{len(bc), i, bc[start:end]}
			s.index[k] = append(s.index[k], int32(id))
		}
	}
	return s, nil
}

// pieceBounds returns the bounds of piece i of n of a barcode of length l.
func pieceBounds(l, n, i int) (start, end int) {
	return i * l / n, (i + 1) * l / n
}

// Len returns the number of distinct listed barcodes.
func (s *Snapper) Len() int { return len(s.list) }

// Resolve matches bc against the list: exactly, then as a reverse
// complement, then by snapping bc and finally its reverse complement.
func (s *Snapper) Resolve(bc string) (Match, bool) {
	if s.known[bc] {
		return Match{Barcode: bc}, true
	}
	rc := ReverseComplement(bc)
	if s.known[rc] {
		return Match{Barcode: rc, Reversed: true}, true
	}
	if s.maxEdits == 0 {
		return Match{}, false
	}
	if known, edits, ok := s.Snap(bc); ok {
		return Match{Barcode: known, Edits: edits}, true
	}
	if known, edits, ok := s.Snap(rc); ok {
		return Match{Barcode: known, Edits: edits, Reversed: true}, true
	}
	return Match{}, false
}

// Snap returns the listed barcode bc snaps to and its distance, or false if
// no listed barcode is uniquely closest within the edit limit.
func (s *Snapper) Snap(bc string) (known string, edits int, ok bool) {
	if s.known[bc] {
		return bc, 0, true
	}
	if e, hit := s.cache[bc]; hit {
		return e.known, e.edits, e.ok
	}
	e := s.snap(bc)
	s.cache[bc] = e
	return e.known, e.edits, e.ok
}

func (s *Snapper) snap(bc string) snapEntry {
	var (
		best      = s.maxEdits + 1
		bestID    = -1
		ambiguous bool
		tried     = make(map[int32]bool)
	)
	for _, l := range s.lengths {
		if d := l - len(bc); d > s.maxEdits || -d > s.maxEdits {
			continue
		}
		for i := 0; i <= s.maxEdits; i++ {
			start, end := pieceBounds(l, s.maxEdits+1, i)
			if start == end {
				continue
			}
			for shift := -s.maxEdits; shift <= s.maxEdits; shift++ {
				qs, qe := start+shift, end+shift
				if qs < 0 || qe > len(bc) {
					continue
				}
				for _, id := range s.index[piece{l, i, bc[qs:qe]}] {
					if tried[id] {
						continue
					}
					tried[id] = true
					d := matchr.Levenshtein(bc, s.list[id])
					switch {
					case d < best:
						best, bestID, ambiguous = d, int(id), false
					case d == best:
						ambiguous = true
					}
				}
			}
		}
	}
	if bestID < 0 || ambiguous {
		return snapEntry{}
	}
	return snapEntry{known: s.list[bestID], edits: best, ok: true}
}
