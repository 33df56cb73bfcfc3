package bammerge

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/hts/sam"
)

type mergedHeader struct {
	*sam.Header
	// refLinks[i][j] is the merged reference of reference j of source i, or
	// nil when no translation is needed.
	refLinks [][]*sam.Reference
}

// mergeHeaders merges the references of headers and takes the union of
// their read groups and programs, by ID. A read group or program ID that
// appears in several headers must describe the same thing; the first
// occurrence is kept.
func mergeHeaders(headers []*sam.Header) (mergedHeader, error) {
	h, links, err := sam.MergeHeaders(headers)
	if err != nil {
		return mergedHeader{}, err
	}
	if len(headers) == 1 {
		return mergedHeader{Header: h}, nil
	}
	rgs := make(map[string]bool)
	for _, rg := range h.RGs() {
		rgs[rg.Name()] = true
	}
	progs := make(map[string]bool)
	for _, p := range h.Progs() {
		progs[p.UID()] = true
	}
	for _, src := range headers {
		for _, rg := range src.RGs() {
			if rgs[rg.Name()] {
				continue
			}
			if err := h.AddReadGroup(rg.Clone()); err != nil {
				return mergedHeader{}, errors.E(err, "read group", rg.Name())
			}
			rgs[rg.Name()] = true
		}
		for _, p := range src.Progs() {
			if progs[p.UID()] {
				continue
			}
			if err := h.AddProgram(p.Clone()); err != nil {
				return mergedHeader{}, errors.E(err, "program", p.UID())
			}
			progs[p.UID()] = true
		}
	}
	h.SortOrder = sam.UnknownOrder
	return mergedHeader{Header: h, refLinks: links}, nil
}
