// Package reconcile joins the per-run barcode counts of a sequencing project
// against a barcode to sample mapping, groups replicates by sample, and
// optionally coalesces each sample's replicate BAMs into one file.
//
// Reconcile is the join point of the bulk workflow: it runs once every
// upstream run has been demultiplexed and refined.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/masseq/artifact"
	"github.com/grailbio/masseq/bammerge"
)

// DefaultTitle is the title of the read count plot.
const DefaultTitle = "Readcounts by sample - replicates combined"

// Policy says what to do with count rows whose barcode has no sample.
type Policy int

const (
	// UnmappedReport excludes unmapped rows from the sample totals, logs them
	// and writes them to the unmapped report.
	UnmappedReport Policy = iota
	// UnmappedFatal fails the reconciliation on the first unmapped row.
	UnmappedFatal
)

// ParsePolicy parses "report" or "fatal". The empty string is "report".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "report":
		return UnmappedReport, nil
	case "fatal":
		return UnmappedFatal, nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("unmapped barcode policy %q: want report or fatal", s))
}

func (p Policy) String() string {
	if p == UnmappedFatal {
		return "fatal"
	}
	return "report"
}

// Merger coalesces replicate BAMs.
type Merger interface {
	Merge(ctx context.Context, dst string, srcs []string) (bammerge.Stats, error)
	Copy(ctx context.Context, dst, src string) (bammerge.Stats, error)
}

// BAMMerger is the Merger backed by package bammerge.
type BAMMerger struct{}

// Merge implements Merger.
func (BAMMerger) Merge(ctx context.Context, dst string, srcs []string) (bammerge.Stats, error) {
	return bammerge.Merge(ctx, dst, srcs)
}

// Copy implements Merger.
func (BAMMerger) Copy(ctx context.Context, dst, src string) (bammerge.Stats, error) {
	return bammerge.Copy(ctx, dst, src)
}

// Options configure Reconcile.
type Options struct {
	// OutputDir receives the reports and, under artifact.MergedSubdir, the
	// coalesced BAMs.
	OutputDir string
	// MergePhysically coalesces the replicate BAMs of each sample. When false
	// only the reports are written and no BAM is touched.
	MergePhysically bool
	// Title of the read count plot; DefaultTitle if empty.
	Title string
	// Unmapped is the unmapped barcode policy.
	Unmapped Policy
	// Parallelism bounds the number of concurrent merges. Values <= 0 mean 1.
	Parallelism int
	// Summary also writes the HTML and xlsx summaries.
	Summary bool
	// Incomplete are the keys whose replicate processing failed upstream.
	// The samples they map to are blocked whether or not rows or files were
	// given for them.
	Incomplete []Key
	// AllowBlocked makes blocked samples no error; they are only listed in
	// Result.Blocked.
	AllowBlocked bool
	// Merger defaults to BAMMerger.
	Merger Merger
}

// Joined is a count row resolved to its sample.
type Joined struct {
	Row
	Sample string
	// File is the replicate BAM of the row's key, or "" if none was given.
	File string
}

// Group is the MergeGroup of one sample.
type Group struct {
	Sample string
	// Keys are the (barcode, run) keys of the sample, sorted.
	Keys []Key
	// Files are the distinct replicate BAMs of Keys, sorted.
	Files []string
	// Missing are the keys with reads but no replicate BAM.
	Missing []Key
	// Incomplete are the keys of the sample that failed upstream.
	Incomplete []Key
	// Count is the total read count of the sample.
	Count int64
}

// Total is a read count total.
type Total struct {
	Name  string
	Count int64
}

// Output is the coalesced BAM of one sample.
type Output struct {
	Sample string
	Path   string
	Stats  bammerge.Stats
}

// Blocked is a sample that was not coalesced because a replicate was missing.
type Blocked struct {
	Sample string
	Reason string
}

// Result is the outcome of a reconciliation.
type Result struct {
	// Joined are the mapped rows, sorted by run then barcode.
	Joined []Joined
	// Unmapped are the rows without a sample, sorted by run then barcode.
	Unmapped []Row
	Groups   []Group
	// BySample and ByRun are the aggregate totals, sorted by name. Both are
	// computed from Joined.
	BySample []Total
	ByRun    []Total
	// Raw is the sum of every input row.
	Raw int64

	Outputs []Output
	Blocked []Blocked
	// Orphans are the replicate files whose key has no count row. They are
	// not merged.
	Orphans []ReplicateFile
	// Reports are the files written to the output directory.
	Reports []string
}

func sum(totals []Total) int64 {
	var n int64
	for _, t := range totals {
		n += t.Count
	}
	return n
}

// UnmappedCount is the sum of the unmapped rows.
func (r *Result) UnmappedCount() int64 {
	var n int64
	for _, row := range r.Unmapped {
		n += row.Count
	}
	return n
}

// Check verifies that the sample totals, the run totals and the raw input
// minus the unmapped rows all agree.
func (r *Result) Check() error {
	bySample, byRun, mapped := sum(r.BySample), sum(r.ByRun), r.Raw-r.UnmappedCount()
	if bySample != byRun || byRun != mapped {
		return errors.E(errors.Integrity, fmt.Sprintf(
			"read totals disagree: %d by sample, %d by run, %d raw minus %d unmapped",
			bySample, byRun, r.Raw, r.UnmappedCount()))
	}
	return nil
}

// Group returns the group of sample, or nil.
func (r *Result) Group(sample string) *Group {
	i := sort.Search(len(r.Groups), func(i int) bool { return r.Groups[i].Sample >= sample })
	if i < len(r.Groups) && r.Groups[i].Sample == sample {
		return &r.Groups[i]
	}
	return nil
}

// Reconcile joins rows against m, aggregates the joined rows by sample and by
// run, writes the reports to opts.OutputDir and, with opts.MergePhysically,
// coalesces the replicate BAMs of every sample.
//
// Duplicate (barcode, run) keys, among rows or among replicates, fail the
// call with an errors.Integrity error before anything is written, as do
// unmapped rows and replicates without a count row under UnmappedFatal. A
// sample with an incomplete key, or with a replicate that is missing or absent
// on disk, is blocked: it is not coalesced; the other samples are, the
// reports are written, and the call then returns an errors.Integrity error
// naming the blocked samples unless opts.AllowBlocked is set.
func Reconcile(ctx context.Context, opts Options, rows []Row, replicates []ReplicateFile, m *Mapping) (*Result, error) {
	if m == nil {
		return nil, errors.E(errors.Invalid, "reconcile: no barcode mapping")
	}
	if opts.OutputDir == "" {
		return nil, errors.E(errors.Invalid, "reconcile: no output directory")
	}
	opts.OutputDir = artifact.Normalize(opts.OutputDir)
	if opts.Title == "" {
		opts.Title = DefaultTitle
	}
	if opts.Merger == nil {
		opts.Merger = BAMMerger{}
	}
	if err := checkKeys(rows); err != nil {
		return nil, err
	}
	files, err := indexReplicates(replicates)
	if err != nil {
		return nil, err
	}
	res := join(rows, files, m)
	if len(res.Unmapped) > 0 {
		for _, row := range res.Unmapped {
			log.Error.Printf("barcode %s of run %s (%d reads, %s) is not mapped to a sample",
				row.Barcode, row.Run, row.Count, row.Source)
		}
		if opts.Unmapped == UnmappedFatal {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("%d unmapped barcode rows with %d reads, first %s",
				len(res.Unmapped), res.UnmappedCount(), Key{res.Unmapped[0].Barcode, res.Unmapped[0].Run}))
		}
	}
	res.Orphans = orphans(rows, replicates)
	for _, f := range res.Orphans {
		log.Error.Printf("replicate %s (%s) has no read count row and is not merged", f.Key(), f.Path)
	}
	if len(res.Orphans) > 0 && opts.Unmapped == UnmappedFatal {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("%d replicate BAM(s) without a read count row, first %s",
			len(res.Orphans), res.Orphans[0].Path))
	}
	res.Groups = groups(res.Joined, incomplete(opts.Incomplete, m))
	res.BySample, res.ByRun = totals(res.Joined)
	if err := res.Check(); err != nil {
		return nil, err
	}

	if err := artifact.MkdirAll(opts.OutputDir); err != nil {
		return nil, err
	}
	var mergeErr error
	if opts.MergePhysically {
		mergeErr = merge(ctx, opts, res)
	} else {
		for _, g := range res.Groups {
			if len(g.Incomplete) > 0 {
				reason := incompleteReason(&g)
				log.Error.Printf("sample %s: blocked: %s", g.Sample, reason)
				res.Blocked = append(res.Blocked, Blocked{g.Sample, reason})
			}
		}
	}
	if err := writeReports(ctx, opts, res); err != nil {
		return res, err
	}
	if mergeErr != nil {
		return res, mergeErr
	}
	if len(res.Blocked) > 0 && !opts.AllowBlocked {
		var names []string
		for _, b := range res.Blocked {
			names = append(names, b.Sample)
		}
		return res, errors.E(errors.Integrity, fmt.Sprintf("%d sample(s) blocked for missing replicates: %s",
			len(names), strings.Join(names, ", ")))
	}
	log.Printf("reconciled %d rows into %d samples over %d runs; %d unmapped rows",
		len(res.Joined), len(res.BySample), len(res.ByRun), len(res.Unmapped))
	return res, nil
}

// checkKeys rejects a (barcode, run) key that occurs in more than one row.
func checkKeys(rows []Row) error {
	seen := make(map[Key]Row, len(rows))
	for _, row := range rows {
		k := Key{row.Barcode, row.Run}
		if prev, ok := seen[k]; ok {
			return errors.E(errors.Integrity, fmt.Sprintf("barcode %s counted twice for run %s: %d reads in %s, %d reads in %s",
				row.Barcode, row.Run, prev.Count, prev.Source, row.Count, row.Source))
		}
		seen[k] = row
	}
	return nil
}

func join(rows []Row, files map[Key]string, m *Mapping) *Result {
	res := &Result{}
	for _, row := range rows {
		res.Raw += row.Count
		sample, ok := m.Sample(row.Barcode)
		if !ok {
			res.Unmapped = append(res.Unmapped, row)
			continue
		}
		res.Joined = append(res.Joined, Joined{Row: row, Sample: sample, File: files[Key{row.Barcode, row.Run}]})
	}
	sort.SliceStable(res.Joined, func(i, j int) bool { return lessRow(res.Joined[i].Row, res.Joined[j].Row) })
	sort.SliceStable(res.Unmapped, func(i, j int) bool { return lessRow(res.Unmapped[i], res.Unmapped[j]) })
	return res
}

func lessRow(a, b Row) bool { return lessKey(Key{a.Barcode, a.Run}, Key{b.Barcode, b.Run}) }

func lessKey(a, b Key) bool {
	if a.Run != b.Run {
		return a.Run < b.Run
	}
	return a.Barcode < b.Barcode
}

// orphans returns the replicates whose key has no row, sorted by key.
func orphans(rows []Row, replicates []ReplicateFile) []ReplicateFile {
	counted := make(map[Key]bool, len(rows))
	for _, row := range rows {
		counted[Key{row.Barcode, row.Run}] = true
	}
	var out []ReplicateFile
	for _, f := range replicates {
		if !counted[f.Key()] {
			counted[f.Key()] = true
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessKey(out[i].Key(), out[j].Key()) })
	return out
}

// incomplete groups keys by the sample they map to. Unmapped keys are logged
// and dropped.
func incomplete(keys []Key, m *Mapping) map[string][]Key {
	bySample := make(map[string][]Key)
	for _, k := range keys {
		sample, ok := m.Sample(k.Barcode)
		if !ok {
			log.Error.Printf("incomplete replicate %s is not mapped to a sample", k)
			continue
		}
		bySample[sample] = append(bySample[sample], k)
	}
	return bySample
}

// groups builds the MergeGroups of joined and of the samples with incomplete
// keys. A key without a replicate file is Missing only if it has reads; lima
// writes no BAM for an empty barcode.
func groups(joined []Joined, incomplete map[string][]Key) []Group {
	byName := make(map[string]*Group)
	var names []string
	for _, j := range joined {
		g := byName[j.Sample]
		if g == nil {
			g = &Group{Sample: j.Sample}
			byName[j.Sample] = g
			names = append(names, j.Sample)
		}
		k := Key{j.Barcode, j.Run}
		g.Keys = append(g.Keys, k)
		g.Count += j.Count
		switch {
		case j.File != "":
			g.Files = append(g.Files, artifact.Normalize(j.File))
		case j.Count > 0:
			g.Missing = append(g.Missing, k)
		}
	}
	for sample, keys := range incomplete {
		g := byName[sample]
		if g == nil {
			g = &Group{Sample: sample}
			byName[sample] = g
			names = append(names, sample)
		}
		g.Incomplete = keys
		sort.Slice(g.Incomplete, func(i, j int) bool { return lessKey(g.Incomplete[i], g.Incomplete[j]) })
	}
	sort.Strings(names)
	gs := make([]Group, len(names))
	for i, name := range names {
		g := byName[name]
		sort.Slice(g.Keys, func(i, j int) bool { return lessKey(g.Keys[i], g.Keys[j]) })
		g.Files = distinct(g.Files)
		gs[i] = *g
	}
	return gs
}

func distinct(s []string) []string {
	sort.Strings(s)
	out := s[:0]
	for i, v := range s {
		if i == 0 || v != s[i-1] {
			out = append(out, v)
		}
	}
	return out
}

func totals(joined []Joined) (bySample, byRun []Total) {
	s, r := make(map[string]int64), make(map[string]int64)
	for _, j := range joined {
		s[j.Sample] += j.Count
		r[j.Run] += j.Count
	}
	return sortedTotals(s), sortedTotals(r)
}

func sortedTotals(m map[string]int64) []Total {
	t := make([]Total, 0, len(m))
	for k, v := range m {
		t = append(t, Total{k, v})
	}
	sort.Slice(t, func(i, j int) bool { return t[i].Name < t[j].Name })
	return t
}

// merge coalesces the groups of res that have all their replicates. Groups
// are independent and merged in parallel; only the result slots of each group
// are written by its worker.
func merge(ctx context.Context, opts Options, res *Result) error {
	dir := artifact.Join(opts.OutputDir, artifact.MergedSubdir)
	if err := artifact.MkdirAll(dir); err != nil {
		return err
	}
	var (
		n       = len(res.Groups)
		outputs = make([]*Output, n)
		blocked = make([]string, n)
		errs    = make([]error, n)
	)
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	if parallelism > n {
		parallelism = n
	}
	err := traverse.Each(parallelism, func(job int) error {
		for i := job; i < n; i += parallelism {
			g := &res.Groups[i]
			if reason := blockReason(ctx, g); reason != "" {
				log.Error.Printf("sample %s: not merged: %s", g.Sample, reason)
				blocked[i] = reason
				continue
			}
			if len(g.Files) == 0 {
				log.Printf("sample %s: no replicate reads, nothing to merge", g.Sample)
				continue
			}
			dst := artifact.MergedBAM(opts.OutputDir, g.Sample)
			var (
				stats bammerge.Stats
				err   error
			)
			if len(g.Files) == 1 {
				stats, err = opts.Merger.Copy(ctx, dst, g.Files[0])
			} else {
				stats, err = opts.Merger.Merge(ctx, dst, g.Files)
			}
			if err != nil {
				errs[i] = errors.E(err, "sample", g.Sample)
				continue
			}
			outputs[i] = &Output{Sample: g.Sample, Path: dst, Stats: stats}
		}
		return nil
	})
	if err != nil {
		return err
	}
	var failed []error
	for i := range res.Groups {
		switch {
		case outputs[i] != nil:
			res.Outputs = append(res.Outputs, *outputs[i])
		case blocked[i] != "":
			res.Blocked = append(res.Blocked, Blocked{res.Groups[i].Sample, blocked[i]})
		case errs[i] != nil:
			failed = append(failed, errs[i])
		}
	}
	if len(failed) > 0 {
		msgs := make([]string, len(failed))
		for i, err := range failed {
			msgs[i] = err.Error()
		}
		return errors.E(failed[0], fmt.Sprintf("%d sample merge(s) failed:\n\t%s", len(failed), strings.Join(msgs, "\n\t")))
	}
	return nil
}

func incompleteReason(g *Group) string {
	keys := make([]string, len(g.Incomplete))
	for i, k := range g.Incomplete {
		keys[i] = k.String()
	}
	return "replicate processing failed for " + strings.Join(keys, ", ")
}

// blockReason returns why g cannot be coalesced, or "".
func blockReason(ctx context.Context, g *Group) string {
	if len(g.Incomplete) > 0 {
		return incompleteReason(g)
	}
	if len(g.Missing) > 0 {
		keys := make([]string, len(g.Missing))
		for i, k := range g.Missing {
			keys[i] = k.String()
		}
		return "no replicate BAM for " + strings.Join(keys, ", ")
	}
	for _, f := range g.Files {
		if _, err := file.Stat(ctx, f); err != nil {
			if errors.Is(errors.NotExist, err) {
				return "replicate BAM " + f + " does not exist"
			}
			return fmt.Sprintf("replicate BAM %s: %v", f, err)
		}
	}
	return ""
}

// IsDataIntegrityError tells whether err is a data integrity error of a
// reconciliation: duplicate keys, missing replicates or a read count
// mismatch after a merge.
func IsDataIntegrityError(err error) bool {
	return errors.Is(errors.Integrity, err)
}
