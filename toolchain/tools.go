// Package toolchain wraps the external PacBio and SAM tools the pipeline
// delegates sequence processing to. Each tool is described by a parameter
// struct whose fields carry buildarg templates; BuildCommand turns the struct
// into an *exec.Cmd. Nothing here interprets reads.
package toolchain

import (
	"os/exec"

	"github.com/biogo/external"
	"github.com/grailbio/base/errors"
)

// ErrMissingRequired is returned by BuildCommand when a required input or
// output path is empty.
var ErrMissingRequired = errors.E(errors.Invalid, "toolchain: missing required argument")

// Tool is implemented by all tool parameter structs.
type Tool interface {
	external.CommandBuilder
	// Outputs returns the files the tool declares it will write.
	Outputs() []string
}

func build(b external.CommandBuilder) (*exec.Cmd, error) {
	cl, err := external.Build(b)
	if err != nil {
		return nil, err
	}
	return exec.Command(cl[0], cl[1:]...), nil
}

// SkeraSplit splits MAS-seq concatenated arrays into segmented reads.
//
//   skera split [options] <in.bam> <adapters.fasta> <out.bam>
type SkeraSplit struct {
	Cmd string `buildarg:"{{if .}}{{.}}{{else}}skera{{end}}"`
	Sub string `buildarg:"split"`

	Threads  int    `buildarg:"{{if .}}--num-threads{{split}}{{.}}{{end}}"`
	LogLevel string `buildarg:"{{if .}}--log-level{{split}}{{.}}{{end}}"`

	Input    string `buildarg:"{{.}}"`
	Adapters string `buildarg:"{{.}}"`
	Output   string `buildarg:"{{.}}"`
}

// BuildCommand implements external.CommandBuilder.
func (s SkeraSplit) BuildCommand() (*exec.Cmd, error) {
	if s.Input == "" || s.Adapters == "" || s.Output == "" {
		return nil, ErrMissingRequired
	}
	return build(s)
}

// Outputs implements Tool.
func (s SkeraSplit) Outputs() []string { return []string{s.Output} }

// Lima demultiplexes reads by barcode or primer.
//
//   lima [options] <in.bam> <barcodes.fasta> <out.bam>
type Lima struct {
	Cmd string `buildarg:"{{if .}}{{.}}{{else}}lima{{end}}"`

	IsoSeq        bool   `buildarg:"{{if .}}--isoseq{{end}}"`
	HiFiPreset    string `buildarg:"{{if .}}--hifi-preset{{split}}{{.}}{{end}}"`
	PeekGuess     bool   `buildarg:"{{if .}}--peek-guess{{end}}"`
	SplitBAMNamed bool   `buildarg:"{{if .}}--split-bam-named{{end}}"`
	NoClip        bool   `buildarg:"{{if .}}--no-clip{{end}}"`
	Threads       int    `buildarg:"{{if .}}--num-threads{{split}}{{.}}{{end}}"`
	LogLevel      string `buildarg:"{{if .}}--log-level{{split}}{{.}}{{end}}"`

	Input    string `buildarg:"{{.}}"`
	Barcodes string `buildarg:"{{.}}"`
	Output   string `buildarg:"{{.}}"`
}

// BuildCommand implements external.CommandBuilder.
func (l Lima) BuildCommand() (*exec.Cmd, error) {
	if l.Input == "" || l.Barcodes == "" || l.Output == "" {
		return nil, ErrMissingRequired
	}
	return build(l)
}

// Outputs implements Tool. lima writes its counts report next to the
// output BAM. With SplitBAMNamed the output BAM itself is replaced by one BAM
// per barcode pair, see SplitOutput, and only the counts are declared.
func (l Lima) Outputs() []string {
	if l.SplitBAMNamed {
		return []string{l.Counts()}
	}
	return []string{l.Output, l.Counts()}
}

// Counts returns the path of the counts report.
func (l Lima) Counts() string { return trimBAM(l.Output) + ".lima.counts" }

// SplitOutput returns the BAM lima writes with SplitBAMNamed for the barcode
// pair named "<first>--<second>".
func (l Lima) SplitOutput(pair string) string { return trimBAM(l.Output) + "." + pair + ".bam" }

// IsoSeqTag extracts UMIs and cell barcodes into BAM tags.
//
//   isoseq tag [options] <in.bam> <out.bam>
type IsoSeqTag struct {
	Cmd string `buildarg:"{{if .}}{{.}}{{else}}isoseq{{end}}"`
	Sub string `buildarg:"tag"`

	Design  string `buildarg:"{{if .}}--design{{split}}{{.}}{{end}}"`
	Threads int    `buildarg:"{{if .}}--num-threads{{split}}{{.}}{{end}}"`

	Input  string `buildarg:"{{.}}"`
	Output string `buildarg:"{{.}}"`
}

// BuildCommand implements external.CommandBuilder.
func (t IsoSeqTag) BuildCommand() (*exec.Cmd, error) {
	if t.Input == "" || t.Output == "" || t.Design == "" {
		return nil, ErrMissingRequired
	}
	return build(t)
}

// Outputs implements Tool.
func (t IsoSeqTag) Outputs() []string { return []string{t.Output} }

// IsoSeqRefine removes polyA tails and concatemers, producing FLNC reads.
//
//   isoseq refine [options] <in.bam> <primers.fasta> <out.bam>
type IsoSeqRefine struct {
	Cmd string `buildarg:"{{if .}}{{.}}{{else}}isoseq{{end}}"`
	Sub string `buildarg:"refine"`

	RequirePolyA bool `buildarg:"{{if .}}--require-polya{{end}}"`
	Threads      int  `buildarg:"{{if .}}--num-threads{{split}}{{.}}{{end}}"`

	Input   string `buildarg:"{{.}}"`
	Primers string `buildarg:"{{.}}"`
	Output  string `buildarg:"{{.}}"`
}

// BuildCommand implements external.CommandBuilder.
func (r IsoSeqRefine) BuildCommand() (*exec.Cmd, error) {
	if r.Input == "" || r.Primers == "" || r.Output == "" {
		return nil, ErrMissingRequired
	}
	return build(r)
}

// Outputs implements Tool.
func (r IsoSeqRefine) Outputs() []string { return []string{r.Output} }

// IsoSeqCorrect corrects cell barcodes against a whitelist and calls real
// cells.
//
//   isoseq correct [options] <in.bam> <out.bam>
type IsoSeqCorrect struct {
	Cmd string `buildarg:"{{if .}}{{.}}{{else}}isoseq{{end}}"`
	Sub string `buildarg:"correct"`

	Barcodes   string `buildarg:"{{if .}}--barcodes{{split}}{{.}}{{end}}"`
	Method     string `buildarg:"{{if .}}--method{{split}}{{.}}{{end}}"`
	Percentile int    `buildarg:"{{if .}}--percentile{{split}}{{.}}{{end}}"`
	Threads    int    `buildarg:"{{if .}}--num-threads{{split}}{{.}}{{end}}"`

	Input  string `buildarg:"{{.}}"`
	Output string `buildarg:"{{.}}"`
}

// BuildCommand implements external.CommandBuilder.
func (c IsoSeqCorrect) BuildCommand() (*exec.Cmd, error) {
	if c.Input == "" || c.Output == "" || c.Barcodes == "" {
		return nil, ErrMissingRequired
	}
	return build(c)
}

// Outputs implements Tool.
func (c IsoSeqCorrect) Outputs() []string { return []string{c.Output} }

// IsoSeqBcStats reports per-barcode read and UMI counts of a corrected BAM.
//
//   isoseq bcstats [options] -o <out.tsv> <in.bam>
type IsoSeqBcStats struct {
	Cmd string `buildarg:"{{if .}}{{.}}{{else}}isoseq{{end}}"`
	Sub string `buildarg:"bcstats"`

	JSON    string `buildarg:"{{if .}}--json{{split}}{{.}}{{end}}"`
	Output  string `buildarg:"{{if .}}-o{{split}}{{.}}{{end}}"`
	Threads int    `buildarg:"{{if .}}--num-threads{{split}}{{.}}{{end}}"`

	Input string `buildarg:"{{.}}"`
}

// BuildCommand implements external.CommandBuilder.
func (b IsoSeqBcStats) BuildCommand() (*exec.Cmd, error) {
	if b.Input == "" || b.Output == "" {
		return nil, ErrMissingRequired
	}
	return build(b)
}

// Outputs implements Tool.
func (b IsoSeqBcStats) Outputs() []string {
	if b.JSON != "" {
		return []string{b.Output, b.JSON}
	}
	return []string{b.Output}
}

// SamtoolsSort sorts a BAM, by default on the cell barcode tag so that
// groupdedup sees each cell contiguously.
//
//   samtools sort [-t tag] [-@ threads] -o <out.bam> <in.bam>
type SamtoolsSort struct {
	Cmd string `buildarg:"{{if .}}{{.}}{{else}}samtools{{end}}"`
	Sub string `buildarg:"sort"`

	Tag     string `buildarg:"{{if .}}-t{{split}}{{.}}{{end}}"`
	Threads int    `buildarg:"{{if .}}-@{{split}}{{.}}{{end}}"`
	Output  string `buildarg:"{{if .}}-o{{split}}{{.}}{{end}}"`

	Input string `buildarg:"{{.}}"`
}

// BuildCommand implements external.CommandBuilder.
func (s SamtoolsSort) BuildCommand() (*exec.Cmd, error) {
	if s.Input == "" || s.Output == "" {
		return nil, ErrMissingRequired
	}
	return build(s)
}

// Outputs implements Tool.
func (s SamtoolsSort) Outputs() []string { return []string{s.Output} }

// IsoSeqGroupDedup deduplicates reads by cell barcode and UMI.
//
//   isoseq groupdedup [options] <in.bam> <out.bam>
type IsoSeqGroupDedup struct {
	Cmd string `buildarg:"{{if .}}{{.}}{{else}}isoseq{{end}}"`
	Sub string `buildarg:"groupdedup"`

	KeepNonRealCells bool `buildarg:"{{if .}}--keep-non-real-cells{{end}}"`
	Threads          int  `buildarg:"{{if .}}--num-threads{{split}}{{.}}{{end}}"`

	Input  string `buildarg:"{{.}}"`
	Output string `buildarg:"{{.}}"`
}

// BuildCommand implements external.CommandBuilder.
func (d IsoSeqGroupDedup) BuildCommand() (*exec.Cmd, error) {
	if d.Input == "" || d.Output == "" {
		return nil, ErrMissingRequired
	}
	return build(d)
}

// Outputs implements Tool.
func (d IsoSeqGroupDedup) Outputs() []string { return []string{d.Output} }

// Pbmm2Align aligns reads to a reference.
//
//   pbmm2 align [options] <ref.fasta|mmi> <in.bam> <out.bam>
type Pbmm2Align struct {
	Cmd string `buildarg:"{{if .}}{{.}}{{else}}pbmm2{{end}}"`
	Sub string `buildarg:"align"`

	Preset   string `buildarg:"{{if .}}--preset{{split}}{{.}}{{end}}"`
	Sort     bool   `buildarg:"{{if .}}--sort{{end}}"`
	Threads  int    `buildarg:"{{if .}}--num-threads{{split}}{{.}}{{end}}"`
	LogLevel string `buildarg:"{{if .}}--log-level{{split}}{{.}}{{end}}"`

	Reference string `buildarg:"{{.}}"`
	Input     string `buildarg:"{{.}}"`
	Output    string `buildarg:"{{.}}"`
}

// BuildCommand implements external.CommandBuilder.
func (a Pbmm2Align) BuildCommand() (*exec.Cmd, error) {
	if a.Reference == "" || a.Input == "" || a.Output == "" {
		return nil, ErrMissingRequired
	}
	return build(a)
}

// Outputs implements Tool.
func (a Pbmm2Align) Outputs() []string { return []string{a.Output} }

// trimBAM strips a trailing ".bam" from p.
func trimBAM(p string) string {
	const ext = ".bam"
	if len(p) > len(ext) && p[len(p)-len(ext):] == ext {
		return p[:len(p)-len(ext)]
	}
	return p
}
