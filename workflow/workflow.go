// Package workflow defines the MAS-seq stage graphs. SingleCell chains the
// isoseq single-cell tools on one HiFi BAM; Bulk processes every Kinnex run
// up to full-length reads in parallel and then reconciles the replicates of
// each sample.
package workflow

import (
	"context"
	"fmt"
	"path"
	"regexp"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/masseq/artifact"
	"github.com/grailbio/masseq/pipeline"
	"github.com/grailbio/masseq/toolchain"
)

// Workflow input names.
const (
	InputHiFi      = "hifi_bam"
	InputAdapters  = "skera_adapters"
	InputPrimers   = "primers"
	InputDesign    = "tag_design"
	InputWhitelist = "barcode_whitelist"
	InputReference = "reference"
	InputMapping   = "idmap"
)

// Tool names, as keys of RunContext.Tools.
const (
	toolSkera    = "skera"
	toolLima     = "lima"
	toolIsoSeq   = "isoseq"
	toolSamtools = "samtools"
	toolPbmm2    = "pbmm2"
)

// isoSeq3p is the name of the 3' IsoSeq primer in the primer FASTA. lima
// names split outputs after the "<5p>--<3p>" pair.
const isoSeq3p = "IsoSeqX_3p"

// Config is a run configuration: the RunContext plus, for the bulk workflow,
// the runs to process.
type Config struct {
	pipeline.RunContext `yaml:",inline"`
	Runs                []Run `yaml:"runs"`
}

// LoadConfig reads a YAML run configuration.
func LoadConfig(ctx context.Context, path string) (*Config, error) {
	c := new(Config)
	if err := pipeline.LoadYAML(ctx, path, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Run is the HiFi BAM of one Kinnex adapter in one movie, as demultiplexed by
// the instrument.
type Run struct {
	Movie   string `yaml:"movie"`
	Adapter string `yaml:"adapter"`
	BAM     string `yaml:"bam"`
	// Primers are the IsoSeq 5' primers ("bc01", ...) used with the adapter.
	Primers []string `yaml:"primers"`
}

var (
	nameRE   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	primerRE = regexp.MustCompile(`^bc\d+$`)
)

// ID returns "<movie>.<adapter>", the file name prefix of the run's outputs.
func (r Run) ID() string { return r.Movie + "." + r.Adapter }

// input is the name of the workflow input holding the run's BAM.
func (r Run) input() string { return "hifi_" + r.Movie + "_" + r.Adapter }

func (r Run) validate() error {
	if !nameRE.MatchString(r.Movie) || !nameRE.MatchString(r.Adapter) {
		return errors.E(errors.Invalid, fmt.Sprintf("run %q: movie and adapter must be non-empty names without dots", r.ID()))
	}
	if r.BAM == "" {
		return errors.E(errors.Invalid, fmt.Sprintf("run %s: no bam", r.ID()))
	}
	if len(r.Primers) == 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("run %s: no primers", r.ID()))
	}
	seen := make(map[string]bool)
	for _, p := range r.Primers {
		if !primerRE.MatchString(p) {
			return errors.E(errors.Invalid, fmt.Sprintf("run %s: primer %q is not of the form bcNN", r.ID(), p))
		}
		if seen[p] {
			return errors.E(errors.Invalid, fmt.Sprintf("run %s: primer %s listed twice", r.ID(), p))
		}
		seen[p] = true
	}
	return nil
}

// filePorts returns File ports of the given names.
func filePorts(names ...string) []pipeline.Port {
	ports := make([]pipeline.Port, len(names))
	for i, n := range names {
		ports[i] = pipeline.Port{Name: n, Type: pipeline.File}
	}
	return ports
}

// pairName is the barcode pair lima names the split BAM of primer after.
func pairName(primer string) string {
	return primer + "_5p--" + isoSeq3p
}

// invoke runs tool for the stage call c.
func invoke(ctx context.Context, c pipeline.Call, tool toolchain.Tool) error {
	for _, p := range tool.Outputs() {
		if err := artifact.MkdirAll(path.Dir(p)); err != nil {
			return err
		}
	}
	_, err := c.RC.Runner.Run(ctx, toolchain.Invocation{Stage: c.Stage, Tool: tool, Dir: c.RC.WorkDir})
	return err
}

// declared overrides the outputs a tool declares, for tools whose outputs
// depend on the data, such as lima's split BAMs.
type declared struct {
	toolchain.Tool
	outputs []string
}

func (d declared) Outputs() []string { return d.outputs }
