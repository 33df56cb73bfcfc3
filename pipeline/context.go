package pipeline

import (
	"context"
	"fmt"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/masseq/artifact"
	"github.com/grailbio/masseq/resources"
	"github.com/grailbio/masseq/toolchain"
	"gopkg.in/yaml.v3"
)

// RunContext is the configuration of one pipeline run. It is passed to every
// stage explicitly; nothing reads the process environment or the working
// directory.
type RunContext struct {
	// RunID names the run. It defaults to "masseq".
	RunID string `yaml:"run_id"`
	// OutputRoot is the root under which every stage writes its outputs,
	// one directory per stage.
	OutputRoot string `yaml:"output_root"`
	// WorkDir is the working directory of external tools. It defaults to
	// OutputRoot.
	WorkDir string `yaml:"work_dir"`
	// Parallelism bounds the number of stages that run at once. Zero means
	// no bound.
	Parallelism int `yaml:"parallelism"`

	Features toolchain.Features `yaml:"features"`
	// MergePhysically makes the merge stage write one merged BAM per sample
	// instead of only the grouping reports.
	MergePhysically bool `yaml:"merge_physically"`
	// Unmapped is the policy for barcodes absent from the mapping: "report"
	// or "fatal".
	Unmapped string `yaml:"unmapped"`
	// Title titles the read count plot of the merge stage.
	Title string `yaml:"title"`
	// Summary makes the merge stage also write the HTML and xlsx summaries.
	Summary bool `yaml:"summary"`

	// Resources holds per stage kind resource overrides.
	Resources map[string]resources.Override `yaml:"resources"`
	// Tools maps a tool name ("skera", "lima", "isoseq", "samtools",
	// "pbmm2") to the binary to run.
	Tools map[string]string `yaml:"tools"`
	// Inputs are the raw workflow inputs. Graph inputs are converted with
	// Inputs.
	Inputs map[string]interface{} `yaml:"inputs"`

	Runner toolchain.Runner `yaml:"-"`
	Sizer  resources.Sizer  `yaml:"-"`
}

// LoadRunContext reads a YAML run configuration.
func LoadRunContext(ctx context.Context, path string) (*RunContext, error) {
	rc := new(RunContext)
	if err := LoadYAML(ctx, path, rc); err != nil {
		return nil, err
	}
	return rc, nil
}

// LoadYAML decodes the YAML run configuration at path into v. Unknown fields
// are errors.
func LoadYAML(ctx context.Context, path string, v interface{}) error {
	f, err := file.Open(ctx, path)
	if err != nil {
		return errors.E(err, "open run configuration", path)
	}
	defer f.Close(ctx) // nolint: errcheck
	dec := yaml.NewDecoder(f.Reader(ctx))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return errors.E(errors.Invalid, err, "parse run configuration", path)
	}
	return nil
}

// Init fills defaults and validates rc.
func (rc *RunContext) Init() error {
	if rc.OutputRoot == "" {
		return errors.E(errors.Invalid, "run configuration: output_root is required")
	}
	rc.OutputRoot = artifact.Normalize(rc.OutputRoot)
	if rc.RunID == "" {
		rc.RunID = "masseq"
	}
	if rc.WorkDir == "" {
		rc.WorkDir = rc.OutputRoot
	}
	if rc.Parallelism < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("run configuration: negative parallelism %d", rc.Parallelism))
	}
	switch rc.Unmapped {
	case "":
		rc.Unmapped = "report"
	case "report", "fatal":
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("run configuration: unknown unmapped policy %q", rc.Unmapped))
	}
	if rc.Runner == nil {
		rc.Runner = toolchain.ExecRunner{}
	}
	if rc.Sizer == nil {
		rc.Sizer = &resources.FileSizer{}
	}
	return nil
}

// Tool returns the binary configured for tool name, or "" to use the tool's
// default.
func (rc *RunContext) Tool(name string) string {
	return rc.Tools[name]
}

// ResourcesFor resolves the resource hints of a stage kind given the total
// size of its inputs.
func (rc *RunContext) ResourcesFor(kind string, inputBytes int64) resources.Spec {
	return resources.For(kind, inputBytes, rc.Resources[kind])
}

// GraphInputs converts the raw configuration inputs to values of the types g
// declares. File values are normalized.
func (rc *RunContext) GraphInputs(g *Graph) (Values, error) {
	values := make(Values, len(rc.Inputs))
	for name, raw := range rc.Inputs {
		t, ok := g.inputs[name]
		if !ok {
			// Reported by CheckInputs.
			values[name] = raw
			continue
		}
		v, err := convert(t, raw)
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("workflow input %s: %v", name, err))
		}
		values[name] = v
	}
	return values, g.CheckInputs(values)
}

func convert(t Type, raw interface{}) (interface{}, error) {
	switch t {
	case File:
		if s, ok := raw.(string); ok {
			return artifact.Normalize(s), nil
		}
	case String:
		switch v := raw.(type) {
		case string:
			return v, nil
		case int:
			return strconv.Itoa(v), nil
		}
	case Bool:
		if b, ok := raw.(bool); ok {
			return b, nil
		}
	case Int:
		switch v := raw.(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		}
	case Files:
		switch v := raw.(type) {
		case string:
			return []string{artifact.Normalize(v)}, nil
		case []string:
			out := make([]string, len(v))
			for i, s := range v {
				out[i] = artifact.Normalize(s)
			}
			return out, nil
		case []interface{}:
			out := make([]string, len(v))
			for i, e := range v {
				s, ok := e.(string)
				if !ok {
					return nil, fmt.Errorf("element %d: %v is not a file", i, e)
				}
				out[i] = artifact.Normalize(s)
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("%v is not a %s", raw, t)
}
