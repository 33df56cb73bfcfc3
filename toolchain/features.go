package toolchain

import "strings"

// Features are the boolean switches that select tool flag variants. They are
// fixed when a workflow is built; they never add or remove stages.
type Features struct {
	// TrimPolyA makes refine require and trim a polyA tail.
	TrimPolyA bool `yaml:"trim_polya"`
	// ClipAdapters makes lima clip the barcode sequence from reads.
	ClipAdapters bool `yaml:"clip_adapters"`
}

// DefaultFeatures are the features used when a configuration does not say
// otherwise.
var DefaultFeatures = Features{TrimPolyA: true, ClipAdapters: true}

// Arguments is the set of feature dependent flags of each tool.
type Arguments struct {
	Lima   []string
	Refine []string
}

// ArgumentSet maps features to per-tool argument lists.
func ArgumentSet(f Features) Arguments {
	var a Arguments
	if !f.ClipAdapters {
		a.Lima = append(a.Lima, "--no-clip")
	}
	if f.TrimPolyA {
		a.Refine = append(a.Refine, "--require-polya")
	}
	return a
}

// ApplyLima sets the feature dependent fields of l.
func (a Arguments) ApplyLima(l *Lima) {
	l.NoClip = has(a.Lima, "--no-clip")
}

// ApplyRefine sets the feature dependent fields of r.
func (a Arguments) ApplyRefine(r *IsoSeqRefine) {
	r.RequirePolyA = has(a.Refine, "--require-polya")
}

func (a Arguments) String() string {
	return "lima[" + strings.Join(a.Lima, " ") + "] refine[" + strings.Join(a.Refine, " ") + "]"
}

func has(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}
