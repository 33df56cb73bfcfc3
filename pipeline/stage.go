// Package pipeline builds and runs stage graphs. A stage declares typed input
// and output ports; bindings connect each input port to a workflow input or
// to an output port of an earlier stage. Builder validates the whole graph
// before anything runs, and Run executes it with failures confined to the
// dependents of the failing stage.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/masseq/resources"
)

// Type is the type of a port value.
type Type int

const (
	// File is a file reference (a local path or a URL), held as a string.
	File Type = iota
	// String is a plain string.
	String
	// Bool is a boolean.
	Bool
	// Int is an int64.
	Int
	// Files is a list of file references, held as a []string. A Files port
	// may be bound to several File or Files sources; their values are
	// concatenated in binding order.
	Files
)

var typeNames = [...]string{File: "File", String: "String", Bool: "Boolean", Int: "Int", Files: "Array[File]"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// check reports whether v is a valid value of type t.
func (t Type) check(v interface{}) bool {
	switch t {
	case File, String:
		_, ok := v.(string)
		return ok
	case Bool:
		_, ok := v.(bool)
		return ok
	case Int:
		_, ok := v.(int64)
		return ok
	case Files:
		_, ok := v.([]string)
		return ok
	}
	return false
}

// accepts reports whether a source of type src may feed a port of type t.
func (t Type) accepts(src Type) bool {
	if t == src {
		return true
	}
	return t == Files && src == File
}

// Port is a named, typed stage input or output.
type Port struct {
	Name string
	Type Type
}

// Values holds port values by port name.
type Values map[string]interface{}

// File returns the file reference or string held by port name, or "".
func (v Values) File(name string) string {
	s, _ := v[name].(string)
	return s
}

// Files returns the file list held by port name.
func (v Values) Files(name string) []string {
	s, _ := v[name].([]string)
	return s
}

// Bool returns the boolean held by port name.
func (v Values) Bool(name string) bool {
	b, _ := v[name].(bool)
	return b
}

// Int returns the integer held by port name.
func (v Values) Int(name string) int64 {
	i, _ := v[name].(int64)
	return i
}

// Call is what a stage action receives.
type Call struct {
	RC *RunContext
	// Stage is the stage instance name.
	Stage  string
	Inputs Values
	// Incomplete names the dependencies of a partial stage that failed or
	// were skipped. Their outputs are absent from Inputs.
	Incomplete []string
	// Resources are the resolved resource hints of the stage.
	Resources resources.Spec
}

// Action performs a stage. It returns a value for every declared output.
type Action func(ctx context.Context, c Call) (Values, error)

// Stage is an immutable stage definition.
type Stage struct {
	// Name identifies the stage instance within a graph, e.g.
	// "lima/m84011_220902_175841_s1".
	Name string
	// Kind is the stage kind used to look up resource defaults and
	// overrides, e.g. "lima". It defaults to Name.
	Kind     string
	Inputs   []Port
	Optional []Port
	Outputs  []Port
	Action   Action
	// Partial marks a join stage. It runs once all of its dependencies are
	// terminal, as long as every dependency feeding a single valued port
	// succeeded; the Files inputs then hold the outputs of the dependencies
	// that succeeded.
	Partial bool
}

func (s Stage) kind() string {
	if s.Kind != "" {
		return s.Kind
	}
	return s.Name
}

func (s Stage) input(name string) (Port, bool, bool) {
	for _, p := range s.Inputs {
		if p.Name == name {
			return p, true, true
		}
	}
	for _, p := range s.Optional {
		if p.Name == name {
			return p, false, true
		}
	}
	return Port{}, false, false
}

func (s Stage) output(name string) (Port, bool) {
	for _, p := range s.Outputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Ref names a value source: a workflow input, or an output port of a stage.
type Ref struct {
	Stage string
	Port  string
}

// In refers to the workflow input name.
func In(name string) Ref { return Ref{Port: name} }

// Out refers to output port of stage.
func Out(stage, port string) Ref { return Ref{Stage: stage, Port: port} }

// ParseRef parses "name" as a workflow input and "stage.port" as a stage
// output. The port name is the text after the last dot.
func ParseRef(s string) Ref {
	if i := strings.LastIndexByte(s, '.'); i > 0 {
		return Ref{Stage: s[:i], Port: s[i+1:]}
	}
	return Ref{Port: s}
}

func (r Ref) String() string {
	if r.Stage == "" {
		return r.Port
	}
	return r.Stage + "." + r.Port
}

// Binding connects input port Port to one or more sources. Only Files ports
// may have more than one source.
type Binding struct {
	Port string
	From []Ref
}

// Bind returns a Binding of port to refs.
func Bind(port string, refs ...Ref) Binding {
	return Binding{Port: port, From: refs}
}
