package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
)

type node struct {
	stage    Stage
	index    int
	bindings map[string][]Ref
	// deps are the indices of the stages this one reads from, ascending.
	deps []int
}

// needs tells whether stage feeds a port of n that is not of type Files.
func (n *node) needs(stage string) bool {
	for port, refs := range n.bindings {
		if p, _, _ := n.stage.input(port); p.Type == Files {
			continue
		}
		for _, ref := range refs {
			if ref.Stage == stage {
				return true
			}
		}
	}
	return false
}

// Graph is a validated stage graph. Stages only read from workflow inputs
// and earlier stages, so declaration order is a topological order.
type Graph struct {
	inputs     map[string]Type
	nodes      []*node
	byName     map[string]*node
	dependents [][]int
}

// Builder accumulates workflow inputs and stages. Errors are collected and
// reported together by Build.
type Builder struct {
	inputs map[string]Type
	nodes  []*node
	byName map[string]*node
	errs   []string
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		inputs: make(map[string]Type),
		byName: make(map[string]*node),
	}
}

func (b *Builder) errorf(format string, args ...interface{}) {
	b.errs = append(b.errs, fmt.Sprintf(format, args...))
}

// Input declares a workflow input.
func (b *Builder) Input(name string, t Type) *Builder {
	if name == "" || strings.Contains(name, ".") {
		b.errorf("invalid workflow input name %q", name)
		return b
	}
	if old, ok := b.inputs[name]; ok && old != t {
		b.errorf("workflow input %s declared as %s and %s", name, old, t)
		return b
	}
	b.inputs[name] = t
	return b
}

// Add declares a stage and binds its inputs. Every binding must refer to a
// declared workflow input or to an output of a stage added earlier.
func (b *Builder) Add(s Stage, bindings ...Binding) *Builder {
	if s.Name == "" {
		b.errorf("stage with empty name")
		return b
	}
	if _, ok := b.byName[s.Name]; ok {
		b.errorf("duplicate stage %s", s.Name)
		return b
	}
	if s.Action == nil {
		b.errorf("stage %s: no action", s.Name)
	}
	if dup := duplicatePort(append(append([]Port(nil), s.Inputs...), s.Optional...)); dup != "" {
		b.errorf("stage %s: duplicate input port %s", s.Name, dup)
	}
	if dup := duplicatePort(s.Outputs); dup != "" {
		b.errorf("stage %s: duplicate output port %s", s.Name, dup)
	}
	n := &node{stage: s, index: len(b.nodes), bindings: make(map[string][]Ref)}
	deps := make(map[int]bool)
	for _, bd := range bindings {
		port, _, ok := s.input(bd.Port)
		if !ok {
			b.errorf("stage %s: no input port %s", s.Name, bd.Port)
			continue
		}
		if _, ok := n.bindings[bd.Port]; ok {
			b.errorf("stage %s: input %s bound twice", s.Name, bd.Port)
			continue
		}
		if len(bd.From) == 0 {
			b.errorf("stage %s: input %s bound to nothing", s.Name, bd.Port)
			continue
		}
		if len(bd.From) > 1 && port.Type != Files {
			b.errorf("stage %s: input %s of type %s bound to %d sources", s.Name, bd.Port, port.Type, len(bd.From))
			continue
		}
		for _, ref := range bd.From {
			src, ok := b.resolve(s.Name, ref, deps)
			if !ok {
				continue
			}
			if !port.Type.accepts(src) {
				b.errorf("stage %s: input %s of type %s bound to %s of type %s", s.Name, bd.Port, port.Type, ref, src)
			}
		}
		n.bindings[bd.Port] = bd.From
	}
	for _, p := range s.Inputs {
		if _, ok := n.bindings[p.Name]; !ok {
			b.errorf("stage %s: required input %s is not bound", s.Name, p.Name)
		}
	}
	for d := range deps {
		n.deps = append(n.deps, d)
	}
	sort.Ints(n.deps)
	b.nodes = append(b.nodes, n)
	b.byName[s.Name] = n
	return b
}

// resolve returns the type of ref, recording stage dependencies in deps.
func (b *Builder) resolve(stage string, ref Ref, deps map[int]bool) (Type, bool) {
	if ref.Stage == "" {
		t, ok := b.inputs[ref.Port]
		if !ok {
			b.errorf("stage %s: undeclared workflow input %s", stage, ref.Port)
		}
		return t, ok
	}
	up, ok := b.byName[ref.Stage]
	if !ok {
		b.errorf("stage %s: reference %s to a stage that is not declared before it", stage, ref)
		return 0, false
	}
	port, ok := up.stage.output(ref.Port)
	if !ok {
		b.errorf("stage %s: reference %s to an undeclared output", stage, ref)
		return 0, false
	}
	deps[up.index] = true
	return port.Type, true
}

// Build validates the graph. Any problem is a configuration error
// (errors.Invalid) listing every problem found.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, errors.E(errors.Invalid, "invalid stage graph:\n\t"+strings.Join(b.errs, "\n\t"))
	}
	g := &Graph{
		inputs:     b.inputs,
		nodes:      b.nodes,
		byName:     b.byName,
		dependents: make([][]int, len(b.nodes)),
	}
	for _, n := range g.nodes {
		for _, d := range n.deps {
			g.dependents[d] = append(g.dependents[d], n.index)
		}
	}
	return g, nil
}

// Order returns the stage names in execution order.
func (g *Graph) Order() []string {
	names := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		names[i] = n.stage.Name
	}
	return names
}

// Stage returns the definition of the named stage.
func (g *Graph) Stage(name string) (Stage, bool) {
	n, ok := g.byName[name]
	if !ok {
		return Stage{}, false
	}
	return n.stage, true
}

// Inputs returns the declared workflow inputs.
func (g *Graph) Inputs() map[string]Type {
	m := make(map[string]Type, len(g.inputs))
	for k, v := range g.inputs {
		m[k] = v
	}
	return m
}

// Dependencies returns the names of the stages the named stage reads from.
func (g *Graph) Dependencies(name string) []string {
	n, ok := g.byName[name]
	if !ok {
		return nil
	}
	var names []string
	for _, d := range n.deps {
		names = append(names, g.nodes[d].stage.Name)
	}
	return names
}

// Dependents returns the names of every stage that transitively depends on
// the named stage, in execution order.
func (g *Graph) Dependents(name string) []string {
	n, ok := g.byName[name]
	if !ok {
		return nil
	}
	seen := make([]bool, len(g.nodes))
	g.mark(n.index, seen)
	var names []string
	for i, s := range seen {
		if s && i != n.index {
			names = append(names, g.nodes[i].stage.Name)
		}
	}
	return names
}

func (g *Graph) mark(i int, seen []bool) {
	if seen[i] {
		return
	}
	seen[i] = true
	for _, d := range g.dependents[i] {
		g.mark(d, seen)
	}
}

// CheckInputs verifies that values supplies every workflow input with a
// value of the declared type. Unknown names are configuration errors too.
func (g *Graph) CheckInputs(values Values) error {
	var errs []string
	names := make([]string, 0, len(g.inputs))
	for name := range g.inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := g.inputs[name]
		v, ok := values[name]
		switch {
		case !ok:
			errs = append(errs, fmt.Sprintf("missing workflow input %s", name))
		case !t.check(v):
			errs = append(errs, fmt.Sprintf("workflow input %s: %v is not a %s", name, v, t))
		}
	}
	for name := range values {
		if _, ok := g.inputs[name]; !ok {
			errs = append(errs, fmt.Sprintf("unknown workflow input %s", name))
		}
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return errors.E(errors.Invalid, strings.Join(errs, "; "))
	}
	return nil
}

func duplicatePort(ports []Port) string {
	seen := make(map[string]bool)
	for _, p := range ports {
		if seen[p.Name] {
			return p.Name
		}
		seen[p.Name] = true
	}
	return ""
}

// IsConfigurationError tells whether err is a configuration error: an invalid
// graph, invalid workflow inputs or an invalid run configuration.
func IsConfigurationError(err error) bool {
	return errors.Is(errors.Invalid, err)
}
