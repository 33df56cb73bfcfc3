package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/masseq/resources"
)

// Status is the state of a stage within a run.
type Status int

const (
	Pending Status = iota
	Running
	Succeeded
	Failed
	// Skipped stages depend, directly or not, on a failed stage.
	Skipped
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// StageRun records one stage of a run.
type StageRun struct {
	Name      string
	Kind      string
	Status    Status
	Inputs    Values
	Outputs   Values
	Resources resources.Spec
	Err       error
	// Cause names the failed stage a skipped stage was waiting on.
	Cause string
	// Incomplete lists the failed or skipped dependencies a partial stage
	// ran without.
	Incomplete []string
	Start, End time.Time
}

// PipelineRun is the record of one execution of a graph. It is terminal when
// no stage is Pending.
type PipelineRun struct {
	ID     string
	Stages []*StageRun
	byName map[string]*StageRun
}

// Stage returns the record of the named stage, or nil.
func (r *PipelineRun) Stage(name string) *StageRun {
	return r.byName[name]
}

// Names returns the stages with status s, in declaration order.
func (r *PipelineRun) Names(s Status) []string {
	var names []string
	for _, st := range r.Stages {
		if st.Status == s {
			names = append(names, st.Name)
		}
	}
	return names
}

// Run executes g. A stage starts as soon as all of its dependencies have
// succeeded, with at most rc.Parallelism stages running at a time, so
// independent chains never wait for each other. A failed stage marks all of
// its dependents Skipped; stages that do not depend on it still run. Partial
// stages are the exception: they run once their dependencies are terminal
// and see only the outputs of those that succeeded.
//
// Invalid workflow inputs fail the run before any stage starts. Otherwise Run
// returns the run record together with an error if any stage failed; the
// error wraps the first failure in declaration order.
func Run(ctx context.Context, rc *RunContext, g *Graph, inputs Values) (*PipelineRun, error) {
	if err := g.CheckInputs(inputs); err != nil {
		return nil, err
	}
	run := &PipelineRun{
		ID:     rc.RunID,
		Stages: make([]*StageRun, len(g.nodes)),
		byName: make(map[string]*StageRun, len(g.nodes)),
	}
	for i, n := range g.nodes {
		st := &StageRun{Name: n.stage.Name, Kind: n.stage.kind()}
		run.Stages[i] = st
		run.byName[st.Name] = st
	}

	limit := rc.Parallelism
	if limit <= 0 {
		limit = len(g.nodes)
	}
	type finished struct {
		index int
		st    StageRun
	}
	var (
		done    = make(chan finished)
		running int
	)
	for {
		for _, n := range g.nodes {
			st := run.Stages[n.index]
			if st.Status != Pending {
				continue
			}
			ready, cause, incomplete := run.readiness(n)
			if cause != "" {
				st.Status = Skipped
				st.Cause = cause
				log.Error.Printf("%s: skipped, depends on failed stage %s", st.Name, cause)
				continue
			}
			if !ready || running == limit {
				continue
			}
			if len(incomplete) > 0 {
				log.Error.Printf("%s: running without %s", st.Name, strings.Join(incomplete, ", "))
			}
			st.Status = Running
			running++
			go func(n *node, in Values, incomplete []string) {
				done <- finished{n.index, runStage(ctx, rc, n.stage, in, incomplete)}
			}(n, stageInputs(n, run, inputs), incomplete)
		}
		if running == 0 {
			break
		}
		f := <-done
		running--
		st := run.Stages[f.index]
		f.st.Name, f.st.Kind = st.Name, st.Kind
		*st = f.st
	}

	failed := run.Names(Failed)
	if len(failed) == 0 {
		return run, nil
	}
	var first error
	for _, st := range run.Stages {
		if st.Status == Failed {
			first = st.Err
			break
		}
	}
	return run, errors.E(first, fmt.Sprintf("run %s: %d stage(s) failed: %s; %d skipped",
		run.ID, len(failed), strings.Join(failed, ", "), len(run.Names(Skipped))))
}

// readiness tells whether n can start. A non-empty cause names the failed
// stage n must be skipped for. Incomplete lists the dependencies a partial
// stage runs without.
func (r *PipelineRun) readiness(n *node) (ready bool, cause string, incomplete []string) {
	ready = true
	for _, d := range n.deps {
		up := r.Stages[d]
		switch up.Status {
		case Pending, Running:
			ready = false
		case Failed, Skipped:
			if !n.stage.Partial || n.needs(up.Name) {
				cause = up.Name
				if up.Cause != "" {
					cause = up.Cause
				}
				return false, cause, nil
			}
			incomplete = append(incomplete, up.Name)
		}
	}
	if !ready {
		return false, "", nil
	}
	return true, "", incomplete
}

// stageInputs realizes the input values of n from workflow inputs and the
// outputs of completed stages. Files inputs leave out stages that did not
// succeed.
func stageInputs(n *node, run *PipelineRun, inputs Values) Values {
	in := make(Values, len(n.bindings))
	for port, refs := range n.bindings {
		p, _, _ := n.stage.input(port)
		if p.Type != Files {
			in[port] = value(refs[0], run, inputs)
			continue
		}
		var files []string
		for _, ref := range refs {
			if ref.Stage != "" && run.byName[ref.Stage].Status != Succeeded {
				continue
			}
			switch v := value(ref, run, inputs).(type) {
			case string:
				files = append(files, v)
			case []string:
				files = append(files, v...)
			}
		}
		in[port] = files
	}
	return in
}

func value(ref Ref, run *PipelineRun, inputs Values) interface{} {
	if ref.Stage == "" {
		return inputs[ref.Port]
	}
	return run.byName[ref.Stage].Outputs[ref.Port]
}

func runStage(ctx context.Context, rc *RunContext, s Stage, in Values, incomplete []string) StageRun {
	st := StageRun{Inputs: in, Incomplete: incomplete, Start: time.Now()}
	var paths []string
	for name, v := range in {
		switch p, _, _ := s.input(name); p.Type {
		case File:
			if f, ok := v.(string); ok {
				paths = append(paths, f)
			}
		case Files:
			if fs, ok := v.([]string); ok {
				paths = append(paths, fs...)
			}
		}
	}
	var size int64
	if rc.Sizer != nil && len(paths) > 0 {
		size = resources.TotalSize(ctx, rc.Sizer, paths...)
	}
	st.Resources = rc.ResourcesFor(s.kind(), size)
	log.Printf("%s: starting (%s)", s.Name, st.Resources)

	out, err := s.Action(ctx, Call{RC: rc, Stage: s.Name, Inputs: in, Incomplete: incomplete, Resources: st.Resources})
	if err == nil {
		err = checkOutputs(s, out)
	}
	st.End = time.Now()
	if err != nil {
		st.Status = Failed
		st.Err = errors.E(err, "stage", s.Name)
		log.Error.Printf("%s: failed after %s: %v", s.Name, st.End.Sub(st.Start).Round(time.Millisecond), err)
		return st
	}
	st.Status = Succeeded
	st.Outputs = out
	log.Printf("%s: succeeded in %s", s.Name, st.End.Sub(st.Start).Round(time.Millisecond))
	return st
}

func checkOutputs(s Stage, out Values) error {
	var errs []string
	for _, p := range s.Outputs {
		v, ok := out[p.Name]
		switch {
		case !ok:
			errs = append(errs, fmt.Sprintf("output %s not produced", p.Name))
		case !p.Type.check(v):
			errs = append(errs, fmt.Sprintf("output %s: %v is not a %s", p.Name, v, p.Type))
		}
	}
	if len(errs) > 0 {
		return errors.E(errors.Invalid, strings.Join(errs, "; "))
	}
	return nil
}
