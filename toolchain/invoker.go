package toolchain

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// maxCapture bounds the stdout and stderr kept from one tool run. Only the
// tail is kept.
const maxCapture = 64 << 10

// Invocation is one external tool run of a stage.
type Invocation struct {
	// Stage names the stage instance, e.g. "lima/m64012_200101_000000".
	Stage string
	Tool  Tool
	// Dir is the working directory of the process. Relative declared outputs
	// are resolved against it.
	Dir string
}

// Result is what a finished tool run returns.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	// Outputs are the declared output paths, all of which exist.
	Outputs  []string
	Duration time.Duration
}

// Runner runs external tools. Runs are synchronous and are never retried.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// ExitError reports a failed tool run: a non-zero exit, a process that could
// not be started, or a declared output that was not written.
type ExitError struct {
	Stage    string
	Args     []string
	ExitCode int
	Stderr   string
	Missing  []string
	Err      error
}

func (e *ExitError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Stage, strings.Join(e.Args, " "))
	switch {
	case len(e.Missing) > 0:
		fmt.Fprintf(&b, ": missing outputs %s", strings.Join(e.Missing, ", "))
	case e.Err != nil:
		fmt.Fprintf(&b, ": %v", e.Err)
	default:
		fmt.Fprintf(&b, ": exit status %d", e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, "\n%s", s)
	}
	return b.String()
}

// AsExitError returns the *ExitError carried by err, looking through
// grailbio/base/errors wrapping.
func AsExitError(err error) (*ExitError, bool) {
	for err != nil {
		switch e := err.(type) {
		case *ExitError:
			return e, true
		case *errors.Error:
			err = e.Err
		default:
			return nil, false
		}
	}
	return nil, false
}

// ExecRunner runs tools as local subprocesses.
type ExecRunner struct {
	// Env, if set, is appended to the process environment.
	Env []string
}

// Run implements Runner.
func (r ExecRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	cmd, err := inv.Tool.BuildCommand()
	if err != nil {
		return Result{}, errors.E(errors.Invalid, err, inv.Stage)
	}
	cmd.Dir = inv.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	stdout, stderr := &tailBuffer{max: maxCapture}, &tailBuffer{max: maxCapture}
	cmd.Stdout, cmd.Stderr = stdout, stderr

	log.Printf("%s: running %s", inv.Stage, strings.Join(cmd.Args, " "))
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, &ExitError{Stage: inv.Stage, Args: cmd.Args, ExitCode: -1, Err: err}
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return Result{ExitCode: -1, Stderr: stderr.String()}, errors.E(errors.Canceled, ctx.Err(), inv.Stage)
	case err = <-done:
	}

	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		res.ExitCode = -1
		if ee, ok := err.(*exec.ExitError); ok {
			res.ExitCode = ee.ExitCode()
		}
		return res, &ExitError{Stage: inv.Stage, Args: cmd.Args, ExitCode: res.ExitCode, Stderr: res.Stderr, Err: err}
	}
	log.Printf("%s: done in %s", inv.Stage, res.Duration.Round(time.Second))

	res.Outputs, err = checkOutputs(ctx, inv)
	if err != nil {
		ee := err.(*ExitError)
		ee.Args = cmd.Args
		ee.Stderr = res.Stderr
		return res, ee
	}
	return res, nil
}

// checkOutputs verifies that every declared output of inv exists.
func checkOutputs(ctx context.Context, inv Invocation) ([]string, error) {
	var outputs, missing []string
	for _, p := range inv.Tool.Outputs() {
		if !filepath.IsAbs(p) && inv.Dir != "" && !strings.Contains(p, "://") {
			p = filepath.Join(inv.Dir, p)
		}
		if _, err := file.Stat(ctx, p); err != nil {
			log.Debug.Printf("%s: stat %s: %v", inv.Stage, p, err)
			missing = append(missing, p)
			continue
		}
		outputs = append(outputs, p)
	}
	if len(missing) > 0 {
		return nil, &ExitError{Stage: inv.Stage, Missing: missing}
	}
	return outputs, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max       int
	buf       bytes.Buffer
	truncated bool
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > t.max {
		p = p[len(p)-t.max:]
		t.truncated = true
	}
	if over := t.buf.Len() + len(p) - t.max; over > 0 {
		t.buf.Next(over)
		t.truncated = true
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	if t.truncated {
		return "...\n" + t.buf.String()
	}
	return t.buf.String()
}
