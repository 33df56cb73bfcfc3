package workflow

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// Primer is a named sequence of the IsoSeq primer FASTA.
type Primer struct {
	Name string
	Seq  string
}

// ReadPrimers reads a primer FASTA. Names stop at the first space; sequences
// may span lines.
func ReadPrimers(ctx context.Context, path string) ([]Primer, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open primers", path)
	}
	defer f.Close(ctx) // nolint: errcheck
	primers, err := parsePrimers(f.Reader(ctx))
	if err != nil {
		return nil, errors.E(errors.Invalid, err, path)
	}
	return primers, nil
}

func parsePrimers(r io.Reader) ([]Primer, error) {
	var (
		primers []Primer
		seq     strings.Builder
		sc      = bufio.NewScanner(r)
	)
	flush := func() {
		if len(primers) > 0 {
			primers[len(primers)-1].Seq = seq.String()
		}
		seq.Reset()
	}
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if line[0] == '>' {
			flush()
			name := strings.Fields(line[1:])
			if len(name) == 0 {
				return nil, fmt.Errorf("unnamed sequence")
			}
			primers = append(primers, Primer{Name: name[0]})
			continue
		}
		if len(primers) == 0 {
			return nil, fmt.Errorf("sequence before the first name")
		}
		seq.WriteString(line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()
	if len(primers) == 0 {
		return nil, fmt.Errorf("no primers")
	}
	return primers, nil
}

var primer5pRE = regexp.MustCompile(`^(bc\d+)_5p$`)

// CheckPrimers matches the primers of every run against the primer FASTA of
// the configuration. Runs without primers get every 5' primer of the FASTA.
// It is a no-op if the configuration has no primer input.
func (c *Config) CheckPrimers(ctx context.Context) error {
	path, ok := c.Inputs[InputPrimers].(string)
	if !ok || len(c.Runs) == 0 {
		return nil
	}
	primers, err := ReadPrimers(ctx, path)
	if err != nil {
		return err
	}
	var (
		fivePrime []string
		names     = make(map[string]bool)
	)
	for _, p := range primers {
		names[p.Name] = true
		if m := primer5pRE.FindStringSubmatch(p.Name); m != nil {
			fivePrime = append(fivePrime, m[1])
		}
	}
	if !names[isoSeq3p] {
		return errors.E(errors.Invalid, fmt.Sprintf("%s: no %s primer", path, isoSeq3p))
	}
	for i := range c.Runs {
		r := &c.Runs[i]
		if len(r.Primers) == 0 {
			r.Primers = append([]string(nil), fivePrime...)
			continue
		}
		for _, p := range r.Primers {
			if !names[p+"_5p"] {
				return errors.E(errors.Invalid, fmt.Sprintf("run %s: primer %s_5p not in %s", r.ID(), p, path))
			}
		}
	}
	return nil
}
