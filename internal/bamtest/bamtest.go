// Package bamtest builds small unaligned BAM files for tests.
package bamtest

import (
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/stretchr/testify/require"
)

// NewAux creates an aux field, panicking on error.
func NewAux(name string, val interface{}) sam.Aux {
	aux, err := sam.NewAux(sam.NewTag(name), val)
	if err != nil {
		panic(fmt.Sprintf("error creating %s %v tag: %v", name, val, err))
	}
	return aux
}

// NewRecord creates an unmapped record.
func NewRecord(name, seq string, auxs ...sam.Aux) *sam.Record {
	r := sam.GetFromFreePool()
	r.Name = name
	r.Ref = nil
	r.Pos = -1
	r.MateRef = nil
	r.MatePos = -1
	r.Flags = sam.Unmapped
	r.Seq = sam.NewSeq([]byte(seq))
	r.Qual = []byte(strings.Repeat("\x1e", len(seq)))
	r.AuxFields = append(r.AuxFields[:0], auxs...)
	return r
}

// NewHeader creates a header with one read group per id in readGroups.
func NewHeader(t testing.TB, readGroups ...string) *sam.Header {
	var b strings.Builder
	b.WriteString("@HD\tVN:1.5\tSO:unknown\n")
	for _, id := range readGroups {
		fmt.Fprintf(&b, "@RG\tID:%s\tPL:PACBIO\tSM:%s\n", id, id)
	}
	h, err := sam.NewHeader([]byte(b.String()), nil)
	require.NoError(t, err)
	return h
}

// Write writes header and records to path.
func Write(t testing.TB, path string, header *sam.Header, records []*sam.Record) {
	ctx := vcontext.Background()
	out, err := file.Create(ctx, path)
	require.NoError(t, err)
	w, err := bam.NewWriter(out.Writer(ctx), header, 1)
	require.NoError(t, err)
	for _, r := range records {
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Close())
	require.NoError(t, out.Close(ctx))
}

// Read reads every record of the BAM file at path.
func Read(t testing.TB, path string) (*sam.Header, []*sam.Record) {
	ctx := vcontext.Background()
	in, err := file.Open(ctx, path)
	require.NoError(t, err)
	defer in.Close(ctx) // nolint: errcheck
	r, err := bam.NewReader(in.Reader(ctx), 1)
	require.NoError(t, err)
	var records []*sam.Record
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		records = append(records, rec)
	}
	require.NoError(t, r.Close())
	return r.Header(), records
}

// Names returns the read names of records.
func Names(records []*sam.Record) []string {
	names := make([]string, len(records))
	for i, r := range records {
		names[i] = r.Name
	}
	return names
}
