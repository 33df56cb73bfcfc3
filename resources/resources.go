// Package resources resolves the per-stage resource hints (memory, CPU, disk,
// preemptible retries, boot disk, tool threads) handed to the execution
// environment.
//
// Every field is resolved independently with a fixed precedence:
//
//   1. an explicit user override,
//   2. a computed estimate (disk only, derived from the input sizes),
//   3. the stage default.
//
// Resolution is pure: the same defaults, estimate, input size and override
// always produce the same Spec.
package resources

import (
	"fmt"
	"math"

	"github.com/grailbio/base/log"
)

const gib = 1 << 30

// Spec is a fully resolved set of resource hints for one stage invocation.
type Spec struct {
	MemoryGiB   int `yaml:"memory_gib"`
	CPU         int `yaml:"cpu"`
	DiskGiB     int `yaml:"disk_gib"`
	Preemptible int `yaml:"preemptible"`
	BootDiskGiB int `yaml:"boot_disk_gib"`
	// Threads is the thread count passed to the external tool. It is resolved
	// like the other fields but defaults to CPU when the stage default leaves
	// it unset.
	Threads int `yaml:"threads"`
}

func (s Spec) String() string {
	return fmt.Sprintf("mem=%dGiB cpu=%d disk=%dGiB preemptible=%d boot=%dGiB threads=%d",
		s.MemoryGiB, s.CPU, s.DiskGiB, s.Preemptible, s.BootDiskGiB, s.Threads)
}

// Override carries user supplied values. A nil field means "not supplied",
// which is distinct from an explicit zero (e.g. Preemptible: 0 disables
// preemptible retries).
type Override struct {
	MemoryGiB   *int `yaml:"memory_gib"`
	CPU         *int `yaml:"cpu"`
	DiskGiB     *int `yaml:"disk_gib"`
	Preemptible *int `yaml:"preemptible"`
	BootDiskGiB *int `yaml:"boot_disk_gib"`
	Threads     *int `yaml:"threads"`
}

// Estimate describes how a stage's disk need scales with its inputs:
// disk = ceil(Scale * inputGiB + OverheadGiB).
type Estimate struct {
	Scale       float64
	OverheadGiB float64
}

// Disk computes the disk estimate for inputBytes of input. ok is false when
// the estimate cannot be trusted (absent, zero or negative input size, or a
// non-positive result); callers then fall back to the stage default.
func (e Estimate) Disk(inputBytes int64) (diskGiB int, ok bool) {
	if inputBytes <= 0 || e.Scale <= 0 {
		return 0, false
	}
	v := math.Ceil(e.Scale*float64(inputBytes)/gib + e.OverheadGiB)
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 || v > math.MaxInt32 {
		return 0, false
	}
	return int(v), true
}

// Resolve computes the resource Spec of one stage. est may be nil for stages
// whose disk need does not depend on their inputs. A failed estimate is
// logged and the default is used; it never fails the stage.
func Resolve(stage string, def Spec, est *Estimate, inputBytes int64, o Override) Spec {
	s := Spec{
		MemoryGiB:   pick(o.MemoryGiB, def.MemoryGiB),
		CPU:         pick(o.CPU, def.CPU),
		Preemptible: pick(o.Preemptible, def.Preemptible),
		BootDiskGiB: pick(o.BootDiskGiB, def.BootDiskGiB),
	}

	switch {
	case o.DiskGiB != nil:
		s.DiskGiB = *o.DiskGiB
	case est != nil:
		if d, ok := est.Disk(inputBytes); ok {
			s.DiskGiB = d
		} else {
			log.Error.Printf("%s: cannot estimate disk from %d input bytes, using default %dGiB",
				stage, inputBytes, def.DiskGiB)
			s.DiskGiB = def.DiskGiB
		}
	default:
		s.DiskGiB = def.DiskGiB
	}

	threads := def.Threads
	if threads <= 0 {
		threads = s.CPU
	}
	s.Threads = pick(o.Threads, threads)
	return s
}

func pick(override *int, def int) int {
	if override != nil {
		return *override
	}
	return def
}
