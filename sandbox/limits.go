package sandbox

import (
	"math"
	"time"

	"github.com/isdmx/databox/config"
	"github.com/isdmx/databox/wire"
)

// ResourceLimits is the single set of ceilings for one execution. Every
// boundary enforces it, and the runner applies it to itself.
type ResourceLimits struct {
	Timeout        time.Duration
	MemoryBytes    int64
	CPUCores       float64
	CPUSeconds     int64
	ScratchBytes   int64
	MaxOutputBytes int
	KillGrace      time.Duration
}

// Overrides are the per-request limit values. Zero means the configured
// default.
type Overrides struct {
	TimeoutSec int
	MemoryMB   int
	CPUCores   float64
}

// ResolveLimits merges overrides into the configured defaults and clamps
// the result to the configured maxima.
func ResolveLimits(cfg *config.SandboxConfig, o Overrides) ResourceLimits {
	timeoutSec := pick(o.TimeoutSec, cfg.TimeoutSec, cfg.MaxTimeoutSec)
	memoryMB := pick(o.MemoryMB, cfg.MemoryMB, cfg.MaxMemoryMB)

	cores := cfg.CPUCores
	if o.CPUCores > 0 {
		cores = o.CPUCores
	}
	cores = math.Min(cores, cfg.MaxCPUCores)

	timeout := time.Duration(timeoutSec) * time.Second
	return ResourceLimits{
		Timeout:        timeout,
		MemoryBytes:    int64(memoryMB) * BytesPerMB,
		CPUCores:       cores,
		CPUSeconds:     cpuSeconds(timeout, cores),
		ScratchBytes:   int64(cfg.ScratchMB) * BytesPerMB,
		MaxOutputBytes: cfg.MaxOutputBytes,
		KillGrace:      time.Duration(cfg.KillGraceMS) * time.Millisecond,
	}
}

func pick(override, def, maximum int) int {
	v := def
	if override > 0 {
		v = override
	}
	if v > maximum {
		v = maximum
	}
	return v
}

// cpuSeconds leaves one second over timeout*cores so the wall clock fires
// first for a single-threaded busy loop.
func cpuSeconds(timeout time.Duration, cores float64) int64 {
	return int64(math.Ceil(timeout.Seconds()*cores)) + 1
}

func (l ResourceLimits) wire() wire.Limits {
	return wire.Limits{
		MemoryBytes:    l.MemoryBytes,
		CPUSeconds:     l.CPUSeconds,
		CPUCores:       l.CPUCores,
		ScratchBytes:   l.ScratchBytes,
		MaxOutputBytes: l.MaxOutputBytes,
	}
}
