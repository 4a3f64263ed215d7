package runner

import (
	"fmt"
	"math"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"runtime/metrics"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/isdmx/databox/logger"
	"github.com/isdmx/databox/namespace"
	"github.com/isdmx/databox/wire"
)

const (
	heapMetric    = "/memory/classes/heap/objects:bytes"
	watchInterval = 10 * time.Millisecond
	// watchPercent of the memory ceiling trips the heap watchdog. It sits
	// below a container's memory cgroup, which is set to the full ceiling,
	// so the runner reports the breach before the kernel kills it.
	watchPercent = 85
)

// Main is the runner entry point. It reads one job frame from stdin,
// confines itself, executes and writes the result frame to stdout. The
// return value is the process exit code.
func Main() int {
	in := wire.NewReader(os.Stdin, wire.DefaultMaxFrame)
	out := wire.NewWriter(os.Stdout, wire.DefaultMaxFrame)

	env, err := in.Read()
	if err != nil {
		fmt.Fprintf(os.Stderr, "databox-runner: reading job: %v\n", err)
		return wire.ExitProtocol
	}
	if env.Kind != wire.KindJob {
		fmt.Fprintf(os.Stderr, "databox-runner: expected job frame, got %s\n", env.Kind)
		return wire.ExitProtocol
	}
	job := env.Job

	log, err := logger.NewStderr(job.LogLevel)
	if err != nil {
		log = zap.NewNop()
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("execution_id", job.ID))

	if job.RequireNonRoot && os.Geteuid() == 0 {
		log.Error("refusing to execute as root")
		return wire.ExitSetup
	}
	if err := applyLimits(job.Limits); err != nil {
		log.Error("failed to apply limits", zap.Error(err))
		return wire.ExitSetup
	}
	if cores := job.Limits.CPUCores; cores > 0 {
		runtime.GOMAXPROCS(int(math.Max(1, math.Ceil(cores))))
	}
	if mem := job.Limits.MemoryBytes; mem > 0 {
		debug.SetMemoryLimit(mem / 10 * 9)
	}
	namespace.PruneUniverse()

	abort := func(resource string, code int) {
		log.Warn("resource limit reached", zap.String("resource", resource))
		_ = out.Write(&wire.Envelope{
			Kind:   wire.KindResult,
			Result: &wire.Result{Status: wire.StatusResourceExceeded, Resource: resource},
		})
		_ = log.Sync()
		os.Exit(code)
	}

	stop := watchHeap(heapCeiling(job.Limits.MemoryBytes), watchInterval, func() { abort(wire.ResourceMemory, wire.ExitMemory) })
	defer stop()

	xcpu := make(chan os.Signal, 1)
	signal.Notify(xcpu, unix.SIGXCPU)
	go func() {
		if _, ok := <-xcpu; ok {
			abort(wire.ResourceCPU, wire.ExitCPU)
		}
	}()

	log.Debug("executing", zap.Int("source_bytes", len(job.Source)), zap.Strings("capabilities", job.Capabilities))
	res := Interpret(job, &wireHost{in: in, out: out}, log)
	if err := out.Write(&wire.Envelope{Kind: wire.KindResult, Result: &res}); err != nil {
		log.Error("failed to write result", zap.Error(err))
		return wire.ExitProtocol
	}
	if res.Status != wire.StatusCompleted {
		return wire.ExitRuntimeFailure
	}
	return wire.ExitOK
}

// heapCeiling is the live heap size at which the watchdog trips.
func heapCeiling(memoryBytes int64) int64 {
	return memoryBytes / 100 * watchPercent
}

// watchHeap calls breach once if live heap objects exceed limit. The
// returned func stops the watchdog.
func watchHeap(limit int64, every time.Duration, breach func()) (stop func()) {
	if limit <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		samples := []metrics.Sample{{Name: heapMetric}}
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				metrics.Read(samples)
				if samples[0].Value.Kind() != metrics.KindUint64 {
					continue
				}
				if samples[0].Value.Uint64() > uint64(limit) {
					breach()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}
