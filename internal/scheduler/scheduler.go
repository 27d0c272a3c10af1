// Package scheduler implements AdaptiveScheduler (spec §4.9): the
// policy that picks how much parallelism a cold full filesystem scan
// gets, based on sampled system load and available memory rather than
// a fixed worker count.
package scheduler

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// MinFreeMemoryFraction is the implementation-chosen floor below which
// Parallel is never selected, per spec §4.9's example threshold.
const MinFreeMemoryFraction = 0.10

// Task names the work select_strategy is deciding parallelism for.
type Task struct {
	// RootHintSize is an approximate count of entries under the scan
	// roots, used to skip sharding overhead for tiny trees.
	RootHintSize int
}

// Strategy is the scheduler's decision: either Serial, or Parallel with
// a shard count and per-shard directory-recursion depth hint.
type Strategy struct {
	Parallel      bool
	Shards        int
	PerShardDepth int
}

// Sampler abstracts the load/memory sampling calls so tests can supply
// deterministic readings without touching /proc.
type Sampler interface {
	LoadAverage1Min() (float64, error)
	FreeMemoryFraction() (float64, error)
}

// gopsutilSampler is the production Sampler, backed by gopsutil/v3.
type gopsutilSampler struct{}

func (gopsutilSampler) LoadAverage1Min() (float64, error) {
	avg, err := load.Avg()
	if err != nil {
		return 0, err
	}
	return avg.Load1, nil
}

func (gopsutilSampler) FreeMemoryFraction() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	if vm.Total == 0 {
		return 0, nil
	}
	return float64(vm.Available) / float64(vm.Total), nil
}

// AdaptiveScheduler picks a cold-scan Strategy from sampled system load.
type AdaptiveScheduler struct {
	sampler       Sampler
	logicalCores  int
	smallTreeSize int
}

// New returns an AdaptiveScheduler backed by real /proc-derived samples.
func New() *AdaptiveScheduler {
	return &AdaptiveScheduler{
		sampler:       gopsutilSampler{},
		logicalCores:  runtime.NumCPU(),
		smallTreeSize: 2048,
	}
}

// NewWithSampler is used by tests to inject a deterministic Sampler.
func NewWithSampler(s Sampler, logicalCores int) *AdaptiveScheduler {
	return &AdaptiveScheduler{sampler: s, logicalCores: logicalCores, smallTreeSize: 2048}
}

// SelectStrategy implements spec §4.9's select_strategy(Task::ColdBuild).
// It never spawns more shards than logical cores, and never selects
// Parallel when free memory is below MinFreeMemoryFraction of total.
func (a *AdaptiveScheduler) SelectStrategy(t Task) Strategy {
	if t.RootHintSize > 0 && t.RootHintSize < a.smallTreeSize {
		return Strategy{Parallel: false}
	}
	if a.logicalCores <= 1 {
		return Strategy{Parallel: false}
	}

	freeFrac, err := a.sampler.FreeMemoryFraction()
	if err != nil || freeFrac < MinFreeMemoryFraction {
		return Strategy{Parallel: false}
	}

	load1, err := a.sampler.LoadAverage1Min()
	if err != nil {
		return Strategy{Parallel: false}
	}

	// A 1-minute load average at or above logical core count means the
	// host is already saturated; scanning serially avoids making
	// contention worse.
	if load1 >= float64(a.logicalCores) {
		return Strategy{Parallel: false}
	}

	headroom := float64(a.logicalCores) - load1
	shards := int(headroom)
	if shards < 1 {
		shards = 1
	}
	if shards > a.logicalCores {
		shards = a.logicalCores
	}

	return Strategy{
		Parallel:      true,
		Shards:        shards,
		PerShardDepth: 2,
	}
}
