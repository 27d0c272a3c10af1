package scheduler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeSampler struct {
	load1    float64
	freeFrac float64
	loadErr  error
	memErr   error
}

func (f fakeSampler) LoadAverage1Min() (float64, error)   { return f.load1, f.loadErr }
func (f fakeSampler) FreeMemoryFraction() (float64, error) { return f.freeFrac, f.memErr }

func TestSelectStrategyParallelWhenIdleAndMemoryAvailable(t *testing.T) {
	s := NewWithSampler(fakeSampler{load1: 1.0, freeFrac: 0.5}, 8)
	strat := s.SelectStrategy(Task{RootHintSize: 100_000})
	assert.True(t, strat.Parallel)
	assert.LessOrEqual(t, strat.Shards, 8)
	assert.Greater(t, strat.Shards, 0)
}

func TestSelectStrategySerialBelowMemoryFloor(t *testing.T) {
	s := NewWithSampler(fakeSampler{load1: 0.1, freeFrac: 0.05}, 8)
	strat := s.SelectStrategy(Task{RootHintSize: 100_000})
	assert.False(t, strat.Parallel)
}

func TestSelectStrategySerialWhenSaturated(t *testing.T) {
	s := NewWithSampler(fakeSampler{load1: 16, freeFrac: 0.9}, 8)
	strat := s.SelectStrategy(Task{RootHintSize: 100_000})
	assert.False(t, strat.Parallel)
}

func TestSelectStrategyNeverExceedsLogicalCores(t *testing.T) {
	s := NewWithSampler(fakeSampler{load1: 0.0, freeFrac: 0.9}, 4)
	strat := s.SelectStrategy(Task{RootHintSize: 100_000})
	assert.True(t, strat.Parallel)
	assert.LessOrEqual(t, strat.Shards, 4)
}

func TestSelectStrategySerialOnSamplerError(t *testing.T) {
	s := NewWithSampler(fakeSampler{loadErr: errors.New("boom"), freeFrac: 0.9}, 8)
	strat := s.SelectStrategy(Task{RootHintSize: 100_000})
	assert.False(t, strat.Parallel)
}

func TestSelectStrategySerialForSmallTree(t *testing.T) {
	s := NewWithSampler(fakeSampler{load1: 0.1, freeFrac: 0.9}, 8)
	strat := s.SelectStrategy(Task{RootHintSize: 10})
	assert.False(t, strat.Parallel)
}
