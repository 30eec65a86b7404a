package octime

import (
	"math"
	"testing"
)

func TestDiscretizeUniform(t *testing.T) {
	grid := Discretize(0, 1, 0.1, nil)
	if len(grid) != 11 {
		t.Fatalf("expected 11 nodes, got %d", len(grid))
	}
	if grid[0].Time != 0 || grid[len(grid)-1].Time != 1 {
		t.Errorf("endpoints wrong: %v .. %v", grid[0].Time, grid[len(grid)-1].Time)
	}
	for _, a := range grid {
		if a.Event != None {
			t.Error("uniform grid must not contain event nodes")
		}
	}
}

func TestDiscretizeEventPairs(t *testing.T) {
	events := []float64{0.35, 0.7}
	grid := Discretize(0, 1, 0.1, events)

	for _, tau := range events {
		pairs := 0
		for i := 0; i+1 < len(grid); i++ {
			if grid[i].Event == PreEvent && grid[i].Time == tau {
				if grid[i+1].Event != PostEvent || grid[i+1].Time != tau {
					t.Fatalf("PreEvent at %v not followed by PostEvent", tau)
				}
				pairs++
			}
		}
		if pairs != 1 {
			t.Errorf("event %v: found %d pre/post pairs, want exactly 1", tau, pairs)
		}
	}
	if NumEvents(grid) != 2 {
		t.Errorf("NumEvents = %d, want 2", NumEvents(grid))
	}
}

func TestDiscretizeMonotone(t *testing.T) {
	grid := Discretize(0, 2, 0.03, []float64{0.1897, 1.0})
	for i := 0; i+1 < len(grid); i++ {
		if grid[i+1].Time < grid[i].Time {
			t.Fatalf("time decreases at node %d: %v -> %v", i, grid[i].Time, grid[i+1].Time)
		}
	}
}

func TestDiscretizeAbsorbsCollidingNode(t *testing.T) {
	// An event exactly on a uniform node must not create a near-duplicate.
	grid := Discretize(0, 1, 0.1, []float64{0.5})
	eps := 1e-4 * 0.1
	for i := 0; i+1 < len(grid); i++ {
		dt := grid[i+1].Time - grid[i].Time
		crossesEvent := grid[i].Event == PreEvent
		if !crossesEvent && dt < eps && dt != 0 {
			t.Errorf("nodes %d and %d are %v apart", i, i+1, dt)
		}
	}
}

func TestDiscretizeOutOfRangeEventsIgnored(t *testing.T) {
	grid := Discretize(0, 1, 0.1, []float64{-0.5, 0.0, 1.0, 1.5})
	if NumEvents(grid) != 0 {
		t.Errorf("boundary and exterior events must be ignored, got %d", NumEvents(grid))
	}
}

func TestDiscretizeDegenerate(t *testing.T) {
	grid := Discretize(3, 3, 0.1, nil)
	if len(grid) != 1 || grid[0].Time != 3 {
		t.Fatalf("t0 == tf should return a single node, got %v", grid)
	}
}

func TestIntervalDuration(t *testing.T) {
	grid := Discretize(0, 1, 0.25, []float64{0.5})
	for i := 0; i+1 < len(grid); i++ {
		d := IntervalDuration(grid[i], grid[i+1])
		if grid[i].Event == PreEvent && d != 0 {
			t.Errorf("event interval has nonzero duration %v", d)
		}
		if d < 0 {
			t.Errorf("negative duration %v", d)
		}
	}
	total := 0.0
	for i := 0; i+1 < len(grid); i++ {
		total += IntervalDuration(grid[i], grid[i+1])
	}
	if math.Abs(total-1.0) > 1e-12 {
		t.Errorf("durations sum to %v, want 1", total)
	}
}
