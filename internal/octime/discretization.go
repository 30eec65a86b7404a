// Package octime builds the annotated node grid a solver iterates over:
// a uniform partition of the horizon with mode-switch times spliced in as
// zero-duration PreEvent/PostEvent node pairs.
package octime

import "math"

type Event uint8

const (
	None Event = iota
	PreEvent
	PostEvent
)

// AnnotatedTime is one node of the time grid.
type AnnotatedTime struct {
	Time  float64
	Event Event
}

// Discretize partitions [t0, tf] with nominal step dt and splices every
// interior event time in as a back-to-back (PreEvent, PostEvent) pair.
// Uniform nodes that would land within a small fraction of dt of an event
// are absorbed into it, so no two distinct nodes are closer than that
// threshold. Event times outside (t0, tf) are ignored.
func Discretize(t0, tf, dt float64, eventTimes []float64) []AnnotatedTime {
	eps := 1e-4 * dt

	if tf-t0 < eps {
		return []AnnotatedTime{{Time: t0}}
	}

	var interior []float64
	for _, tau := range eventTimes {
		if tau > t0+eps && tau < tf-eps {
			interior = append(interior, tau)
		}
	}

	grid := make([]AnnotatedTime, 0, int((tf-t0)/dt)+2*len(interior)+2)
	segStart := t0
	includeStart := true
	for _, tau := range interior {
		appendSegment(&grid, segStart, tau, dt, eps, includeStart)
		grid = append(grid,
			AnnotatedTime{Time: tau, Event: PreEvent},
			AnnotatedTime{Time: tau, Event: PostEvent},
		)
		segStart = tau
		// The PostEvent node already represents the segment start.
		includeStart = false
	}
	appendSegment(&grid, segStart, tf, dt, eps, includeStart)
	grid = append(grid, AnnotatedTime{Time: tf})
	return grid
}

// appendSegment emits the nodes of [start, end) excluding the endpoint,
// which belongs to the caller (an event pair or the terminal node).
func appendSegment(grid *[]AnnotatedTime, start, end, dt, eps float64, includeStart bool) {
	span := end - start
	steps := int(math.Round(span / dt))
	if steps < 1 {
		steps = 1
	}
	h := span / float64(steps)
	first := 0
	if !includeStart {
		first = 1
	}
	for k := first; k < steps; k++ {
		t := start + float64(k)*h
		if end-t < eps {
			break
		}
		*grid = append(*grid, AnnotatedTime{Time: t})
	}
}

// Times projects the grid onto its raw time stamps.
func Times(grid []AnnotatedTime) []float64 {
	out := make([]float64, len(grid))
	for i, a := range grid {
		out[i] = a.Time
	}
	return out
}

// IntervalDuration is the length of the interval between two consecutive
// nodes; zero across an event pair.
func IntervalDuration(a, b AnnotatedTime) float64 {
	return b.Time - a.Time
}

// NumEvents counts PreEvent nodes in the grid.
func NumEvents(grid []AnnotatedTime) int {
	n := 0
	for _, a := range grid {
		if a.Event == PreEvent {
			n++
		}
	}
	return n
}
