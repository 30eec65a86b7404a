package ocproblem

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCollectionAddGet(t *testing.T) {
	c := NewCollection[Penalty]()
	require.NoError(t, c.Add("barrier", &RelaxedBarrier{Mu: 1, Delta: 1e-2}))
	require.NoError(t, c.Add("quadratic", &QuadraticPenalty{Rho: 2}))

	got, err := c.Get("barrier")
	require.NoError(t, err)
	require.IsType(t, &RelaxedBarrier{}, got)

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
}

func TestCollectionDuplicate(t *testing.T) {
	c := NewCollection[Penalty]()
	require.NoError(t, c.Add("p", &QuadraticPenalty{}))
	err := c.Add("p", &QuadraticPenalty{})
	if !errors.Is(err, ErrDuplicateTerm) {
		t.Fatalf("expected ErrDuplicateTerm, got %v", err)
	}
}

func TestCollectionUnknown(t *testing.T) {
	c := NewCollection[Penalty]()
	_, err := c.Get("missing")
	if !errors.Is(err, ErrUnknownTerm) {
		t.Fatalf("expected ErrUnknownTerm, got %v", err)
	}
}

func TestCollectionCloneIsIndependent(t *testing.T) {
	c := NewCollection[Penalty]()
	require.NoError(t, c.Add("p", &QuadraticPenalty{Rho: 1}))
	clone := c.Clone()

	orig, _ := c.Get("p")
	copied, _ := clone.Get("p")
	orig.(*QuadraticPenalty).Rho = 99
	if copied.(*QuadraticPenalty).Rho != 1 {
		t.Error("clone shares term state with the original")
	}
}

func TestRelaxedBarrierContinuity(t *testing.T) {
	p := &RelaxedBarrier{Mu: 0.1, Delta: 1e-2}
	// Value and first derivative should be continuous at the switch point.
	eps := 1e-9
	above := p.Value(p.Delta + eps)
	below := p.Value(p.Delta - eps)
	if math.Abs(above-below) > 1e-6 {
		t.Errorf("value jump at delta: %v vs %v", above, below)
	}
	dAbove := p.Deriv(p.Delta + eps)
	dBelow := p.Deriv(p.Delta - eps)
	if math.Abs(dAbove-dBelow) > 1e-4 {
		t.Errorf("derivative jump at delta: %v vs %v", dAbove, dBelow)
	}
}

func TestRelaxedBarrierPenalizesInfeasible(t *testing.T) {
	p := &RelaxedBarrier{Mu: 0.1, Delta: 1e-2}
	if !(p.Value(-0.5) > p.Value(0.5)) {
		t.Error("infeasible value should cost more than feasible")
	}
	if p.SecondDeriv(-1) <= 0 {
		t.Error("quadratic extension must stay convex")
	}
}

func TestQuadraticPenaltyOneSided(t *testing.T) {
	p := &QuadraticPenalty{Rho: 2}
	if p.Value(0.3) != 0 || p.Deriv(0.3) != 0 {
		t.Error("feasible side must be free")
	}
	require.Equal(t, 0.0, p.Value(0))
	require.InDelta(t, 1.0, p.Value(-1), 1e-12)
}
