// Package reference holds the mode schedule and target trajectories shared
// between a solver and its caller. Solvers take one snapshot at the top of
// each Run call and treat it as immutable for all iterations of that run.
package reference

import (
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/mkraev/trajopt/internal/ocmath"
)

// ModeSchedule pairs strictly increasing event times with the active mode
// on each inter-event segment: len(ModeSequence) == len(EventTimes)+1.
type ModeSchedule struct {
	EventTimes   []float64
	ModeSequence []int
}

// ModeAt returns the active mode at time t.
func (m ModeSchedule) ModeAt(t float64) int {
	idx := 0
	for idx < len(m.EventTimes) && t >= m.EventTimes[idx] {
		idx++
	}
	if len(m.ModeSequence) == 0 {
		return 0
	}
	return m.ModeSequence[idx]
}

func (m ModeSchedule) Clone() ModeSchedule {
	out := ModeSchedule{
		EventTimes:   make([]float64, len(m.EventTimes)),
		ModeSequence: make([]int, len(m.ModeSequence)),
	}
	copy(out.EventTimes, m.EventTimes)
	copy(out.ModeSequence, m.ModeSequence)
	return out
}

// TargetTrajectories is the desired (x, u) reference used by tracking costs.
type TargetTrajectories struct {
	Times  []float64
	States []*mat.VecDense
	Inputs []*mat.VecDense
}

// SingleTarget builds a constant reference.
func SingleTarget(t float64, x, u *mat.VecDense) *TargetTrajectories {
	return &TargetTrajectories{
		Times:  []float64{t},
		States: []*mat.VecDense{x},
		Inputs: []*mat.VecDense{u},
	}
}

func (tt *TargetTrajectories) StateAt(t float64) *mat.VecDense {
	return ocmath.InterpVec(ocmath.Lookup(t, tt.Times), tt.States)
}

func (tt *TargetTrajectories) InputAt(t float64) *mat.VecDense {
	return ocmath.InterpVec(ocmath.Lookup(t, tt.Times), tt.Inputs)
}

// Manager owns the references and hands out consistent snapshots.
type Manager struct {
	mu       sync.RWMutex
	schedule ModeSchedule
	targets  *TargetTrajectories
}

func NewManager(schedule ModeSchedule, targets *TargetTrajectories) *Manager {
	return &Manager{schedule: schedule, targets: targets}
}

// Snapshot returns the current mode schedule and targets. The returned
// schedule is a copy; the targets pointer must be treated as read-only.
func (m *Manager) Snapshot() (ModeSchedule, *TargetTrajectories) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.schedule.Clone(), m.targets
}

func (m *Manager) SetModeSchedule(s ModeSchedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedule = s
}

func (m *Manager) SetTargetTrajectories(t *TargetTrajectories) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = t
}
