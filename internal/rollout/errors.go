package rollout

import "errors"

var (
	// ErrRolloutDiverged indicates the integrator hit its steps-per-second
	// ceiling or produced a non-finite state.
	ErrRolloutDiverged = errors.New("rollout: trajectory diverged")

	// ErrStepTooSmall indicates the adaptive step shrank below the floor
	// implied by the steps-per-second guard.
	ErrStepTooSmall = errors.New("rollout: adaptive step below minimum")
)
