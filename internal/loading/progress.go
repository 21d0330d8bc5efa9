// Package loading implements the loading coordinator: the state machine that turns
// lifecycle events into the spinner, progress bar and typing indicators of a session.
//
// Progress is computed, not ticked: Progress is a pure function of the phase entry value,
// a per-phase seed and the elapsed time, so the simulated bar can be tested without timers.
package loading

import (
	"math/rand/v2"
	"time"
)

// Progress simulation parameters.
const (
	// SeedProgress is the value a fresh request starts from.
	SeedProgress = 12.0
	// MetricsFloor is the minimum value once the document has arrived.
	MetricsFloor = 70.0
	// Ceiling is the highest value ticking can reach; only metrics-received sets 100.
	Ceiling = 95.0
	// Complete is the value shown once scores have arrived.
	Complete = 100.0
	// TickInterval is the simulated tick period.
	TickInterval = 400 * time.Millisecond
	// MinIncrement and MaxIncrement bound a single tick's increment [min, max).
	MinIncrement = 3.0
	MaxIncrement = 8.0
	// HideDelay is how long the completed bar stays visible before it is hidden.
	HideDelay = 300 * time.Millisecond
)

// Progress returns the simulated progress after elapsed time in a phase that was
// entered with value base. Each elapsed tick adds a bounded pseudo-random increment
// drawn from seed; the result never exceeds Ceiling and never decreases as elapsed grows.
func Progress(base float64, seed uint64, elapsed time.Duration) float64 {
	if base >= Ceiling {
		return base
	}
	if elapsed <= 0 {
		return base
	}
	ticks := int64(elapsed / TickInterval)
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	value := base
	for i := int64(0); i < ticks; i++ {
		value += MinIncrement + rng.Float64()*(MaxIncrement-MinIncrement)
		if value >= Ceiling {
			return Ceiling
		}
	}
	return value
}
