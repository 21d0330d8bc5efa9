package loading

import (
	"math/rand/v2"
	"time"

	"github.com/BTreeMap/FeatureStudio/internal/models"
)

// Machine is the loading coordinator state machine. It is not safe for concurrent
// use; Tracker wraps it for sharing.
//
//	Idle            --waiting-for-feature--> AwaitingFeature
//	AwaitingFeature --feature-received-----> AwaitingMetrics
//	AwaitingFeature --waiting-for-metrics--> AwaitingMetrics
//	Idle            --waiting-for-metrics--> AwaitingMetrics
//	Awaiting*       --metrics-received-----> Idle (100%, hidden after HideDelay)
//	any             --waiting-for-feature--> AwaitingFeature (preempts)
//
// AwaitingMetrics has no timeout: without metrics-received the bar stays at the ceiling.
type Machine struct {
	phase       models.Phase
	enteredAt   time.Time
	base        float64
	seed        uint64
	completed   bool
	completedAt time.Time
	rng         *rand.Rand
}

// NewMachine creates an idle machine whose per-phase seeds derive from seed.
func NewMachine(seed uint64) *Machine {
	return &Machine{
		phase: models.PhaseIdle,
		rng:   rand.New(rand.NewPCG(seed, seed>>1|1)),
	}
}

// Phase returns the current phase.
func (m *Machine) Phase() models.Phase {
	return m.phase
}

// Apply feeds one lifecycle event observed at now. It returns false when the event
// does not apply in the current phase (stale, duplicated or out of order).
func (m *Machine) Apply(kind models.LifecycleKind, now time.Time) bool {
	switch kind {
	case models.LifecycleWaitingForFeature:
		m.enter(models.PhaseAwaitingFeature, SeedProgress, now)
		return true

	case models.LifecycleFeatureReceived:
		if m.phase != models.PhaseAwaitingFeature {
			return false
		}
		m.enter(models.PhaseAwaitingMetrics, max(m.progress(now), MetricsFloor), now)
		return true

	case models.LifecycleWaitingForMetrics:
		switch m.phase {
		case models.PhaseAwaitingFeature:
			m.enter(models.PhaseAwaitingMetrics, max(m.progress(now), MetricsFloor), now)
			return true
		case models.PhaseIdle:
			m.enter(models.PhaseAwaitingMetrics, MetricsFloor, now)
			return true
		default:
			return false
		}

	case models.LifecycleMetricsReceived:
		if m.phase == models.PhaseIdle {
			return false
		}
		m.phase = models.PhaseIdle
		m.completed = true
		m.completedAt = now
		return true

	default:
		return false
	}
}

func (m *Machine) enter(phase models.Phase, base float64, now time.Time) {
	m.phase = phase
	m.base = base
	m.enteredAt = now
	m.seed = m.rng.Uint64()
	m.completed = false
}

// progress returns the bar value of an awaiting phase at now.
func (m *Machine) progress(now time.Time) float64 {
	return Progress(m.base, m.seed, now.Sub(m.enteredAt))
}

// State derives the visual loading state at now.
func (m *Machine) State(now time.Time) models.LoadingState {
	switch m.phase {
	case models.PhaseAwaitingFeature:
		return models.LoadingState{
			Phase:             m.phase,
			WaitingForFeature: true,
			ProgressValue:     m.progress(now),
			ProgressVisible:   true,
		}
	case models.PhaseAwaitingMetrics:
		return models.LoadingState{
			Phase:             m.phase,
			WaitingForMetrics: true,
			ProgressValue:     m.progress(now),
			ProgressVisible:   true,
		}
	default:
		if m.completed && now.Sub(m.completedAt) < HideDelay {
			return models.LoadingState{Phase: models.PhaseIdle, ProgressValue: Complete, ProgressVisible: true}
		}
		return models.IdleLoadingState()
	}
}
