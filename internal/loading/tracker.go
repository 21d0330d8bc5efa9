package loading

import (
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/BTreeMap/FeatureStudio/internal/models"
)

// Tracker is the single loading state container of a session. Every panel reads
// the same Tracker, so spinners cannot disagree.
//
// Listeners are told about every transition, every progress tick of an awaiting
// phase and the hide that follows a completed bar. Ticking pauses once the bar sits
// at the ceiling.
type Tracker struct {
	// notifyMu orders notifications; it is taken before mu.
	notifyMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	machine   *Machine
	clock     clockwork.Clock
	listeners []func(models.LoadingState)
	timer     clockwork.Timer
	gen       uint64
	stopped   bool
}

// NewTracker creates an idle tracker for a session.
func NewTracker(sessionID string, c clockwork.Clock) *Tracker {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &Tracker{
		sessionID: sessionID,
		machine:   NewMachine(rand.Uint64()),
		clock:     c,
	}
}

// OnChange registers fn to be called with every pushed state. fn must not call back
// into the Tracker.
func (t *Tracker) OnChange(fn func(models.LoadingState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Apply feeds a lifecycle event and reports whether it changed the phase.
func (t *Tracker) Apply(kind models.LifecycleKind) bool {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	from := t.machine.Phase()
	now := t.clock.Now()
	if t.stopped || !t.machine.Apply(kind, now) {
		t.mu.Unlock()
		slog.Debug("Tracker.Apply: event ignored", "sessionID", t.sessionID, "kind", kind, "phase", from)
		return false
	}
	state := t.machine.State(now)
	t.rescheduleLocked(state)
	listeners := t.listenersLocked()
	t.mu.Unlock()

	slog.Debug("Tracker.Apply: transition", "sessionID", t.sessionID, "kind", kind, "from", from, "to", state.Phase, "progress", state.ProgressValue)
	notify(listeners, state)
	return true
}

// rescheduleLocked replaces the pending timer with the next one the state needs:
// a tick while awaiting below the ceiling, or the hide of a completed bar.
func (t *Tracker) rescheduleLocked(state models.LoadingState) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	gen := t.gen
	switch {
	case state.Phase != models.PhaseIdle && state.ProgressValue < Ceiling:
		t.timer = t.clock.AfterFunc(TickInterval, func() { t.fire(gen) })
	case state.Phase == models.PhaseIdle && state.ProgressVisible:
		t.timer = t.clock.AfterFunc(HideDelay, func() { t.fire(gen) })
	}
}

// fire pushes the state reached when a tick or hide timer of generation gen expires.
func (t *Tracker) fire(gen uint64) {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.mu.Lock()
	if t.stopped || gen != t.gen {
		t.mu.Unlock()
		return
	}
	state := t.machine.State(t.clock.Now())
	t.rescheduleLocked(state)
	listeners := t.listenersLocked()
	t.mu.Unlock()

	notify(listeners, state)
}

func (t *Tracker) listenersLocked() []func(models.LoadingState) {
	return append([]func(models.LoadingState){}, t.listeners...)
}

func notify(listeners []func(models.LoadingState), state models.LoadingState) {
	for _, fn := range listeners {
		fn(state)
	}
}

// Stop cancels the pending timer. Later events are ignored.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Snapshot returns the current loading state.
func (t *Tracker) Snapshot() models.LoadingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.machine.State(t.clock.Now())
}

// Phase returns the current phase.
func (t *Tracker) Phase() models.Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.machine.Phase()
}
