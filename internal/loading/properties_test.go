package loading

import (
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/BTreeMap/FeatureStudio/internal/models"
)

var lifecycleKinds = []models.LifecycleKind{
	models.LifecycleWaitingForFeature,
	models.LifecycleFeatureReceived,
	models.LifecycleWaitingForMetrics,
	models.LifecycleMetricsReceived,
}

// For any interleaving of lifecycle events, progress never decreases inside a phase
// and shows 100 only right after a metrics-received.
func TestMachine_ProgressInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewMachine(rapid.Uint64().Draw(t, "seed"))
		now := t0
		steps := rapid.IntRange(1, 40).Draw(t, "steps")

		prevPhase := m.Phase()
		prevValue := m.State(now).ProgressValue
		lastComplete := time.Time{}

		for i := 0; i < steps; i++ {
			// Sample the bar a few times between events.
			samples := rapid.IntRange(0, 4).Draw(t, "samples")
			for j := 0; j < samples; j++ {
				now = now.Add(time.Duration(rapid.Int64Range(0, int64(3*time.Second)).Draw(t, "gap")))
				s := m.State(now)
				if s.Phase != models.PhaseIdle {
					if s.ProgressValue < prevValue {
						t.Fatalf("progress decreased within %v: %v -> %v", s.Phase, prevValue, s.ProgressValue)
					}
					if s.ProgressValue >= Complete {
						t.Fatalf("ticking reached %v without metrics-received", s.ProgressValue)
					}
				} else if s.ProgressValue == Complete && (lastComplete.IsZero() || now.Sub(lastComplete) >= HideDelay) {
					t.Fatalf("100%% shown without a recent metrics-received")
				}
				prevValue = s.ProgressValue
			}

			kind := rapid.SampledFrom(lifecycleKinds).Draw(t, "kind")
			before := m.State(now)
			applied := m.Apply(kind, now)
			after := m.State(now)

			if applied && kind == models.LifecycleMetricsReceived {
				lastComplete = now
				if after.ProgressValue != Complete {
					t.Fatalf("metrics-received must snap to 100, got %v", after.ProgressValue)
				}
			}
			if !applied && after != before {
				t.Fatalf("ignored %v changed state: %+v -> %+v", kind, before, after)
			}
			if after.Phase == prevPhase && kind != models.LifecycleWaitingForFeature && after.Phase != models.PhaseIdle && after.ProgressValue < before.ProgressValue {
				t.Fatalf("progress decreased on %v within %v", kind, after.Phase)
			}
			prevPhase = after.Phase
			prevValue = after.ProgressValue
		}
	})
}

// Re-delivering metrics-received while idle never changes anything.
func TestMachine_MetricsReceivedIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := NewMachine(rapid.Uint64().Draw(t, "seed"))
		now := t0
		for _, k := range rapid.SliceOfN(rapid.SampledFrom(lifecycleKinds), 0, 10).Draw(t, "prefix") {
			m.Apply(k, now)
			now = now.Add(time.Second)
		}
		m.Apply(models.LifecycleMetricsReceived, now)
		settled := now.Add(HideDelay)
		before := m.State(settled)

		repeats := rapid.IntRange(1, 5).Draw(t, "repeats")
		for i := 0; i < repeats; i++ {
			if m.Apply(models.LifecycleMetricsReceived, settled) {
				t.Fatal("metrics-received applied while idle")
			}
		}
		if after := m.State(settled); after != before || after != models.IdleLoadingState() {
			t.Fatalf("state changed on re-delivery: %+v -> %+v", before, after)
		}
	})
}
