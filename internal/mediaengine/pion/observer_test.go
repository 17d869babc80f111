package pion

import (
	"testing"
	"time"

	"github.com/voxmesh/voxmesh/internal/mediaengine"
)

func newTestObserver(t *testing.T) (*Observer, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	obs := newObserver(mediaengine.AudioLevelObserverOptions{
		MaxEntries: 3,
		Threshold:  -80,
		Interval:   100 * time.Millisecond,
	}, nil)
	obs.now = func() time.Time { return now }
	return obs, &now
}

func TestObserverReportsAudibleProducers(t *testing.T) {
	obs, _ := newTestObserver(t)
	_ = obs.AddProducer("p1")
	_ = obs.AddProducer("p2")

	var got []mediaengine.Volume
	obs.OnVolumes(func(v []mediaengine.Volume) { got = v })

	obs.updateLevel("p1", 40, false)
	obs.updateLevel("p2", 120, false)
	obs.tick()

	if len(got) != 1 {
		t.Fatalf("audible count = %d, want 1", len(got))
	}
	if got[0].ProducerID != "p1" {
		t.Errorf("producer = %q, want p1", got[0].ProducerID)
	}
	if got[0].Volume != -40 {
		t.Errorf("volume = %v, want -40", got[0].Volume)
	}
}

func TestObserverOrdersLoudestFirstAndCaps(t *testing.T) {
	obs, _ := newTestObserver(t)
	levels := map[string]uint8{"a": 50, "b": 10, "c": 30, "d": 70}
	for id, level := range levels {
		_ = obs.AddProducer(id)
		obs.updateLevel(id, level, false)
	}

	var got []mediaengine.Volume
	obs.OnVolumes(func(v []mediaengine.Volume) { got = v })
	obs.tick()

	if len(got) != 3 {
		t.Fatalf("audible count = %d, want 3 (capped)", len(got))
	}
	want := []string{"b", "c", "a"}
	for i, id := range want {
		if got[i].ProducerID != id {
			t.Errorf("audible[%d] = %q, want %q", i, got[i].ProducerID, id)
		}
	}
}

func TestObserverSilenceFiresOnce(t *testing.T) {
	obs, now := newTestObserver(t)
	_ = obs.AddProducer("p1")

	silences := 0
	obs.OnSilence(func() { silences++ })
	obs.OnVolumes(func([]mediaengine.Volume) {})

	obs.updateLevel("p1", 20, false)
	obs.tick()

	// Reading goes stale after two intervals.
	*now = now.Add(time.Second)
	obs.tick()
	obs.tick()
	obs.tick()

	if silences != 1 {
		t.Errorf("silence callbacks = %d, want 1", silences)
	}
}

func TestObserverIgnoresUnobservedProducers(t *testing.T) {
	obs, _ := newTestObserver(t)

	fired := false
	obs.OnVolumes(func([]mediaengine.Volume) { fired = true })

	obs.updateLevel("ghost", 10, true)
	obs.tick()

	if fired {
		t.Error("volumes fired for a producer that was never added")
	}
}

func TestObserverVoiceFlagCountsAsAudible(t *testing.T) {
	obs, _ := newTestObserver(t)
	_ = obs.AddProducer("p1")

	var got []mediaengine.Volume
	obs.OnVolumes(func(v []mediaengine.Volume) { got = v })

	obs.updateLevel("p1", 120, true)
	obs.tick()

	if len(got) != 1 {
		t.Fatalf("audible count = %d, want 1 (voice activity flag)", len(got))
	}
}

func TestObserverRemoveProducer(t *testing.T) {
	obs, _ := newTestObserver(t)
	_ = obs.AddProducer("p1")
	obs.updateLevel("p1", 20, false)
	_ = obs.RemoveProducer("p1")

	fired := false
	obs.OnVolumes(func([]mediaengine.Volume) { fired = true })
	obs.tick()

	if fired {
		t.Error("volumes fired after producer removal")
	}
}
