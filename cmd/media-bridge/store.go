package main

import (
	"sync"
	"time"
)

// Store holds the canonical BridgeState and decides what actually needs to
// be published.
//
// Commit and Flush come from the daemon goroutine only. Announce is called
// by the orchestrator on connect. Snapshot may be called from anywhere.
type Store struct {
	mu    sync.RWMutex
	state BridgeState

	// emitted is the last value handed out per topic. Diffs are computed
	// against it, so repeated reports of the same value publish nothing.
	emitted map[string]string

	// Volume ticks from CEC can arrive far faster than anyone wants them on
	// the broker. The first change in a window goes out at once; the rest
	// only update state and are flushed when the window closes.
	minInterval  time.Duration
	lastVolumeAt time.Time
	volumeHeld   bool
}

// NewStore creates a store with every field unknown.
func NewStore(minPublishInterval time.Duration) *Store {
	return &Store{
		state:       initialBridgeState(),
		emitted:     make(map[string]string),
		minInterval: minPublishInterval,
	}
}

// Snapshot returns a consistent copy of the current state.
func (s *Store) Snapshot() BridgeState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetAvailable records the bridge liveness as announced on the transport.
func (s *Store) SetAvailable(available bool) {
	s.mu.Lock()
	s.state.Available = available
	s.mu.Unlock()
}

// Commit applies d and returns the attributes whose published value changed.
func (s *Store) Commit(d StateDelta, now time.Time) []Change {
	if d.Empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := &s.state
	if d.TVOn != nil {
		st.TVOn, st.TVOnKnown = *d.TVOn, true
	}
	if d.Volume != nil {
		st.Volume, st.VolumeKnown = clampVolume(*d.Volume), true
	}
	if d.Muted != nil {
		st.Muted, st.MutedKnown = *d.Muted, true
	}
	if d.Playback != nil {
		st.Playback, st.PlaybackKnown = *d.Playback, true
	}
	if d.ActiveSource != nil {
		st.ActiveSource = *d.ActiveSource
	}
	if d.ActiveBackend != nil {
		st.ActiveBackend = *d.ActiveBackend
	}
	if d.TrackTitle != nil {
		st.TrackTitle = *d.TrackTitle
	}
	if d.TrackArtist != nil {
		st.TrackArtist = *d.TrackArtist
	}
	st.UpdatedAt = now

	return s.diffLocked(now)
}

// Flush emits a held volume value once its coalescing window has elapsed.
func (s *Store) Flush(now time.Time) []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.volumeHeld {
		return nil
	}
	return s.diffLocked(now)
}

// Announce returns every known attribute regardless of what was emitted
// before. Used after (re)connecting so retained values on the broker are
// refreshed.
func (s *Store) Announce() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.state.fields()
	for _, c := range all {
		s.emitted[c.Topic] = c.Value
	}
	s.volumeHeld = false
	return all
}

func (s *Store) diffLocked(now time.Time) []Change {
	var changes []Change
	for _, c := range s.state.fields() {
		prev, seen := s.emitted[c.Topic]
		if seen && prev == c.Value {
			if c.Topic == topicVolume {
				s.volumeHeld = false
			}
			continue
		}

		if c.Topic == topicVolume && s.minInterval > 0 &&
			!s.lastVolumeAt.IsZero() && now.Sub(s.lastVolumeAt) < s.minInterval {
			s.volumeHeld = true
			continue
		}
		if c.Topic == topicVolume {
			s.lastVolumeAt = now
			s.volumeHeld = false
		}

		s.emitted[c.Topic] = c.Value
		changes = append(changes, c)
	}
	return changes
}

func clampVolume(v int) int {
	if v < minVolume {
		return minVolume
	}
	if v > maxVolume {
		return maxVolume
	}
	return v
}
