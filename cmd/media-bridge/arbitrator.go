package main

import (
	"sort"
	"sync"
	"time"
)

// ProviderSnapshot is the last known state of one audio backend.
type ProviderSnapshot struct {
	BackendID string        `json:"backend_id"`
	Source    Source        `json:"source"`
	Playback  PlaybackState `json:"playback_state"`
	Title     string        `json:"track_title"`
	Artist    string        `json:"track_artist"`
	// LastUpdatedAt moves only when the reported content changes and is
	// what the tie-break compares. LastSeenAt moves on every report and is
	// what staleness is measured against.
	LastUpdatedAt time.Time `json:"last_updated_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	Present       bool      `json:"present"`
}

// Arbitrator owns the provider snapshots and derives the active source from
// them. Apply and EvictStale are called from the daemon goroutine only;
// Snapshots can be called from anywhere.
type Arbitrator struct {
	mu         sync.RWMutex
	sources    SourceMap
	staleAfter time.Duration
	tvAsSource bool

	snapshots map[string]*ProviderSnapshot

	tvOn     bool
	tvActive bool
}

// NewArbitrator creates an arbitrator. staleAfter <= 0 disables eviction.
func NewArbitrator(sources SourceMap, staleAfter time.Duration, tvAsSource bool) *Arbitrator {
	if sources == nil {
		sources = DefaultSourceMap()
	}
	return &Arbitrator{
		sources:    sources,
		staleAfter: staleAfter,
		tvAsSource: tvAsSource,
		snapshots:  make(map[string]*ProviderSnapshot),
	}
}

// Apply folds ev into the snapshot set and returns the resulting delta.
// The derived playback fields are always part of the delta; the store
// drops the ones that did not change.
func (a *Arbitrator) Apply(ev InternalEvent) StateDelta {
	a.mu.Lock()
	defer a.mu.Unlock()

	var d StateDelta
	switch e := ev.(type) {
	case TVPower:
		a.tvOn = e.On
		d.TVOn = ptr(e.On)
		if !e.On {
			a.tvActive = false
		}

	case TVAudio:
		if e.Volume != nil {
			d.Volume = ptr(*e.Volume)
		}
		if e.Muted != nil {
			d.Muted = ptr(*e.Muted)
		}

	case TVActiveSource:
		a.tvActive = e.Active

	case BackendPresence:
		if !e.Present {
			delete(a.snapshots, e.BackendID)
			break
		}
		src, ok := a.sources.Lookup(e.BackendID)
		if !ok {
			break
		}
		if snap, exists := a.snapshots[e.BackendID]; exists {
			snap.LastSeenAt = e.At
			break
		}
		a.snapshots[e.BackendID] = &ProviderSnapshot{
			BackendID:     e.BackendID,
			Source:        src,
			Playback:      PlaybackIdle,
			LastUpdatedAt: e.At,
			LastSeenAt:    e.At,
			Present:       true,
		}

	case BackendUpdate:
		a.upsertLocked(e)
	}

	return d.Merge(a.deriveLocked())
}

func (a *Arbitrator) upsertLocked(e BackendUpdate) {
	src, ok := a.sources.Lookup(e.BackendID)
	if !ok {
		return
	}
	snap, exists := a.snapshots[e.BackendID]
	if !exists {
		snap = &ProviderSnapshot{
			BackendID:     e.BackendID,
			Source:        src,
			Playback:      PlaybackIdle,
			LastUpdatedAt: e.At,
			Present:       true,
		}
		a.snapshots[e.BackendID] = snap
	}

	changed := false
	if e.Playback != nil && *e.Playback != snap.Playback {
		snap.Playback = *e.Playback
		changed = true
	}
	if e.Title != nil && *e.Title != snap.Title {
		snap.Title = *e.Title
		changed = true
	}
	if e.Artist != nil && *e.Artist != snap.Artist {
		snap.Artist = *e.Artist
		changed = true
	}
	if changed {
		snap.LastUpdatedAt = e.At
	}
	snap.LastSeenAt = e.At
}

// EvictStale removes snapshots not seen within the staleness window. It
// returns the recomputed delta and the evicted backend ids; the delta is
// empty when nothing was evicted.
func (a *Arbitrator) EvictStale(now time.Time) (StateDelta, []string) {
	if a.staleAfter <= 0 {
		return StateDelta{}, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var evicted []string
	for id, snap := range a.snapshots {
		if now.Sub(snap.LastSeenAt) > a.staleAfter {
			delete(a.snapshots, id)
			evicted = append(evicted, id)
		}
	}
	if len(evicted) == 0 {
		return StateDelta{}, nil
	}
	sort.Strings(evicted)
	return a.deriveLocked(), evicted
}

// Snapshots returns copies of all snapshots ordered by backend id.
func (a *Arbitrator) Snapshots() []ProviderSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]ProviderSnapshot, 0, len(a.snapshots))
	for _, snap := range a.snapshots {
		out = append(out, *snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BackendID < out[j].BackendID })
	return out
}

// ActiveSources lists every source with a playing backend, plus the TV
// when it counts as a source and is the active input. Sorted, never nil.
func (a *Arbitrator) ActiveSources() []Source {
	a.mu.RLock()
	defer a.mu.RUnlock()

	seen := make(map[Source]bool)
	for _, snap := range a.snapshots {
		if snap.Playback == PlaybackPlaying {
			seen[snap.Source] = true
		}
	}
	if a.tvAsSource && a.tvOn && a.tvActive {
		seen[SourceTV] = true
	}
	out := make([]Source, 0, len(seen))
	for src := range seen {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// deriveLocked computes the projection from the current snapshot set:
// the latest-updated playing backend, else the latest-updated paused one,
// else the TV (when enabled and it is the active input), else nothing.
func (a *Arbitrator) deriveLocked() StateDelta {
	if snap := a.latestLocked(PlaybackPlaying); snap != nil {
		return projection(snap.Playback, snap.Source, snap.BackendID, snap.Title, snap.Artist)
	}
	if snap := a.latestLocked(PlaybackPaused); snap != nil {
		return projection(snap.Playback, snap.Source, snap.BackendID, snap.Title, snap.Artist)
	}
	if a.tvAsSource && a.tvOn && a.tvActive {
		return projection(PlaybackPlaying, SourceTV, "", "", "")
	}
	return projection(PlaybackIdle, SourceUnknown, "", "", "")
}

func (a *Arbitrator) latestLocked(state PlaybackState) *ProviderSnapshot {
	var best *ProviderSnapshot
	for _, snap := range a.snapshots {
		if snap.Playback != state {
			continue
		}
		if best == nil || laterThan(snap, best) {
			best = snap
		}
	}
	return best
}

// laterThan orders by LastUpdatedAt, falling back to the backend id so equal
// timestamps resolve the same way no matter the map iteration order.
func laterThan(a, b *ProviderSnapshot) bool {
	if !a.LastUpdatedAt.Equal(b.LastUpdatedAt) {
		return a.LastUpdatedAt.After(b.LastUpdatedAt)
	}
	return a.BackendID < b.BackendID
}

func projection(pb PlaybackState, src Source, backend, title, artist string) StateDelta {
	return StateDelta{
		Playback:      ptr(pb),
		ActiveSource:  ptr(src),
		ActiveBackend: ptr(backend),
		TrackTitle:    ptr(title),
		TrackArtist:   ptr(artist),
	}
}
