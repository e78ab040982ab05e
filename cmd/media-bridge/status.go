package main

import "time"

// StateView is the JSON form of BridgeState used by the IPC status request
// and the status WebSocket. Unknown fields are null, never false or 0.
type StateView struct {
	TVOn          *bool   `json:"tv_on"`
	Volume        *int    `json:"volume"`
	Muted         *bool   `json:"muted"`
	PlaybackState *string `json:"playback_state"`
	ActiveSource  string  `json:"active_source"`
	ActiveBackend string  `json:"active_backend,omitempty"`
	TrackTitle    string  `json:"track_title"`
	TrackArtist   string  `json:"track_artist"`
	Available     bool    `json:"available"`

	UpdatedAt time.Time `json:"updated_at"`
}

func newStateView(s BridgeState) StateView {
	v := StateView{
		ActiveSource:  string(s.ActiveSource),
		ActiveBackend: s.ActiveBackend,
		TrackTitle:    s.TrackTitle,
		TrackArtist:   s.TrackArtist,
		Available:     s.Available,
		UpdatedAt:     s.UpdatedAt,
	}
	if s.TVOnKnown {
		v.TVOn = ptr(s.TVOn)
	}
	if s.VolumeKnown {
		v.Volume = ptr(s.Volume)
	}
	if s.MutedKnown {
		v.Muted = ptr(s.Muted)
	}
	if s.PlaybackKnown {
		v.PlaybackState = ptr(string(s.Playback))
	}
	return v
}

// StatusSnapshot is everything a status query returns.
type StatusSnapshot struct {
	State         StateView          `json:"state"`
	ActiveSources []Source           `json:"active_sources"`
	Providers     []ProviderSnapshot `json:"providers"`
	Connection    string             `json:"connection"`
}

// statusSource assembles status snapshots from the live components. Any of
// them may be nil.
type statusSource struct {
	store        *Store
	arbitrator   *Arbitrator
	orchestrator *Orchestrator
}

func (s statusSource) Snapshot() StatusSnapshot {
	var out StatusSnapshot
	if s.store != nil {
		out.State = newStateView(s.store.Snapshot())
	}
	if s.arbitrator != nil {
		out.Providers = s.arbitrator.Snapshots()
		out.ActiveSources = s.arbitrator.ActiveSources()
	}
	if out.ActiveSources == nil {
		out.ActiveSources = []Source{}
	}
	if out.Providers == nil {
		out.Providers = []ProviderSnapshot{}
	}
	out.Connection = StateDisconnected.String()
	if s.orchestrator != nil {
		out.Connection = s.orchestrator.State().String()
	}
	return out
}
