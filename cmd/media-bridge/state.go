package main

import (
	"strconv"
	"time"
)

// PlaybackState is the normalized playback state of a backend or of the bridge.
type PlaybackState string

const (
	PlaybackIdle    PlaybackState = "idle"
	PlaybackPlaying PlaybackState = "playing"
	PlaybackPaused  PlaybackState = "paused"
)

// Source is the logical audio source published on playback/source.
type Source string

const (
	SourceSpotify Source = "spotify"
	SourceAirPlay Source = "airplay"
	SourceTV      Source = "tv"
	SourceUnknown Source = "unknown"
)

// BridgeState is the canonical view of everything the bridge publishes.
//
// The store owns the only mutable copy. Everyone else works on values
// returned by Store.Snapshot.
//
// Fields with a Known flag start out unknown and stay unpublished until a
// provider reports them. An unknown field must never be published as its
// zero value (false, 0).
type BridgeState struct {
	TVOn      bool
	TVOnKnown bool

	Volume      int
	VolumeKnown bool

	Muted      bool
	MutedKnown bool

	// Playback, ActiveSource, ActiveBackend and the track fields are derived
	// by the arbitrator. PlaybackKnown becomes true on the first arbitration.
	Playback      PlaybackState
	PlaybackKnown bool
	ActiveSource  Source
	ActiveBackend string

	TrackTitle  string
	TrackArtist string

	// Available is the liveness of the bridge process itself as last
	// announced on the transport.
	Available bool

	UpdatedAt time.Time
}

// initialBridgeState returns the startup state: everything unknown.
func initialBridgeState() BridgeState {
	return BridgeState{
		ActiveSource: SourceUnknown,
	}
}

// StateDelta is a partial update produced by the arbitrator. Nil fields are
// left untouched by Store.Commit.
type StateDelta struct {
	TVOn   *bool
	Volume *int
	Muted  *bool

	Playback      *PlaybackState
	ActiveSource  *Source
	ActiveBackend *string
	TrackTitle    *string
	TrackArtist   *string
}

// Empty reports whether the delta carries no fields.
func (d StateDelta) Empty() bool {
	return d.TVOn == nil && d.Volume == nil && d.Muted == nil &&
		d.Playback == nil && d.ActiveSource == nil && d.ActiveBackend == nil &&
		d.TrackTitle == nil && d.TrackArtist == nil
}

// Merge overlays o on top of d (fields set in o win).
func (d StateDelta) Merge(o StateDelta) StateDelta {
	if o.TVOn != nil {
		d.TVOn = o.TVOn
	}
	if o.Volume != nil {
		d.Volume = o.Volume
	}
	if o.Muted != nil {
		d.Muted = o.Muted
	}
	if o.Playback != nil {
		d.Playback = o.Playback
	}
	if o.ActiveSource != nil {
		d.ActiveSource = o.ActiveSource
	}
	if o.ActiveBackend != nil {
		d.ActiveBackend = o.ActiveBackend
	}
	if o.TrackTitle != nil {
		d.TrackTitle = o.TrackTitle
	}
	if o.TrackArtist != nil {
		d.TrackArtist = o.TrackArtist
	}
	return d
}

// Change is one published attribute: a topic suffix and its string payload.
type Change struct {
	Topic string
	Value string
}

func formatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// fields renders every known field of s in publication order.
func (s BridgeState) fields() []Change {
	out := make([]Change, 0, 7)
	if s.TVOnKnown {
		out = append(out, Change{Topic: topicTVOn, Value: formatBool(s.TVOn)})
	}
	if s.VolumeKnown {
		out = append(out, Change{Topic: topicVolume, Value: strconv.Itoa(s.Volume)})
	}
	if s.MutedKnown {
		out = append(out, Change{Topic: topicMuted, Value: formatBool(s.Muted)})
	}
	if s.PlaybackKnown {
		out = append(out,
			Change{Topic: topicPlaybackState, Value: string(s.Playback)},
			Change{Topic: topicPlaybackSource, Value: string(s.ActiveSource)},
			Change{Topic: topicTitle, Value: s.TrackTitle},
			Change{Topic: topicArtist, Value: s.TrackArtist},
		)
	}
	return out
}

func ptr[T any](v T) *T { return &v }
