package main

import (
	"errors"
	"testing"
	"time"
)

func TestBackendIDFromBusName(t *testing.T) {
	cases := map[string]string{
		"org.mpris.MediaPlayer2.spotifyd":                 "spotifyd",
		"org.mpris.MediaPlayer2.spotifyd.instance1234":    "spotifyd",
		"org.mpris.MediaPlayer2.ShairportSync":            "ShairportSync",
		"org.mpris.MediaPlayer2.librespot.instance_77":    "librespot",
		"org.freedesktop.DBus":                            "",
		"org.mpris.MediaPlayer2":                          "",
		"org.mpris.MediaPlayer2.vlc.instance42.something": "vlc.instance42.something",
	}
	for in, want := range cases {
		if got := backendIDFromBusName(in); got != want {
			t.Errorf("backendIDFromBusName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSourceMap_LookupNormalizesKeys(t *testing.T) {
	m := NewSourceMap(map[string]string{"Mopidy": "spotify", "vlc": "unknown"})

	if src, ok := m.Lookup("ShairportSync"); !ok || src != SourceAirPlay {
		t.Fatalf("ShairportSync -> %q,%v; want airplay,true", src, ok)
	}
	if src, ok := m.Lookup("shairport-sync"); !ok || src != SourceAirPlay {
		t.Fatalf("shairport-sync -> %q,%v; want airplay,true", src, ok)
	}
	if src, ok := m.Lookup("mopidy"); !ok || src != SourceSpotify {
		t.Fatalf("mopidy -> %q,%v; want spotify,true", src, ok)
	}
	if _, ok := m.Lookup("vlc"); ok {
		t.Fatalf("vlc mapped to unknown must not resolve")
	}
	if _, ok := m.Lookup("rhythmbox"); ok {
		t.Fatalf("unmapped backend must not resolve")
	}
}

func TestNormalize_PowerStatus(t *testing.T) {
	n := NewNormalizer(nil)
	at := time.Unix(100, 0)

	cases := []struct {
		status string
		want   bool
	}{
		{"on", true},
		{"ON", true},
		{"to-on", true},
		{"in transition standby to on", true},
		{"standby", false},
		{"to-standby", false},
		{"off", false},
		{"in-transition-on-to-standby", false},
	}
	for _, tc := range cases {
		ev, err := n.Normalize(CECPowerStatus{Status: tc.status}, at)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tc.status, err)
		}
		p, ok := ev.(TVPower)
		if !ok {
			t.Fatalf("%q: got %T, want TVPower", tc.status, ev)
		}
		if p.On != tc.want || !p.At.Equal(at) {
			t.Errorf("%q: got %+v, want On=%v At=%v", tc.status, p, tc.want, at)
		}
	}

	_, err := n.Normalize(CECPowerStatus{Status: "exploded"}, at)
	if !errors.Is(err, ErrUnrecognizedEvent) {
		t.Fatalf("expected ErrUnrecognizedEvent, got %v", err)
	}
}

func TestNormalize_AudioStatus(t *testing.T) {
	n := NewNormalizer(nil)
	at := time.Now()

	ev, err := n.Normalize(CECAudioStatus{Volume: ptr(35), Muted: ptr(false)}, at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a := ev.(TVAudio)
	if a.Volume == nil || *a.Volume != 35 || a.Muted == nil || *a.Muted {
		t.Fatalf("unexpected audio event: %+v", a)
	}

	ev, err = n.Normalize(CECAudioStatus{Muted: ptr(true)}, at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a := ev.(TVAudio); a.Volume != nil || a.Muted == nil || !*a.Muted {
		t.Fatalf("mute-only event should leave volume nil: %+v", a)
	}

	if _, err := n.Normalize(CECAudioStatus{}, at); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("empty audio status: expected ErrMalformedEvent, got %v", err)
	}
	if _, err := n.Normalize(CECAudioStatus{Volume: ptr(101)}, at); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("volume 101: expected ErrMalformedEvent, got %v", err)
	}
	if _, err := n.Normalize(CECAudioStatus{Volume: ptr(-1)}, at); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("volume -1: expected ErrMalformedEvent, got %v", err)
	}
}

func TestNormalize_PropertiesChanged(t *testing.T) {
	n := NewNormalizer(nil)
	at := time.Now()

	ev, err := n.Normalize(MPRISPropertiesChanged{
		BusName:   "org.mpris.MediaPlayer2.spotifyd.instance9",
		Interface: mprisPlayerInterface,
		Changed: map[string]any{
			"PlaybackStatus": "Playing",
			"Metadata": map[string]any{
				"xesam:title":  "Song A",
				"xesam:artist": []any{"Artist A", "Artist B"},
			},
		},
	}, at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	up, ok := ev.(BackendUpdate)
	if !ok {
		t.Fatalf("got %T, want BackendUpdate", ev)
	}
	if up.BackendID != "spotifyd" {
		t.Errorf("backend = %q, want spotifyd", up.BackendID)
	}
	if up.Playback == nil || *up.Playback != PlaybackPlaying {
		t.Errorf("playback = %v, want playing", up.Playback)
	}
	if up.Title == nil || *up.Title != "Song A" {
		t.Errorf("title = %v, want Song A", up.Title)
	}
	if up.Artist == nil || *up.Artist != "Artist A, Artist B" {
		t.Errorf("artist = %v, want joined list", up.Artist)
	}

	ev, err = n.Normalize(MPRISPropertiesChanged{
		BusName: "org.mpris.MediaPlayer2.ShairportSync",
		Changed: map[string]any{"PlaybackStatus": "Stopped"},
	}, at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	up = ev.(BackendUpdate)
	if *up.Playback != PlaybackIdle || up.Title != nil || up.Artist != nil {
		t.Fatalf("status-only update: got %+v", up)
	}
}

func TestNormalize_PropertiesChanged_Errors(t *testing.T) {
	n := NewNormalizer(nil)
	at := time.Now()

	cases := []struct {
		name string
		ev   MPRISPropertiesChanged
		want error
	}{
		{
			name: "missing bus name",
			ev:   MPRISPropertiesChanged{Changed: map[string]any{"PlaybackStatus": "Playing"}},
			want: ErrMalformedEvent,
		},
		{
			name: "unknown status",
			ev: MPRISPropertiesChanged{
				BusName: "org.mpris.MediaPlayer2.spotifyd",
				Changed: map[string]any{"PlaybackStatus": "Buffering"},
			},
			want: ErrUnrecognizedEvent,
		},
		{
			name: "status wrong type",
			ev: MPRISPropertiesChanged{
				BusName: "org.mpris.MediaPlayer2.spotifyd",
				Changed: map[string]any{"PlaybackStatus": 3},
			},
			want: ErrMalformedEvent,
		},
		{
			name: "metadata wrong type",
			ev: MPRISPropertiesChanged{
				BusName: "org.mpris.MediaPlayer2.spotifyd",
				Changed: map[string]any{"Metadata": "nope"},
			},
			want: ErrMalformedEvent,
		},
		{
			name: "unmapped backend",
			ev: MPRISPropertiesChanged{
				BusName: "org.mpris.MediaPlayer2.rhythmbox",
				Changed: map[string]any{"PlaybackStatus": "Playing"},
			},
			want: ErrIgnoredEvent,
		},
		{
			name: "other interface",
			ev: MPRISPropertiesChanged{
				BusName:   "org.mpris.MediaPlayer2.spotifyd",
				Interface: "org.mpris.MediaPlayer2.TrackList",
				Changed:   map[string]any{"Tracks": []any{}},
			},
			want: ErrIgnoredEvent,
		},
		{
			name: "nothing relevant",
			ev: MPRISPropertiesChanged{
				BusName: "org.mpris.MediaPlayer2.spotifyd",
				Changed: map[string]any{"Volume": 0.5},
			},
			want: ErrIgnoredEvent,
		},
	}
	for _, tc := range cases {
		_, err := n.Normalize(tc.ev, at)
		if !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestNormalize_NameOwnerChanged(t *testing.T) {
	n := NewNormalizer(nil)
	at := time.Now()

	ev, err := n.Normalize(MPRISNameOwnerChanged{
		BusName:  "org.mpris.MediaPlayer2.spotifyd.instance3",
		NewOwner: ":1.42",
	}, at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p := ev.(BackendPresence); p.BackendID != "spotifyd" || !p.Present {
		t.Fatalf("appear: got %+v", p)
	}

	ev, err = n.Normalize(MPRISNameOwnerChanged{
		BusName:  "org.mpris.MediaPlayer2.spotifyd.instance3",
		OldOwner: ":1.42",
	}, at)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p := ev.(BackendPresence); p.Present {
		t.Fatalf("vanish: got %+v", p)
	}

	_, err = n.Normalize(MPRISNameOwnerChanged{BusName: "org.freedesktop.Notifications", NewOwner: ":1.9"}, at)
	if !errors.Is(err, ErrIgnoredEvent) {
		t.Fatalf("non-MPRIS name: expected ErrIgnoredEvent, got %v", err)
	}
}

func TestNormalize_UnknownType(t *testing.T) {
	n := NewNormalizer(nil)

	raw, err := UnmarshalRawEvent([]byte(`{"type":"lirc_key","data":{"key":"KEY_POWER"}}`))
	if err != nil {
		t.Fatalf("UnmarshalRawEvent: %v", err)
	}
	if _, err := n.Normalize(raw, time.Now()); !errors.Is(err, ErrUnrecognizedEvent) {
		t.Fatalf("expected ErrUnrecognizedEvent, got %v", err)
	}
	if _, err := n.Normalize(nil, time.Now()); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("nil event: expected ErrMalformedEvent, got %v", err)
	}
}

func TestRawEnvelope_IPCRoundTrip(t *testing.T) {
	audio, err := UnmarshalRawEvent([]byte(`{"type":"cec_audio_status","data":{"volume":20}}`))
	if err != nil {
		t.Fatalf("UnmarshalRawEvent: %v", err)
	}
	st, ok := audio.(CECAudioStatus)
	if !ok || st.Volume == nil || *st.Volume != 20 || st.Muted != nil {
		t.Fatalf("cec_audio_status decoded as %#v", audio)
	}

	raw, err := UnmarshalRawEvent([]byte(`{"type":"mpris_properties_changed","data":{"bus_name":"org.mpris.MediaPlayer2.spotifyd","changed":{"Metadata":{"xesam:title":"T","xesam:artist":["A"]}}}}`))
	if err != nil {
		t.Fatalf("UnmarshalRawEvent: %v", err)
	}
	ev, err := NewNormalizer(nil).Normalize(raw, time.Now())
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	up := ev.(BackendUpdate)
	if *up.Title != "T" || *up.Artist != "A" {
		t.Fatalf("metadata decoded from JSON: got %+v", up)
	}

	if _, err := UnmarshalRawEvent([]byte(`{"type":`)); err == nil {
		t.Fatalf("expected error for truncated JSON")
	}
}
