package main

import (
	"fmt"
	"strings"
	"time"
)

const mprisPlayerInterface = "org.mpris.MediaPlayer2.Player"

// Normalizer turns provider-shaped raw events into InternalEvents.
//
// It holds no mutable state; the source map only decides whether a backend
// is one the bridge cares about.
type Normalizer struct {
	sources SourceMap
}

func NewNormalizer(sources SourceMap) *Normalizer {
	if sources == nil {
		sources = DefaultSourceMap()
	}
	return &Normalizer{sources: sources}
}

// Normalize maps raw to its internal form. Errors are IngestionErrors
// wrapping ErrUnrecognizedEvent, ErrMalformedEvent or ErrIgnoredEvent.
func (n *Normalizer) Normalize(raw RawEvent, at time.Time) (InternalEvent, error) {
	switch ev := raw.(type) {
	case CECPowerStatus:
		switch powerStatusKey(ev.Status) {
		case "on", "to-on", "in-transition-standby-to-on":
			return TVPower{On: true, At: at}, nil
		case "standby", "to-standby", "off", "in-transition-on-to-standby":
			return TVPower{On: false, At: at}, nil
		default:
			return nil, unrecognized(ev.rawType(), "power status %q", ev.Status)
		}

	case CECAudioStatus:
		if ev.Volume == nil && ev.Muted == nil {
			return nil, malformed(ev.rawType(), "neither volume nor muted set")
		}
		out := TVAudio{Muted: ev.Muted, At: at}
		if ev.Volume != nil {
			if *ev.Volume < minVolume || *ev.Volume > maxVolume {
				return nil, malformed(ev.rawType(), "volume %d out of range", *ev.Volume)
			}
			out.Volume = ptr(*ev.Volume)
		}
		return out, nil

	case CECActiveSource:
		return TVActiveSource{Active: ev.Ours, At: at}, nil

	case MPRISNameOwnerChanged:
		id := backendIDFromBusName(ev.BusName)
		if id == "" {
			return nil, ignored(ev.rawType(), "bus name %q is not an MPRIS player", ev.BusName)
		}
		if _, ok := n.sources.Lookup(id); !ok {
			return nil, ignored(ev.rawType(), "backend %q has no source mapping", id)
		}
		return BackendPresence{BackendID: id, Present: ev.NewOwner != "", At: at}, nil

	case MPRISPropertiesChanged:
		return n.normalizeProperties(ev, at)

	case nil:
		return nil, malformed("nil", "no event")

	default:
		return nil, unrecognized(raw.rawType(), "no mapping for event type")
	}
}

func (n *Normalizer) normalizeProperties(ev MPRISPropertiesChanged, at time.Time) (InternalEvent, error) {
	typ := ev.rawType()
	if ev.BusName == "" {
		return nil, malformed(typ, "missing bus name")
	}
	id := backendIDFromBusName(ev.BusName)
	if id == "" {
		return nil, ignored(typ, "bus name %q is not an MPRIS player", ev.BusName)
	}
	if ev.Interface != "" && ev.Interface != mprisPlayerInterface {
		return nil, ignored(typ, "interface %q", ev.Interface)
	}
	if _, ok := n.sources.Lookup(id); !ok {
		return nil, ignored(typ, "backend %q has no source mapping", id)
	}

	up := BackendUpdate{BackendID: id, At: at}

	if raw, ok := ev.Changed["PlaybackStatus"]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, malformed(typ, "PlaybackStatus is %T", raw)
		}
		st, err := parsePlaybackStatus(s)
		if err != nil {
			return nil, unrecognized(typ, "%v", err)
		}
		up.Playback = &st
	}

	if raw, ok := ev.Changed["Metadata"]; ok {
		md, ok := raw.(map[string]any)
		if !ok {
			return nil, malformed(typ, "Metadata is %T", raw)
		}
		title, _ := md["xesam:title"].(string)
		up.Title = ptr(title)
		up.Artist = ptr(joinArtists(md["xesam:artist"]))
	}

	if up.Playback == nil && up.Title == nil {
		return nil, ignored(typ, "no playback status or metadata in change")
	}
	return up, nil
}

var powerStatusSeparators = strings.NewReplacer(" ", "-", "_", "-")

// powerStatusKey folds "In transition standby to on" and
// "in_transition_standby_to_on" into the cec-ctl spelling.
func powerStatusKey(s string) string {
	return powerStatusSeparators.Replace(strings.ToLower(strings.TrimSpace(s)))
}

func parsePlaybackStatus(s string) (PlaybackState, error) {
	switch strings.ToLower(s) {
	case "playing":
		return PlaybackPlaying, nil
	case "paused":
		return PlaybackPaused, nil
	case "stopped":
		return PlaybackIdle, nil
	default:
		return "", fmt.Errorf("playback status %q", s)
	}
}

// joinArtists accepts the xesam string list as well as the plain string some
// players send.
func joinArtists(v any) string {
	switch a := v.(type) {
	case string:
		return a
	case []string:
		return strings.Join(a, ", ")
	case []any:
		parts := make([]string, 0, len(a))
		for _, x := range a {
			if s, ok := x.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		return ""
	}
}
