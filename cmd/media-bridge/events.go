package main

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Raw Provider Events
// ============================================================================
// Raw events are what adapters (CEC monitor, MPRIS signal watcher, IPC) put
// on the ingestion channel. They are provider-shaped and get turned into
// InternalEvents by the Normalizer inside the daemon loop.
// ============================================================================

// RawEvent is a marker interface for provider events.
type RawEvent interface {
	rawType() string
}

// TimedEvent stamps a raw event with its arrival time. The daemon loop only
// consumes TimedEvents so ordering and timestamps are decided at the edge.
type TimedEvent struct {
	Event RawEvent
	At    time.Time
}

// CECPowerStatus is a TV power report (give-device-power-status reply,
// standby broadcast, image-view-on).
type CECPowerStatus struct {
	Status string `json:"status"` // "on", "standby", "to-on", "to-standby", "off"
}

func (CECPowerStatus) rawType() string { return "cec_power_status" }

// CECAudioStatus is a volume/mute report for the audio system the TV
// controls. Either field may be absent.
type CECAudioStatus struct {
	Volume *int  `json:"volume,omitempty"`
	Muted  *bool `json:"muted,omitempty"`
}

func (CECAudioStatus) rawType() string { return "cec_audio_status" }

// CECActiveSource reports which HDMI input the CEC bus considers active.
// Ours is true when the active input is the TV itself (its own tuner or apps).
type CECActiveSource struct {
	PhysicalAddress string `json:"physical_address"`
	Ours            bool   `json:"ours"`
}

func (CECActiveSource) rawType() string { return "cec_active_source" }

// MPRISPropertiesChanged mirrors org.freedesktop.DBus.Properties.PropertiesChanged.
// Changed holds plain Go values (variants already unwrapped).
type MPRISPropertiesChanged struct {
	BusName   string         `json:"bus_name"`
	Interface string         `json:"interface"`
	Changed   map[string]any `json:"changed"`
}

func (MPRISPropertiesChanged) rawType() string { return "mpris_properties_changed" }

// MPRISNameOwnerChanged mirrors org.freedesktop.DBus.NameOwnerChanged for
// org.mpris.MediaPlayer2.* names.
type MPRISNameOwnerChanged struct {
	BusName  string `json:"bus_name"`
	OldOwner string `json:"old_owner"`
	NewOwner string `json:"new_owner"`
}

func (MPRISNameOwnerChanged) rawType() string { return "mpris_name_owner_changed" }

// unknownRaw carries an envelope type the daemon does not understand. It is
// kept as an event so the normalizer reports it like any other bad input.
type unknownRaw struct {
	Type string
}

func (u unknownRaw) rawType() string { return u.Type }

// ============================================================================
// Internal Events
// ============================================================================

// InternalEvent is the uniform event consumed by the arbitrator.
type InternalEvent interface {
	internalMarker()
}

// TVPower updates tv_on.
type TVPower struct {
	On bool
	At time.Time
}

// TVAudio updates volume and/or muted.
type TVAudio struct {
	Volume *int
	Muted  *bool
	At     time.Time
}

// TVActiveSource reports whether the TV's own input is active on the bus.
type TVActiveSource struct {
	Active bool
	At     time.Time
}

// BackendUpdate is a (possibly partial) playback report from one backend.
type BackendUpdate struct {
	BackendID string
	Playback  *PlaybackState
	Title     *string
	Artist    *string
	At        time.Time
}

// BackendPresence reports a backend's interface appearing or vanishing.
type BackendPresence struct {
	BackendID string
	Present   bool
	At        time.Time
}

func (TVPower) internalMarker()         {}
func (TVAudio) internalMarker()         {}
func (TVActiveSource) internalMarker()  {}
func (BackendUpdate) internalMarker()   {}
func (BackendPresence) internalMarker() {}

// ============================================================================
// JSON Encoding/Decoding Support
// ============================================================================
// RawEnvelope wraps raw events for the IPC socket.
// ============================================================================

// RawEnvelope wraps a raw event with a type discriminator for JSON marshaling
type RawEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UnmarshalRawEvent decodes an envelope into a concrete RawEvent. Unknown
// types decode successfully into a value the normalizer will reject.
func UnmarshalRawEvent(data []byte) (RawEvent, error) {
	var env RawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return decodeRaw(env)
}

func decodeRaw(env RawEnvelope) (RawEvent, error) {
	var (
		ev  RawEvent
		err error
	)
	switch env.Type {
	case "cec_power_status":
		var e CECPowerStatus
		err = unmarshalData(env.Data, &e)
		ev = e
	case "cec_audio_status":
		var e CECAudioStatus
		err = unmarshalData(env.Data, &e)
		ev = e
	case "cec_active_source":
		var e CECActiveSource
		err = unmarshalData(env.Data, &e)
		ev = e
	case "mpris_properties_changed":
		var e MPRISPropertiesChanged
		err = unmarshalData(env.Data, &e)
		ev = e
	case "mpris_name_owner_changed":
		var e MPRISNameOwnerChanged
		err = unmarshalData(env.Data, &e)
		ev = e
	default:
		return unknownRaw{Type: env.Type}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", env.Type, err)
	}
	return ev, nil
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
