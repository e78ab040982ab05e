package main

import (
	"regexp"
	"strings"
)

const mprisBusPrefix = "org.mpris.MediaPlayer2."

var instanceSuffix = regexp.MustCompile(`\.instance_?\d+$`)

// backendIDFromBusName strips the MPRIS prefix and any per-process instance
// suffix: org.mpris.MediaPlayer2.spotifyd.instance42 -> spotifyd.
// It returns "" for names outside the MPRIS namespace.
func backendIDFromBusName(name string) string {
	if !strings.HasPrefix(name, mprisBusPrefix) {
		return ""
	}
	id := strings.TrimPrefix(name, mprisBusPrefix)
	return instanceSuffix.ReplaceAllString(id, "")
}

// SourceMap assigns a logical source to a backend id. It is only a naming
// table; arbitration never looks at it to rank backends.
type SourceMap map[string]Source

// DefaultSourceMap covers the backends shipped on the reference setup.
func DefaultSourceMap() SourceMap {
	return SourceMap{
		"spotifyd":      SourceSpotify,
		"librespot":     SourceSpotify,
		"spotify":       SourceSpotify,
		"shairportsync": SourceAirPlay,
		"shairport":     SourceAirPlay,
	}
}

func normalizeBackendKey(id string) string {
	id = strings.ToLower(id)
	id = strings.ReplaceAll(id, "-", "")
	return strings.ReplaceAll(id, "_", "")
}

// NewSourceMap builds a map from config entries (backend id -> source name),
// layered over the defaults.
func NewSourceMap(overrides map[string]string) SourceMap {
	m := DefaultSourceMap()
	for k, v := range overrides {
		m[normalizeBackendKey(k)] = Source(strings.ToLower(v))
	}
	return m
}

// Lookup returns the source for a backend id.
func (m SourceMap) Lookup(backendID string) (Source, bool) {
	src, ok := m[normalizeBackendKey(backendID)]
	if !ok || src == SourceUnknown || src == "" {
		return SourceUnknown, false
	}
	return src, true
}

// backendSource reports whether s can be assigned to an audio backend.
// The TV is only ever a source through CEC.
func backendSource(s Source) bool {
	switch s {
	case SourceSpotify, SourceAirPlay:
		return true
	}
	return false
}
