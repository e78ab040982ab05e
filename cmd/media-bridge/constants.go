package main

import "time"

// Defaults shared by DefaultConfig and the components that tolerate a zero config.
const (
	defaultTopicPrefix = "media/living_room"
	defaultClientID    = "media-bridge-living-room"
	defaultMQTTPort    = 1883
	defaultKeepalive   = 60 * time.Second

	defaultReconnectMin = 1 * time.Second
	defaultReconnectMax = 60 * time.Second

	defaultCECDevice       = "/dev/cec0"
	defaultCECPollInterval = 5 * time.Second
	defaultVolumeStep      = 5

	defaultMPRISPollInterval = 5 * time.Second
	defaultStaleAfter        = 45 * time.Second

	defaultMinPublishInterval = 1 * time.Second
	defaultTickInterval       = 250 * time.Millisecond

	defaultMaxRetries    = 2
	defaultRetryBackoff  = 200 * time.Millisecond
	defaultShutdownGrace = 5 * time.Second

	defaultEventQueueSize   = 128
	defaultCommandQueueSize = 32

	defaultIPCSocket    = "/tmp/media-bridge.sock"
	defaultStatusListen = "127.0.0.1:8787"
	defaultStatusPath   = "/ws/state"

	// Volume bounds for every TV volume path.
	minVolume = 0
	maxVolume = 100
)

// Topic suffixes, joined to the configured prefix.
const (
	topicAvailability = "availability"

	topicTVOn           = "tv/on"
	topicVolume         = "audio/volume"
	topicMuted          = "audio/muted"
	topicPlaybackState  = "playback/state"
	topicPlaybackSource = "playback/source"
	topicTitle          = "playback/title"
	topicArtist         = "playback/artist"

	topicSetVolume  = "audio/set_volume"
	topicVolumeUp   = "audio/volume_up"
	topicVolumeDown = "audio/volume_down"
	topicMute       = "audio/mute"
	topicUnmute     = "audio/unmute"
	topicPlay       = "playback/play"
	topicPause      = "playback/pause"
	topicStop       = "playback/stop"
	topicPowerOn    = "tv/power_on"
	topicPowerOff   = "tv/power_off"

	payloadOnline  = "online"
	payloadOffline = "offline"
)
