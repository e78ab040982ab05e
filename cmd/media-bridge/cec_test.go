package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"
)

func feedAll(p *cecParser, text string) ([]RawEvent, []remoteKey) {
	var events []RawEvent
	var keys []remoteKey
	for _, line := range strings.Split(text, "\n") {
		evs, key := p.Feed(line)
		events = append(events, evs...)
		if key != keyNone {
			keys = append(keys, key)
		}
	}
	return events, keys
}

func TestCECParser_Standby(t *testing.T) {
	var p cecParser
	events, _ := feedAll(&p, "Received from TV to all (0 to 15): STANDBY (0x36)")
	if len(events) != 1 || events[0] != (CECPowerStatus{Status: "standby"}) {
		t.Fatalf("events = %+v", events)
	}
}

func TestCECParser_TransmittedStandbyIgnored(t *testing.T) {
	var p cecParser
	events, _ := feedAll(&p, "Transmitted by Audio System to all (5 to 15): STANDBY (0x36)")
	if len(events) != 0 {
		t.Fatalf("our own standby broadcast produced %+v", events)
	}
}

func TestCECParser_PowerStatusReply(t *testing.T) {
	var p cecParser
	events, _ := feedAll(&p, `Received from TV to Audio System (0 to 5): REPORT_POWER_STATUS (0x90):
	pwr-state: in-transition-standby-to-on (0x02)`)
	if len(events) != 1 {
		t.Fatalf("events = %+v", events)
	}
	st := events[0].(CECPowerStatus)
	if st.Status != "in-transition-standby-to-on" {
		t.Fatalf("status = %q", st.Status)
	}
}

func TestCECParser_ImageViewOn(t *testing.T) {
	var p cecParser
	events, _ := feedAll(&p, "Received from Playback Device 1 to TV (4 to 0): IMAGE_VIEW_ON (0x04)")
	if len(events) != 1 || events[0] != (CECPowerStatus{Status: "on"}) {
		t.Fatalf("events = %+v", events)
	}
}

func TestCECParser_ActiveSource(t *testing.T) {
	var p cecParser
	events, _ := feedAll(&p, `Received from TV to all (0 to 15): ACTIVE_SOURCE (0x82):
	phys-addr: 0.0.0.0`)
	if len(events) != 2 {
		t.Fatalf("events = %+v", events)
	}
	if events[0] != (CECPowerStatus{Status: "on"}) {
		t.Fatalf("first event = %+v", events[0])
	}
	if as := events[1].(CECActiveSource); !as.Ours || as.PhysicalAddress != "0.0.0.0" {
		t.Fatalf("active source = %+v", as)
	}

	events, _ = feedAll(&p, `Received from Playback Device 1 to all (4 to 15): ACTIVE_SOURCE (0x82):
	phys-addr: 1.0.0.0`)
	if as := events[1].(CECActiveSource); as.Ours {
		t.Fatalf("HDMI input reported as TV: %+v", as)
	}
}

func TestCECParser_AudioStatus(t *testing.T) {
	var p cecParser
	events, _ := feedAll(&p, `Received from TV to Audio System (0 to 5): REPORT_AUDIO_STATUS (0x7a):
	aud-mute-status: off (0x00)
	aud-vol-status: 35 (0x23)`)
	if len(events) != 2 {
		t.Fatalf("events = %+v", events)
	}
	if m := events[0].(CECAudioStatus); m.Muted == nil || *m.Muted || m.Volume != nil {
		t.Fatalf("mute event = %+v", m)
	}
	if v := events[1].(CECAudioStatus); v.Volume == nil || *v.Volume != 35 {
		t.Fatalf("volume event = %+v", v)
	}
}

func TestCECParser_RemoteKeys(t *testing.T) {
	var p cecParser
	_, keys := feedAll(&p, `Received from TV to Audio System (0 to 5): USER_CONTROL_PRESSED (0x44):
	ui-cmd: volume-up (0x41)
Received from TV to Audio System (0 to 5): USER_CONTROL_RELEASED (0x45)
Received from TV to Audio System (0 to 5): USER_CONTROL_PRESSED (0x44):
	ui-cmd: volume-down (0x42)
Received from TV to Audio System (0 to 5): USER_CONTROL_PRESSED (0x44):
	ui-cmd: mute (0x43)`)
	want := []remoteKey{keyVolumeUp, keyVolumeDown, keyMute}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
}

func TestCECParser_FieldsOfOtherMessagesIgnored(t *testing.T) {
	var p cecParser
	events, keys := feedAll(&p, `Received from TV to all (0 to 15): REPORT_PHYSICAL_ADDR (0x84):
	phys-addr: 0.0.0.0
	prim-devtype: tv (0x00)`)
	if len(events) != 0 || len(keys) != 0 {
		t.Fatalf("unexpected output: %+v %v", events, keys)
	}
}

func TestParsePowerReply(t *testing.T) {
	cases := map[string]string{
		"Transmit from Audio System to TV (5 to 0):\nGIVE_DEVICE_POWER_STATUS (0x8f)\n\tReceived from TV (0): REPORT_POWER_STATUS (0x90):\n\t\tpwr-state: on (0x00)\n": "on",
		"\tpwr-state: standby (0x01)\n": "standby",
		"Transmit from Audio System to TV (5 to 0):\n\tTx, Not Acknowledged (4), Max Retries\n": "standby",
	}
	for out, want := range cases {
		if got := parsePowerReply([]byte(out)); got != want {
			t.Errorf("parsePowerReply(%q) = %q, want %q", out, got, want)
		}
	}
}

func TestCECDeviceNumber(t *testing.T) {
	if n := cecDeviceNumber("/dev/cec1"); n != "1" {
		t.Fatalf("cecDeviceNumber = %q, want 1", n)
	}
	if n := cecDeviceNumber("/dev/weird"); n != "0" {
		t.Fatalf("cecDeviceNumber fallback = %q, want 0", n)
	}
}

func TestClassifyExecErr(t *testing.T) {
	if err := classifyExecErr(&exec.Error{Name: "cec-ctl", Err: exec.ErrNotFound}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("missing binary should be unsupported: %v", err)
	}
	if err := classifyExecErr(errors.New("exit status 1")); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("exit failure should be transient: %v", err)
	}
	if classifyExecErr(nil) != nil {
		t.Fatalf("nil should stay nil")
	}
}

type cecTestHarness struct {
	mu     sync.Mutex
	events []RawEvent
}

func (h *cecTestHarness) emit(ev RawEvent) bool {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	return true
}

func (h *cecTestHarness) snapshot() []RawEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]RawEvent(nil), h.events...)
}

func TestCECAdapter_RemoteKeysBecomeCommands(t *testing.T) {
	h := &cecTestHarness{}
	q := newCommandQueue(8)
	state := fixedState(BridgeState{Muted: true, MutedKnown: true})
	a := NewCECAdapter(CECConfig{Device: "/dev/cec0", PollInterval: time.Second}, h.emit, q, state, quietLogger())

	a.consume(context.Background(), strings.NewReader(`Received from TV to Audio System (0 to 5): USER_CONTROL_PRESSED (0x44):
	ui-cmd: volume-up (0x41)
Received from TV to Audio System (0 to 5): USER_CONTROL_PRESSED (0x44):
	ui-cmd: mute (0x43)
Received from TV to all (0 to 15): STANDBY (0x36)
`))

	c1, _ := q.Next(context.Background())
	c2, _ := q.Next(context.Background())
	if c1.Kind != CmdVolumeUp || c1.Origin != OriginCEC {
		t.Fatalf("first command = %+v", c1)
	}
	// Currently muted, so the mute key unmutes.
	if c2.Kind != CmdUnmute {
		t.Fatalf("second command = %+v, want unmute", c2)
	}
	if evs := h.snapshot(); len(evs) != 1 || evs[0] != (CECPowerStatus{Status: "standby"}) {
		t.Fatalf("events = %+v", evs)
	}
}

func TestCECAdapter_PollPower(t *testing.T) {
	h := &cecTestHarness{}
	a := NewCECAdapter(CECConfig{Device: "/dev/cec2", PollInterval: time.Second}, h.emit, newCommandQueue(1), fixedState{}, quietLogger())

	var gotArgs []string
	a.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = append([]string{name}, args...)
		return []byte("\t\tpwr-state: on (0x00)\n"), nil
	}
	a.PollPower(context.Background())

	if strings.Join(gotArgs, " ") != "cec-ctl -d 2 --to 0 --give-device-power-status" {
		t.Fatalf("command = %v", gotArgs)
	}
	if evs := h.snapshot(); len(evs) != 1 || evs[0] != (CECPowerStatus{Status: "on"}) {
		t.Fatalf("events = %+v", evs)
	}

	// No answer from the TV reads as standby.
	a.run = func(context.Context, string, ...string) ([]byte, error) {
		return []byte("Transmit from Audio System to TV (5 to 0):\nGIVE_DEVICE_POWER_STATUS (0x8f)\n"), nil
	}
	a.PollPower(context.Background())
	if evs := h.snapshot(); len(evs) != 2 || evs[1] != (CECPowerStatus{Status: "standby"}) {
		t.Fatalf("events = %+v", evs)
	}
}

func TestCECAdapter_PollPowerFailureKeepsState(t *testing.T) {
	h := &cecTestHarness{}
	a := NewCECAdapter(CECConfig{Device: "/dev/cec0", PollInterval: time.Second}, h.emit, newCommandQueue(1), fixedState{}, quietLogger())

	a.run = func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("exit status 1")
	}
	a.PollPower(context.Background())

	a.run = func(context.Context, string, ...string) ([]byte, error) {
		return nil, fmt.Errorf("cec-ctl: %w", exec.ErrNotFound)
	}
	a.PollPower(context.Background())

	if evs := h.snapshot(); len(evs) != 0 {
		t.Fatalf("failed polls emitted %+v", evs)
	}
}

func TestCECAdapter_SetPower(t *testing.T) {
	a := NewCECAdapter(CECConfig{Device: "/dev/cec1", PollInterval: time.Second}, (&cecTestHarness{}).emit, newCommandQueue(1), fixedState{}, quietLogger())

	var calls []string
	a.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, strings.Join(append([]string{name}, args...), " "))
		return nil, nil
	}
	if err := a.SetPower(context.Background(), true); err != nil {
		t.Fatalf("power on: %v", err)
	}
	if err := a.SetPower(context.Background(), false); err != nil {
		t.Fatalf("power off: %v", err)
	}
	want := []string{
		"cec-ctl -d 1 --to 0 --image-view-on",
		"cec-ctl -d 1 --to 0 --standby",
	}
	if fmt.Sprint(calls) != fmt.Sprint(want) {
		t.Fatalf("calls = %q, want %q", calls, want)
	}

	a.run = func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("exit status 1")
	}
	if err := a.SetPower(context.Background(), true); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("failed send = %v, want ErrBackendUnavailable", err)
	}
}

func TestCECAdapter_MonitorRestarts(t *testing.T) {
	h := &cecTestHarness{}
	a := NewCECAdapter(CECConfig{Device: "/dev/cec0", PollInterval: time.Hour}, h.emit, newCommandQueue(1), fixedState{}, quietLogger())

	var mu sync.Mutex
	opens := 0
	a.openMonitor = func(context.Context) (io.ReadCloser, error) {
		mu.Lock()
		opens++
		mu.Unlock()
		return io.NopCloser(strings.NewReader("Received from TV to all (0 to 15): STANDBY (0x36)\n")), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.monitorLoop(ctx)
	}()

	waitUntil(t, time.Second, func() bool { return len(h.snapshot()) >= 1 }, "monitor output not consumed")
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("monitor loop did not stop")
	}
	mu.Lock()
	defer mu.Unlock()
	if opens < 1 {
		t.Fatalf("monitor never opened")
	}
}

// fakePactl keeps a sink volume and answers pactl invocations.
type fakePactl struct {
	mu     sync.Mutex
	volume int
	muted  bool
	calls  []string
	fail   error
}

func (f *fakePactl) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	if f.fail != nil {
		return nil, f.fail
	}
	switch args[0] {
	case "set-sink-volume":
		v := args[2]
		var n int
		if strings.HasPrefix(v, "+") || strings.HasPrefix(v, "-") {
			fmt.Sscanf(v, "%d%%", &n)
			f.volume += n
			if f.volume < 0 {
				f.volume = 0
			}
		} else {
			fmt.Sscanf(v, "%d%%", &n)
			f.volume = n
		}
	case "set-sink-mute":
		f.muted = args[2] == "1"
	case "get-sink-volume":
		return []byte(fmt.Sprintf("Volume: front-left: 0 / %3d%% / 0.00 dB,   front-right: 0 / %3d%% / 0.00 dB\n        balance 0.00\n", f.volume, f.volume)), nil
	case "get-sink-mute":
		if f.muted {
			return []byte("Mute: yes\n"), nil
		}
		return []byte("Mute: no\n"), nil
	}
	return nil, nil
}

func TestPulseVolume_SetVolumeConfirms(t *testing.T) {
	h := &cecTestHarness{}
	f := &fakePactl{volume: 20}
	p := NewPulseVolume("", h.emit, quietLogger())
	p.run = f.run

	if err := p.SetVolume(context.Background(), 140); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}
	if f.calls[0] != "pactl set-sink-volume @DEFAULT_SINK@ 100%" {
		t.Fatalf("first call = %q", f.calls[0])
	}
	evs := h.snapshot()
	if len(evs) != 1 {
		t.Fatalf("events = %+v", evs)
	}
	st := evs[0].(CECAudioStatus)
	if st.Volume == nil || *st.Volume != 100 || st.Muted == nil || *st.Muted {
		t.Fatalf("confirmed status = %+v", st)
	}
}

func TestPulseVolume_AdjustClampsAbove100(t *testing.T) {
	h := &cecTestHarness{}
	f := &fakePactl{volume: 98}
	p := NewPulseVolume("alsa_output.hdmi", h.emit, quietLogger())
	p.run = f.run

	if err := p.AdjustVolume(context.Background(), 5); err != nil {
		t.Fatalf("AdjustVolume: %v", err)
	}
	if f.volume != 100 {
		t.Fatalf("sink volume = %d, want 100", f.volume)
	}
	if f.calls[0] != "pactl set-sink-volume alsa_output.hdmi +5%" {
		t.Fatalf("first call = %q", f.calls[0])
	}
}

func TestPulseVolume_SetMute(t *testing.T) {
	h := &cecTestHarness{}
	f := &fakePactl{volume: 30}
	p := NewPulseVolume("", h.emit, quietLogger())
	p.run = f.run

	if err := p.SetMute(context.Background(), true); err != nil {
		t.Fatalf("SetMute: %v", err)
	}
	st := h.snapshot()[0].(CECAudioStatus)
	if st.Muted == nil || !*st.Muted || *st.Volume != 30 {
		t.Fatalf("confirmed status = %+v", st)
	}
}

func TestPulseVolume_FailureIsTransient(t *testing.T) {
	h := &cecTestHarness{}
	f := &fakePactl{fail: errors.New("Connection failure: Connection refused")}
	p := NewPulseVolume("", h.emit, quietLogger())
	p.run = f.run

	if err := p.SetMute(context.Background(), true); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if len(h.snapshot()) != 0 {
		t.Fatalf("failed change must not report state")
	}
}

func TestParsePactl(t *testing.T) {
	v, err := parsePactlVolume([]byte("Volume: front-left: 42598 /  65% / -11.23 dB,   front-right: 42598 /  65% / -11.23 dB"))
	if err != nil || v != 65 {
		t.Fatalf("parsePactlVolume = %d,%v", v, err)
	}
	if _, err := parsePactlVolume([]byte("garbage")); err == nil {
		t.Fatalf("expected error")
	}
	if m, err := parsePactlMute([]byte("Mute: yes")); err != nil || !m {
		t.Fatalf("parsePactlMute yes = %v,%v", m, err)
	}
	if _, err := parsePactlMute([]byte("")); err == nil {
		t.Fatalf("expected error")
	}
}
