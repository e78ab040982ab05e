package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// ============================================================================
// CEC adapter
// ============================================================================
//
// Talks to the kernel CEC framework through cec-ctl (v4l-utils) and to the
// local audio sink through pactl. Both are run as subprocesses; this file
// only knows their command lines and output formats.
//
// ============================================================================

const (
	cecCommandTimeout   = 5 * time.Second
	cecMonitorRestart   = 2 * time.Second
	cecOSDName          = "Media Bridge"
	cecAudioSystemLA    = "5"
	pactlDefaultSink    = "@DEFAULT_SINK@"
	cecTVPhysicalAddr   = "0.0.0.0"
	cecAudioSystemLabel = "audio system"
)

// commandRunner runs a program to completion and returns its stdout.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, cecCommandTimeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// classifyExecErr maps subprocess failures onto the dispatcher's retry
// classes: a missing binary will not fix itself, everything else might.
func classifyExecErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

var cecDevNum = regexp.MustCompile(`cec(\d+)`)

func cecDeviceNumber(device string) string {
	if m := cecDevNum.FindStringSubmatch(device); m != nil {
		return m[1]
	}
	return "0"
}

// checkCECDevice verifies the device node exists and is usable by us.
func checkCECDevice(path string) error {
	if err := unix.Access(path, unix.R_OK|unix.W_OK); err != nil {
		return fmt.Errorf("cec device %s: %w", path, err)
	}
	return nil
}

// ============================================================================
// cec-ctl output parsing
// ============================================================================

type remoteKey int

const (
	keyNone remoteKey = iota
	keyVolumeUp
	keyVolumeDown
	keyMute
)

// cecParser turns cec-ctl monitor output into raw events. cec-ctl prints a
// header line per message followed by indented "key: value" lines, so the
// parser remembers which message the field lines belong to. Some builds
// print the fields inline; both forms are handled.
type cecParser struct {
	msg      string
	received bool
}

func normalizeCECName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "_", "-")
	return strings.ReplaceAll(s, " ", "-")
}

var cecMsgName = regexp.MustCompile(`(?i)\b([a-z]+(?:[_-][a-z]+)*)\s*\(0x[0-9a-f]+\)`)

// Feed consumes one line and returns any events and remote key it completes.
func (p *cecParser) Feed(line string) ([]RawEvent, remoteKey) {
	if strings.TrimSpace(line) == "" {
		return nil, keyNone
	}

	indented := line[0] == '\t' || line[0] == ' '
	if !indented {
		lower := strings.ToLower(line)
		p.received = strings.Contains(lower, "received") || strings.Contains(line, ">>")
		p.msg = ""
		if m := cecMsgName.FindStringSubmatch(line); m != nil {
			p.msg = normalizeCECName(m[1])
		} else if strings.Contains(lower, "user control pressed") {
			p.msg = "user-control-pressed"
		}

		var out []RawEvent
		if p.received {
			switch p.msg {
			case "standby":
				out = append(out, CECPowerStatus{Status: "standby"})
			case "image-view-on", "text-view-on":
				out = append(out, CECPowerStatus{Status: "on"})
			}
		}
		evs, key := p.fields(line)
		return append(out, evs...), key
	}

	if p.msg == "" {
		return nil, keyNone
	}
	return p.fields(line)
}

// fields extracts "key: value" pairs relevant to the current message.
func (p *cecParser) fields(line string) ([]RawEvent, remoteKey) {
	lower := strings.ToLower(line)

	if v, ok := cecField(lower, "pwr-state", "power-status"); ok &&
		(p.msg == "report-power-status" || p.msg == "") {
		return []RawEvent{CECPowerStatus{Status: normalizeCECName(strings.Fields(v)[0])}}, keyNone
	}

	if v, ok := cecField(lower, "phys-addr"); ok && p.msg == "active-source" {
		addr := strings.Fields(v)[0]
		return []RawEvent{
			CECPowerStatus{Status: "on"},
			CECActiveSource{PhysicalAddress: addr, Ours: addr == cecTVPhysicalAddr},
		}, keyNone
	}

	if p.msg == "user-control-pressed" {
		v, ok := cecField(lower, "ui-cmd")
		if !ok {
			v = lower
		}
		switch {
		case strings.Contains(v, "volume up") || strings.Contains(v, "volume-up"):
			return nil, keyVolumeUp
		case strings.Contains(v, "volume down") || strings.Contains(v, "volume-down"):
			return nil, keyVolumeDown
		case strings.Contains(v, "mute"):
			return nil, keyMute
		}
	}

	if p.msg == "report-audio-status" {
		var st CECAudioStatus
		if v, ok := cecField(lower, "aud-mute-status"); ok {
			st.Muted = ptr(strings.HasPrefix(v, "on"))
		}
		if v, ok := cecField(lower, "aud-vol-status"); ok {
			if n, err := strconv.Atoi(strings.Fields(v)[0]); err == nil && n >= minVolume && n <= maxVolume {
				st.Volume = ptr(n)
			}
		}
		if st.Volume != nil || st.Muted != nil {
			return []RawEvent{st}, keyNone
		}
	}
	return nil, keyNone
}

// cecField finds the first "name: value" in s and returns the value.
func cecField(s string, names ...string) (string, bool) {
	for _, name := range names {
		i := strings.Index(s, name+":")
		if i < 0 {
			continue
		}
		v := strings.TrimSpace(s[i+len(name)+1:])
		if v == "" {
			continue
		}
		return v, true
	}
	return "", false
}

// parsePowerReply extracts the TV's power state from a
// --give-device-power-status reply. A reply without a status means the TV
// did not answer, which is treated as standby.
func parsePowerReply(out []byte) string {
	lower := strings.ToLower(string(out))
	if v, ok := cecField(lower, "pwr-state", "power-status"); ok {
		return normalizeCECName(strings.Fields(v)[0])
	}
	return "standby"
}

// ============================================================================
// CEC adapter
// ============================================================================

// CECAdapter registers with the CEC bus, watches it and polls TV power.
type CECAdapter struct {
	cfg    CECConfig
	devNum string
	run    commandRunner
	// openMonitor starts `cec-ctl --wait-for-msgs`; swapped out in tests.
	openMonitor func(ctx context.Context) (io.ReadCloser, error)

	emit     func(RawEvent) bool
	commands *commandQueue
	state    StateReader
	logger   *slog.Logger
}

func NewCECAdapter(cfg CECConfig, emit func(RawEvent) bool, commands *commandQueue, state StateReader, logger *slog.Logger) *CECAdapter {
	a := &CECAdapter{
		cfg:      cfg,
		devNum:   cecDeviceNumber(cfg.Device),
		run:      execRunner,
		emit:     emit,
		commands: commands,
		state:    state,
		logger:   logger.With("component", "cec"),
	}
	a.openMonitor = a.execMonitor
	return a
}

func (a *CECAdapter) cecArgs(args ...string) []string {
	return append([]string{"-d", a.devNum}, args...)
}

// Register claims a logical address: audio system if the bus allows it
// (so the TV routes volume keys to us), otherwise a playback device.
func (a *CECAdapter) Register(ctx context.Context) error {
	if err := checkCECDevice(a.cfg.Device); err != nil {
		return err
	}
	if _, err := a.run(ctx, "cec-ctl", a.cecArgs("--clear")...); err != nil {
		return classifyExecErr(err)
	}

	_, _ = a.run(ctx, "cec-ctl", a.cecArgs("--audio", "--osd-name", cecOSDName)...)
	if a.logicalAddress(ctx) == cecAudioSystemLA {
		a.logger.Info("registered on CEC bus", "role", cecAudioSystemLabel, "logical_address", cecAudioSystemLA)
	} else {
		_, _ = a.run(ctx, "cec-ctl", a.cecArgs("--clear")...)
		_, _ = a.run(ctx, "cec-ctl", a.cecArgs("--playback", "--osd-name", cecOSDName)...)
		a.logger.Info("registered on CEC bus", "role", "playback", "logical_address", a.logicalAddress(ctx))
	}

	if _, err := a.run(ctx, "cec-ctl", a.cecArgs("--set-system-audio-mode", "sys-aud-status=on")...); err != nil {
		a.logger.Debug("system audio mode not accepted", "error", err)
	}
	return nil
}

func (a *CECAdapter) logicalAddress(ctx context.Context) string {
	out, err := a.run(ctx, "cec-ctl", a.cecArgs("-l")...)
	if err != nil {
		return "?"
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// Run watches the bus and polls power until ctx is done.
func (a *CECAdapter) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.monitorLoop(ctx) })
	g.Go(func() error { return a.pollLoop(ctx) })
	return g.Wait()
}

func (a *CECAdapter) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		a.PollPower(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollPower asks the TV (logical address 0) for its power status.
func (a *CECAdapter) PollPower(ctx context.Context) {
	out, err := a.run(ctx, "cec-ctl", a.cecArgs("--to", "0", "--give-device-power-status")...)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, exec.ErrNotFound) {
			a.logger.Error("cec-ctl not found (install v4l-utils)", "error", err)
			return
		}
		// A failed run says nothing about the TV; keep the last known state.
		a.logger.Warn("power poll failed", "error", err)
		return
	}
	a.emit(CECPowerStatus{Status: parsePowerReply(out)})
}

// SetPower wakes the TV with Image View On or sends it to standby.
func (a *CECAdapter) SetPower(ctx context.Context, on bool) error {
	op := "--standby"
	if on {
		op = "--image-view-on"
	}
	if _, err := a.run(ctx, "cec-ctl", a.cecArgs("--to", "0", op)...); err != nil {
		return classifyExecErr(err)
	}
	a.logger.Debug("power command sent", "on", on)
	return nil
}

func (a *CECAdapter) monitorLoop(ctx context.Context) error {
	for {
		r, err := a.openMonitor(ctx)
		if err != nil {
			a.logger.Warn("cec monitor failed to start", "error", err)
		} else {
			a.consume(ctx, r)
			_ = r.Close()
			if ctx.Err() == nil {
				a.logger.Warn("cec monitor exited, restarting")
			}
		}
		if sleepCtx(ctx, cecMonitorRestart) != nil {
			return nil
		}
	}
}

// consume parses monitor output until EOF.
func (a *CECAdapter) consume(ctx context.Context, r io.Reader) {
	var p cecParser
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		events, key := p.Feed(sc.Text())
		for _, ev := range events {
			a.emit(ev)
		}
		if key != keyNone {
			a.remoteKey(key)
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		a.logger.Warn("cec monitor read failed", "error", err)
	}
}

// remoteKey turns a TV remote volume key into a command, so remote presses
// follow the same path as MQTT commands.
func (a *CECAdapter) remoteKey(key remoteKey) {
	var kind CommandKind
	switch key {
	case keyVolumeUp:
		kind = CmdVolumeUp
	case keyVolumeDown:
		kind = CmdVolumeDown
	case keyMute:
		kind = CmdMute
		if st := a.state.Snapshot(); st.MutedKnown && st.Muted {
			kind = CmdUnmute
		}
	default:
		return
	}
	cmd := NewCommand(kind, "", time.Now(), OriginCEC)
	if !a.commands.Enqueue(cmd) {
		a.logger.Warn("command queue full or closed, dropping remote key", "kind", string(kind))
		return
	}
	a.logger.Debug("remote key", "command_id", cmd.ID, "kind", string(kind))
}

type cmdReadCloser struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (c cmdReadCloser) Close() error {
	_ = c.ReadCloser.Close()
	return c.cmd.Wait()
}

func (a *CECAdapter) execMonitor(ctx context.Context) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, "cec-ctl", a.cecArgs("--wait-for-msgs")...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmdReadCloser{ReadCloser: out, cmd: cmd}, nil
}

// ============================================================================
// pactl volume control
// ============================================================================

// PulseVolume implements TVControl on a PulseAudio/PipeWire sink. After each
// change it reads the sink back and reports it as a CEC audio status, so
// state only changes on confirmation.
type PulseVolume struct {
	sink   string
	run    commandRunner
	emit   func(RawEvent) bool
	logger *slog.Logger
}

func NewPulseVolume(sink string, emit func(RawEvent) bool, logger *slog.Logger) *PulseVolume {
	if sink == "" {
		sink = pactlDefaultSink
	}
	return &PulseVolume{
		sink:   sink,
		run:    execRunner,
		emit:   emit,
		logger: logger.With("component", "pactl"),
	}
}

func (p *PulseVolume) SetVolume(ctx context.Context, volume int) error {
	volume = clampVolume(volume)
	if _, err := p.run(ctx, "pactl", "set-sink-volume", p.sink, fmt.Sprintf("%d%%", volume)); err != nil {
		return classifyExecErr(err)
	}
	p.confirm(ctx)
	return nil
}

func (p *PulseVolume) AdjustVolume(ctx context.Context, delta int) error {
	if delta == 0 {
		return nil
	}
	if _, err := p.run(ctx, "pactl", "set-sink-volume", p.sink, fmt.Sprintf("%+d%%", delta)); err != nil {
		return classifyExecErr(err)
	}
	// pactl happily goes past 100%.
	if v, err := p.readVolume(ctx); err == nil && v > maxVolume {
		if _, err := p.run(ctx, "pactl", "set-sink-volume", p.sink, fmt.Sprintf("%d%%", maxVolume)); err != nil {
			return classifyExecErr(err)
		}
	}
	p.confirm(ctx)
	return nil
}

func (p *PulseVolume) SetMute(ctx context.Context, muted bool) error {
	arg := "0"
	if muted {
		arg = "1"
	}
	if _, err := p.run(ctx, "pactl", "set-sink-mute", p.sink, arg); err != nil {
		return classifyExecErr(err)
	}
	p.confirm(ctx)
	return nil
}

var pactlPercent = regexp.MustCompile(`(\d+)%`)

func parsePactlVolume(out []byte) (int, error) {
	m := pactlPercent.FindSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("no volume in %q", strings.TrimSpace(string(out)))
	}
	return strconv.Atoi(string(m[1]))
}

func parsePactlMute(out []byte) (bool, error) {
	s := strings.ToLower(string(out))
	switch {
	case strings.Contains(s, "mute: yes"):
		return true, nil
	case strings.Contains(s, "mute: no"):
		return false, nil
	}
	return false, fmt.Errorf("no mute state in %q", strings.TrimSpace(string(out)))
}

func (p *PulseVolume) readVolume(ctx context.Context) (int, error) {
	out, err := p.run(ctx, "pactl", "get-sink-volume", p.sink)
	if err != nil {
		return 0, err
	}
	return parsePactlVolume(out)
}

// Refresh reads the sink and reports it. Used at startup.
func (p *PulseVolume) Refresh(ctx context.Context) { p.confirm(ctx) }

func (p *PulseVolume) confirm(ctx context.Context) {
	var st CECAudioStatus
	if v, err := p.readVolume(ctx); err == nil {
		st.Volume = ptr(clampVolume(v))
	} else {
		p.logger.Debug("read volume failed", "error", err)
	}
	if out, err := p.run(ctx, "pactl", "get-sink-mute", p.sink); err == nil {
		if m, err := parsePactlMute(out); err == nil {
			st.Muted = ptr(m)
		}
	}
	if st.Volume != nil || st.Muted != nil {
		p.emit(st)
	}
}
