package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CommandKind names an inbound command.
type CommandKind string

const (
	CmdSetVolume  CommandKind = "set_volume"
	CmdVolumeUp   CommandKind = "volume_up"
	CmdVolumeDown CommandKind = "volume_down"
	CmdMute       CommandKind = "mute"
	CmdUnmute     CommandKind = "unmute"
	CmdPlay       CommandKind = "play"
	CmdPause      CommandKind = "pause"
	CmdStop       CommandKind = "stop"
	CmdPowerOn    CommandKind = "power_on"
	CmdPowerOff   CommandKind = "power_off"
)

// Command origins, logged with every dispatch.
const (
	OriginMQTT = "mqtt"
	OriginCEC  = "cec"
	OriginIPC  = "ipc"
)

// Command is one inbound request. Payload is the raw string as received;
// only set_volume carries one.
type Command struct {
	ID         string
	Kind       CommandKind
	Payload    string
	ReceivedAt time.Time
	Origin     string
}

// NewCommand stamps a command with a fresh id.
func NewCommand(kind CommandKind, payload string, now time.Time, origin string) Command {
	return Command{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    payload,
		ReceivedAt: now,
		Origin:     origin,
	}
}

var commandTopics = map[string]CommandKind{
	topicSetVolume:  CmdSetVolume,
	topicVolumeUp:   CmdVolumeUp,
	topicVolumeDown: CmdVolumeDown,
	topicMute:       CmdMute,
	topicUnmute:     CmdUnmute,
	topicPlay:       CmdPlay,
	topicPause:      CmdPause,
	topicStop:       CmdStop,
	topicPowerOn:    CmdPowerOn,
	topicPowerOff:   CmdPowerOff,
}

// CommandTopics returns the topic suffixes the bridge subscribes to, sorted.
func CommandTopics() []string {
	out := make([]string, 0, len(commandTopics))
	for t := range commandTopics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ParseCommandKind accepts a kind name such as "volume_up".
func ParseCommandKind(s string) (CommandKind, bool) {
	for _, k := range commandTopics {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// ParseCommand validates an inbound message on a command topic suffix.
// set_volume must carry an integer; every other command ignores its payload.
func ParseCommand(suffix string, payload []byte, now time.Time) (Command, error) {
	kind, ok := commandTopics[suffix]
	if !ok {
		return Command{}, fmt.Errorf("unknown command topic %q", suffix)
	}
	return buildCommand(kind, payload, now, OriginMQTT)
}

// parseVolume reads a set_volume payload. Any integer is accepted and
// clamped to the volume range, including ones too large for int.
func parseVolume(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err == nil {
		return clampVolume(n), nil
	}
	var numErr *strconv.NumError
	if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) {
		if strings.HasPrefix(s, "-") {
			return minVolume, nil
		}
		return maxVolume, nil
	}
	return 0, err
}

func buildCommand(kind CommandKind, payload []byte, now time.Time, origin string) (Command, error) {
	p := strings.TrimSpace(string(payload))
	if kind == CmdSetVolume {
		if _, err := parseVolume(p); err != nil {
			return Command{}, &DispatchError{Kind: DispatchInvalidPayload, Command: kind, Err: fmt.Errorf("volume %q is not an integer", p)}
		}
	} else {
		p = ""
	}
	return NewCommand(kind, p, now, origin), nil
}

// ============================================================================
// Command Queue
// ============================================================================

// commandQueue is the bounded hand-off between producers (transport, CEC
// remote, IPC) and the single dispatcher worker. Producers never block.
type commandQueue struct {
	mu     sync.Mutex
	closed bool
	ch     chan Command
}

func newCommandQueue(size int) *commandQueue {
	if size < 1 {
		size = 1
	}
	return &commandQueue{ch: make(chan Command, size)}
}

// Enqueue adds cmd. It returns false when the queue is full or closed.
func (q *commandQueue) Enqueue(cmd Command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- cmd:
		return true
	default:
		return false
	}
}

// Next blocks for the next command. ok is false once the queue is closed
// and drained or ctx is done.
func (q *commandQueue) Next(ctx context.Context) (Command, bool) {
	select {
	case <-ctx.Done():
		return Command{}, false
	case cmd, ok := <-q.ch:
		return cmd, ok
	}
}

func (q *commandQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

func (q *commandQueue) Len() int { return len(q.ch) }
