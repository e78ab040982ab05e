package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

// ============================================================================
// bridge-ctl - Command-line IPC Client
// ============================================================================
// Sends commands, synthetic events and status queries to a running
// media-bridge over its Unix domain socket.
//
// Usage:
//   bridge-ctl volume-up
//   bridge-ctl set-volume 40
//   bridge-ctl status
//   bridge-ctl event '{"type":"cec_power_status","data":{"status":"on"}}'
// ============================================================================

const defaultSocket = "/tmp/media-bridge.sock"

// request and response mirror the daemon's line protocol.
type request struct {
	Op      string          `json:"op"`
	Command string          `json:"command,omitempty"`
	Payload string          `json:"payload,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
}

type response struct {
	Status    string          `json:"status"`
	Error     string          `json:"error,omitempty"`
	CommandID string          `json:"command_id,omitempty"`
	Snapshot  json.RawMessage `json:"snapshot,omitempty"`
}

var commandAliases = map[string]string{
	"volume-up":   "volume_up",
	"up":          "volume_up",
	"volume-down": "volume_down",
	"down":        "volume_down",
	"mute":        "mute",
	"unmute":      "unmute",
	"play":        "play",
	"pause":       "pause",
	"stop":        "stop",
	"power-on":    "power_on",
	"on":          "power_on",
	"power-off":   "power_off",
	"off":         "power_off",
}

func main() {
	fs := pflag.NewFlagSet("bridge-ctl", pflag.ContinueOnError)
	socketPath := fs.StringP("socket", "s", defaultSocket, "Unix domain socket path")
	timeout := fs.Duration("timeout", 3*time.Second, "Time to wait for the daemon's reply")
	help := fs.BoolP("help", "h", false, "Show this help message")
	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	args := fs.Args()
	if *help {
		printUsage(fs)
		return
	}
	if len(args) == 0 {
		printUsage(fs)
		os.Exit(1)
	}

	req, err := buildRequest(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	resp, err := send(*socketPath, req, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	switch {
	case resp.Snapshot != nil:
		var pretty any
		if err := json.Unmarshal(resp.Snapshot, &pretty); err == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
		} else {
			fmt.Println(string(resp.Snapshot))
		}
	case resp.CommandID != "":
		fmt.Println("ok", resp.CommandID)
	default:
		fmt.Println("ok")
	}
}

func buildRequest(args []string) (request, error) {
	name := args[0]
	if kind, ok := commandAliases[name]; ok {
		return request{Op: "command", Command: kind}, nil
	}

	switch name {
	case "set-volume", "set":
		if len(args) < 2 {
			return request{}, errors.New("set-volume requires a value 0-100")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil || v < 0 || v > 100 {
			return request{}, fmt.Errorf("invalid volume %q (want 0-100)", args[1])
		}
		return request{Op: "command", Command: "set_volume", Payload: strconv.Itoa(v)}, nil

	case "status":
		return request{Op: "status"}, nil

	case "event":
		if len(args) < 2 {
			return request{}, errors.New("event requires a JSON envelope")
		}
		if !json.Valid([]byte(args[1])) {
			return request{}, errors.New("event is not valid JSON")
		}
		return request{Op: "event", Event: json.RawMessage(args[1])}, nil
	}
	return request{}, fmt.Errorf("unknown command: %s", name)
}

func send(socketPath string, req request, timeout time.Duration) (response, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return response{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	data, err := json.Marshal(req)
	if err != nil {
		return response{}, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return response{}, fmt.Errorf("send request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return response{}, fmt.Errorf("read response: %w", err)
	}
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		return response{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status == "error" {
		return resp, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return resp, nil
}

func printUsage(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `bridge-ctl - Control a running media-bridge via IPC

Usage:
  bridge-ctl [options] <command> [args]

Options:
%s
Commands:
  volume-up, up           Raise volume one step
  volume-down, down       Lower volume one step
  set-volume, set <0-100> Set absolute volume
  mute, unmute            Mute or unmute the audio sink
  play, pause, stop       Control the active player
  power-on, on            Wake the TV
  power-off, off          Put the TV in standby
  status                  Print the bridge state and providers
  event <json>            Inject a raw event envelope
  help, -h, --help        Show this help message

Examples:
  bridge-ctl set-volume 35
  bridge-ctl -s /run/media-bridge.sock status
`, fs.FlagUsages())
}
