package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// Local control surface used by bridge-ctl and scripts.
//
// Protocol: Line-delimited JSON
//   - {"op": "command", "command": "set_volume", "payload": "40"}
//   - {"op": "event", "event": {"type": "cec_power_status", "data": {...}}}
//   - {"op": "status"}
//   - Server responds: {"status": "ok", ...} or {"status": "error", "error": "msg"}
// ============================================================================

// IPCRequest is one line sent by a client.
type IPCRequest struct {
	Op      string          `json:"op"`
	Command string          `json:"command,omitempty"`
	Payload string          `json:"payload,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
}

// IPCResponse is sent back for every request line.
type IPCResponse struct {
	Status    string          `json:"status"`          // "ok" or "error"
	Error     string          `json:"error,omitempty"` // error message if status == "error"
	CommandID string          `json:"command_id,omitempty"`
	Snapshot  *StatusSnapshot `json:"snapshot,omitempty"`
}

// ipcHandler routes requests to the command queue, the event channel and
// the status source.
type ipcHandler struct {
	commands *commandQueue
	emit     func(RawEvent) bool
	status   func() StatusSnapshot
	now      func() time.Time
	logger   *slog.Logger
}

func (h *ipcHandler) handle(line []byte) IPCResponse {
	var req IPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return ipcError("parse request: %v", err)
	}

	switch req.Op {
	case "command":
		kind, ok := ParseCommandKind(req.Command)
		if !ok {
			return ipcError("unknown command %q", req.Command)
		}
		cmd, err := buildCommand(kind, []byte(req.Payload), h.now(), OriginIPC)
		if err != nil {
			return ipcError("%v", err)
		}
		if !h.commands.Enqueue(cmd) {
			return ipcError("command queue full")
		}
		return IPCResponse{Status: "ok", CommandID: cmd.ID}

	case "event":
		ev, err := UnmarshalRawEvent(req.Event)
		if err != nil {
			return ipcError("parse event: %v", err)
		}
		if !h.emit(ev) {
			return ipcError("daemon is shutting down")
		}
		return IPCResponse{Status: "ok"}

	case "status":
		snap := h.status()
		return IPCResponse{Status: "ok", Snapshot: &snap}

	default:
		return ipcError("unknown op %q", req.Op)
	}
}

func ipcError(format string, args ...any) IPCResponse {
	return IPCResponse{Status: "error", Error: fmt.Sprintf(format, args...)}
}

// runIPCServer serves the Unix domain socket until ctx is canceled.
func runIPCServer(ctx context.Context, socketPath string, h *ipcHandler, logger *slog.Logger) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	// Owner and group only.
	if err := os.Chmod(socketPath, 0660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}
		go handleIPCConnection(conn, h, logger)
	}
}

// handleIPCConnection answers requests on one connection until it closes.
func handleIPCConnection(conn net.Conn, h *ipcHandler, logger *slog.Logger) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Debug("IPC received", "line", line)

		resp := h.handle([]byte(line))
		if resp.Status == "error" {
			logger.Warn("IPC request failed", "error", resp.Error)
		}
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
			return
		}
	}
}
