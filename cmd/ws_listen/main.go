package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/spf13/pflag"
)

// ws_listen prints the media-bridge status stream. Without --ws it browses
// mDNS for the first _media-bridge._tcp instance.

type envelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func main() {
	wsURL := pflag.String("ws", "", "Status WebSocket URL (e.g. ws://127.0.0.1:8787/ws/state)")
	discover := pflag.Duration("discover", 5*time.Second, "How long to browse mDNS when --ws is not given")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	target := *wsURL
	if target == "" {
		found, err := discoverBridge(ctx, *discover)
		if err != nil {
			log.Fatalf("discover: %v", err)
		}
		target = found
	}

	u, err := url.Parse(target)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.DialContext(ctx, u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()
	log.Printf("connected! (press Ctrl+C to exit)")

	var writeMu sync.Mutex
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if messageType == websocket.TextMessage {
				fmt.Print(formatMessage(message))
			}
		}
	}()

	select {
	case <-ctx.Done():
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// formatMessage renders one status frame for the terminal.
func formatMessage(message []byte) string {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return fmt.Sprintf("[TEXT] %s\n", message)
	}

	switch env.Type {
	case "state_init":
		var pretty any
		if err := json.Unmarshal(env.Data, &pretty); err != nil {
			return fmt.Sprintf("[INIT] %s\n", env.Data)
		}
		out, _ := json.MarshalIndent(pretty, "", "  ")
		return fmt.Sprintf("[INIT]\n%s\n", out)

	case "state_changed":
		var data struct {
			Changes map[string]string `json:"changes"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return fmt.Sprintf("[CHANGED] %s\n", env.Data)
		}
		topics := make([]string, 0, len(data.Changes))
		for topic := range data.Changes {
			topics = append(topics, topic)
		}
		sort.Strings(topics)
		var b strings.Builder
		for _, topic := range topics {
			fmt.Fprintf(&b, "[CHANGED] %s = %q\n", topic, data.Changes[topic])
		}
		return b.String()
	}
	return fmt.Sprintf("[%s] %s\n", strings.ToUpper(env.Type), env.Data)
}

// discoverBridge returns the status URL of the first bridge found on mDNS.
func discoverBridge(ctx context.Context, wait time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("init resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, "_media-bridge._tcp", "local.", entries); err != nil {
		return "", fmt.Errorf("browse: %w", err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", errors.New("no media-bridge found")
			}
			if entry == nil || len(entry.AddrIPv4) == 0 {
				continue
			}
			log.Printf("found %s at %s:%d", entry.Instance, entry.AddrIPv4[0], entry.Port)
			return statusURL(entry.AddrIPv4[0], entry.Port, entry.Text), nil
		case <-ctx.Done():
			return "", errors.New("no media-bridge found")
		}
	}
}

func statusURL(ip net.IP, port int, txt []string) string {
	path := "/ws/state"
	for _, kv := range txt {
		if v, ok := strings.CutPrefix(kv, "path="); ok && v != "" {
			path = v
		}
	}
	return (&url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(ip.String(), strconv.Itoa(port)),
		Path:   path,
	}).String()
}
