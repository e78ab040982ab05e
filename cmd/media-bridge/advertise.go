package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsService = "_media-bridge._tcp"
	mdnsDomain  = "local."
)

// advertiseTXT builds the TXT records clients use to find the status
// WebSocket and the MQTT topic tree.
func advertiseTXT(cfg Config) []string {
	return []string{
		"path=" + cfg.Status.Path,
		"topic_prefix=" + cfg.MQTT.TopicPrefix,
		"client_id=" + cfg.MQTT.ClientID,
		"version=" + version,
	}
}

func listenPort(listen string) (int, error) {
	_, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, fmt.Errorf("parse status.listen %q: %w", listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("status.listen %q has no usable port", listen)
	}
	return port, nil
}

// runAdvertiser publishes the status endpoint over mDNS until ctx is done.
func runAdvertiser(ctx context.Context, cfg Config, logger *slog.Logger) error {
	port, err := listenPort(cfg.Status.Listen)
	if err != nil {
		return err
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = cfg.MQTT.ClientID
	}

	server, err := zeroconf.Register(host, mdnsService, mdnsDomain, port, advertiseTXT(cfg), nil)
	if err != nil {
		logger.Warn("mdns register failed", "error", err)
		return nil
	}
	logger.Info("mdns advertised", "instance", host, "service", mdnsService, "port", port)

	<-ctx.Done()
	server.Shutdown()
	return nil
}
