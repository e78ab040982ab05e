package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	mprisObjectPath       = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	mprisNamespace        = "org.mpris.MediaPlayer2"
	dbusPropertiesIface   = "org.freedesktop.DBus.Properties"
	dbusPropertiesChanged = dbusPropertiesIface + ".PropertiesChanged"
	dbusNameOwnerChanged  = "org.freedesktop.DBus.NameOwnerChanged"
	mprisCallTimeout      = 3 * time.Second
	mprisSignalBuffer     = 64
)

// MPRISWatcher follows MPRIS players on D-Bus and turns their signals into
// raw events. It also implements PlayerControl.
type MPRISWatcher struct {
	cfg    AudioConfig
	emit   func(RawEvent) bool
	logger *slog.Logger

	conn    *dbus.Conn
	signals chan *dbus.Signal

	mu sync.Mutex
	// owners maps unique connection names (":1.42") to the well-known
	// player name, since signals carry the unique name as sender.
	owners map[string]string
	// players maps backend id to the current well-known bus name.
	players map[string]string
}

func NewMPRISWatcher(cfg AudioConfig, emit func(RawEvent) bool, logger *slog.Logger) *MPRISWatcher {
	return &MPRISWatcher{
		cfg:     cfg,
		emit:    emit,
		logger:  logger.With("component", "mpris"),
		owners:  make(map[string]string),
		players: make(map[string]string),
	}
}

// Connect opens the bus and installs the signal matches.
func (w *MPRISWatcher) Connect(ctx context.Context) error {
	var (
		conn *dbus.Conn
		err  error
	)
	if w.cfg.Bus == "system" {
		conn, err = dbus.ConnectSystemBus(dbus.WithContext(ctx))
	} else {
		conn, err = dbus.ConnectSessionBus(dbus.WithContext(ctx))
	}
	if err != nil {
		return fmt.Errorf("connect %s bus: %w", w.cfg.Bus, err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg0Namespace(mprisNamespace),
	); err != nil {
		conn.Close()
		return fmt.Errorf("match NameOwnerChanged: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(mprisObjectPath),
		dbus.WithMatchInterface(dbusPropertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		conn.Close()
		return fmt.Errorf("match PropertiesChanged: %w", err)
	}

	w.signals = make(chan *dbus.Signal, mprisSignalBuffer)
	conn.Signal(w.signals)
	w.conn = conn
	return nil
}

// Close releases the bus connection.
func (w *MPRISWatcher) Close() error {
	if w.conn == nil {
		return nil
	}
	w.conn.RemoveSignal(w.signals)
	return w.conn.Close()
}

// Run scans existing players, then handles signals and polls every player
// on the configured interval. The poll doubles as a liveness heartbeat for
// staleness eviction.
func (w *MPRISWatcher) Run(ctx context.Context) error {
	if w.conn == nil {
		return errors.New("mpris: not connected")
	}
	if err := w.scan(ctx); err != nil {
		w.logger.Warn("initial player scan failed", "error", err)
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-w.signals:
			if !ok {
				return errors.New("mpris: signal channel closed")
			}
			if appeared := w.handleSignal(sig); appeared != "" {
				w.poll(ctx, appeared)
			}
		case <-ticker.C:
			for _, name := range w.playerNames() {
				w.poll(ctx, name)
			}
		}
	}
}

func (w *MPRISWatcher) scan(ctx context.Context) error {
	var names []string
	call := w.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.ListNames", 0)
	if err := call.Store(&names); err != nil {
		return fmt.Errorf("list names: %w", err)
	}
	for _, name := range names {
		if !strings.HasPrefix(name, mprisBusPrefix) {
			continue
		}
		var owner string
		if err := w.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.GetNameOwner", 0, name).Store(&owner); err != nil {
			w.logger.Debug("get name owner failed", "bus_name", name, "error", err)
			continue
		}
		w.trackOwner(name, "", owner)
		w.emit(MPRISNameOwnerChanged{BusName: name, NewOwner: owner})
		w.poll(ctx, name)
	}
	return nil
}

// handleSignal translates one D-Bus signal. It returns the bus name of a
// player that just appeared, so its current properties can be fetched.
func (w *MPRISWatcher) handleSignal(sig *dbus.Signal) string {
	if sig == nil {
		return ""
	}
	switch sig.Name {
	case dbusNameOwnerChanged:
		if len(sig.Body) != 3 {
			return ""
		}
		name, _ := sig.Body[0].(string)
		oldOwner, _ := sig.Body[1].(string)
		newOwner, _ := sig.Body[2].(string)
		if !strings.HasPrefix(name, mprisBusPrefix) {
			return ""
		}
		w.trackOwner(name, oldOwner, newOwner)
		w.emit(MPRISNameOwnerChanged{BusName: name, OldOwner: oldOwner, NewOwner: newOwner})
		if newOwner != "" {
			return name
		}

	case dbusPropertiesChanged:
		if sig.Path != mprisObjectPath || len(sig.Body) < 2 {
			return ""
		}
		iface, _ := sig.Body[0].(string)
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return ""
		}
		name := w.wellKnown(sig.Sender)
		if name == "" {
			w.logger.Debug("properties from unknown sender", "sender", sig.Sender)
			return ""
		}
		w.emit(MPRISPropertiesChanged{
			BusName:   name,
			Interface: iface,
			Changed:   plainMap(changed),
		})
	}
	return ""
}

func (w *MPRISWatcher) trackOwner(name, oldOwner, newOwner string) {
	id := backendIDFromBusName(name)

	w.mu.Lock()
	defer w.mu.Unlock()
	if oldOwner != "" {
		delete(w.owners, oldOwner)
	}
	if newOwner == "" {
		if w.players[id] == name {
			delete(w.players, id)
		}
		return
	}
	w.owners[newOwner] = name
	w.players[id] = name
}

func (w *MPRISWatcher) wellKnown(sender string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if strings.HasPrefix(sender, mprisBusPrefix) {
		return sender
	}
	return w.owners[sender]
}

func (w *MPRISWatcher) playerNames() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.players))
	for _, name := range w.players {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (w *MPRISWatcher) busName(backendID string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	name, ok := w.players[backendID]
	return name, ok
}

// poll reads PlaybackStatus and Metadata and reports them as a property
// change.
func (w *MPRISWatcher) poll(ctx context.Context, name string) {
	ctx, cancel := context.WithTimeout(ctx, mprisCallTimeout)
	defer cancel()

	var props map[string]dbus.Variant
	err := w.conn.Object(name, mprisObjectPath).
		CallWithContext(ctx, dbusPropertiesIface+".GetAll", 0, mprisPlayerInterface).
		Store(&props)
	if err != nil {
		w.logger.Debug("poll failed", "bus_name", name, "error", err)
		return
	}

	changed := make(map[string]any, 2)
	for _, key := range []string{"PlaybackStatus", "Metadata"} {
		if v, ok := props[key]; ok {
			changed[key] = plainValue(v)
		}
	}
	if len(changed) == 0 {
		return
	}
	w.emit(MPRISPropertiesChanged{BusName: name, Interface: mprisPlayerInterface, Changed: changed})
}

// plainValue unwraps D-Bus variants into plain Go values so raw events stay
// free of D-Bus types.
func plainValue(v any) any {
	switch x := v.(type) {
	case dbus.Variant:
		return plainValue(x.Value())
	case map[string]dbus.Variant:
		return plainMap(x)
	case dbus.ObjectPath:
		return string(x)
	case []dbus.Variant:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plainValue(e)
		}
		return out
	default:
		return v
	}
}

func plainMap(m map[string]dbus.Variant) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = plainValue(v)
	}
	return out
}

// ============================================================================
// PlayerControl
// ============================================================================

func (w *MPRISWatcher) Play(ctx context.Context, backendID string) error {
	return w.call(ctx, backendID, "Play")
}

func (w *MPRISWatcher) Pause(ctx context.Context, backendID string) error {
	return w.call(ctx, backendID, "Pause")
}

func (w *MPRISWatcher) Stop(ctx context.Context, backendID string) error {
	return w.call(ctx, backendID, "Stop")
}

func (w *MPRISWatcher) call(ctx context.Context, backendID, method string) error {
	if w.conn == nil {
		return fmt.Errorf("%w: not connected to D-Bus", ErrBackendUnavailable)
	}
	name, ok := w.busName(backendID)
	if !ok {
		return fmt.Errorf("%w: backend %s is not on the bus", ErrBackendUnavailable, backendID)
	}

	ctx, cancel := context.WithTimeout(ctx, mprisCallTimeout)
	defer cancel()
	err := w.conn.Object(name, mprisObjectPath).
		CallWithContext(ctx, mprisPlayerInterface+"."+method, 0).Err
	return classifyDBusErr(err)
}

// classifyDBusErr maps D-Bus failures onto the dispatcher's retry classes.
func classifyDBusErr(err error) error {
	if err == nil {
		return nil
	}
	var name string
	var derr dbus.Error
	var pderr *dbus.Error
	switch {
	case errors.As(err, &derr):
		name = derr.Name
	case errors.As(err, &pderr):
		name = pderr.Name
	}
	if name != "" {
		switch name {
		case "org.freedesktop.DBus.Error.UnknownMethod",
			"org.freedesktop.DBus.Error.NotSupported",
			"org.freedesktop.DBus.Error.UnknownInterface",
			"org.freedesktop.DBus.Error.AccessDenied":
			return fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}
