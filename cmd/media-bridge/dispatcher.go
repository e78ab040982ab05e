package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// TVControl is the CEC-side adapter: volume and mute of the audio system
// the TV drives. Errors wrap ErrBackendUnavailable (transient) or
// ErrUnsupported (permanent).
type TVControl interface {
	SetVolume(ctx context.Context, volume int) error
	AdjustVolume(ctx context.Context, delta int) error
	SetMute(ctx context.Context, muted bool) error
}

// PowerControl switches the TV on or to standby over CEC.
type PowerControl interface {
	SetPower(ctx context.Context, on bool) error
}

// PlayerControl is the MPRIS-side adapter, scoped to one backend.
type PlayerControl interface {
	Play(ctx context.Context, backendID string) error
	Pause(ctx context.Context, backendID string) error
	Stop(ctx context.Context, backendID string) error
}

// StateReader gives the dispatcher a consistent view of the bridge state.
type StateReader interface {
	Snapshot() BridgeState
}

// DispatcherConfig holds the tunables for command execution.
type DispatcherConfig struct {
	VolumeStep int
	MaxRetries int
	Backoff    time.Duration
}

// Dispatcher executes commands against the adapters. It only reads state;
// observable results come back through the ingestion path as events.
type Dispatcher struct {
	tv      TVControl
	power   PowerControl
	players PlayerControl
	state   StateReader
	cfg     DispatcherConfig
	logger  *slog.Logger

	// sleep waits between retries; swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(tv TVControl, power PowerControl, players PlayerControl, state StateReader, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.VolumeStep <= 0 {
		cfg.VolumeStep = defaultVolumeStep
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Dispatcher{
		tv:      tv,
		power:   power,
		players: players,
		state:   state,
		cfg:     cfg,
		logger:  logger.With("component", "dispatcher"),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs one command to completion. The returned error is always a
// *DispatchError.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command) error {
	log := d.logger.With("command_id", cmd.ID, "kind", string(cmd.Kind), "origin", cmd.Origin)

	call, err := d.route(cmd)
	if err != nil {
		log.Warn("command rejected", "error", err)
		return err
	}
	if call == nil {
		log.Debug("command is a no-op")
		return nil
	}

	attempts := 0
	for {
		attempts++
		err := call(ctx)
		if err == nil {
			log.Info("command executed", "attempt", attempts)
			return nil
		}

		if !errors.Is(err, ErrBackendUnavailable) {
			derr := &DispatchError{Kind: classify(err), Command: cmd.Kind, Attempts: attempts, Err: err}
			log.Error("command failed", "attempt", attempts, "error", err)
			return derr
		}
		if attempts > d.cfg.MaxRetries {
			log.Error("command failed, retries exhausted", "attempt", attempts, "error", err)
			return &DispatchError{Kind: DispatchBackendUnavailable, Command: cmd.Kind, Attempts: attempts, Err: err}
		}

		wait := d.cfg.Backoff << (attempts - 1)
		log.Warn("command failed, retrying", "attempt", attempts, "retry_in", wait, "error", err)
		if serr := d.sleep(ctx, wait); serr != nil {
			log.Error("command abandoned", "attempt", attempts, "error", serr)
			return &DispatchError{Kind: DispatchBackendUnavailable, Command: cmd.Kind, Attempts: attempts, Err: fmt.Errorf("%w (last error: %v)", serr, err)}
		}
	}
}

func classify(err error) DispatchErrorKind {
	if errors.Is(err, ErrUnsupported) {
		return DispatchUnsupported
	}
	return DispatchBackendUnavailable
}

// route validates cmd against the current state and returns the adapter
// call to make. All rejections happen here, before any adapter is touched.
func (d *Dispatcher) route(cmd Command) (func(context.Context) error, error) {
	reject := func(kind DispatchErrorKind, err error) error {
		return &DispatchError{Kind: kind, Command: cmd.Kind, Err: err}
	}

	switch cmd.Kind {
	case CmdSetVolume:
		v, err := parseVolume(cmd.Payload)
		if err != nil {
			return nil, reject(DispatchInvalidPayload, fmt.Errorf("volume %q is not an integer", cmd.Payload))
		}
		if d.tv == nil {
			return nil, reject(DispatchUnsupported, errors.New("CEC control disabled"))
		}
		return func(ctx context.Context) error { return d.tv.SetVolume(ctx, v) }, nil

	case CmdVolumeUp, CmdVolumeDown:
		if d.tv == nil {
			return nil, reject(DispatchUnsupported, errors.New("CEC control disabled"))
		}
		step := d.cfg.VolumeStep
		if cmd.Kind == CmdVolumeDown {
			step = -step
		}
		st := d.state.Snapshot()
		if st.VolumeKnown {
			target := clampVolume(st.Volume + step)
			return func(ctx context.Context) error { return d.tv.SetVolume(ctx, target) }, nil
		}
		return func(ctx context.Context) error { return d.tv.AdjustVolume(ctx, step) }, nil

	case CmdMute, CmdUnmute:
		if d.tv == nil {
			return nil, reject(DispatchUnsupported, errors.New("CEC control disabled"))
		}
		muted := cmd.Kind == CmdMute
		return func(ctx context.Context) error { return d.tv.SetMute(ctx, muted) }, nil

	case CmdPowerOn, CmdPowerOff:
		if d.power == nil {
			return nil, reject(DispatchUnsupported, errors.New("CEC control disabled"))
		}
		on := cmd.Kind == CmdPowerOn
		return func(ctx context.Context) error { return d.power.SetPower(ctx, on) }, nil

	case CmdPlay, CmdPause, CmdStop:
		st := d.state.Snapshot()
		switch {
		case st.ActiveSource == SourceUnknown || st.ActiveSource == "":
			return nil, reject(DispatchNoActiveSource, nil)
		case st.ActiveSource == SourceTV || st.ActiveBackend == "":
			return nil, reject(DispatchUnsupported, fmt.Errorf("source %s has no player control", st.ActiveSource))
		case d.players == nil:
			return nil, reject(DispatchUnsupported, errors.New("audio control disabled"))
		}
		backend := st.ActiveBackend
		op := map[CommandKind]func(context.Context, string) error{
			CmdPlay:  d.players.Play,
			CmdPause: d.players.Pause,
			CmdStop:  d.players.Stop,
		}[cmd.Kind]
		return func(ctx context.Context) error { return op(ctx, backend) }, nil

	default:
		return nil, reject(DispatchInvalidPayload, fmt.Errorf("unknown command %q", cmd.Kind))
	}
}

// Run executes queued commands one at a time until the queue is closed
// and drained or ctx is done.
func (d *Dispatcher) Run(ctx context.Context, q *commandQueue) {
	for {
		cmd, ok := q.Next(ctx)
		if !ok {
			return
		}
		_ = d.Execute(ctx, cmd)
	}
}

// Serve runs the worker until ctx is done, then closes q and lets queued
// and in-flight commands finish for at most grace before canceling them.
func (d *Dispatcher) Serve(ctx context.Context, q *commandQueue, grace time.Duration) error {
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(workCtx, q)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	q.Close()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		d.logger.Info("dispatcher drained")
	case <-timer.C:
		d.logger.Warn("dispatcher grace period elapsed, canceling in-flight commands", "pending", q.Len())
		cancel()
		<-done
	}
	return nil
}
