package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const version = "0.3.0"

func printVersion() {
	fmt.Printf("media-bridge v%s\n", version)
	fmt.Println("HDMI-CEC and MPRIS state bridge for MQTT")
}

func printUsage(fs *pflag.FlagSet) {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  media-bridge [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Publishes TV power, volume, mute and the active audio source (spotifyd,")
	fmt.Println("  shairport-sync, ...) as retained MQTT topics, and applies commands received")
	fmt.Println("  on the command topics back to the TV audio sink and the active player.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Print(fs.FlagUsages())
	fmt.Println()
	fmt.Println("CONFIGURATION:")
	fmt.Println("  Without --config the first existing file is used:")
	for _, p := range DefaultConfigPaths() {
		fmt.Printf("    %s\n", p)
	}
	fmt.Println("  Environment overrides: MQTT_HOST, MQTT_PORT, MQTT_USERNAME, MQTT_PASSWORD,")
	fmt.Println("  MQTT_TOPIC_PREFIX, MQTT_CLIENT_ID, CEC_ENABLED, CEC_DEVICE, AUDIO_ENABLED, LOG_LEVEL")
	fmt.Println()
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("media-bridge", pflag.ContinueOnError)
	var (
		configPath  = fs.StringP("config", "c", "", "Path to YAML config file")
		verbose     = fs.BoolP("verbose", "v", false, "Shorthand for --log-level debug")
		logLevel    = fs.String("log-level", "", "Log level: error, warn, info, debug")
		mqttHost    = fs.String("mqtt-host", "", "MQTT broker host")
		mqttPort    = fs.Int("mqtt-port", defaultMQTTPort, "MQTT broker port")
		topicPrefix = fs.String("topic-prefix", "", "MQTT topic prefix (default \""+defaultTopicPrefix+"\")")
		ipcSocket   = fs.String("ipc-socket", "", "Unix domain socket path for IPC (default \""+defaultIPCSocket+"\")")
		showVersion = fs.Bool("version", false, "Print version and exit")
		showHelp    = fs.BoolP("help", "h", false, "Print this help message")
	)
	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return 2
	}
	if *showHelp {
		printUsage(fs)
		return 0
	}
	if *showVersion {
		printVersion()
		return 0
	}

	var o FlagOverrides
	if fs.Changed("mqtt-host") {
		o.MQTTHost = mqttHost
	}
	if fs.Changed("mqtt-port") {
		o.MQTTPort = mqttPort
	}
	if fs.Changed("topic-prefix") {
		o.TopicPrefix = topicPrefix
	}
	if fs.Changed("log-level") {
		o.LogLevel = logLevel
	}
	if *verbose {
		debug := "debug"
		o.LogLevel = &debug
	}
	if fs.Changed("ipc-socket") {
		o.IPCSocket = ipcSocket
	}

	cfg, source, err := loadConfig(*configPath, os.LookupEnv, o)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	level, _ := parseLogLevel(cfg.Logging.Level)
	logger := setupLogger(os.Stderr, level, cfg.MQTT.ClientID)
	logger.Info("starting media-bridge", "version", version, "config", source)
	logger.Debug("configuration",
		"mqtt_host", cfg.MQTT.Host,
		"mqtt_port", cfg.MQTT.Port,
		"topic_prefix", cfg.MQTT.TopicPrefix,
		"cec_enabled", cfg.CEC.Enabled,
		"cec_device", cfg.CEC.Device,
		"audio_enabled", cfg.Audio.Enabled,
		"audio_bus", cfg.Audio.Bus,
		"status_enabled", cfg.Status.Enabled,
		"ipc_socket", cfg.IPC.SocketPath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	if err := runBridge(ctx, cfg, logger); err != nil {
		logger.Error("bridge stopped with error", "error", err)
		return 1
	}
	logger.Info("media-bridge stopped")
	return 0
}

// loadConfig applies defaults, file, environment and flags in that order and
// validates the result. source names the file used ("defaults" if none).
func loadConfig(path string, lookup func(string) (string, bool), o FlagOverrides) (Config, string, error) {
	cfg := DefaultConfig()
	source := "defaults"

	if path == "" {
		path = FindConfigFile(DefaultConfigPaths())
	}
	if path != "" {
		loaded, err := LoadConfigFile(path)
		if err != nil {
			return Config{}, "", err
		}
		cfg, source = loaded, path
	}

	if err := ApplyEnv(&cfg, lookup); err != nil {
		return Config{}, "", err
	}
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, "", err
	}
	return cfg, source, nil
}

// runBridge wires every component and blocks until ctx is canceled.
func runBridge(ctx context.Context, cfg Config, logger *slog.Logger) error {
	events := make(chan TimedEvent, defaultEventQueueSize)
	emit := eventEmitter(ctx, events)
	commands := newCommandQueue(cfg.Dispatch.QueueSize)

	sources := NewSourceMap(cfg.Audio.Backends)
	store := NewStore(cfg.State.MinPublishInterval)
	arbitrator := NewArbitrator(sources, cfg.Audio.StaleAfter, cfg.CEC.TVAsSource)
	pipeline := NewPipeline(NewNormalizer(sources), arbitrator, store, logger.With("component", "daemon"))

	transport := newPahoTransport(cfg.MQTT, cfg.MQTT.TopicPrefix+"/"+topicAvailability, logger)
	orchestrator := NewOrchestrator(transport, cfg.MQTT, store, commands, logger)
	publishers := multiPublisher{orchestrator}

	g, gctx := errgroup.WithContext(ctx)

	// Adapters log their own failures; a dead adapter never stops the bridge.
	background := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			if err := fn(gctx); err != nil {
				logger.Error(name+" stopped", "error", err)
			}
			return nil
		})
	}

	var (
		tv    TVControl
		power PowerControl
	)
	if cfg.CEC.Enabled {
		pulse := NewPulseVolume(cfg.CEC.PulseSink, emit, logger)
		tv = pulse
		background("pactl", func(ctx context.Context) error {
			pulse.Refresh(ctx)
			return nil
		})

		cec := NewCECAdapter(cfg.CEC, emit, commands, store, logger)
		if err := cec.Register(ctx); err != nil {
			logger.Warn("CEC unavailable, TV power will not be reported", "device", cfg.CEC.Device, "error", err)
		} else {
			power = cec
			background("cec", cec.Run)
		}
	}

	var players PlayerControl
	if cfg.Audio.Enabled {
		watcher := NewMPRISWatcher(cfg.Audio, emit, logger)
		if err := watcher.Connect(ctx); err != nil {
			logger.Warn("D-Bus unavailable, playback will not be reported", "bus", cfg.Audio.Bus, "error", err)
		} else {
			defer watcher.Close()
			players = watcher
			background("mpris", watcher.Run)
		}
	}

	status := statusSource{store: store, arbitrator: arbitrator, orchestrator: orchestrator}

	if cfg.Status.Enabled {
		srv := NewStatusServer(logger.With("component", "status"), status.Snapshot, 0)
		mux := http.NewServeMux()
		srv.Register(mux, cfg.Status.Path)
		publishers = append(publishers, wsPublisher{hub: srv.Hub(), logger: logger})

		g.Go(func() error {
			srv.Hub().Run(gctx)
			return nil
		})
		background("status server", func(ctx context.Context) error {
			return runStatusServer(ctx, cfg.Status.Listen, mux, logger)
		})
		if cfg.Status.Advertise {
			background("mdns", func(ctx context.Context) error {
				return runAdvertiser(ctx, cfg, logger)
			})
		}
	}

	if cfg.IPC.SocketPath != "" {
		h := &ipcHandler{
			commands: commands,
			emit:     emit,
			status:   status.Snapshot,
			now:      time.Now,
			logger:   logger,
		}
		background("ipc", func(ctx context.Context) error {
			return runIPCServer(ctx, cfg.IPC.SocketPath, h, logger.With("component", "ipc"))
		})
	}

	dispatcher := NewDispatcher(tv, power, players, store, DispatcherConfig{
		VolumeStep: cfg.CEC.VolumeStep,
		MaxRetries: cfg.Dispatch.MaxRetries,
		Backoff:    cfg.Dispatch.Backoff,
	}, logger)
	g.Go(func() error {
		return dispatcher.Serve(gctx, commands, cfg.Dispatch.ShutdownGrace)
	})

	g.Go(func() error {
		return orchestrator.Run(gctx)
	})

	g.Go(func() error {
		runDaemon(gctx, events, pipeline, publishers, defaultTickInterval, logger.With("component", "daemon"))
		return nil
	})

	return g.Wait()
}
