package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("mpdmqtt v%s\n", version)
	fmt.Println("Bridge between MPD and an MQTT broker")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  mpdmqtt [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Mirrors MPD player state onto MQTT topics and executes commands")
	fmt.Println("  received on <base>/CMD and <base>/CMD/volume. Reconnects to both")
	fmt.Println("  MPD and the broker with exponential backoff and republishes every")
	fmt.Println("  topic after each reconnect.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        Path to YAML config file (optional)")
	fmt.Println()
	fmt.Println("  -mpd-host string")
	fmt.Println("        MPD host, or absolute path to its unix socket (default \"localhost\")")
	fmt.Println()
	fmt.Println("  -mpd-port int")
	fmt.Println("        MPD port (default 6600)")
	fmt.Println()
	fmt.Println("  -mpd-timeout-ms int")
	fmt.Printf("        Timeout for MPD requests in ms (default %d)\n", defaultMPDTimeoutMS)
	fmt.Println()
	fmt.Println("  -mqtt-broker string")
	fmt.Println("        MQTT broker URL (default \"tcp://localhost:1883\")")
	fmt.Println()
	fmt.Println("  -mqtt-client-id string")
	fmt.Println("        MQTT client id (default random \"mpdmqtt-xxxxxxxx\")")
	fmt.Println()
	fmt.Println("  -topic-base string")
	fmt.Println("        Prefix for all topics (default \"mpd\")")
	fmt.Println()
	fmt.Println("  -retain")
	fmt.Println("        Publish state topics as retained messages (default false)")
	fmt.Println()
	fmt.Println("  -status-listen string")
	fmt.Println("        HTTP status/websocket listen address, empty disables (default \"127.0.0.1:6680\")")
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Println("        Unix domain socket path for mpdmqtt-ctl, empty disables (default \"/tmp/mpdmqtt.sock\")")
	fmt.Println()
	fmt.Println("  -input-devices string")
	fmt.Println("        Comma-separated Linux input devices (IR remote, media keys, rotary encoder)")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("TOPICS:")
	fmt.Println("  published: song/file song/artist song/album song/title song/track song/time")
	fmt.Println("             player/state player/elapsed player/volume")
	fmt.Println("             player/repeat player/random player/single")
	fmt.Println("  commands:  CMD = query|play|pause|stop|stop after|next")
	fmt.Println("             CMD/volume = 0..100, CMD/repeat = 0|1, CMD/random = 0|1")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Local MPD, local broker")
	fmt.Println("  mpdmqtt")
	fmt.Println()
	fmt.Println("  # Remote MPD and broker, topics under living-room/mpd")
	fmt.Println("  mpdmqtt -mpd-host 192.168.1.20 -mqtt-broker tcp://broker.home.arpa:1883 -topic-base living-room/mpd")
	fmt.Println()
	fmt.Println("  # Stop after the current song")
	fmt.Println("  mosquitto_pub -t mpd/CMD -m 'stop after'")
	fmt.Println()
}

// flagWasSet reports whether name was given on the command line.
func flagWasSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	var (
		configPath   = flag.String("config", "", "Path to YAML config file")
		mpdHost      = flag.String("mpd-host", "localhost", "MPD host or unix socket path")
		mpdPort      = flag.Int("mpd-port", 6600, "MPD port")
		mpdTimeout   = flag.Int("mpd-timeout-ms", defaultMPDTimeoutMS, "Timeout for MPD requests in ms")
		mqttBroker   = flag.String("mqtt-broker", "tcp://localhost:1883", "MQTT broker URL")
		mqttClientID = flag.String("mqtt-client-id", "", "MQTT client id")
		topicBase    = flag.String("topic-base", "mpd", "Prefix for all topics")
		retain       = flag.Bool("retain", false, "Publish state topics retained")
		statusListen = flag.String("status-listen", "127.0.0.1:6680", "HTTP status listen address")
		ipcSocket    = flag.String("ipc-socket", "/tmp/mpdmqtt.sock", "Unix domain socket path for IPC")
		inputDevices = flag.String("input-devices", "", "Comma-separated Linux input devices")
		logLevelStr  = flag.String("log-level", "info", "Log level: error, warn, info, debug")
	)

	flag.Usage = printUsage
	flag.Parse()

	// Defaults, then file, then flags that were explicitly given.
	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	var o FlagOverrides
	set := func(name string) bool { return flagWasSet(flag.CommandLine, name) }
	if set("mpd-host") {
		o.MPDHost = mpdHost
	}
	if set("mpd-port") {
		o.MPDPort = mpdPort
	}
	if set("mpd-timeout-ms") {
		o.MPDTimeoutMS = mpdTimeout
	}
	if set("mqtt-broker") {
		o.MQTTBrokerURL = mqttBroker
	}
	if set("mqtt-client-id") {
		o.MQTTClientID = mqttClientID
	}
	if set("topic-base") {
		o.MQTTTopicBase = topicBase
	}
	if set("retain") {
		o.MQTTRetain = retain
	}
	if set("status-listen") {
		o.StatusListen = statusListen
	}
	if set("ipc-socket") {
		o.IPCSocketPath = ipcSocket
	}
	if set("input-devices") {
		o.InputDevices = inputDevices
	}
	if set("log-level") {
		o.LogLevel = logLevelStr
	}
	o.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level)
	logger := setupLogger(logLevel, os.Stdout)

	logger.Debug("starting mpdmqtt", "version", version)
	logger.Debug("configuration",
		"mpd_host", cfg.MPD.Host,
		"mpd_port", cfg.MPD.Port,
		"mpd_timeout_ms", cfg.MPD.TimeoutMS,
		"mqtt_broker", cfg.MQTT.BrokerURL,
		"topic_base", cfg.MQTT.TopicBase,
		"retain", cfg.MQTT.Retain,
		"qos", cfg.MQTT.QoS,
		"backoff_initial_ms", cfg.Backoff.InitialMS,
		"backoff_max_ms", cfg.Backoff.MaxMS,
		"status_listen", cfg.Status.Listen,
		"ipc_socket", cfg.IPC.SocketPath,
		"input_devices", cfg.Input.Devices)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("mpdmqtt stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shut down")
}

// run starts the daemon loop and every enabled side service, and returns when
// ctx is canceled or one of them fails.
func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	events := make(chan Event, eventQueueSize)

	var broadcasts chan StateBroadcast
	if cfg.Status.Enabled {
		broadcasts = make(chan StateBroadcast, eventQueueSize)
	}

	dialPlayer := func(ctx context.Context) (Player, error) {
		return DialMPD(ctx, cfg.MPD, logger.With("component", "mpd"))
	}
	dialBroker := SubscribedBroker(func(ctx context.Context) (Broker, error) {
		return DialMQTT(ctx, cfg.MQTT, logger.With("component", "mqtt"))
	}, cfg.MQTT.TopicBase)

	sup := NewSupervisor(dialPlayer, dialBroker, Backoff{
		Initial: time.Duration(cfg.Backoff.InitialMS) * time.Millisecond,
		Max:     time.Duration(cfg.Backoff.MaxMS) * time.Millisecond,
	}, logger.With("component", "supervisor"))

	daemon := NewDaemon(DaemonConfig{
		TopicBase: cfg.MQTT.TopicBase,
		Retain:    cfg.MQTT.Retain,
		Keepalive: time.Duration(cfg.MPD.KeepaliveMS) * time.Millisecond,
	}, sup, events, broadcasts, logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return daemon.Run(ctx) })

	if cfg.IPC.Enabled {
		g.Go(func() error {
			return runIPCServer(ctx, ExpandPath(cfg.IPC.SocketPath), events, logger.With("component", "ipc"))
		})
	}

	if cfg.Status.Enabled {
		wsLogger := logger.With("component", "ws")
		hub := NewHub(wsLogger, HubConfig{})
		g.Go(func() error {
			hub.Run(ctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(ctx, hub, broadcasts, wsLogger)
			return nil
		})

		router := NewStatusRouter(events, NewStateFeed(wsLogger, hub, events), logger)
		g.Go(func() error {
			return runStatusServer(ctx, cfg.Status.Listen, router, logger.With("component", "http"))
		})
	}

	if len(cfg.Input.Devices) > 0 {
		mapper := NewInputMapper(cfg.Input)
		g.Go(func() error {
			return runInput(ctx, cfg.Input.Devices, mapper, events, logger.With("component", "input"))
		})
	}

	logger.Info("listening",
		"mpd", fmt.Sprintf("%s:%d", cfg.MPD.Host, cfg.MPD.Port),
		"mqtt", cfg.MQTT.BrokerURL,
		"topic_base", cfg.MQTT.TopicBase)

	return g.Wait()
}
