package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/confab/internal/chat/broker"
	"github.com/zjrosen/confab/internal/chat/events"
	"github.com/zjrosen/confab/internal/chat/hub"
	"github.com/zjrosen/confab/internal/chat/registry"
	"github.com/zjrosen/confab/internal/chat/store"
	"github.com/zjrosen/confab/internal/config"
	"github.com/zjrosen/confab/internal/history"
	"github.com/zjrosen/confab/internal/log"
	"github.com/zjrosen/confab/internal/metrics"
	"github.com/zjrosen/confab/internal/pubsub"
	"github.com/zjrosen/confab/internal/tracing"

	// Provider adapters register themselves in init().
	_ "github.com/zjrosen/confab/internal/provider/providers/mock"
	_ "github.com/zjrosen/confab/internal/provider/providers/openai"
)

var (
	version = "dev"
	cfgFile string
	debug   bool
	cfg     config.Config
	cfgMu   sync.Mutex // guards cfg.Rooms between the watcher and the console saver
)

var rootCmd = &cobra.Command{
	Use:     "confab",
	Short:   "A multi-party chat hub with AI participants",
	Long: `Confab runs a chat room where a fleet of AI participants converse with
you and each other. Stdin lines become user messages; AI responses print as
they arrive. @mention an AI to get a direct reply.

Console commands: /topic <text>, /sleep, /wake, /allow <id,...|clear>, /quit`,
	Version: version,
	RunE:    runHub,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/confab/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"enable debug logging")
	rootCmd.Flags().StringP("room", "r", "",
		"room to join (default: \"default\")")

	_ = viper.BindPFlag("room", rootCmd.Flags().Lookup("room"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	// Provider keys commonly live in a local .env
	_ = godotenv.Load()

	defaults := config.Defaults()
	viper.SetDefault("room", defaults.Room)
	viper.SetDefault("hub.max_messages", defaults.Hub.MaxMessages)
	viper.SetDefault("hub.ai_context", defaults.Hub.AIContext)
	viper.SetDefault("hub.max_ai_messages", defaults.Hub.MaxAIMessages)
	viper.SetDefault("hub.max_concurrent_responses", defaults.Hub.MaxConcurrentResponses)
	viper.SetDefault("metrics.addr", defaults.Metrics.Addr)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	viper.SetEnvPrefix("CONFAB")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .confab/config.yaml (current directory)
		// 2. ~/.config/confab/config.yaml (user config)
		if _, err := os.Stat(".confab/config.yaml"); err == nil {
			viper.SetConfigFile(".confab/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "confab"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create a default
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := ".confab/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
	cfg.ExpandEnv()
}

func runHub(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.LogFile != "" {
		closeLog, err := log.Init(cfg.LogFile)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		defer closeLog()
	} else {
		log.InitWithWriter(cmd.ErrOrStderr())
	}
	if !cfg.Debug && !debug && os.Getenv("CONFAB_DEBUG") == "" {
		log.SetMinLevel(log.LevelInfo)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	traceProvider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() { _ = traceProvider.Shutdown(context.Background()) }()

	eventBroker := pubsub.NewBroker[events.Event]()
	defer eventBroker.Close()

	reg := registry.New()
	initErrs := reg.Initialize(ctx, cfg.AIs, registry.InitOptions{
		ValidateOnInit: !cfg.Hub.SkipHealthcheck,
	})
	for _, initErr := range initErrs {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", initErr)
	}

	var historyStore *history.Store
	if cfg.History.Enabled {
		historyStore, err = history.Open(cfg.History.Path)
		if err != nil {
			// Persistence is best-effort; the hub runs memory-only on failure.
			log.ErrorErr(log.CatHistory, "history store unavailable", err, "path", cfg.History.Path)
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: history disabled: %v\n", err)
		} else {
			defer func() { _ = historyStore.Close() }()
		}
	}

	orchestrator := hub.New(hub.Config{
		Store: store.New(cfg.Hub.MaxMessages),
		Broker: broker.New(broker.Config{
			Events: eventBroker,
			Tracer: traceProvider.Tracer(),
		}),
		Registry:              reg,
		Events:                eventBroker,
		History:               historyWriter(historyStore),
		MaxConcurrent:         cfg.Hub.MaxConcurrentResponses,
		MaxAIMessages:         cfg.Hub.MaxAIMessages,
		AIContext:             cfg.Hub.AIContext,
		SilenceTimeout:        cfg.Timing.SilenceTimeout,
		SleepRetry:            cfg.Timing.SleepRetry,
		Delays:                cfg.Timing.Delays(),
		EnablePersonas:        cfg.Hub.EnablePersonas,
		VerboseContextLogging: cfg.Hub.VerboseContextLogging,
		Tracer:                traceProvider.Tracer(),
	})

	for _, room := range cfg.Rooms {
		orchestrator.SetRoomAllowedAIs(room.ID, room.AllowedAIs)
	}
	watchRooms(orchestrator)

	if cfg.Metrics.Enabled {
		exporter := metrics.NewExporter(metrics.DefaultConfig())
		collector := metrics.NewCollector(exporter)
		// Subscribe before the hub starts so no startup events are lost.
		consume := collector.Listen(ctx, eventBroker)
		log.SafeGo("metrics-collector", consume)
		log.SafeGo("metrics-listener", func() {
			if serveErr := exporter.Serve(ctx, cfg.Metrics.Addr); serveErr != nil {
				log.ErrorErr(log.CatMetrics, "metrics listener failed", serveErr)
			}
		})
	}

	orchestrator.Start(ctx)
	defer orchestrator.Cleanup()

	console := NewConsole(ConsoleConfig{
		Hub:           orchestrator,
		Events:        eventBroker,
		Room:          viper.GetString("room"),
		In:            cmd.InOrStdin(),
		Out:           cmd.OutOrStdout(),
		History:       historyReader(historyStore),
		SaveAllowList: allowListSaver(),
	})
	return console.Run(ctx)
}

// historyWriter adapts a possibly-nil store to the hub's optional interface.
// A typed nil inside a non-nil interface would defeat the hub's nil check.
func historyWriter(s *history.Store) hub.HistoryWriter {
	if s == nil {
		return nil
	}
	return s
}

// historyReader is the same guard for the console's replay interface.
func historyReader(s *history.Store) HistoryReader {
	if s == nil {
		return nil
	}
	return s
}

// allowListSaver persists /allow changes to the rooms section of the config
// file. Returns nil when no config file is in use. The file watcher picks
// the write back up and refreshes cfg.Rooms.
func allowListSaver() func(roomID string, ids []string) error {
	path := viper.ConfigFileUsed()
	if path == "" {
		return nil
	}
	return func(roomID string, ids []string) error {
		cfgMu.Lock()
		rooms := cfg.Rooms
		cfgMu.Unlock()
		return config.SetRoomAllowedAIs(path, roomID, ids, rooms)
	}
}

// watchRooms reloads room allow-lists when the config file changes on disk.
func watchRooms(orchestrator *hub.Orchestrator) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(_ fsnotify.Event) {
		var updated config.Config
		if err := viper.Unmarshal(&updated); err != nil {
			log.Warn(log.CatConfig, "config reload failed", "error", err)
			return
		}
		if err := config.ValidateRooms(updated.Rooms); err != nil {
			log.Warn(log.CatConfig, "config reload rejected", "error", err)
			return
		}

		seen := make(map[string]struct{}, len(updated.Rooms))
		for _, room := range updated.Rooms {
			orchestrator.SetRoomAllowedAIs(room.ID, room.AllowedAIs)
			seen[room.ID] = struct{}{}
		}
		cfgMu.Lock()
		for _, room := range cfg.Rooms {
			if _, still := seen[room.ID]; !still {
				orchestrator.ClearRoomAllowedAIs(room.ID)
			}
		}
		cfg.Rooms = updated.Rooms
		cfgMu.Unlock()
		log.Info(log.CatConfig, "room allow-lists reloaded", "rooms", len(updated.Rooms))
	})
	viper.WatchConfig()
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
