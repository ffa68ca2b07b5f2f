package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/kbot/ai/core/llm"
	"github.com/hrygo/kbot/ai/memory"
	"github.com/hrygo/kbot/ai/metrics"
	"github.com/hrygo/kbot/internal/profile"
	"github.com/hrygo/kbot/internal/version"
	"github.com/hrygo/kbot/plugin/chat_apps"
	"github.com/hrygo/kbot/plugin/chat_apps/aggregator"
	"github.com/hrygo/kbot/plugin/chat_apps/channels"
	"github.com/hrygo/kbot/plugin/chat_apps/channels/onebot"
	"github.com/hrygo/kbot/plugin/chat_apps/channels/telegram"
	"github.com/hrygo/kbot/plugin/webhook"
	"github.com/hrygo/kbot/server"
	"github.com/hrygo/kbot/server/chatbot"
	"github.com/hrygo/kbot/store"
	"github.com/hrygo/kbot/store/db"
)

var (
	rootCmd = &cobra.Command{
		Use:   "kbot",
		Short: `A chat bot that waits for a user to finish typing, then answers the whole burst with an LLM while keeping a short per-user context.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Systemd units provide their environment via EnvironmentFile.
			if !isRunningAsSystemdService() {
				_ = godotenv.Load()
			}
			if configFile := viper.GetString("config"); configFile != "" {
				viper.SetConfigFile(configFile)
				if err := viper.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read config file %s: %w", configFile, err)
				}
			}
			return nil
		},
		RunE: func(_ *cobra.Command, _ []string) error {
			instanceProfile := newProfile()
			instanceProfile.FromEnv()
			if err := instanceProfile.Validate(); err != nil {
				return err
			}
			setupLogger(instanceProfile)

			ctx, stop := signal.NotifyContext(context.Background(), terminationSignals...)
			defer stop()
			return run(ctx, instanceProfile)
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version of kbot",
		Run: func(_ *cobra.Command, _ []string) {
			info := version.Get(viper.GetString("mode"))
			fmt.Printf("kbot %s (%s)\n", version.String(), info.GoVersion)
			if info.BuildTime != "" {
				fmt.Printf("Built at %s\n", info.BuildTime)
			}
		},
	}
)

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("port", 28082)
	viper.SetDefault("enable-context", true)

	flags := rootCmd.PersistentFlags()
	flags.String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	flags.String("addr", "", "address of server")
	flags.Int("port", 28082, "port of server")
	flags.String("data", "", "data directory")
	flags.String("driver", "", "eviction archive database driver (sqlite, postgres); empty disables the archive")
	flags.String("dsn", "", "database source name(aka. DSN)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("config", "", "path to a TOML config file")

	flags.Duration("inactivity-interval", 5*time.Second, "quiet time after which a user's queued messages are flushed")
	flags.Duration("scan-interval", time.Second, "how often queued users are scanned")
	flags.Int("max-concurrent-flushes", 8, "flushes in flight across users")

	flags.Int("max-pairs", memory.DefaultMaxPairs, "history pairs kept per user")
	flags.Int("max-records", 0, "conversation records kept per user (0 keeps all)")
	flags.Duration("record-ttl", 0, "drop conversation records older than this (0 keeps all)")
	flags.Duration("janitor-interval", time.Minute, "how often records are pruned")
	flags.String("system-prompt", "", "system prompt for private chats")
	flags.String("group-system-prompt", "", "system prompt for group chats (defaults to --system-prompt)")
	flags.Bool("enable-context", true, "keep per-user conversation history")
	flags.String("chat-filter", profile.DefaultChatFilter, "CEL expression over user_id and text; false drops the batch")

	rootCmd.AddCommand(versionCmd)

	for _, name := range []string{
		"mode", "addr", "port", "data", "driver", "dsn", "log-level", "config",
		"inactivity-interval", "scan-interval", "max-concurrent-flushes",
		"max-pairs", "max-records", "record-ttl", "janitor-interval",
		"system-prompt", "group-system-prompt", "enable-context", "chat-filter",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("kbot")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func newProfile() *profile.Profile {
	return &profile.Profile{
		Mode:     viper.GetString("mode"),
		Addr:     viper.GetString("addr"),
		Port:     viper.GetInt("port"),
		Data:     viper.GetString("data"),
		Driver:   viper.GetString("driver"),
		DSN:      viper.GetString("dsn"),
		LogLevel: viper.GetString("log-level"),
		Version:  version.GetCurrentVersion(viper.GetString("mode")),

		InactivityInterval:   viper.GetDuration("inactivity-interval"),
		ScanInterval:         viper.GetDuration("scan-interval"),
		MaxConcurrentFlushes: viper.GetInt("max-concurrent-flushes"),

		SystemPrompt:      viper.GetString("system-prompt"),
		GroupSystemPrompt: viper.GetString("group-system-prompt"),
		EnableContext:     viper.GetBool("enable-context"),
		MaxPairs:          viper.GetInt("max-pairs"),
		MaxRecords:        viper.GetInt("max-records"),
		RecordTTL:         viper.GetDuration("record-ttl"),
		JanitorInterval:   viper.GetDuration("janitor-interval"),
		ChatFilter:        viper.GetString("chat-filter"),
	}
}

// setupLogger installs a text handler in dev mode and a JSON handler in prod.
func setupLogger(p *profile.Profile) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(p.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if p.IsDev() {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func run(ctx context.Context, p *profile.Profile) error {
	exporter := metrics.NewPrometheusExporter(metrics.DefaultConfig())

	llmConfig := &llm.Config{
		Provider:         p.LLMProvider,
		Model:            p.LLMModel,
		APIKey:           p.LLMAPIKey,
		BaseURL:          p.LLMBaseURL,
		MaxTokens:        p.LLMMaxTokens,
		Temperature:      float32(p.LLMTemperature),
		TopP:             float32(p.LLMTopP),
		FrequencyPenalty: float32(p.LLMFrequencyPenalty),
		PresencePenalty:  float32(p.LLMPresencePenalty),
		Timeout:          p.LLMTimeout,
	}
	llmService, err := llm.NewService(llmConfig)
	if err != nil {
		return fmt.Errorf("failed to create LLM service: %w", err)
	}
	go llmService.Warmup(ctx)

	router, err := newChannelRouter(p)
	if err != nil {
		return err
	}
	defer router.Close()

	opts := []chatbot.Option{chatbot.WithMetrics(exporter)}
	var storeInstance *store.Store
	if p.IsArchiveEnabled() {
		dbDriver, err := db.NewDBDriver(p)
		if err != nil {
			slog.Error("failed to create db driver", "driver", p.Driver, "error", err)
			return err
		}
		storeInstance = store.New(dbDriver, p)
		defer storeInstance.Close()

		if err := storeInstance.Migrate(ctx); err != nil {
			slog.Error("failed to migrate", "error", err)
			return err
		}
		opts = append(opts, chatbot.WithArchive(storeInstance.ArchiveHook))
	}
	if p.EvictionWebhookURL != "" {
		opts = append(opts, chatbot.WithArchive(func(scope string) memory.EvictionHook {
			return webhook.NewEvictionHook(p.EvictionWebhookURL, scope)
		}))
	}

	contextConfig := memory.Config{
		EnableContext: p.EnableContext,
		MaxPairs:      p.MaxPairs,
		MaxRecords:    p.MaxRecords,
		RecordTTL:     p.RecordTTL,
		ModelTimeout:  time.Duration(p.LLMTimeout) * time.Second,
	}
	bot, err := chatbot.New(llm.NewPromptSession(llmService, llmConfig, exporter), router, chatbot.Config{
		Scheduler: aggregator.SchedulerConfig{
			Interval:             p.InactivityInterval,
			TickInterval:         p.ScanInterval,
			MaxConcurrentFlushes: p.MaxConcurrentFlushes,
		},
		Context: contextConfig,
		SystemPrompts: map[chat_apps.SenderKind]string{
			chat_apps.SenderPrivate: p.SystemPrompt,
			chat_apps.SenderGroup:   p.GroupSystemPrompt,
		},
		ChatFilter:      p.ChatFilter,
		JanitorInterval: p.JanitorInterval,
	}, opts...)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}

	s, err := server.NewServer(ctx, p, bot, storeInstance, exporter.Handler())
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	printGreetings(p, router.Platforms())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bot.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return s.Shutdown(ctx)
	})
	return g.Wait()
}

// newChannelRouter registers every channel that has credentials configured.
func newChannelRouter(p *profile.Profile) (*channels.ChannelRouter, error) {
	router := channels.NewChannelRouter()

	if p.IsTelegramEnabled() {
		ch, err := telegram.NewTelegramChannel(&telegram.TelegramConfig{
			BotToken:      p.TelegramBotToken,
			RatePerSecond: p.TelegramRatePerSecond,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create telegram channel: %w", err)
		}
		router.Register(ch)
	}

	if p.IsOneBotEnabled() {
		ch, err := onebot.NewOneBotChannel(&onebot.OneBotConfig{
			APIURL:      p.OneBotAPIURL,
			AccessToken: p.OneBotAccessToken,
			Secret:      p.OneBotSecret,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create onebot channel: %w", err)
		}
		router.Register(ch)
	}

	if len(router.Platforms()) == 0 {
		slog.Warn("no chat channel configured (set KBOT_TELEGRAM_BOT_TOKEN or KBOT_ONEBOT_API_URL)")
	}
	return router, nil
}

func printGreetings(p *profile.Profile, platforms []chat_apps.Platform) {
	fmt.Printf("kbot %s started successfully!\n", p.Version)

	if p.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
		if p.DSN != "" {
			fmt.Fprintf(os.Stderr, "Database: %s\n", p.DSN)
		}
	}

	fmt.Printf("Mode: %s\n", p.Mode)
	fmt.Printf("Model: %s (%s)\n", p.LLMModel, p.LLMProvider)
	if p.IsArchiveEnabled() {
		fmt.Printf("Eviction archive: %s\n", p.Driver)
	}
	if p.EvictionWebhookURL != "" {
		fmt.Printf("Eviction webhook: %s\n", p.EvictionWebhookURL)
	}
	for _, platform := range platforms {
		fmt.Printf("Channel: %s\n", platform)
	}

	if len(p.Addr) == 0 {
		fmt.Printf("Server running on port %d\n", p.Port)
	} else {
		fmt.Printf("Server running on %s:%d\n", p.Addr, p.Port)
	}
	if p.IsOneBotEnabled() {
		fmt.Printf("OneBot webhook: POST /webhook/%s\n", chat_apps.PlatformOneBot)
	}
	fmt.Println()
}

// isRunningAsSystemdService detects if the process is running under systemd
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
