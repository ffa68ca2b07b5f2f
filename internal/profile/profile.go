package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/kbot/internal/version"
)

// DefaultChatFilter passes everything that is not a slash command.
const DefaultChatFilter = `!text.startsWith("/")`

// DefaultSystemPrompt is used when no system prompt is configured.
const DefaultSystemPrompt = "You are a helpful assistant chatting with a user in an instant messenger. Keep answers short."

// Profile is configuration to start the bot.
type Profile struct {
	// Unified LLM configuration (OpenAI-compatible protocol)
	LLMProvider         string // deepseek, openai, siliconflow, zai, dashscope, moonshot, openrouter, ollama
	LLMAPIKey           string
	LLMBaseURL          string // optional, has default per provider
	LLMModel            string
	LLMMaxTokens        int
	LLMTemperature      float64
	LLMTopP             float64
	LLMFrequencyPenalty float64
	LLMPresencePenalty  float64
	LLMTimeout          int // seconds

	// Channels
	TelegramBotToken      string
	TelegramRatePerSecond float64
	OneBotAPIURL          string
	OneBotAccessToken     string
	OneBotSecret          string

	// Aggregation
	InactivityInterval   time.Duration
	ScanInterval         time.Duration
	MaxConcurrentFlushes int

	// Context window
	SystemPrompt      string
	GroupSystemPrompt string
	EnableContext     bool
	MaxPairs          int
	MaxRecords        int
	RecordTTL         time.Duration
	JanitorInterval   time.Duration
	ChatFilter        string

	// EvictionWebhookURL receives evicted pairs as JSON when set.
	EvictionWebhookURL string

	// Other configurations
	Mode     string
	Addr     string
	Port     int
	Data     string
	Driver   string // sqlite, postgres, or empty to disable the eviction archive
	DSN      string
	LogLevel string
	Version  string
}

// Default models per provider, used when the model is not set.
var llmProviderModels = map[string]string{
	"deepseek":    "deepseek-chat",
	"openai":      "gpt-4o-mini",
	"siliconflow": "Qwen/Qwen2.5-72B-Instruct",
	"zai":         "glm-4.7",
	"dashscope":   "qwen-plus",
	"moonshot":    "moonshot-v1-8k",
	"openrouter":  "deepseek/deepseek-chat",
	"ollama":      "llama3.1",
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsTelegramEnabled reports whether a Telegram bot token is configured.
func (p *Profile) IsTelegramEnabled() bool {
	return p.TelegramBotToken != ""
}

// IsOneBotEnabled reports whether a OneBot HTTP API endpoint is configured.
func (p *Profile) IsOneBotEnabled() bool {
	return p.OneBotAPIURL != ""
}

// IsArchiveEnabled reports whether evicted pairs are written to a database.
func (p *Profile) IsArchiveEnabled() bool {
	return p.Driver != ""
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		slog.Warn("profile: ignoring malformed integer", "key", key, "value", value)
	}
	return defaultValue
}

// getEnvOrDefaultFloat returns environment variable value as float64 or default value.
func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		slog.Warn("profile: ignoring malformed number", "key", key, "value", value)
	}
	return defaultValue
}

// FromEnv loads secrets and model settings from KBOT_* environment variables.
func (p *Profile) FromEnv() {
	p.LLMProvider = getEnvOrDefault("KBOT_LLM_PROVIDER", "deepseek")
	p.LLMAPIKey = getEnvOrDefault("KBOT_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("KBOT_LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("KBOT_LLM_MODEL", "")
	p.LLMMaxTokens = getEnvOrDefaultInt("KBOT_LLM_MAX_TOKENS", 2048)
	p.LLMTemperature = getEnvOrDefaultFloat("KBOT_LLM_TEMPERATURE", 0.7)
	p.LLMTopP = getEnvOrDefaultFloat("KBOT_LLM_TOP_P", 1.0)
	p.LLMFrequencyPenalty = getEnvOrDefaultFloat("KBOT_LLM_FREQUENCY_PENALTY", 0)
	p.LLMPresencePenalty = getEnvOrDefaultFloat("KBOT_LLM_PRESENCE_PENALTY", 0)
	p.LLMTimeout = getEnvOrDefaultInt("KBOT_LLM_TIMEOUT_SECONDS", 120)

	if p.LLMModel == "" {
		if model, ok := llmProviderModels[p.LLMProvider]; ok {
			p.LLMModel = model
		}
	}

	p.TelegramBotToken = getEnvOrDefault("KBOT_TELEGRAM_BOT_TOKEN", "")
	p.TelegramRatePerSecond = getEnvOrDefaultFloat("KBOT_TELEGRAM_RATE_PER_SECOND", 25)
	p.OneBotAPIURL = getEnvOrDefault("KBOT_ONEBOT_API_URL", "")
	p.OneBotAccessToken = getEnvOrDefault("KBOT_ONEBOT_ACCESS_TOKEN", "")
	p.OneBotSecret = getEnvOrDefault("KBOT_ONEBOT_SECRET", "")

	p.EvictionWebhookURL = getEnvOrDefault("KBOT_EVICTION_WEBHOOK_URL", "")
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate normalises defaults and rejects unusable settings.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}
	if p.Version != "" && !version.IsValid(p.Version) {
		return errors.Errorf("invalid build version %q (set with -ldflags -X .../version.Version)", p.Version)
	}

	if p.LLMModel == "" {
		return errors.Errorf("no model configured for LLM provider %q (set KBOT_LLM_MODEL)", p.LLMProvider)
	}
	if p.MaxPairs <= 0 {
		return errors.Errorf("max-pairs must be positive, got %d", p.MaxPairs)
	}
	if p.MaxRecords < 0 {
		return errors.Errorf("max-records must not be negative, got %d", p.MaxRecords)
	}
	if p.RecordTTL < 0 {
		return errors.Errorf("record-ttl must not be negative, got %s", p.RecordTTL)
	}

	if p.InactivityInterval <= 0 {
		p.InactivityInterval = 5 * time.Second
	}
	if p.ScanInterval <= 0 {
		p.ScanInterval = time.Second
	}
	if p.MaxConcurrentFlushes <= 0 {
		p.MaxConcurrentFlushes = 8
	}
	if p.JanitorInterval <= 0 {
		p.JanitorInterval = time.Minute
	}
	if p.SystemPrompt == "" {
		p.SystemPrompt = DefaultSystemPrompt
	}
	if p.GroupSystemPrompt == "" {
		p.GroupSystemPrompt = p.SystemPrompt
	}
	if strings.TrimSpace(p.ChatFilter) == "" {
		p.ChatFilter = DefaultChatFilter
	}

	switch p.Driver {
	case "":
		return nil
	case "postgres":
		if p.DSN == "" {
			return errors.New("dsn required for postgres driver")
		}
		return nil
	case "sqlite":
	default:
		return errors.Errorf("unsupported driver %q", p.Driver)
	}

	if p.DSN != "" {
		return nil
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "kbot")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/kbot"
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", p.Data), slog.String("error", err.Error()))
		return err
	}

	p.Data = dataDir
	p.DSN = filepath.Join(dataDir, fmt.Sprintf("kbot_%s.db", p.Mode))
	return nil
}
