package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Database   DatabaseConfig   `mapstructure:"database"`
	AI         AIConfig         `mapstructure:"ai"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Digest     DigestConfig     `mapstructure:"digest"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Log        LogConfig        `mapstructure:"log"`
}

type TelegramConfig struct {
	Token       string `mapstructure:"token"`
	MainChatID  int64  `mapstructure:"main_chat_id"`
	AdminChatID int64  `mapstructure:"admin_chat_id"`
	PollTimeout int    `mapstructure:"poll_timeout"`
	ProxyURL    string `mapstructure:"proxy_url"`
}

// DatabaseConfig selects the storage backend. Driver is one of postgres,
// sqlite or memory.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type ModelConfig struct {
	Name       string `mapstructure:"name"`
	Identifier string `mapstructure:"identifier"`
}

type AIConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	Temperature    float64       `mapstructure:"temperature"`
	MaxRetries     int           `mapstructure:"max_retries"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
	// Models seed an empty model registry on first start.
	Models []ModelConfig `mapstructure:"models"`
}

type ClassifierConfig struct {
	BatchSize             int           `mapstructure:"batch_size"`
	MaxContextThreads     int           `mapstructure:"max_context_threads"`
	AcceptThreshold       float64       `mapstructure:"accept_threshold"`
	BatchPause            time.Duration `mapstructure:"batch_pause"`
	ContextDays           int           `mapstructure:"context_days"`
	TitleMaxLen           int           `mapstructure:"title_max_len"`
	ThreadContextMessages int           `mapstructure:"thread_context_messages"`
	ThreadContextChars    int           `mapstructure:"thread_context_chars"`
}

type DigestConfig struct {
	WindowDays     int    `mapstructure:"window_days"`
	PreferredModel string `mapstructure:"preferred_model"`
}

type RetentionConfig struct {
	Days int `mapstructure:"days"`
}

type SchedulerConfig struct {
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	StartupClassification bool          `mapstructure:"startup_classification"`
	ClassifyAt            string        `mapstructure:"classify_at"`
	ClassifyInterval      time.Duration `mapstructure:"classify_interval"`
	AnnounceAt            string        `mapstructure:"announce_at"`
	DigestAt              string        `mapstructure:"digest_at"`
	CleanupAt             string        `mapstructure:"cleanup_at"`
	Timezone              string        `mapstructure:"timezone"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	switch u.Scheme {
	case "sqlite", "file":
		path := u.Opaque
		if path == "" {
			path = u.Host + u.Path
		}
		return DatabaseConfig{Driver: "sqlite", Path: path}, nil
	case "postgres", "postgresql":
	default:
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		if _, err := fmt.Sscanf(u.Port(), "%d", &port); err != nil {
			return DatabaseConfig{}, fmt.Errorf("invalid port %q", u.Port())
		}
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Driver:   "postgres",
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.poll_timeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/bot.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("ai.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("ai.max_tokens", 2000)
	v.SetDefault("ai.temperature", 0.3)
	v.SetDefault("ai.max_retries", 2)
	v.SetDefault("ai.attempt_timeout", 25*time.Second)
	v.SetDefault("ai.rate_limit", 2.0)
	v.SetDefault("ai.rate_burst", 1)

	v.SetDefault("classifier.batch_size", 5)
	v.SetDefault("classifier.max_context_threads", 15)
	v.SetDefault("classifier.accept_threshold", 0.6)
	v.SetDefault("classifier.batch_pause", 100*time.Millisecond)
	v.SetDefault("classifier.context_days", 7)
	v.SetDefault("classifier.title_max_len", 50)
	v.SetDefault("classifier.thread_context_messages", 3)
	v.SetDefault("classifier.thread_context_chars", 500)

	v.SetDefault("digest.window_days", 7)
	v.SetDefault("retention.days", 7)

	v.SetDefault("scheduler.poll_interval", 30*time.Second)
	v.SetDefault("scheduler.startup_classification", true)
	v.SetDefault("scheduler.classify_at", "02:00")
	v.SetDefault("scheduler.classify_interval", time.Duration(0))
	v.SetDefault("scheduler.announce_at", "Mon 10:00")
	v.SetDefault("scheduler.digest_at", "Fri 19:00")
	v.SetDefault("scheduler.cleanup_at", "03:00")
	v.SetDefault("scheduler.timezone", "Local")

	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("log.level", "info")
}

// LoadConfig reads the YAML file at path, when it exists, and applies
// environment overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Defaulted keys can be overridden as BOT_SCHEDULER_DIGEST_AT etc.
	v.SetEnvPrefix("bot")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := applyEnv(v, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyEnv applies the unprefixed variables the deployment scripts set.
func applyEnv(v *viper.Viper, config *Config) error {
	for _, key := range []string{
		"DATABASE_URL", "BOT_TOKEN", "TELEGRAM_TOKEN", "OPENROUTER_API_KEY", "OPENAI_API_KEY",
		"MAIN_CHAT_ID", "ADMIN_CHAT_ID", "MESSAGE_RETENTION_DAYS", "BATCH_SIZE",
	} {
		if err := v.BindEnv(key, key); err != nil {
			return err
		}
	}

	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}

	if token := firstNonEmpty(v.GetString("BOT_TOKEN"), v.GetString("TELEGRAM_TOKEN")); token != "" {
		config.Telegram.Token = token
	}
	if apiKey := firstNonEmpty(v.GetString("OPENROUTER_API_KEY"), v.GetString("OPENAI_API_KEY")); apiKey != "" {
		config.AI.APIKey = apiKey
	}
	if v.IsSet("MAIN_CHAT_ID") {
		config.Telegram.MainChatID = v.GetInt64("MAIN_CHAT_ID")
	}
	if v.IsSet("ADMIN_CHAT_ID") {
		config.Telegram.AdminChatID = v.GetInt64("ADMIN_CHAT_ID")
	}
	if days := v.GetInt("MESSAGE_RETENTION_DAYS"); days > 0 {
		config.Retention.Days = days
	}
	if size := v.GetInt("BATCH_SIZE"); size > 0 {
		config.Classifier.BatchSize = size
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, s := range values {
		if s != "" {
			return s
		}
	}
	return ""
}

// Validate reports settings the bot cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram token is required (BOT_TOKEN)"))
	}
	if c.Telegram.MainChatID == 0 {
		errs = append(errs, errors.New("main chat id is required (MAIN_CHAT_ID)"))
	}
	if c.AI.APIKey == "" {
		errs = append(errs, errors.New("AI api key is required (OPENROUTER_API_KEY)"))
	}
	errs = append(errs, c.ValidateStorage())
	if c.Classifier.AcceptThreshold < 0 || c.Classifier.AcceptThreshold > 1 {
		errs = append(errs, fmt.Errorf("classifier accept_threshold %.2f is outside [0, 1]", c.Classifier.AcceptThreshold))
	}
	if c.Classifier.BatchSize < 1 {
		errs = append(errs, errors.New("classifier batch_size must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateStorage checks only the database section, for offline commands.
func (c *Config) ValidateStorage() error {
	switch c.Database.Driver {
	case "memory":
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database path is required for sqlite")
		}
	case "postgres":
		if c.Database.Host == "" || c.Database.DBName == "" {
			return errors.New("database host and dbname are required for postgres")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	return nil
}

// Location resolves the scheduler timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" || c.Scheduler.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduler timezone: %w", err)
	}
	return loc, nil
}
