package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"bandwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Overlays  []OverlayConfig `mapstructure:"overlays"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN runs without persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	// Retention prunes observations and anomalies older than this on every tick; zero keeps all.
	Retention time.Duration `mapstructure:"retention"`
}

// SchedulerConfig governs the polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	TickTimeout     time.Duration `mapstructure:"tick_timeout"`
	Concurrency     int           `mapstructure:"concurrency"`
}

// EngineConfig tunes discovery, fitting and recompute coalescing.
type EngineConfig struct {
	Settle           time.Duration `mapstructure:"settle"`
	Window           time.Duration `mapstructure:"window"`
	MaxPoints        int           `mapstructure:"max_points"`
	MinPeriod        int           `mapstructure:"min_period"`
	MaxPeriod        int           `mapstructure:"max_period"`
	MaxPeriods       int           `mapstructure:"max_periods"`
	Threshold        float64       `mapstructure:"threshold"`
	FitIterations    int           `mapstructure:"fit_iterations"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
}

// OverlayConfig declares one tracked series and its initial band settings. Source picks
// where the window comes from: "store" (default), "prometheus" (Query is PromQL) or "file"
// (File is a CSV path).
type OverlayConfig struct {
	ID                    string  `mapstructure:"id"`
	Title                 string  `mapstructure:"title"`
	Source                string  `mapstructure:"source"`
	Query                 string  `mapstructure:"query"`
	File                  string  `mapstructure:"file"`
	ConfidenceLevel       float64 `mapstructure:"confidence_level"`
	DiscoverSeasonalities *bool   `mapstructure:"discover_seasonalities"`
	Pinned                bool    `mapstructure:"pinned"`
}

// Discover reports whether seasonality discovery is on, defaulting to true.
func (o OverlayConfig) Discover() bool {
	return o.DiscoverSeasonalities == nil || *o.DiscoverSeasonalities
}

// SourcesConfig configures pull sources shared by overlays.
type SourcesConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig points at the Prometheus HTTP API used by prometheus overlays.
type PrometheusConfig struct {
	URL     string        `mapstructure:"url"`
	Step    time.Duration `mapstructure:"step"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// HTTPConfig controls the overlay API listener.
type HTTPConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// AlertingConfig defines anomaly alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram bot used for alerts.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BANDWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "bandwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x62616e64))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.tick_timeout", "45s")
	v.SetDefault("scheduler.concurrency", 4)

	v.SetDefault("engine.settle", "25ms")
	v.SetDefault("engine.window", "336h")
	v.SetDefault("engine.max_points", 20000)
	v.SetDefault("engine.min_period", 2)
	v.SetDefault("engine.max_period", 0)
	v.SetDefault("engine.max_periods", 3)
	v.SetDefault("engine.threshold", 0.3)
	v.SetDefault("engine.fit_iterations", 3)
	v.SetDefault("engine.subscriber_buffer", 64)

	v.SetDefault("sources.prometheus.step", "1m")
	v.SetDefault("sources.prometheus.timeout", "30s")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_header_timeout", "5s")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.retention", "0s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Database.Retention < 0 {
		return fmt.Errorf("database.retention cannot be negative")
	}
	if c.Engine.Window < 0 {
		return fmt.Errorf("engine.window cannot be negative")
	}
	if c.Engine.MaxPeriods < 0 || c.Engine.MinPeriod < 0 || c.Engine.MaxPeriod < 0 {
		return fmt.Errorf("engine period limits cannot be negative")
	}
	if c.Engine.Threshold < 0 || c.Engine.Threshold >= 1 {
		return fmt.Errorf("engine.threshold must be in [0,1)")
	}

	seen := make(map[string]struct{}, len(c.Overlays))
	for i, o := range c.Overlays {
		if o.ID == "" {
			return fmt.Errorf("overlays[%d].id must be set", i)
		}
		if _, dup := seen[o.ID]; dup {
			return fmt.Errorf("overlays[%d].id %q is duplicated", i, o.ID)
		}
		seen[o.ID] = struct{}{}
		if o.ConfidenceLevel != 0 && !(o.ConfidenceLevel > 0 && o.ConfidenceLevel < 1) {
			return fmt.Errorf("overlays[%d].confidence_level must be strictly between 0 and 1", i)
		}
		switch o.Source {
		case "", "store":
		case "prometheus":
			if o.Query == "" {
				return fmt.Errorf("overlays[%d].query is required for prometheus overlays", i)
			}
			if c.Sources.Prometheus.URL == "" {
				return fmt.Errorf("sources.prometheus.url is required by overlay %q", o.ID)
			}
		case "file":
			if o.File == "" {
				return fmt.Errorf("overlays[%d].file is required for file overlays", i)
			}
		default:
			return fmt.Errorf("overlays[%d].source %q is not one of store, prometheus, file", i, o.Source)
		}
	}

	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr must be set when http is enabled")
	}
	if c.Alerting.Cooldown < 0 {
		return fmt.Errorf("alerting.cooldown cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be set")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be set")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
