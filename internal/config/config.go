package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Mail      MailConfig
	Notify    NotifyConfig
	Scheduler SchedulerConfig
	Retention RetentionConfig
	Metrics   MetricsConfig
	Auth      AuthConfig
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MaxIdleConns   int
}

type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	UseTLS   bool
}

type NotifyConfig struct {
	RatePerSecond float64
	Burst         int
	HTTPTimeout   time.Duration
}

type SchedulerConfig struct {
	TickInterval    time.Duration
	WorkerCount     int
	SourceTimeout   time.Duration
	DispatchTimeout time.Duration
	RunTimeout      time.Duration
	CleanupHour     int
	Timezone        string
}

type RetentionConfig struct {
	QueryLogDays        int
	NotificationLogDays int
	ResolvedErrorDays   int
}

type MetricsConfig struct {
	RemoteWriteURL string
	TenantHeader   string
	Tenant         string
	AuthToken      string
	PushInterval   time.Duration
}

type AuthConfig struct {
	JWTSecret string
}

func Load() (*Config, error) {
	// Best effort: a missing .env is the normal case in production.
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("GUARDIAN")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "debug")
	viper.SetDefault("database.maxconnections", 25)
	viper.SetDefault("database.maxidleconns", 5)
	viper.SetDefault("mail.host", "smtp.office365.com")
	viper.SetDefault("mail.port", 587)
	viper.SetDefault("mail.usetls", true)
	viper.SetDefault("notify.ratepersecond", 5.0)
	viper.SetDefault("notify.burst", 10)
	viper.SetDefault("notify.httptimeout", "30s")
	viper.SetDefault("scheduler.tickinterval", "1m")
	viper.SetDefault("scheduler.workercount", 10)
	viper.SetDefault("scheduler.sourcetimeout", "30s")
	viper.SetDefault("scheduler.dispatchtimeout", "60s")
	viper.SetDefault("scheduler.runtimeout", "4m")
	viper.SetDefault("scheduler.cleanuphour", 3)
	viper.SetDefault("scheduler.timezone", "UTC")
	viper.SetDefault("retention.querylogdays", 30)
	viper.SetDefault("retention.notificationlogdays", 90)
	viper.SetDefault("retention.resolvederrordays", 60)
	viper.SetDefault("metrics.tenantheader", "X-Scope-OrgID")
	viper.SetDefault("metrics.pushinterval", "15s")

	var cfg Config
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Override with environment variables
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if pass := os.Getenv("MAIL_PASSWORD"); pass != "" {
		cfg.Mail.Password = pass
	}
	if url := os.Getenv("REMOTE_WRITE_URL"); url != "" {
		cfg.Metrics.RemoteWriteURL = url
	}
	if token := os.Getenv("REMOTE_WRITE_TOKEN"); token != "" {
		cfg.Metrics.AuthToken = token
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}

	return &cfg, nil
}

// Location resolves the configured timezone, falling back to UTC on a
// bad name.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
