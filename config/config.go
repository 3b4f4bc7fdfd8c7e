package config

import (
	"errors"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the immutable configuration of the collector. It is loaded once
// and passed to each component at construction.
type Config struct {
	ServiceName string `mapstructure:"service_name"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFile     string `mapstructure:"log_file"`

	RequestMonitoring   bool `mapstructure:"request_monitoring"`
	ExceptionMonitoring bool `mapstructure:"exception_monitoring"`
	MetricsMonitoring   bool `mapstructure:"metrics_monitoring"`

	AppRoot        string          `mapstructure:"app_root"`
	Backtrace      BacktraceConfig `mapstructure:"backtrace"`
	Routes         []string        `mapstructure:"routes"`
	UnmatchedRoute string          `mapstructure:"unmatched_route"`
	MaxBodyBytes   int64           `mapstructure:"max_body_bytes"`

	Storage    StorageConfig     `mapstructure:"storage"`
	Redis      RedisConfig       `mapstructure:"redis"`
	Recordings []RecordingConfig `mapstructure:"recordings"`
	API        APIConfig         `mapstructure:"api"`
}

// BacktraceConfig selects the application frames of a backtrace.
type BacktraceConfig struct {
	// Silencers are regular expressions of frames that are not
	// application code.
	Silencers []string `mapstructure:"silencers"`
}

// StorageConfig selects the backing stores.
type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	// Statistics overrides the statistic store; "redis" or empty.
	Statistics string `mapstructure:"statistics"`
	// Capacity bounds the records kept by the memory driver.
	Capacity int `mapstructure:"capacity"`
}

// RedisConfig is used when Storage.Statistics is "redis".
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// RecordingConfig seeds a recording rule at startup.
type RecordingConfig struct {
	Header  string `mapstructure:"header"`
	Value   string `mapstructure:"value"`
	Enabled bool   `mapstructure:"enabled"`
}

// APIConfig configures the read API.
type APIConfig struct {
	Prefix string `mapstructure:"prefix"`
}

// Default returns the configuration used when nothing is configured.
func Default() Config {
	return Config{
		ServiceName:         "unknown-service",
		Environment:         "development",
		LogLevel:            "info",
		RequestMonitoring:   true,
		ExceptionMonitoring: true,
		MetricsMonitoring:   true,
		Backtrace: BacktraceConfig{
			Silencers: []string{`/pkg/mod/`, `/vendor/`, `/go/src/`, `/libexec/src/`},
		},
		UnmatchedRoute: "unmatched",
		MaxBodyBytes:   1 << 20,
		Storage:        StorageConfig{Driver: "memory", Capacity: 1000},
		Redis:          RedisConfig{Addr: "localhost:6379", Prefix: "reqorder:"},
		API:            APIConfig{Prefix: "/reqorder"},
	}
}

// Load reads config.yaml from path, applies REQORDER_* environment
// overrides and fills in defaults. A missing file is not an error.
func Load(path string) (config Config, err error) {
	v := viper.New()
	def := Default()

	v.SetDefault("service_name", def.ServiceName)
	v.SetDefault("environment", def.Environment)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_file", def.LogFile)
	v.SetDefault("request_monitoring", def.RequestMonitoring)
	v.SetDefault("exception_monitoring", def.ExceptionMonitoring)
	v.SetDefault("metrics_monitoring", def.MetricsMonitoring)
	v.SetDefault("app_root", "")
	v.SetDefault("backtrace.silencers", def.Backtrace.Silencers)
	v.SetDefault("routes", []string{})
	v.SetDefault("unmatched_route", def.UnmatchedRoute)
	v.SetDefault("max_body_bytes", def.MaxBodyBytes)
	v.SetDefault("storage.driver", def.Storage.Driver)
	v.SetDefault("storage.dsn", def.Storage.DSN)
	v.SetDefault("storage.statistics", def.Storage.Statistics)
	v.SetDefault("storage.capacity", def.Storage.Capacity)
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.password", def.Redis.Password)
	v.SetDefault("redis.db", def.Redis.DB)
	v.SetDefault("redis.prefix", def.Redis.Prefix)
	v.SetDefault("api.prefix", def.API.Prefix)

	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("reqorder")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return
		}
		err = nil
	}

	if err = v.Unmarshal(&config); err != nil {
		return
	}
	if config.AppRoot == "" {
		config.AppRoot, _ = os.Getwd()
	}
	return
}
