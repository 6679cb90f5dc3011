package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Budget     BudgetConfig     `mapstructure:"budget"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	CORS       CORSConfig       `mapstructure:"cors"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type RedisConfig struct {
	URL         string        `mapstructure:"url"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// BudgetConfig controls the spend enforcement engine.
type BudgetConfig struct {
	// EnforcementMode is one of strict, advisory or disabled.
	EnforcementMode string `mapstructure:"enforcement_mode"`
	// Environment selects budgets.<environment>.yaml inside PolicyDir.
	Environment      string        `mapstructure:"environment"`
	PolicyDir        string        `mapstructure:"policy_dir"`
	Retention        time.Duration `mapstructure:"retention"`
	AnomalyRatio     float64       `mapstructure:"anomaly_ratio"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	// EventsStream is the Redis stream receiving rejections and anomalies.
	// Empty disables publishing.
	EventsStream string `mapstructure:"events_stream"`
}

type MonitoringConfig struct {
	EnableMetrics bool   `mapstructure:"enable_metrics"`
	ServiceName   string `mapstructure:"service_name"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

var cfg *Config

// Load reads config.yaml (if any) from configPath or the default search
// paths, then layers environment variables on top.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		if strings.HasSuffix(configPath, ".yaml") || strings.HasSuffix(configPath, ".yml") {
			v.SetConfigFile(configPath)
		} else {
			v.AddConfigPath(configPath)
		}
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/spendguard")
	}

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg = &config
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.graceful_shutdown", "15s")

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.dial_timeout", "2s")

	// Budget defaults
	v.SetDefault("budget.enforcement_mode", "strict")
	v.SetDefault("budget.environment", "development")
	v.SetDefault("budget.policy_dir", "./policies")
	v.SetDefault("budget.retention", "48h")
	v.SetDefault("budget.anomaly_ratio", 5.0)
	v.SetDefault("budget.connect_timeout", "3s")
	v.SetDefault("budget.breaker_threshold", 5)
	v.SetDefault("budget.breaker_cooldown", "10s")
	v.SetDefault("budget.events_stream", "budget_events")

	// Monitoring defaults
	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.service_name", "spendguard")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "")

	// CORS defaults
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"Accept", "Content-Type", "Authorization"})
	v.SetDefault("cors.allow_credentials", false)
	v.SetDefault("cors.max_age", 300)
}

func bindEnvVars(v *viper.Viper) {
	// Server
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	_ = v.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")

	// Redis
	_ = v.BindEnv("redis.url", "REDIS_URL")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("redis.pool_size", "REDIS_POOL_SIZE")

	// Budget
	_ = v.BindEnv("budget.enforcement_mode", "BUDGET_ENFORCEMENT_MODE")
	_ = v.BindEnv("budget.environment", "BUDGET_ENV", "APP_ENV")
	_ = v.BindEnv("budget.policy_dir", "BUDGET_POLICY_DIR")
	_ = v.BindEnv("budget.retention", "BUDGET_RETENTION")
	_ = v.BindEnv("budget.anomaly_ratio", "BUDGET_ANOMALY_RATIO")
	_ = v.BindEnv("budget.connect_timeout", "BUDGET_CONNECT_TIMEOUT")
	_ = v.BindEnv("budget.events_stream", "BUDGET_EVENTS_STREAM")

	// Monitoring
	_ = v.BindEnv("monitoring.enable_metrics", "ENABLE_METRICS")

	// Logging
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")

	// CORS
	_ = v.BindEnv("cors.allowed_origins", "CORS_ALLOWED_ORIGINS")
}

func Get() *Config {
	return cfg
}
