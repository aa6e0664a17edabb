package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Load loads configuration from various sources with priority order:
// 1. Environment variables
// 2. Configuration file (config.yaml)
// 3. Default values
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/causeway/")
	v.AddConfigPath("./configs/")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("CAUSEWAY")

	setDefaults(v)

	// Config file is optional; env vars and defaults are enough to run.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	overrideWithEnvVars(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets reasonable default values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("port", 8000)
	v.SetDefault("log_level", "info")

	v.SetDefault("clickhouse.host", "localhost")
	v.SetDefault("clickhouse.port", 9000)
	v.SetDefault("clickhouse.database", "causeway")
	v.SetDefault("clickhouse.username", "default")
	v.SetDefault("clickhouse.timeout", 10000)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.database", "causeway")
	v.SetDefault("postgres.username", "causeway")
	v.SetDefault("postgres.password", "causeway")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)

	v.SetDefault("kafka.bootstrap_servers", []string{"localhost:9092"})
	v.SetDefault("kafka.detector_group", "detector-worker")
	v.SetDefault("kafka.rca_group", "rca-worker")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("detector.z_threshold", 3.0)
	v.SetDefault("detector.min_points", 10)
	v.SetDefault("detector.required_anomalies", 3)
	v.SetDefault("detector.window_minutes", 5)
	v.SetDefault("detector.lookback_days", 7)
	v.SetDefault("detector.warmup_hours", 1)

	v.SetDefault("grouper.gap_minutes", 10)
	v.SetDefault("grouper.lookback_minutes", 60)

	v.SetDefault("rca.model_path", "models/ranker.json")
	v.SetDefault("rca.window_before_hours", 2)
	v.SetDefault("rca.fallback_lag_minutes", 30)
	v.SetDefault("rca.incident_rate_days", 30)

	v.SetDefault("activity.ttl_seconds", 3600)
	v.SetDefault("activity.max_events", 1000)

	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")
}

// overrideWithEnvVars explicitly handles the deployment-contract variables
func overrideWithEnvVars(v *viper.Viper) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			v.Set("port", p)
		}
	}

	if env := os.Getenv("ENVIRONMENT"); env != "" {
		v.Set("environment", env)
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		v.Set("log_level", logLevel)
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		v.Set("clickhouse.host", host)
	}
	if port := os.Getenv("CLICKHOUSE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			v.Set("clickhouse.port", p)
		}
	}
	if db := os.Getenv("CLICKHOUSE_DB"); db != "" {
		v.Set("clickhouse.database", db)
	}
	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		v.Set("clickhouse.username", user)
	}
	if password := os.Getenv("CLICKHOUSE_PASSWORD"); password != "" {
		v.Set("clickhouse.password", password)
	}

	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		v.Set("postgres.host", host)
	}
	if port := os.Getenv("POSTGRES_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			v.Set("postgres.port", p)
		}
	}
	if db := os.Getenv("POSTGRES_DB"); db != "" {
		v.Set("postgres.database", db)
	}
	if user := os.Getenv("POSTGRES_USER"); user != "" {
		v.Set("postgres.username", user)
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		v.Set("postgres.password", password)
	}

	if brokers := os.Getenv("KAFKA_BOOTSTRAP_SERVERS"); brokers != "" {
		servers := strings.Split(brokers, ",")
		for i, s := range servers {
			servers[i] = strings.TrimSpace(s)
		}
		v.Set("kafka.bootstrap_servers", servers)
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		v.Set("redis.host", host)
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			v.Set("redis.port", p)
		}
	}

	if modelPath := os.Getenv("ML_MODEL_PATH"); modelPath != "" {
		v.Set("rca.model_path", modelPath)
	}
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Port < 1 || config.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", config.Port)
	}

	validLogLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !contains(validLogLevels, config.LogLevel) {
		return fmt.Errorf("invalid log level: %s", config.LogLevel)
	}

	validEnvironments := []string{"development", "staging", "production", "test"}
	if !contains(validEnvironments, config.Environment) {
		return fmt.Errorf("invalid environment: %s", config.Environment)
	}

	if config.ClickHouse.Host == "" {
		return fmt.Errorf("clickhouse host is required")
	}

	if config.Postgres.Host == "" {
		return fmt.Errorf("postgres host is required")
	}

	if len(config.Kafka.BootstrapServers) == 0 {
		return fmt.Errorf("at least one kafka bootstrap server is required")
	}

	if config.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	if config.Detector.ZThreshold <= 0 {
		return fmt.Errorf("detector z threshold must be positive")
	}

	if config.Detector.MinPoints < 1 {
		return fmt.Errorf("detector min points must be at least 1")
	}

	if config.Detector.RequiredAnomalies < 1 {
		return fmt.Errorf("detector required anomalies must be at least 1")
	}

	if config.Grouper.GapMinutes < 1 {
		return fmt.Errorf("grouper gap minutes must be at least 1")
	}

	if config.RCA.ModelPath == "" {
		return fmt.Errorf("rca model path is required")
	}

	if config.Activity.TTLSeconds < 1 {
		return fmt.Errorf("activity TTL must be at least 1 second")
	}

	return nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
