package config

type Config struct {
	Environment string `mapstructure:"environment" yaml:"environment"`
	Port        int    `mapstructure:"port" yaml:"port"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`

	ClickHouse ClickHouseConfig `mapstructure:"clickhouse" yaml:"clickhouse"`
	Postgres   PostgresConfig   `mapstructure:"postgres" yaml:"postgres"`
	Kafka      KafkaConfig      `mapstructure:"kafka" yaml:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Detector   DetectorConfig   `mapstructure:"detector" yaml:"detector"`
	Grouper    GrouperConfig    `mapstructure:"grouper" yaml:"grouper"`
	RCA        RCAConfig        `mapstructure:"rca" yaml:"rca"`
	Activity   ActivityConfig   `mapstructure:"activity" yaml:"activity"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
}

// ClickHouseConfig handles the metrics/logs column store connection
type ClickHouseConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Database string `mapstructure:"database" yaml:"database"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	Timeout  int    `mapstructure:"timeout" yaml:"timeout"` // milliseconds
}

// PostgresConfig handles the transactional change-catalog store
type PostgresConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Database string `mapstructure:"database" yaml:"database"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	SSLMode  string `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxConns int    `mapstructure:"max_conns" yaml:"max_conns"`
}

type KafkaConfig struct {
	BootstrapServers []string `mapstructure:"bootstrap_servers" yaml:"bootstrap_servers"`
	DetectorGroup    string   `mapstructure:"detector_group" yaml:"detector_group"`
	RCAGroup         string   `mapstructure:"rca_group" yaml:"rca_group"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// DetectorConfig tunes the streaming anomaly detector
type DetectorConfig struct {
	ZThreshold        float64 `mapstructure:"z_threshold" yaml:"z_threshold"`
	MinPoints         int     `mapstructure:"min_points" yaml:"min_points"`
	RequiredAnomalies int     `mapstructure:"required_anomalies" yaml:"required_anomalies"`
	WindowMinutes     int     `mapstructure:"window_minutes" yaml:"window_minutes"`
	LookbackDays      int     `mapstructure:"lookback_days" yaml:"lookback_days"`
	WarmupHours       int     `mapstructure:"warmup_hours" yaml:"warmup_hours"`
}

type GrouperConfig struct {
	GapMinutes      int `mapstructure:"gap_minutes" yaml:"gap_minutes"`
	LookbackMinutes int `mapstructure:"lookback_minutes" yaml:"lookback_minutes"`
}

type RCAConfig struct {
	ModelPath        string `mapstructure:"model_path" yaml:"model_path"`
	WindowBeforeHrs  int    `mapstructure:"window_before_hours" yaml:"window_before_hours"`
	FallbackLagMins  int    `mapstructure:"fallback_lag_minutes" yaml:"fallback_lag_minutes"`
	IncidentRateDays int    `mapstructure:"incident_rate_days" yaml:"incident_rate_days"`
}

type ActivityConfig struct {
	TTLSeconds int `mapstructure:"ttl_seconds" yaml:"ttl_seconds"`
	MaxEvents  int `mapstructure:"max_events" yaml:"max_events"`
}

type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	MetricsPath string `mapstructure:"metrics_path" yaml:"metrics_path"`
}
