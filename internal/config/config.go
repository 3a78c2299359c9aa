// Package config handles forwarder configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all forwarder configuration. Loaded once at startup and
// treated as immutable afterwards.
type Config struct {
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Topics      TopicsConfig      `yaml:"mqtt_topics"`
	Sensor      SensorConfig      `yaml:"sensor"`
	Data        DataConfig        `yaml:"data"`
	Legacy      LegacyConfig      `yaml:"legacy_format"`
	Queue       QueueConfig       `yaml:"message_queue"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// MQTTConfig defines the broker connection settings.
type MQTTConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	UseTLS         bool   `yaml:"use_tls"`
	CACerts        string `yaml:"ca_certs"`
	CertFile       string `yaml:"certfile"`
	KeyFile        string `yaml:"keyfile"`
	ClientID       string `yaml:"client_id"`
	QoS            byte   `yaml:"qos"`
	ConnectTimeout int    `yaml:"connect_timeout"` // keepalive, seconds
	MaxRetries     int    `yaml:"max_retries"`     // startup connect attempts
}

// TopicsConfig defines the outbound topics. Templates may contain
// {location}, expanded at startup.
type TopicsConfig struct {
	LegacyTopic    string `yaml:"legacy_topic"`
	ReadingsTopic  string `yaml:"readings_topic"`
	StatusTopic    string `yaml:"status_topic"`
	UseLegacyTopic bool   `yaml:"use_legacy_topic"`
}

// SensorConfig defines sensor identity, cadence and lifecycle settings.
type SensorConfig struct {
	Location             string  `yaml:"location"`
	Driver               string  `yaml:"driver"` // "sim" or "none"
	SampleRate           int     `yaml:"sample_rate"` // seconds between cycles
	SeaLevelPressure     float64 `yaml:"sea_level_pressure"` // hPa reference for altitude
	MaxConsecutiveErrors int     `yaml:"max_consecutive_errors"`
	InitRetryInterval    int     `yaml:"init_retry_interval"`   // seconds between reinit attempts
	StabilizationSeconds int     `yaml:"stabilization_seconds"` // discard-reads after init
	LocalTimezone        string  `yaml:"local_timezone"`
}

// DataConfig defines the validation ranges. A sample with any field
// outside its range is dropped whole.
type DataConfig struct {
	TempMin     float64 `yaml:"temp_min"`
	TempMax     float64 `yaml:"temp_max"`
	HumidityMin float64 `yaml:"humidity_min"`
	HumidityMax float64 `yaml:"humidity_max"`
	PressureMin float64 `yaml:"pressure_min"`
	PressureMax float64 `yaml:"pressure_max"`
}

// LegacyConfig maps reading fields onto the legacy channel's field names.
type LegacyConfig struct {
	TempField     string `yaml:"temp_field"`
	HumidityField string `yaml:"humidity_field"`
	PressureField string `yaml:"pressure_field"`
}

// QueueConfig bounds the in-memory outbound queue.
type QueueConfig struct {
	MaxSize          int  `yaml:"max_size"`
	FlushOnEachCycle bool `yaml:"flush_on_each_cycle"`
}

// AggregationConfig tunes the multi-sample aggregation pass.
type AggregationConfig struct {
	SampleCount     int     `yaml:"sample_count"`
	DiscardOutliers bool    `yaml:"discard_outliers"`
	SmoothingFactor float64 `yaml:"smoothing_factor"` // 0 disables smoothing
	SampleDelayMs   int     `yaml:"sample_delay_ms"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level          string `yaml:"log_level"`
	FileLogging    bool   `yaml:"file_logging"`
	LogFile        string `yaml:"log_file"`
	ConsoleLogging bool   `yaml:"console_logging"`
}

// MetricsConfig controls the Prometheus/health listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Default returns the configuration used when a key is absent from the
// file, mirroring the historical defaults of this deployment.
func Default() Config {
	return Config{
		MQTT: MQTTConfig{
			Host:           "localhost",
			Port:           1883,
			ClientID:       "bme280-" + uuid.NewString(),
			QoS:            1,
			ConnectTimeout: 60,
			MaxRetries:     5,
		},
		Topics: TopicsConfig{
			LegacyTopic:    "senzory/bme280",
			ReadingsTopic:  "senzory/{location}/readings",
			StatusTopic:    "senzory/{location}/status",
			UseLegacyTopic: true,
		},
		Sensor: SensorConfig{
			Location:             "IT OFFICE",
			Driver:               "sim",
			SampleRate:           5,
			SeaLevelPressure:     1013.25,
			MaxConsecutiveErrors: 5,
			InitRetryInterval:    30,
			StabilizationSeconds: 0,
			LocalTimezone:        "Europe/Bratislava",
		},
		Data: DataConfig{
			TempMin:     -40,
			TempMax:     85,
			HumidityMin: 0,
			HumidityMax: 100,
			PressureMin: 300,
			PressureMax: 1100,
		},
		Legacy: LegacyConfig{
			TempField:     "teplota",
			HumidityField: "vlhkost",
			PressureField: "tlak",
		},
		Queue: QueueConfig{
			MaxSize:          1000,
			FlushOnEachCycle: true,
		},
		Aggregation: AggregationConfig{
			SampleCount:     5,
			DiscardOutliers: true,
			SmoothingFactor: 0,
			SampleDelayMs:   200,
		},
		Logging: LoggingConfig{
			Level:          "info",
			FileLogging:    false,
			LogFile:        "bme280_forwarder.log",
			ConsoleLogging: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9108",
		},
	}
}

// DefaultSearchPaths returns the config file search order. An explicit
// path (from the -config flag) is checked first by FindConfig.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "bme280-forwarder", "config.yaml"))
	}
	paths = append(paths, "/etc/bme280-forwarder/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise the first existing entry of DefaultSearchPaths wins;
// an empty path (run on pure defaults) is returned when nothing exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// Load reads the YAML file at path over the defaults and validates the
// result. An empty path yields the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.MQTT.Host == "" {
		return fmt.Errorf("mqtt.host must not be empty")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.Sensor.SampleRate <= 0 {
		return fmt.Errorf("sensor.sample_rate must be positive")
	}
	if c.Sensor.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("sensor.max_consecutive_errors must be at least 1")
	}
	if c.Sensor.InitRetryInterval <= 0 {
		return fmt.Errorf("sensor.init_retry_interval must be positive")
	}
	if _, err := time.LoadLocation(c.Sensor.LocalTimezone); err != nil {
		return fmt.Errorf("sensor.local_timezone: %w", err)
	}
	if c.Data.TempMin >= c.Data.TempMax {
		return fmt.Errorf("data: temp range [%v, %v] is empty", c.Data.TempMin, c.Data.TempMax)
	}
	if c.Data.HumidityMin >= c.Data.HumidityMax {
		return fmt.Errorf("data: humidity range [%v, %v] is empty", c.Data.HumidityMin, c.Data.HumidityMax)
	}
	if c.Data.PressureMin >= c.Data.PressureMax {
		return fmt.Errorf("data: pressure range [%v, %v] is empty", c.Data.PressureMin, c.Data.PressureMax)
	}
	if c.Queue.MaxSize < 1 {
		return fmt.Errorf("message_queue.max_size must be at least 1")
	}
	if c.Aggregation.SampleCount < 1 {
		return fmt.Errorf("aggregation.sample_count must be at least 1")
	}
	if c.Aggregation.SmoothingFactor < 0 || c.Aggregation.SmoothingFactor >= 1 {
		return fmt.Errorf("aggregation.smoothing_factor must be in [0, 1), got %v", c.Aggregation.SmoothingFactor)
	}
	if c.Aggregation.SampleDelayMs < 0 {
		return fmt.Errorf("aggregation.sample_delay_ms must not be negative")
	}
	return nil
}
