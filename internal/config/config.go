package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config lists the tunable parameters for the cold-room monitoring server.
type Config struct {
	HTTPPort        int
	MQTTBindAddress string
	MQTTEnabled     bool
	MetricsPort     int
	DatabasePath    string
	LogLevel        string
	LogFormat       string
	StoreTimeout    time.Duration
	ExcelEnabled    bool
	TempMin         float64
	TempMax         float64
	KafkaBrokers    []string
	KafkaTopic      string
	MDNSEnabled     bool
}

const (
	defaultHTTPPort        = 8080
	defaultMQTTBindAddress = ":1883"
	defaultMetricsPort     = 9090
	defaultDatabasePath    = "data/coldroom.db"
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultStoreTimeout    = 5 * time.Second
	defaultTempMin         = -5.0
	defaultTempMax         = 5.0
	defaultKafkaTopic      = "coldroom.samples"
)

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:        defaultHTTPPort,
		MQTTBindAddress: defaultMQTTBindAddress,
		MQTTEnabled:     true,
		MetricsPort:     defaultMetricsPort,
		DatabasePath:    defaultDatabasePath,
		LogLevel:        defaultLogLevel,
		LogFormat:       defaultLogFormat,
		StoreTimeout:    defaultStoreTimeout,
		ExcelEnabled:    true,
		TempMin:         defaultTempMin,
		TempMax:         defaultTempMax,
		KafkaTopic:      defaultKafkaTopic,
	}

	if v := os.Getenv("COLDROOM_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid COLDROOM_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("COLDROOM_MQTT_BIND"); v != "" {
		cfg.MQTTBindAddress = v
	}

	if v := os.Getenv("COLDROOM_MQTT_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid COLDROOM_MQTT_ENABLED: %w", err)
		}
		cfg.MQTTEnabled = enabled
	}

	if v := os.Getenv("COLDROOM_METRICS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid COLDROOM_METRICS_PORT: %w", err)
		}
		cfg.MetricsPort = port
	}

	if v := os.Getenv("COLDROOM_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("COLDROOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("COLDROOM_LOG_FORMAT"); v != "" {
		switch strings.ToLower(v) {
		case "text", "json", "tint":
			cfg.LogFormat = strings.ToLower(v)
		default:
			return Config{}, fmt.Errorf("invalid COLDROOM_LOG_FORMAT %q", v)
		}
	}

	if v := os.Getenv("COLDROOM_STORE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid COLDROOM_STORE_TIMEOUT: %w", err)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("invalid COLDROOM_STORE_TIMEOUT: must be positive")
		}
		cfg.StoreTimeout = d
	}

	if v := os.Getenv("COLDROOM_EXCEL_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid COLDROOM_EXCEL_ENABLED: %w", err)
		}
		cfg.ExcelEnabled = enabled
	}

	if v := os.Getenv("COLDROOM_TEMP_MIN"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid COLDROOM_TEMP_MIN: %w", err)
		}
		cfg.TempMin = f
	}

	if v := os.Getenv("COLDROOM_TEMP_MAX"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid COLDROOM_TEMP_MAX: %w", err)
		}
		cfg.TempMax = f
	}

	if cfg.TempMin > cfg.TempMax {
		return Config{}, fmt.Errorf("COLDROOM_TEMP_MIN (%.1f) exceeds COLDROOM_TEMP_MAX (%.1f)", cfg.TempMin, cfg.TempMax)
	}

	if v := os.Getenv("COLDROOM_KAFKA_BROKERS"); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	if v := os.Getenv("COLDROOM_KAFKA_TOPIC"); v != "" {
		cfg.KafkaTopic = v
	}

	if v := os.Getenv("COLDROOM_MDNS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid COLDROOM_MDNS_ENABLED: %w", err)
		}
		cfg.MDNSEnabled = enabled
	}

	return cfg, nil
}
