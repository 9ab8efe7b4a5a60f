package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	DatabaseURL  string
	LogLevel     string
	ServiceName  string
	HTTPAddr     string
	WorkDir      string
	Hostname     string
	Telemetry    bool
	RedisConfig  RedisConfig
	RabbitMQURL  string
	AMQPExchange string
	Supervisor   SupervisorConfig
	Events       EventConfig
}

type RedisConfig struct {
	URL           string // single node, takes precedence over sentinel
	SentinelHosts string
	MasterName    string
	EventChannel  string
}

// Enabled reports whether any redis endpoint is configured.
func (r RedisConfig) Enabled() bool {
	return r.URL != "" || (r.SentinelHosts != "" && r.MasterName != "")
}

type SupervisorConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MetricsInterval   time.Duration `yaml:"metrics_interval"`
	CrashInterval     time.Duration `yaml:"crash_interval"`
	StopTimeout       time.Duration `yaml:"stop_timeout"`
}

type EventConfig struct {
	QueueSize    int
	Backpressure string
}

const (
	BackpressureBlock      = "block"
	BackpressureDropOldest = "drop_oldest"
	BackpressureDropNewest = "drop_newest"
)

// fileConfig mirrors the optional YAML file pointed to by FUZZHUB_CONFIG.
type fileConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	LogLevel   string           `yaml:"log_level"`
	WorkDir    string           `yaml:"work_dir"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
}

func LoadConfig() *AppConfig {
	// use a temporary logger for now
	logger := zap.NewExample().Named("config")

	godotenv.Load()

	config, err := Load(os.Getenv)
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	return config
}

// Load builds the configuration from the optional YAML file and the
// environment, the environment winning on conflicts.
func Load(getenv func(string) string) (*AppConfig, error) {
	var file fileConfig
	if path := getenv("FUZZHUB_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	hostname, _ := os.Hostname()

	config := &AppConfig{
		DatabaseURL: firstNonEmpty(getenv("DATABASE_URL"), file.Database.URL, "sqlite://fuzzhub.db"),
		LogLevel:    firstNonEmpty(getenv("LOG_LEVEL"), file.LogLevel, "info"),
		ServiceName: firstNonEmpty(getenv("SERVICE_NAME"), "fuzzhub"),
		HTTPAddr:    firstNonEmpty(getenv("HTTP_ADDR"), file.Server.Addr, ":8000"),
		WorkDir:     firstNonEmpty(getenv("WORK_DIR"), file.WorkDir, "/tmp/fuzzhub"),
		Hostname:    firstNonEmpty(getenv("NODE_NAME"), hostname, "localhost"),
		Telemetry:   parseBool(getenv("TELEMETRY_ENABLED"), false),
		RedisConfig: RedisConfig{
			URL:           getenv("REDIS_URL"),
			SentinelHosts: getenv("REDIS_SENTINEL_HOSTS"),
			MasterName:    getenv("REDIS_MASTER"),
			EventChannel:  firstNonEmpty(getenv("REDIS_EVENT_CHANNEL"), "fuzzhub:events"),
		},
		RabbitMQURL:  getenv("RABBITMQ_URL"),
		AMQPExchange: firstNonEmpty(getenv("RABBITMQ_EXCHANGE"), "fuzzhub.events"),
		Supervisor: SupervisorConfig{
			HeartbeatInterval: parseDuration(getenv("HEARTBEAT_INTERVAL"), orDuration(file.Supervisor.HeartbeatInterval, 5*time.Second)),
			MetricsInterval:   parseDuration(getenv("METRICS_INTERVAL"), orDuration(file.Supervisor.MetricsInterval, 5*time.Second)),
			CrashInterval:     parseDuration(getenv("CRASH_INTERVAL"), orDuration(file.Supervisor.CrashInterval, 3*time.Second)),
			StopTimeout:       parseDuration(getenv("STOP_TIMEOUT"), orDuration(file.Supervisor.StopTimeout, 10*time.Second)),
		},
		Events: EventConfig{
			QueueSize:    parseInt(getenv("EVENT_QUEUE_SIZE"), 1024),
			Backpressure: strings.ToLower(firstNonEmpty(getenv("EVENT_BACKPRESSURE"), BackpressureDropOldest)),
		},
	}

	switch config.Events.Backpressure {
	case BackpressureBlock, BackpressureDropOldest, BackpressureDropNewest:
	default:
		return nil, fmt.Errorf("EVENT_BACKPRESSURE must be one of block, drop_oldest, drop_newest, got %q", config.Events.Backpressure)
	}
	if config.Events.QueueSize <= 0 {
		return nil, fmt.Errorf("EVENT_QUEUE_SIZE must be positive, got %d", config.Events.QueueSize)
	}

	return config, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func orDuration(val, defaultVal time.Duration) time.Duration {
	if val <= 0 {
		return defaultVal
	}
	return val
}

func parseDuration(val string, defaultVal time.Duration) time.Duration {
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func parseInt(val string, defaultVal int) int {
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}

func parseBool(val string, defaultVal bool) bool {
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}
