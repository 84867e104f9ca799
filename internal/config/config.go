package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Providers     ProvidersConfig     `yaml:"providers" toml:"providers"`
	Relay         RelayConfig         `yaml:"relay" toml:"relay"`
	Sink          SinkConfig          `yaml:"sink" toml:"sink"`
	Observability ObservabilityConfig `yaml:"observability" toml:"observability"`
	Feed          FeedConfig          `yaml:"feed" toml:"feed"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
}

type ServerConfig struct {
	Host                string `yaml:"host" toml:"host"`
	Port                int    `yaml:"port" toml:"port"`
	ReadHeaderTimeoutMS int    `yaml:"read_header_timeout_ms" toml:"read_header_timeout_ms"`
	ShutdownTimeoutMS   int    `yaml:"shutdown_timeout_ms" toml:"shutdown_timeout_ms"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type ProvidersConfig struct {
	Azure   AzureConfig   `yaml:"azure" toml:"azure"`
	Bedrock BedrockConfig `yaml:"bedrock" toml:"bedrock"`
}

type AzureConfig struct {
	Endpoint          string `yaml:"endpoint" toml:"endpoint"`
	Prefix            string `yaml:"prefix" toml:"prefix"`
	APIVersion        string `yaml:"api_version" toml:"api_version"`
	InjectStreamUsage bool   `yaml:"inject_stream_usage" toml:"inject_stream_usage"`
}

type BedrockConfig struct {
	Region              string `yaml:"region" toml:"region"`
	Prefix              string `yaml:"prefix" toml:"prefix"`
	RuntimeEndpoint     string `yaml:"runtime_endpoint" toml:"runtime_endpoint"`
	AgentEndpoint       string `yaml:"agent_endpoint" toml:"agent_endpoint"`
	RoleARN             string `yaml:"role_arn" toml:"role_arn"`
	RoleSessionName     string `yaml:"role_session_name" toml:"role_session_name"`
	RoleDurationSeconds int    `yaml:"role_duration_seconds" toml:"role_duration_seconds"`
	RefreshAheadSeconds int    `yaml:"refresh_ahead_seconds" toml:"refresh_ahead_seconds"`
}

type RelayConfig struct {
	ConnectTimeoutMS        int  `yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
	ResponseHeaderTimeoutMS int  `yaml:"response_header_timeout_ms" toml:"response_header_timeout_ms"`
	IdleReadTimeoutMS       int  `yaml:"idle_read_timeout_ms" toml:"idle_read_timeout_ms"`
	NonStreamTimeoutMS      int  `yaml:"non_stream_timeout_ms" toml:"non_stream_timeout_ms"`
	ChunkSize               int  `yaml:"chunk_size" toml:"chunk_size"`
	AccumulateAsync         bool `yaml:"accumulate_async" toml:"accumulate_async"`
	AccumulateQueue         int  `yaml:"accumulate_queue" toml:"accumulate_queue"`
	MaxRequestBytes         int  `yaml:"max_request_bytes" toml:"max_request_bytes"`
	MaxTextBytes            int  `yaml:"max_text_bytes" toml:"max_text_bytes"`
	MaxLineBytes            int  `yaml:"max_line_bytes" toml:"max_line_bytes"`
	MaxEnvelopeBytes        int  `yaml:"max_envelope_bytes" toml:"max_envelope_bytes"`
	MaxDocumentBytes        int  `yaml:"max_document_bytes" toml:"max_document_bytes"`
}

const (
	SinkDriverNone     = "none"
	SinkDriverSQLite   = "sqlite"
	SinkDriverPostgres = "postgres"
	SinkDriverMySQL    = "mysql"
	SinkDriverRedis    = "redis"
)

type SinkConfig struct {
	Driver             string      `yaml:"driver" toml:"driver"`
	Path               string      `yaml:"path" toml:"path"`
	DSN                string      `yaml:"dsn" toml:"dsn"`
	Redis              RedisConfig `yaml:"redis" toml:"redis"`
	QueueSize          int         `yaml:"queue_size" toml:"queue_size"`
	CaptureRequestBody bool        `yaml:"capture_request_body" toml:"capture_request_body"`
	BodyMaxSize        int         `yaml:"body_max_size" toml:"body_max_size"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Stream   string `yaml:"stream" toml:"stream"`
	MaxLen   int64  `yaml:"max_len" toml:"max_len"`
}

type ObservabilityConfig struct {
	OTel       OTelConfig       `yaml:"otel" toml:"otel"`
	Prometheus PrometheusConfig `yaml:"prometheus" toml:"prometheus"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled" toml:"enabled"`
	Endpoint               string  `yaml:"endpoint" toml:"endpoint"`
	Insecure               bool    `yaml:"insecure" toml:"insecure"`
	ServiceName            string  `yaml:"service_name" toml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled" toml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled" toml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio" toml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms" toml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms" toml:"metric_export_interval_ms"`
}

type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

type FeedConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
	// ClientBuffer is the per-subscriber send queue; slow subscribers lose records.
	ClientBuffer int `yaml:"client_buffer" toml:"client_buffer"`
}

type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
}

const (
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "airelay"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			ReadHeaderTimeoutMS: 10000,
			ShutdownTimeoutMS:   15000,
		},
		Providers: ProvidersConfig{
			Azure: AzureConfig{
				Prefix:            "/azure",
				InjectStreamUsage: true,
			},
			Bedrock: BedrockConfig{
				Prefix:              "/bedrock",
				RoleSessionName:     "ProxySession",
				RoleDurationSeconds: 3600,
				RefreshAheadSeconds: 300,
			},
		},
		Relay: RelayConfig{
			ConnectTimeoutMS:        10000,
			ResponseHeaderTimeoutMS: 60000,
			IdleReadTimeoutMS:       120000,
			NonStreamTimeoutMS:      60000,
			ChunkSize:               32 << 10,
			AccumulateQueue:         64,
			MaxRequestBytes:         32 << 20,
			MaxTextBytes:            1 << 20,
			MaxLineBytes:            1 << 20,
			MaxEnvelopeBytes:        16<<20 + 128<<10,
			MaxDocumentBytes:        8 << 20,
		},
		Sink: SinkConfig{
			Driver:      SinkDriverSQLite,
			Path:        "./data/airelay.db",
			QueueSize:   1024,
			BodyMaxSize: 1 << 20,
			Redis: RedisConfig{
				Stream: "airelay:usage",
				MaxLen: 100000,
			},
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
			Prometheus: PrometheusConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Feed: FeedConfig{
			Enabled:      false,
			Path:         "/feed",
			ClientBuffer: 64,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error. Files ending in .toml are parsed as TOML,
// everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if strings.EqualFold(filepath.Ext(path), ".toml") {
				err = decodeTOML(data, &cfg)
			} else {
				err = decodeYAML(data, &cfg)
			}
			if err != nil {
				return Config{}, fmt.Errorf("parse config %q: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	var trailing any
	if err := decoder.Decode(&trailing); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if trailing != nil {
		return errors.New("multiple yaml documents are not supported")
	}
	return nil
}

func decodeTOML(data []byte, cfg *Config) error {
	decoder := toml.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	return decoder.Decode(cfg)
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	azure := cfg.Providers.Azure
	bedrock := cfg.Providers.Bedrock
	if strings.TrimSpace(azure.Endpoint) == "" && strings.TrimSpace(bedrock.Region) == "" &&
		strings.TrimSpace(bedrock.RuntimeEndpoint) == "" && strings.TrimSpace(bedrock.AgentEndpoint) == "" {
		return errors.New("at least one provider must be configured: providers.azure.endpoint or providers.bedrock.region")
	}
	if err := validatePrefix("providers.azure.prefix", azure.Prefix); err != nil {
		return err
	}
	if err := validatePrefix("providers.bedrock.prefix", bedrock.Prefix); err != nil {
		return err
	}
	if strings.TrimRight(azure.Prefix, "/") == strings.TrimRight(bedrock.Prefix, "/") {
		return fmt.Errorf("providers.azure.prefix and providers.bedrock.prefix must differ (both %q)", azure.Prefix)
	}
	for name, endpoint := range map[string]string{
		"providers.azure.endpoint":           azure.Endpoint,
		"providers.bedrock.runtime_endpoint": bedrock.RuntimeEndpoint,
		"providers.bedrock.agent_endpoint":   bedrock.AgentEndpoint,
	} {
		if err := validateURL(name, endpoint); err != nil {
			return err
		}
	}
	if bedrock.RoleARN != "" && !strings.HasPrefix(bedrock.RoleARN, "arn:") {
		return fmt.Errorf("providers.bedrock.role_arn must be an ARN (got %q)", bedrock.RoleARN)
	}
	if bedrock.RoleDurationSeconds < 900 || bedrock.RoleDurationSeconds > 43200 {
		return fmt.Errorf("providers.bedrock.role_duration_seconds must be between 900 and 43200 (got %d)", bedrock.RoleDurationSeconds)
	}
	if bedrock.RefreshAheadSeconds <= 0 || bedrock.RefreshAheadSeconds >= bedrock.RoleDurationSeconds {
		return fmt.Errorf("providers.bedrock.refresh_ahead_seconds must be > 0 and below role_duration_seconds (got %d)", bedrock.RefreshAheadSeconds)
	}

	if err := validateRelayConfig(cfg.Relay); err != nil {
		return err
	}
	if err := validateSinkConfig(cfg.Sink); err != nil {
		return err
	}
	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}
	if cfg.Observability.Prometheus.Enabled {
		if err := validatePrefix("observability.prometheus.path", cfg.Observability.Prometheus.Path); err != nil {
			return err
		}
	}
	if cfg.Feed.Enabled {
		if err := validatePrefix("feed.path", cfg.Feed.Path); err != nil {
			return err
		}
		if cfg.Feed.ClientBuffer <= 0 {
			return fmt.Errorf("feed.client_buffer must be > 0 (got %d)", cfg.Feed.ClientBuffer)
		}
	}
	if _, err := ParseLevel(cfg.Logging.Level); err != nil {
		return err
	}
	return nil
}

func validateRelayConfig(cfg RelayConfig) error {
	positive := []struct {
		name  string
		value int
	}{
		{"relay.connect_timeout_ms", cfg.ConnectTimeoutMS},
		{"relay.response_header_timeout_ms", cfg.ResponseHeaderTimeoutMS},
		{"relay.non_stream_timeout_ms", cfg.NonStreamTimeoutMS},
		{"relay.chunk_size", cfg.ChunkSize},
		{"relay.max_request_bytes", cfg.MaxRequestBytes},
		{"relay.max_text_bytes", cfg.MaxTextBytes},
		{"relay.max_line_bytes", cfg.MaxLineBytes},
		{"relay.max_envelope_bytes", cfg.MaxEnvelopeBytes},
		{"relay.max_document_bytes", cfg.MaxDocumentBytes},
	}
	for _, field := range positive {
		if field.value <= 0 {
			return fmt.Errorf("%s must be > 0 (got %d)", field.name, field.value)
		}
	}
	if cfg.IdleReadTimeoutMS < 0 {
		return fmt.Errorf("relay.idle_read_timeout_ms must be >= 0 (got %d)", cfg.IdleReadTimeoutMS)
	}
	if cfg.AccumulateAsync && cfg.AccumulateQueue <= 0 {
		return fmt.Errorf("relay.accumulate_queue must be > 0 when relay.accumulate_async=true (got %d)", cfg.AccumulateQueue)
	}
	if cfg.MaxEnvelopeBytes < 16 {
		return fmt.Errorf("relay.max_envelope_bytes must be at least 16 (got %d)", cfg.MaxEnvelopeBytes)
	}
	return nil
}

func validateSinkConfig(cfg SinkConfig) error {
	switch strings.TrimSpace(cfg.Driver) {
	case SinkDriverNone:
		return nil
	case SinkDriverSQLite:
		if strings.TrimSpace(cfg.Path) == "" {
			return errors.New("sink.path is required when sink.driver=sqlite")
		}
	case SinkDriverPostgres, SinkDriverMySQL:
		if strings.TrimSpace(cfg.DSN) == "" {
			return fmt.Errorf("sink.dsn is required when sink.driver=%s", cfg.Driver)
		}
	case SinkDriverRedis:
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			return errors.New("sink.redis.addr is required when sink.driver=redis")
		}
	default:
		return fmt.Errorf("sink.driver must be one of none, sqlite, postgres, mysql, redis (got %q)", cfg.Driver)
	}
	if cfg.QueueSize <= 0 {
		return fmt.Errorf("sink.queue_size must be > 0 (got %d)", cfg.QueueSize)
	}
	if cfg.CaptureRequestBody && cfg.BodyMaxSize <= 0 {
		return fmt.Errorf("sink.body_max_size must be > 0 when sink.capture_request_body=true (got %d)", cfg.BodyMaxSize)
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func validatePrefix(name, prefix string) error {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return fmt.Errorf("%s is required", name)
	}
	if !strings.HasPrefix(prefix, "/") || prefix == "/" {
		return fmt.Errorf("%s must start with '/' and name a path (got %q)", name, prefix)
	}
	return nil
}

func validateURL(name, raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("%s must include scheme and host (got %q)", name, raw)
	}
	return nil
}

// ParseLevel maps logging.level to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", level)
	}
}

// Duration converts a millisecond setting.
func Duration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("AIRELAY_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if err := envInt("AIRELAY_PORT", &cfg.Server.Port); err != nil {
		return err
	}

	if endpoint := firstEnv("AIRELAY_AZURE_ENDPOINT", "AZURE_OPENAI_ENDPOINT"); endpoint != "" {
		cfg.Providers.Azure.Endpoint = endpoint
	}
	if apiVersion := os.Getenv("AIRELAY_AZURE_API_VERSION"); apiVersion != "" {
		cfg.Providers.Azure.APIVersion = apiVersion
	}
	if err := envBool("AIRELAY_AZURE_INJECT_STREAM_USAGE", &cfg.Providers.Azure.InjectStreamUsage); err != nil {
		return err
	}
	if region := firstEnv("AIRELAY_BEDROCK_REGION", "AWS_REGION"); region != "" {
		cfg.Providers.Bedrock.Region = region
	}
	if roleARN := firstEnv("AIRELAY_BEDROCK_ROLE_ARN", "AWS_ROLE_ARN"); roleARN != "" {
		cfg.Providers.Bedrock.RoleARN = roleARN
	}
	if endpoint := os.Getenv("AIRELAY_BEDROCK_RUNTIME_ENDPOINT"); endpoint != "" {
		cfg.Providers.Bedrock.RuntimeEndpoint = endpoint
	}
	if endpoint := os.Getenv("AIRELAY_BEDROCK_AGENT_ENDPOINT"); endpoint != "" {
		cfg.Providers.Bedrock.AgentEndpoint = endpoint
	}

	if err := envInt("AIRELAY_IDLE_READ_TIMEOUT_MS", &cfg.Relay.IdleReadTimeoutMS); err != nil {
		return err
	}
	if err := envBool("AIRELAY_ACCUMULATE_ASYNC", &cfg.Relay.AccumulateAsync); err != nil {
		return err
	}

	if driver := os.Getenv("AIRELAY_SINK_DRIVER"); driver != "" {
		cfg.Sink.Driver = driver
	}
	if path := os.Getenv("AIRELAY_SINK_PATH"); path != "" {
		cfg.Sink.Path = path
	}
	if dsn := os.Getenv("AIRELAY_SINK_DSN"); dsn != "" {
		cfg.Sink.DSN = dsn
	}
	if addr := os.Getenv("AIRELAY_REDIS_ADDR"); addr != "" {
		cfg.Sink.Redis.Addr = addr
	}
	if password := os.Getenv("AIRELAY_REDIS_PASSWORD"); password != "" {
		cfg.Sink.Redis.Password = password
	}
	if err := envBool("AIRELAY_CAPTURE_REQUEST_BODY", &cfg.Sink.CaptureRequestBody); err != nil {
		return err
	}
	if err := envBool("AIRELAY_FEED_ENABLED", &cfg.Feed.Enabled); err != nil {
		return err
	}
	if level := os.Getenv("AIRELAY_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	return applyOTelEnv(&cfg.Observability.OTel)
}

func applyOTelEnv(cfg *OTelConfig) error {
	configured := false
	sdkDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Enabled = !v
		sdkDisabledSet = true
		configured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Endpoint = endpoint
		configured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.ServiceName = serviceName
		configured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.SamplingRatio = v
		configured = true
	}
	for name, target := range map[string]*bool{
		"OTEL_TRACES_EXPORTER":  &cfg.TracesEnabled,
		"OTEL_METRICS_EXPORTER": &cfg.MetricsEnabled,
	} {
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			continue
		}
		switch strings.ToLower(value) {
		case "otlp":
			*target = true
		case "none":
			*target = false
		default:
			return fmt.Errorf("invalid %s: must be one of otlp, none (got %q)", name, value)
		}
		configured = true
	}
	if configured && !sdkDisabledSet {
		cfg.Enabled = true
	}
	return nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			return value
		}
	}
	return ""
}

func envInt(name string, target *int) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*target = v
	return nil
}

func envBool(name string, target *bool) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*target = v
	return nil
}
