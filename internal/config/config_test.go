package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() Config {
	cfg := Default()
	cfg.Providers.Azure.Endpoint = "https://example.openai.azure.com"
	cfg.Providers.Bedrock.Region = "us-east-1"
	return cfg
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Address() != "0.0.0.0:8080" {
		t.Fatalf("server address=%q, want 0.0.0.0:8080", cfg.Server.Address())
	}
	if cfg.Providers.Azure.Prefix != "/azure" || cfg.Providers.Bedrock.Prefix != "/bedrock" {
		t.Fatalf("prefixes=%q/%q", cfg.Providers.Azure.Prefix, cfg.Providers.Bedrock.Prefix)
	}
	if !cfg.Providers.Azure.InjectStreamUsage {
		t.Fatal("providers.azure.inject_stream_usage default should be true")
	}
	bedrock := cfg.Providers.Bedrock
	if bedrock.RoleSessionName != "ProxySession" || bedrock.RoleDurationSeconds != 3600 || bedrock.RefreshAheadSeconds != 300 {
		t.Fatalf("bedrock role defaults=%+v", bedrock)
	}
	if cfg.Sink.Driver != SinkDriverSQLite || cfg.Sink.CaptureRequestBody {
		t.Fatalf("sink defaults=%+v", cfg.Sink)
	}
	if cfg.Observability.OTel.ServiceName != "airelay" {
		t.Fatalf("observability.otel.service_name=%q, want airelay", cfg.Observability.OTel.ServiceName)
	}
	if !cfg.Observability.Prometheus.Enabled || cfg.Observability.Prometheus.Path != "/metrics" {
		t.Fatalf("prometheus defaults=%+v", cfg.Observability.Prometheus)
	}
	if cfg.Feed.Enabled {
		t.Fatal("feed should be disabled by default")
	}
}

func TestLoadAppliesYAMLAndEnvOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "airelay.yaml")
	configYAML := `server:
  host: 127.0.0.1
  port: 9090
providers:
  azure:
    endpoint: https://yaml.openai.azure.com
    api_version: "2024-06-01"
  bedrock:
    region: eu-west-1
    role_arn: arn:aws:iam::123456789012:role/yaml
relay:
  idle_read_timeout_ms: 5000
  accumulate_async: true
sink:
  driver: postgres
  dsn: postgres://localhost/airelay
logging:
  level: debug
`
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("AIRELAY_PORT", "7070")
	t.Setenv("AZURE_OPENAI_ENDPOINT", "https://env.openai.azure.com")
	t.Setenv("AWS_REGION", "us-west-2")
	t.Setenv("AIRELAY_BEDROCK_ROLE_ARN", "arn:aws:iam::123456789012:role/env")
	t.Setenv("AWS_ROLE_ARN", "arn:aws:iam::123456789012:role/ignored")
	t.Setenv("AIRELAY_CAPTURE_REQUEST_BODY", "true")
	t.Setenv("OTEL_SERVICE_NAME", "env-relay")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 7070 {
		t.Fatalf("server=%+v", cfg.Server)
	}
	if cfg.Providers.Azure.Endpoint != "https://env.openai.azure.com" {
		t.Fatalf("azure endpoint=%q", cfg.Providers.Azure.Endpoint)
	}
	if cfg.Providers.Azure.APIVersion != "2024-06-01" {
		t.Fatalf("azure api_version=%q", cfg.Providers.Azure.APIVersion)
	}
	if cfg.Providers.Bedrock.Region != "us-west-2" {
		t.Fatalf("bedrock region=%q", cfg.Providers.Bedrock.Region)
	}
	if cfg.Providers.Bedrock.RoleARN != "arn:aws:iam::123456789012:role/env" {
		t.Fatalf("bedrock role_arn=%q", cfg.Providers.Bedrock.RoleARN)
	}
	if cfg.Relay.IdleReadTimeoutMS != 5000 || !cfg.Relay.AccumulateAsync {
		t.Fatalf("relay=%+v", cfg.Relay)
	}
	if cfg.Relay.ChunkSize != 32<<10 {
		t.Fatalf("relay.chunk_size=%d, want default", cfg.Relay.ChunkSize)
	}
	if cfg.Sink.Driver != SinkDriverPostgres || !cfg.Sink.CaptureRequestBody {
		t.Fatalf("sink=%+v", cfg.Sink)
	}
	if !cfg.Observability.OTel.Enabled || cfg.Observability.OTel.ServiceName != "env-relay" {
		t.Fatalf("otel=%+v", cfg.Observability.OTel)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestLoadTOML(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "airelay.toml")
	configTOML := `[server]
port = 9191

[providers.azure]
endpoint = "https://toml.openai.azure.com"
inject_stream_usage = false

[sink]
driver = "redis"

[sink.redis]
addr = "localhost:6379"
stream = "usage"

[feed]
enabled = true
`
	if err := os.WriteFile(configPath, []byte(configTOML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 9191 || cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("server=%+v", cfg.Server)
	}
	if cfg.Providers.Azure.InjectStreamUsage {
		t.Fatal("inject_stream_usage should be false")
	}
	if cfg.Sink.Driver != SinkDriverRedis || cfg.Sink.Redis.Addr != "localhost:6379" || cfg.Sink.Redis.MaxLen != 100000 {
		t.Fatalf("sink=%+v", cfg.Sink)
	}
	if !cfg.Feed.Enabled || cfg.Feed.Path != "/feed" {
		t.Fatalf("feed=%+v", cfg.Feed)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for name, body := range map[string]string{
		"bad.yaml":  "server:\n  hots: 127.0.0.1\n",
		"bad.toml":  "[server]\nhots = \"127.0.0.1\"\n",
		"multi.yml": "server:\n  port: 1\n---\nserver:\n  port: 2\n",
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		if _, err := Load(path); err == nil {
			t.Fatalf("Load(%s) error=nil, want parse error", name)
		}
	}
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	t.Setenv("AIRELAY_PORT", "eighty")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "AIRELAY_PORT") {
		t.Fatalf("Load() error=%v, want AIRELAY_PORT error", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "azure only", mutate: func(c *Config) { c.Providers.Bedrock.Region = "" }},
		{name: "no provider", mutate: func(c *Config) {
			c.Providers.Azure.Endpoint = ""
			c.Providers.Bedrock.Region = ""
		}, wantErr: "at least one provider"},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server.port"},
		{name: "same prefixes", mutate: func(c *Config) { c.Providers.Bedrock.Prefix = "/azure/" }, wantErr: "must differ"},
		{name: "root prefix", mutate: func(c *Config) { c.Providers.Azure.Prefix = "/" }, wantErr: "providers.azure.prefix"},
		{name: "bad endpoint", mutate: func(c *Config) { c.Providers.Azure.Endpoint = "example.com" }, wantErr: "providers.azure.endpoint"},
		{name: "bad role arn", mutate: func(c *Config) { c.Providers.Bedrock.RoleARN = "role" }, wantErr: "role_arn"},
		{name: "short role duration", mutate: func(c *Config) { c.Providers.Bedrock.RoleDurationSeconds = 60 }, wantErr: "role_duration_seconds"},
		{name: "refresh ahead too long", mutate: func(c *Config) { c.Providers.Bedrock.RefreshAheadSeconds = 3600 }, wantErr: "refresh_ahead_seconds"},
		{name: "zero chunk", mutate: func(c *Config) { c.Relay.ChunkSize = 0 }, wantErr: "relay.chunk_size"},
		{name: "negative idle", mutate: func(c *Config) { c.Relay.IdleReadTimeoutMS = -1 }, wantErr: "relay.idle_read_timeout_ms"},
		{name: "async without queue", mutate: func(c *Config) {
			c.Relay.AccumulateAsync = true
			c.Relay.AccumulateQueue = 0
		}, wantErr: "relay.accumulate_queue"},
		{name: "unknown sink", mutate: func(c *Config) { c.Sink.Driver = "kafka" }, wantErr: "sink.driver"},
		{name: "mysql without dsn", mutate: func(c *Config) { c.Sink.Driver = SinkDriverMySQL }, wantErr: "sink.dsn"},
		{name: "redis without addr", mutate: func(c *Config) { c.Sink.Driver = SinkDriverRedis }, wantErr: "sink.redis.addr"},
		{name: "sink none", mutate: func(c *Config) {
			c.Sink.Driver = SinkDriverNone
			c.Sink.QueueSize = 0
		}},
		{name: "otel sampling", mutate: func(c *Config) {
			c.Observability.OTel.Enabled = true
			c.Observability.OTel.SamplingRatio = 2
		}, wantErr: "sampling_ratio"},
		{name: "feed path", mutate: func(c *Config) {
			c.Feed.Enabled = true
			c.Feed.Path = "feed"
		}, wantErr: "feed.path"},
		{name: "log level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "logging.level"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error=%v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for input, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := ParseLevel(input)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q)=%v, %v; want %v", input, got, err, want)
		}
	}
}
