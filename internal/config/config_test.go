package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

func intPtr(v int) *int {
	return &v
}

func boolPtr(v bool) *bool {
	return &v
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}

	if got := cfg.Engine.Retries(); got != 2 {
		t.Errorf("Engine.Retries() = %d, want 2", got)
	}
	if cfg.Engine.MaxConcurrent != 4 {
		t.Errorf("Engine.MaxConcurrent = %d, want 4", cfg.Engine.MaxConcurrent)
	}
	if cfg.Generator.Provider != "openai" {
		t.Errorf("Generator.Provider = %q, want openai", cfg.Generator.Provider)
	}
	if cfg.Generator.Timeout.Duration() != 2*time.Minute {
		t.Errorf("Generator.Timeout = %v, want 2m", cfg.Generator.Timeout)
	}
	if cfg.Generator.Temperature != 0.2 {
		t.Errorf("Generator.Temperature = %g, want 0.2", cfg.Generator.Temperature)
	}
	if cfg.Generator.MaxTokens != 4096 {
		t.Errorf("Generator.MaxTokens = %d, want 4096", cfg.Generator.MaxTokens)
	}
	if !cfg.Generator.ScrubEnabled() {
		t.Error("Generator.ScrubEnabled() = false, want true")
	}
	if !cfg.Workspace.CleanRequired() {
		t.Error("Workspace.CleanRequired() = false, want true")
	}
	if cfg.Reporting.NATS.SubjectPrefix != "plans" {
		t.Errorf("Reporting.NATS.SubjectPrefix = %q, want plans", cfg.Reporting.NATS.SubjectPrefix)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Server.Port != 8390 {
		t.Errorf("Server.Port = %d, want 8390", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout.Duration() != 10*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 10s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
	if cfg.Telemetry.Enabled {
		t.Error("Telemetry.Enabled = true, want false by default")
	}
	if cfg.Telemetry.ServiceName != "planrun" {
		t.Errorf("Telemetry.ServiceName = %q, want planrun", cfg.Telemetry.ServiceName)
	}
	if cfg.Telemetry.Protocol != "grpc" {
		t.Errorf("Telemetry.Protocol = %q, want grpc", cfg.Telemetry.Protocol)
	}
	if cfg.Telemetry.SampleRatio != 1 {
		t.Errorf("Telemetry.SampleRatio = %g, want 1", cfg.Telemetry.SampleRatio)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "negative retries",
			mutate: func(c *Config) {
				c.Engine.MaxRetries = intPtr(-1)
			},
			wantErr: "max_retries",
		},
		{
			name: "zero concurrency",
			mutate: func(c *Config) {
				c.Engine.MaxConcurrent = 0
			},
			wantErr: "max_concurrent",
		},
		{
			name: "unknown provider",
			mutate: func(c *Config) {
				c.Generator.Provider = "gemini"
			},
			wantErr: "unsupported generator provider",
		},
		{
			name: "base url with bad scheme",
			mutate: func(c *Config) {
				c.Generator.BaseURL = "ftp://models.example.com"
			},
			wantErr: "base_url",
		},
		{
			name: "base url unparseable",
			mutate: func(c *Config) {
				c.Generator.BaseURL = "://nope"
			},
			wantErr: "base_url",
		},
		{
			name: "zero generation timeout",
			mutate: func(c *Config) {
				c.Generator.Timeout = 0
			},
			wantErr: "timeout",
		},
		{
			name: "temperature out of range",
			mutate: func(c *Config) {
				c.Generator.Temperature = 3
			},
			wantErr: "temperature",
		},
		{
			name: "zero max tokens",
			mutate: func(c *Config) {
				c.Generator.MaxTokens = 0
			},
			wantErr: "max_tokens",
		},
		{
			name: "zero rate limit",
			mutate: func(c *Config) {
				c.Generator.RateLimit = 0
			},
			wantErr: "rate_limit",
		},
		{
			name: "zero rate burst",
			mutate: func(c *Config) {
				c.Generator.RateBurst = 0
			},
			wantErr: "rate_burst",
		},
		{
			name: "nats enabled without url",
			mutate: func(c *Config) {
				c.Reporting.NATS.Enabled = true
			},
			wantErr: "nats.url",
		},
		{
			name: "port zero",
			mutate: func(c *Config) {
				c.Server.Port = 0
			},
			wantErr: "invalid server port",
		},
		{
			name: "port too high",
			mutate: func(c *Config) {
				c.Server.Port = 70000
			},
			wantErr: "invalid server port",
		},
		{
			name: "zero shutdown timeout",
			mutate: func(c *Config) {
				c.Server.ShutdownTimeout = 0
			},
			wantErr: "shutdown_timeout",
		},
		{
			name: "unknown log level",
			mutate: func(c *Config) {
				c.Logging.Level = "trace"
			},
			wantErr: "logging level",
		},
		{
			name: "unknown log format",
			mutate: func(c *Config) {
				c.Logging.Format = "xml"
			},
			wantErr: "logging format",
		},
		{
			name: "telemetry without service name",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.ServiceName = ""
			},
			wantErr: "service_name",
		},
		{
			name: "telemetry bad protocol",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Protocol = "udp"
			},
			wantErr: "telemetry protocol",
		},
		{
			name: "telemetry sample ratio out of range",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.SampleRatio = 1.5
			},
			wantErr: "sample_ratio",
		},
		{
			name: "telemetry empty endpoint",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Endpoint = ""
			},
			wantErr: "telemetry.endpoint",
		},
		{
			name: "telemetry insecure remote endpoint",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.Insecure = true
				c.Telemetry.Endpoint = "collector.example.com:4317"
			},
			wantErr: "insecure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_AcceptsDisabledTelemetry(t *testing.T) {
	// Telemetry fields are only checked when the exporter is on.
	cfg := Default()
	cfg.Telemetry.Enabled = false
	cfg.Telemetry.Protocol = "carrier-pigeon"

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil when telemetry is disabled", err)
	}
}

func TestValidate_AcceptsInsecureLocalTelemetry(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.Insecure = true

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil for insecure localhost endpoint", err)
	}
}

func TestIsLocalEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		want     bool
	}{
		{"localhost:4317", true},
		{"127.0.0.1:4317", true},
		{"127.0.0.53:4317", true},
		{"[::1]:4317", true},
		{"::1", true},
		{"localhost", true},
		{"collector.example.com:4317", false},
		{"10.0.0.5:4317", false},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			if got := isLocalEndpoint(tt.endpoint); got != tt.want {
				t.Errorf("isLocalEndpoint(%q) = %v, want %v", tt.endpoint, got, tt.want)
			}
		})
	}
}

func TestEngineConfig_Retries(t *testing.T) {
	var unset EngineConfig
	if got := unset.Retries(); got != 2 {
		t.Errorf("Retries() with nil field = %d, want default 2", got)
	}

	zero := EngineConfig{MaxRetries: intPtr(0)}
	if got := zero.Retries(); got != 0 {
		t.Errorf("Retries() with explicit 0 = %d, want 0", got)
	}

	five := EngineConfig{MaxRetries: intPtr(5)}
	if got := five.Retries(); got != 5 {
		t.Errorf("Retries() = %d, want 5", got)
	}
}

func TestGeneratorConfig_ScrubEnabled(t *testing.T) {
	var unset GeneratorConfig
	if !unset.ScrubEnabled() {
		t.Error("ScrubEnabled() with nil field = false, want default true")
	}

	off := GeneratorConfig{ScrubPrompts: boolPtr(false)}
	if off.ScrubEnabled() {
		t.Error("ScrubEnabled() with explicit false = true, want false")
	}
}

func TestWorkspaceConfig_CleanRequired(t *testing.T) {
	var unset WorkspaceConfig
	if !unset.CleanRequired() {
		t.Error("CleanRequired() with nil field = false, want default true")
	}

	off := WorkspaceConfig{RequireClean: boolPtr(false)}
	if off.CleanRequired() {
		t.Error("CleanRequired() with explicit false = true, want false")
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "seconds", input: "90s", want: 90 * time.Second},
		{name: "minutes", input: "2m", want: 2 * time.Minute},
		{name: "compound", input: "1h30m", want: 90 * time.Minute},
		{name: "negative rejected", input: "-5s", wantErr: true},
		{name: "garbage rejected", input: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalText([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("UnmarshalText(%q) = nil, want error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("UnmarshalText(%q) error = %v", tt.input, err)
			}
			if d.Duration() != tt.want {
				t.Errorf("Duration() = %v, want %v", d.Duration(), tt.want)
			}
		})
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(Duration(90 * time.Second))
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}
	if string(data) != `"1m30s"` {
		t.Errorf("Marshal = %s, want \"1m30s\"", data)
	}
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("sk-very-secret-key")

	if got := fmt.Sprintf("%v", s); got != "[REDACTED]" {
		t.Errorf("%%v = %q, want [REDACTED]", got)
	}
	if got := fmt.Sprintf("%s", s); got != "[REDACTED]" {
		t.Errorf("%%s = %q, want [REDACTED]", got)
	}
	if got := fmt.Sprintf("%#v", s); got != "Secret([REDACTED])" {
		t.Errorf("%%#v = %q, want Secret([REDACTED])", got)
	}

	yamlVal, err := s.MarshalYAML()
	if err != nil {
		t.Fatalf("MarshalYAML error = %v", err)
	}
	if yamlVal != "[REDACTED]" {
		t.Errorf("MarshalYAML = %v, want [REDACTED]", yamlVal)
	}
}

func TestSecret_JSONNeverLeaks(t *testing.T) {
	payload := struct {
		APIKey Secret `json:"api_key"`
	}{APIKey: "sk-very-secret-key"}

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}
	if strings.Contains(string(data), "sk-very-secret-key") {
		t.Errorf("serialized config leaks the secret: %s", data)
	}
	if !strings.Contains(string(data), "[REDACTED]") {
		t.Errorf("serialized secret not redacted: %s", data)
	}
}

func TestSecret_Value(t *testing.T) {
	s := Secret("sk-very-secret-key")

	if !s.IsSet() {
		t.Error("IsSet() = false, want true")
	}
	if s.Value() != "sk-very-secret-key" {
		t.Errorf("Value() = %q, want the raw secret", s.Value())
	}
}

func TestSecret_Empty(t *testing.T) {
	var s Secret

	if s.IsSet() {
		t.Error("IsSet() = true for empty secret")
	}
	if s.String() != "" {
		t.Errorf("String() = %q, want empty", s.String())
	}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal error = %v", err)
	}
	if string(data) != `""` {
		t.Errorf("Marshal = %s, want \"\"", data)
	}
}

func TestSecret_UnmarshalJSON(t *testing.T) {
	var s Secret
	if err := json.Unmarshal([]byte(`"sk-from-json"`), &s); err != nil {
		t.Fatalf("Unmarshal error = %v", err)
	}
	if s.Value() != "sk-from-json" {
		t.Errorf("Value() = %q, want sk-from-json", s.Value())
	}
}
