package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete relay configuration.
type Config struct {
	Server      OpsServerConfig   `mapstructure:"server"`
	SMTPInbound SMTPInboundConfig `mapstructure:"smtp_inbound"`
	Exchanges   []string          `mapstructure:"exchanges"`
	TLS         TLSConfig         `mapstructure:"tls"`
	DKIM        DKIMConfig        `mapstructure:"dkim"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	DNS         DNSConfig         `mapstructure:"dns"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Disposable  DisposableConfig  `mapstructure:"disposable"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// OpsServerConfig holds the operator-facing HTTP surface (/healthz, /metrics only).
type OpsServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// SMTPInboundConfig holds inbound SMTP server settings.
type SMTPInboundConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	Domain          string        `mapstructure:"domain"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	SendTimeout     time.Duration `mapstructure:"send_timeout"`

	// TestMode disables downstream certificate verification and relaxes
	// connection admission, for use only under automated tests. It is a
	// dedicated flag rather than an environment-string comparison so
	// "ENV=test" leakage into production can't happen.
	TestMode bool `mapstructure:"test_mode"`
}

// TLSConfig holds the relay's own certificate/key/CA material, used for
// inbound STARTTLS.
type TLSConfig struct {
	Cert string `mapstructure:"cert"`
	Key  string `mapstructure:"key"`
	CA   string `mapstructure:"ca"`
}

// DKIMConfig holds the relay's outbound DKIM signing identity.
type DKIMConfig struct {
	DomainName     string `mapstructure:"domain_name"`
	Selector       string `mapstructure:"selector"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
	KeyBits        int    `mapstructure:"key_bits"`
}

// RateLimitConfig holds the per-sender fixed-window quota.
type RateLimitConfig struct {
	Max      int `mapstructure:"max"`
	WindowMs int `mapstructure:"window_ms"`
}

// Window returns the configured window as a time.Duration.
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowMs) * time.Millisecond
}

// DNSConfig holds DNS resolution settings.
type DNSConfig struct {
	Resolver string        `mapstructure:"resolver"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RedisConfig holds the shared rate-limit counter store connection.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// DisposableConfig points at the static disposable-domain deny-list.
type DisposableConfig struct {
	ListPath string `mapstructure:"list_path"`
}

// TracingConfig holds the optional OTel OTLP exporter configuration.
type TracingConfig struct {
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
	Insecure   bool    `mapstructure:"insecure"`
}

// defaults returns the default configuration as a flat map using koanf's "."
// delimiter for nested keys.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		// Ops server
		"server.http_addr":        ":8080",
		"server.read_timeout":     "10s",
		"server.write_timeout":    "10s",
		"server.shutdown_timeout": "10s",
		"server.cors_origins":     []string{},

		// SMTP inbound
		"smtp_inbound.listen_addr":       ":25",
		"smtp_inbound.domain":            "",
		"smtp_inbound.max_message_bytes": 26214400, // 25 MiB
		"smtp_inbound.read_timeout":      "60s",
		"smtp_inbound.write_timeout":     "60s",
		"smtp_inbound.connect_timeout":   "30s",
		"smtp_inbound.send_timeout":      "5m",
		"smtp_inbound.test_mode":         false,

		// Relay's own MX exchanges; every recipient domain's MX records must list all of them
		"exchanges": []string{"mx1.forwardemail.net", "mx2.forwardemail.net"},

		// TLS
		"tls.cert": "",
		"tls.key":  "",
		"tls.ca":   "",

		// DKIM
		"dkim.domain_name":      "",
		"dkim.selector":         "relaymx",
		"dkim.private_key_path": "",
		"dkim.key_bits":         2048,

		// Rate limit
		"rate_limit.max":       100,
		"rate_limit.window_ms": int(time.Hour / time.Millisecond),

		// DNS
		"dns.resolver": "system",
		"dns.timeout":  "10s",

		// Redis
		"redis.addr":      "localhost:6379",
		"redis.password":  "",
		"redis.db":        0,
		"redis.pool_size": 10,

		// Logging
		"logging.level":  "info",
		"logging.format": "json",
		"logging.output": "stdout",

		// Disposable deny-list
		"disposable.list_path": "config/disposable.txt",

		// Tracing (disabled unless endpoint set)
		"tracing.endpoint":    "",
		"tracing.sample_rate": 0.1,
		"tracing.insecure":    false,
	}
}

// Load reads the configuration from defaults, an optional YAML file, and
// environment variables (prefix RELAYMX_). Later sources override earlier ones.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// 1. Load defaults.
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// 2. Load YAML file if provided.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// 3. Overlay environment variables.
	//    Every underscore becomes a dot: RELAYMX_DNS_RESOLVER -> dns.resolver.
	//    Keys whose own names contain an underscore (smtp_inbound.test_mode,
	//    server.http_addr) cannot be set this way, only from the YAML file.
	if err := k.Load(env.Provider("RELAYMX_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "RELAYMX_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env variables: %w", err)
	}

	// 4. Unmarshal into the Config struct.
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "mapstructure",
	}); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return &cfg, nil
}
