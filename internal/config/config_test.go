package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	// Clear any RELAYMX_ environment variables that could interfere.
	for _, e := range os.Environ() {
		if len(e) > 8 && e[:8] == "RELAYMX_" {
			if idx := strings.IndexByte(e, '='); idx > 0 {
				key := e[:idx]
				t.Setenv(key, os.Getenv(key)) // register for cleanup
				_ = os.Unsetenv(key)
			}
		}
	}

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Ops server defaults.
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Empty(t, cfg.Server.CORSOrigins)

	// SMTP inbound defaults.
	assert.Equal(t, ":25", cfg.SMTPInbound.ListenAddr)
	assert.EqualValues(t, 26214400, cfg.SMTPInbound.MaxMessageBytes)
	assert.False(t, cfg.SMTPInbound.TestMode)

	// Exchanges default.
	assert.Equal(t, []string{"mx1.forwardemail.net", "mx2.forwardemail.net"}, cfg.Exchanges)

	// TLS defaults.
	assert.Equal(t, "", cfg.TLS.Cert)

	// DKIM defaults.
	assert.Equal(t, "relaymx", cfg.DKIM.Selector)
	assert.Equal(t, 2048, cfg.DKIM.KeyBits)

	// Rate limit defaults.
	assert.Equal(t, 100, cfg.RateLimit.Max)
	assert.Equal(t, time.Hour, cfg.RateLimit.Window())

	// DNS defaults.
	assert.Equal(t, "system", cfg.DNS.Resolver)
	assert.Equal(t, 10*time.Second, cfg.DNS.Timeout)

	// Redis defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 10, cfg.Redis.PoolSize)

	// Logging defaults.
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)

	// Disposable list default.
	assert.Equal(t, "config/disposable.txt", cfg.Disposable.ListPath)

	// Tracing defaults.
	assert.Equal(t, "", cfg.Tracing.Endpoint)
	assert.Equal(t, 0.1, cfg.Tracing.SampleRate)
}

func TestLoad_EnvOverrides(t *testing.T) {
	// The env transformer replaces ALL underscores with dots, so
	// RELAYMX_DNS_RESOLVER -> dns.resolver (works because each segment is
	// one word). Multi-word koanf keys like "http_addr" can't be targeted
	// with a single underscore since it becomes a dot separator.
	t.Setenv("RELAYMX_DNS_RESOLVER", "8.8.8.8:53")
	t.Setenv("RELAYMX_LOGGING_LEVEL", "debug")
	t.Setenv("RELAYMX_DKIM_SELECTOR", "custom")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "8.8.8.8:53", cfg.DNS.Resolver)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "custom", cfg.DKIM.Selector)

	// Defaults still apply to keys we didn't override.
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, 100, cfg.RateLimit.Max)
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "loading config file")
}

func TestRateLimitConfig_Window(t *testing.T) {
	r := RateLimitConfig{WindowMs: 60000}
	assert.Equal(t, time.Minute, r.Window())
}
