package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for required fields and invalid values.
// It collects all failures into a single error so the operator sees every
// problem at once.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Exchanges) == 0 {
		errs = append(errs, "exchanges must list at least one MX hostname this relay answers for")
	}

	if c.SMTPInbound.Domain == "" {
		errs = append(errs, "smtp_inbound.domain is required")
	}

	if !c.SMTPInbound.TestMode {
		if c.TLS.Cert == "" {
			errs = append(errs, "tls.cert is required outside test mode")
		}
		if c.TLS.Key == "" {
			errs = append(errs, "tls.key is required outside test mode")
		}
	}

	// DKIM signing identity: all-or-nothing. Validate accepts a config with
	// no DKIM fields at all, but once any one is set the other two are
	// required. ("relaymx serve" separately refuses to start without
	// dkim.domain_name and dkim.private_key_path.)
	dkimSet := c.DKIM.DomainName != "" || c.DKIM.Selector != "" || c.DKIM.PrivateKeyPath != ""
	if dkimSet {
		if c.DKIM.DomainName == "" {
			errs = append(errs, "dkim.domain_name is required when dkim signing is configured")
		}
		if c.DKIM.Selector == "" {
			errs = append(errs, "dkim.selector is required when dkim signing is configured")
		}
		if c.DKIM.PrivateKeyPath == "" {
			errs = append(errs, "dkim.private_key_path is required when dkim signing is configured")
		}
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required")
	}

	if c.RateLimit.Max <= 0 {
		errs = append(errs, "rate_limit.max must be positive")
	}
	if c.RateLimit.WindowMs <= 0 {
		errs = append(errs, "rate_limit.window_ms must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
