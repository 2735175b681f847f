package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaymx/relaymx/internal/relayerr"
)

// SenderMetrics is an optional interface for recording outbound delivery
// metrics. Pass nil to disable metrics.
type SenderMetrics interface {
	ObserveDeliveryDuration(seconds float64)
	IncDeliveryAttempt(mxHost, result string)
}

// Sender delivers an already-assembled, DKIM-signed message directly to
// each resolved recipient's MX server. There is no relay/smart-host mode:
// the relay always speaks directly to the destination's mail exchanger.
type Sender struct {
	heloDomain     string
	tlsPolicy      string // "opportunistic" or "enforce"
	testMode       bool   // skip certificate verification (self-signed fixtures)
	connectTimeout time.Duration
	sendTimeout    time.Duration
	resolver       *DNSResolver
	logger         *slog.Logger
	circuitBreaker *CircuitBreaker
	metrics        SenderMetrics
}

// SenderConfig configures the outbound delivery client.
type SenderConfig struct {
	HeloDomain     string
	TLSPolicy      string
	TestMode       bool
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	Metrics        SenderMetrics
}

// DeliveryResult holds the per-recipient outcome of a delivery attempt. Its
// domain groups are populated concurrently, so all writes go through set.
type DeliveryResult struct {
	Recipients map[string]RecipientResult
	mu         sync.Mutex
}

func (d *DeliveryResult) set(recipient string, r RecipientResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Recipients[recipient] = r
}

func (d *DeliveryResult) has(recipient string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.Recipients[recipient]
	return ok
}

// RecipientResult holds the delivery result for a single recipient.
type RecipientResult struct {
	Status    string // "sent", "failed", "deferred"
	Code      int    // SMTP response code
	Message   string // SMTP response message
	Permanent bool   // true for 5xx errors
}

// NewSender creates an outbound delivery client with the given configuration.
func NewSender(cfg SenderConfig, resolver *DNSResolver, logger *slog.Logger) *Sender {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 5 * time.Minute
	}
	if cfg.TLSPolicy == "" {
		cfg.TLSPolicy = "opportunistic"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Sender{
		heloDomain:     cfg.HeloDomain,
		tlsPolicy:      cfg.TLSPolicy,
		testMode:       cfg.TestMode,
		connectTimeout: cfg.ConnectTimeout,
		sendTimeout:    cfg.SendTimeout,
		resolver:       resolver,
		logger:         logger,
		circuitBreaker: NewCircuitBreaker(defaultFailureThreshold, defaultResetTimeout),
		metrics:        cfg.Metrics,
	}
}

// Deliver groups recipients by destination domain and delivers to every
// domain concurrently — one domain's slow or failing MX never delays
// another's. Within a domain, MX hosts are still tried in priority order,
// stopping at the first host that accepts the session.
func (s *Sender) Deliver(ctx context.Context, from string, recipients []string, message []byte) (*DeliveryResult, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients specified")
	}

	result := &DeliveryResult{Recipients: make(map[string]RecipientResult)}

	g, gctx := errgroup.WithContext(ctx)
	for domain, rcpts := range groupByDomain(recipients) {
		domain, rcpts := domain, rcpts
		g.Go(func() error {
			s.deliverToDomain(gctx, domain, rcpts, from, message, result)
			return nil
		})
	}
	_ = g.Wait()

	return result, nil
}

// groupByDomain groups email addresses by their domain part.
func groupByDomain(recipients []string) map[string][]string {
	groups := make(map[string][]string)
	for _, addr := range recipients {
		parts := strings.SplitN(addr, "@", 2)
		if len(parts) != 2 {
			continue
		}
		domain := strings.ToLower(parts[1])
		groups[domain] = append(groups[domain], addr)
	}
	return groups
}

// deliverToDomain resolves MX records for the domain and attempts delivery
// through each MX host in priority order until one succeeds.
func (s *Sender) deliverToDomain(
	ctx context.Context,
	domain string,
	recipients []string,
	from string,
	message []byte,
	result *DeliveryResult,
) {
	mxRecords, err := s.resolver.ResolveMX(domain)
	if err != nil {
		for _, rcpt := range recipients {
			result.set(rcpt, RecipientResult{
				Status:  "failed",
				Message: fmt.Sprintf("MX lookup failed: %v", err),
			})
		}
		return
	}

	var lastErr error
	for _, mx := range mxRecords {
		select {
		case <-ctx.Done():
			for _, rcpt := range recipients {
				if !result.has(rcpt) {
					result.set(rcpt, RecipientResult{Status: "failed", Message: "context cancelled"})
				}
			}
			return
		default:
		}

		if !s.circuitBreaker.Allow(mx.Host) {
			s.logger.Warn("circuit breaker open, skipping MX host", "domain", domain, "mx_host", mx.Host)
			continue
		}

		err := s.deliverToHost(ctx, mx.Host, from, recipients, message, result)
		if err == nil {
			s.circuitBreaker.RecordSuccess(mx.Host)
			return
		}
		s.circuitBreaker.RecordFailure(mx.Host)
		lastErr = err
		s.logger.Warn("delivery attempt failed", "mx_host", mx.Host, "error", err)
	}

	if lastErr != nil {
		s.logger.Warn("all MX hosts failed", "domain", domain, "error", lastErr, "severity", relayerr.Severity(lastErr))
	}

	for _, rcpt := range recipients {
		if !result.has(rcpt) {
			result.set(rcpt, RecipientResult{
				Status:  "deferred",
				Message: fmt.Sprintf("all MX hosts failed: %v", lastErr),
			})
		}
	}
}

// deliverToHost connects to a single MX host and attempts SMTP delivery,
// using opportunistic or enforced STARTTLS per tlsPolicy.
func (s *Sender) deliverToHost(
	ctx context.Context,
	host string,
	from string,
	recipients []string,
	message []byte,
	result *DeliveryResult,
) error {
	start := time.Now()

	ips, err := s.resolver.ResolveIP(host)
	if err != nil {
		s.recordAttempt(host, "resolve_error")
		return fmt.Errorf("resolving %s: %w", host, err)
	}

	dialer := net.Dialer{Timeout: s.connectTimeout}
	var conn net.Conn
	var dialErr error
	for _, ip := range ips {
		conn, dialErr = dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), "25"))
		if dialErr == nil {
			break
		}
	}
	if conn == nil {
		s.recordAttempt(host, "connect_error")
		return fmt.Errorf("connecting to %s: %w", host, dialErr)
	}

	if err := conn.SetDeadline(time.Now().Add(s.sendTimeout)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("setting deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("creating SMTP client for %s: %w", host, err)
	}
	defer func() { _ = client.Close() }()

	if err := client.Hello(s.heloDomain); err != nil {
		return fmt.Errorf("EHLO to %s: %w", host, err)
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: s.testMode,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			if s.tlsPolicy == "enforce" {
				return fmt.Errorf("STARTTLS required but failed for %s: %w", host, err)
			}
			s.logger.Warn("STARTTLS failed, continuing without TLS", "host", host, "error", err)
		}
	} else if s.tlsPolicy == "enforce" {
		return fmt.Errorf("STARTTLS required but not offered by %s", host)
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM to %s: %w", host, err)
	}

	var validRecipients []string
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			code, msg := parseSMTPError(err)
			bounce := ClassifyBounce(code, msg)
			result.set(rcpt, RecipientResult{
				Status:    statusFromBounce(bounce),
				Code:      code,
				Message:   msg,
				Permanent: bounce.Permanent,
			})
			s.logger.Warn("RCPT TO rejected", "recipient", rcpt, "host", host, "code", code, "message", msg)
		} else {
			validRecipients = append(validRecipients, rcpt)
		}
	}

	if len(validRecipients) == 0 {
		_ = client.Reset()
		return nil
	}

	wc, err := client.Data()
	if err != nil {
		code, msg := parseSMTPError(err)
		for _, rcpt := range validRecipients {
			result.set(rcpt, RecipientResult{Status: "failed", Code: code, Message: msg, Permanent: code >= 500})
		}
		return errDeliveryUnavailable(code, fmt.Sprintf("DATA to %s: %s", host, msg))
	}

	if _, err := wc.Write(message); err != nil {
		_ = wc.Close()
		return fmt.Errorf("writing message data to %s: %w", host, err)
	}

	if err := wc.Close(); err != nil {
		code, msg := parseSMTPError(err)
		for _, rcpt := range validRecipients {
			result.set(rcpt, RecipientResult{Status: "failed", Code: code, Message: msg, Permanent: code >= 500})
		}
		return errDeliveryUnavailable(code, fmt.Sprintf("closing DATA to %s: %s", host, msg))
	}

	for _, rcpt := range validRecipients {
		result.set(rcpt, RecipientResult{Status: "sent", Code: 250, Message: "OK"})
	}

	_ = client.Quit()
	s.recordAttempt(host, "success")
	s.recordDuration(time.Since(start).Seconds())
	return nil
}

func (s *Sender) recordAttempt(host, result string) {
	if s.metrics != nil {
		s.metrics.IncDeliveryAttempt(host, result)
	}
}

func (s *Sender) recordDuration(seconds float64) {
	if s.metrics != nil {
		s.metrics.ObserveDeliveryDuration(seconds)
	}
}

// parseSMTPError extracts the SMTP response code and message from an error
// returned by net/smtp.
func parseSMTPError(err error) (int, string) {
	if err == nil {
		return 0, ""
	}

	msg := err.Error()

	if len(msg) >= 3 {
		var code int
		if _, parseErr := fmt.Sscanf(msg[:3], "%d", &code); parseErr == nil && code >= 200 && code < 600 {
			return code, strings.TrimSpace(msg[3:])
		}
	}

	if strings.Contains(strings.ToLower(msg), "timeout") ||
		strings.Contains(strings.ToLower(msg), "connection refused") {
		return 421, msg
	}

	return 0, msg
}

// statusFromBounce maps a BounceInfo to a delivery status string.
func statusFromBounce(b BounceInfo) string {
	switch b.Type {
	case BounceHard, BounceComplaint:
		return "failed"
	default:
		return "deferred"
	}
}

// errDeliveryUnavailable wraps a downstream delivery failure as a relay
// error carrying the downstream SMTP code, for the session to relay back
// to its own client.
func errDeliveryUnavailable(code int, message string) error {
	return relayerr.ErrDownstreamSMTP(code, message)
}
