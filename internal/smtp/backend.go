// Package smtp implements the relay's inbound SMTP session: the state
// machine that drives address parsing, DNS resolution, rate limiting,
// forwarding resolution, provenance verification, and outbound fan-out
// delivery for a single connection.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/relaymx/relaymx/internal/address"
	"github.com/relaymx/relaymx/internal/engine"
	"github.com/relaymx/relaymx/internal/mimemsg"
	"github.com/relaymx/relaymx/internal/relayerr"
)

// strippedHeaders are removed before re-transmission to prevent duplicate
// signatures and leaked routing metadata from surviving the hop. The relay
// always re-signs with its own DKIM identity, never the origin's.
//
// Mime-Version and Content-Type are deliberately NOT in this list: delivery
// re-serializes the message's original raw bytes unchanged (there is no
// outbound MIME-composing step that would reconstruct them), so stripping
// either one here would ship a multipart message with no boundary and no
// media type, breaking every forwarded message with an attachment or an
// HTML alternative.
var strippedHeaders = []string{
	"Dkim-Signature",
	"X-Google-Dkim-Signature",
	"X-Gm-Message-State",
	"X-Google-Smtp-Source",
	"X-Received",
	"Message-Id",
}

// Metrics is an optional interface for recording session-level outcomes.
// Pass nil to disable metrics.
type Metrics interface {
	IncSessionResult(replyCode int)
	IncProvenance(spfResult, dkimResult string)
}

// MXResolver is the subset of *engine.DNSResolver the session needs for
// sender and recipient MX sanity checks, narrowed so a fake can stand in
// for live DNS in tests.
type MXResolver interface {
	ResolveMX(domain string) ([]engine.MXRecord, error)
}

// Forwarder resolves a recipient to its forwarding target.
type Forwarder interface {
	Resolve(recipient string) (string, error)
}

// Limiter enforces the per-sender rate limit.
type Limiter interface {
	Get(ctx context.Context, id string) (allowed bool, remaining int, resetUnixSeconds int64, err error)
}

// SPFVerifier checks a connecting IP against a domain's SPF policy.
type SPFVerifier interface {
	Check(remoteIP net.IP, mailFrom, heloHostname string) (engine.SPFResult, error)
}

// DKIMVerifier checks a message for a passing DKIM signature.
type DKIMVerifier interface {
	Verify(message []byte) (engine.DKIMResult, error)
}

// DKIMSigner re-signs a stripped message with the relay's own identity.
type DKIMSigner interface {
	Sign(message []byte) ([]byte, error)
}

// Deliverer fans a signed message out to its resolved recipients.
type Deliverer interface {
	Deliver(ctx context.Context, from string, recipients []string, message []byte) (*engine.DeliveryResult, error)
}

// Backend implements the go-smtp Backend interface, wiring together every
// component the session state machine needs.
type Backend struct {
	resolver        MXResolver
	forward         Forwarder
	limiter         Limiter
	spfChecker      SPFVerifier
	dkimVerifier    DKIMVerifier
	dkimSigner      DKIMSigner
	sender          Deliverer
	deny            *address.DisposableList
	exchanges       []string
	maxMessageBytes int64
	testMode        bool
	metrics         Metrics
	logger          *slog.Logger
}

// BackendConfig gathers the dependencies a session needs across CONNECT,
// MAIL FROM, RCPT TO, and DATA.
type BackendConfig struct {
	Resolver        MXResolver
	Forward         Forwarder
	Limiter         Limiter
	SPFChecker      SPFVerifier
	DKIMVerifier    DKIMVerifier
	DKIMSigner      DKIMSigner
	Sender          Deliverer
	Deny            *address.DisposableList
	Exchanges       []string
	MaxMessageBytes int64
	TestMode        bool
	Metrics         Metrics
}

// NewBackend assembles a Backend from its configured dependencies.
func NewBackend(cfg BackendConfig, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		resolver:        cfg.Resolver,
		forward:         cfg.Forward,
		limiter:         cfg.Limiter,
		spfChecker:      cfg.SPFChecker,
		dkimVerifier:    cfg.DKIMVerifier,
		dkimSigner:      cfg.DKIMSigner,
		sender:          cfg.Sender,
		deny:            cfg.Deny,
		exchanges:       cfg.Exchanges,
		maxMessageBytes: cfg.MaxMessageBytes,
		testMode:        cfg.TestMode,
		metrics:         cfg.Metrics,
		logger:          logger,
	}
}

// NewSession is called by go-smtp when a client greets. The HELO/EHLO
// hostname admission check lives here rather than in a dedicated CONNECT
// hook, since go-smtp folds CONNECT into session construction; the remote
// IP and TLS state are only recorded on the session, not checked.
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remoteAddr := c.Conn().RemoteAddr()
	remoteIP := hostIP(remoteAddr)
	heloHostname := c.Hostname()

	if !b.testMode && !isFQDN(heloHostname) {
		return nil, smtpError(relayerr.ErrBadClientHostname(heloHostname))
	}

	sessionID := uuid.New().String()
	sess := &Session{
		backend:      b,
		remoteIP:     remoteIP,
		heloHostname: heloHostname,
		logger:       b.logger.With("session_id", sessionID, "remote_ip", remoteIP.String(), "helo", heloHostname),
	}
	if tlsState, ok := c.TLSConnectionState(); ok {
		sess.tlsState = tlsState
		sess.hasTLS = true
	}
	return sess, nil
}

// recipient pairs an accepted RCPT TO address with the forwarding address
// the TXT record resolved it to.
type recipient struct {
	original string
	resolved string
}

// Session holds one connection's envelope state. Apart from the DATA-phase
// fan-out, everything here runs strictly sequentially.
type Session struct {
	backend *Backend
	logger  *slog.Logger

	remoteIP     net.IP
	heloHostname string
	hasTLS       bool
	tlsState     tls.ConnectionState

	from       string
	recipients []recipient
}

// Mail handles MAIL FROM: rate-limits the sender and sanity-checks that its
// domain resolves to a real mail exchanger before accepting any recipients.
func (s *Session) Mail(from string, opts *gosmtp.MailOptions) error {
	domain, err := address.ParseDomain(from, s.backend.deny)
	if err != nil {
		return smtpError(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.backend.limiter != nil {
		allowed, remaining, reset, rlErr := s.backend.limiter.Get(ctx, from)
		if rlErr != nil {
			return smtpError(relayerr.ErrTransientDNS(rlErr))
		}
		if !allowed {
			s.logger.Warn("rate limit exceeded", "from", from)
			return smtpError(relayerr.ErrRateLimited(engine.RetryHint(reset)))
		}
		_ = remaining
	}

	if _, err := s.backend.resolver.ResolveMX(domain); err != nil {
		return smtpError(err)
	}

	s.from = from
	return nil
}

// Rcpt handles RCPT TO: resolves the forward-email= target and confirms the
// recipient domain's MX includes every exchange this relay is configured to
// act as, so mail sent through a path the relay doesn't own is rejected.
func (s *Session) Rcpt(to string, opts *gosmtp.RcptOptions) error {
	domain, err := address.ParseDomain(to, s.backend.deny)
	if err != nil {
		return smtpError(err)
	}

	mxs, err := s.backend.resolver.ResolveMX(domain)
	if err != nil {
		return smtpError(err)
	}
	if !engine.HasAllExchanges(mxs, s.backend.exchanges) {
		return smtpError(relayerr.ErrInvalidMX(fmt.Sprintf(
			"Missing required DNS MX records: %s", strings.Join(s.backend.exchanges, ", "))))
	}

	resolved, err := s.backend.forward.Resolve(to)
	if err != nil {
		return smtpError(err)
	}

	s.recipients = append(s.recipients, recipient{original: to, resolved: resolved})
	return nil
}

// Data streams the message body, enforces provenance, re-signs, and
// fans the signed message out to every distinct resolved recipient.
func (s *Session) Data(r io.Reader) error {
	if len(s.recipients) == 0 {
		return &gosmtp.SMTPError{
			Code:         503,
			EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
			Message:      "no valid recipients",
		}
	}

	msg, err := mimemsg.Parse(r, s.backend.maxMessageBytes)
	if err != nil {
		return smtpError(err)
	}

	targets := dedupeResolved(s.recipients)

	spfResult, spfErr := s.backend.spfChecker.Check(s.remoteIP, s.from, s.heloHostname)
	if spfErr != nil {
		return smtpError(spfErr)
	}

	dkimResult, dkimErr := s.backend.dkimVerifier.Verify(msg.Raw)
	if dkimErr != nil {
		return smtpError(dkimErr)
	}

	if s.backend.metrics != nil {
		s.backend.metrics.IncProvenance(spfResult.String(), dkimResult.String())
	}

	if !spfResult.Pass() && !dkimResult.Pass() {
		s.logger.Warn("provenance check failed", "spf", spfResult.String(), "dkim", dkimResult.String())
		return smtpError(relayerr.ErrProvenanceFailed())
	}

	outbound := stripHeaders(msg.Raw, strippedHeaders)
	signed, err := s.backend.dkimSigner.Sign(outbound)
	if err != nil {
		s.logger.Error("DKIM signing failed", "error", err)
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "temporary error signing message",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.backend.deliveryTimeout())
	defer cancel()

	result, err := s.backend.sender.Deliver(ctx, s.from, targets, signed)
	if err != nil {
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      err.Error(),
		}
	}

	return replyFromDeliveryResult(result)
}

// Reset clears per-transaction state between messages in the same session.
func (s *Session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout is called when the session ends.
func (s *Session) Logout() error {
	return nil
}

func (b *Backend) deliveryTimeout() time.Duration {
	return 5 * time.Minute
}

// dedupeResolved collects the distinct resolved addresses across recipients,
// so a message addressed to two originals that forward to the same target
// is only delivered once.
func dedupeResolved(recipients []recipient) []string {
	seen := make(map[string]bool, len(recipients))
	targets := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if seen[r.resolved] {
			continue
		}
		seen[r.resolved] = true
		targets = append(targets, r.resolved)
	}
	return targets
}

// replyFromDeliveryResult maps a fan-out result to a single SMTP reply:
// success if every recipient succeeded, otherwise the most severe failure
// (a fatal 5xx outranks a transient 4xx).
func replyFromDeliveryResult(result *engine.DeliveryResult) error {
	var worst *engine.RecipientResult
	for _, rr := range result.Recipients {
		rr := rr
		if rr.Status == "sent" {
			continue
		}
		if worst == nil || severity(rr) > severity(*worst) {
			worst = &rr
		}
	}
	if worst == nil {
		return nil
	}

	code := worst.Code
	if code == 0 {
		code = 450
	}
	enhanced := gosmtp.EnhancedCode{5, 0, 0}
	if code < 500 {
		enhanced = gosmtp.EnhancedCode{4, 0, 0}
	}
	return &gosmtp.SMTPError{
		Code:         code,
		EnhancedCode: enhanced,
		Message:      worst.Message,
	}
}

func severity(rr engine.RecipientResult) int {
	if rr.Code >= 500 {
		return 2
	}
	return 1
}

// stripHeaders removes the named headers from a raw RFC 5322 message,
// leaving the rest of the message (including the blank line separating
// headers from body) untouched.
func stripHeaders(raw []byte, names []string) []byte {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[strings.ToLower(n)] = true
	}

	headerEnd := bytes.Index(raw, []byte("\r\n\r\n"))
	sep := "\r\n\r\n"
	if headerEnd < 0 {
		headerEnd = bytes.Index(raw, []byte("\n\n"))
		sep = "\n\n"
	}
	if headerEnd < 0 {
		return raw
	}

	header := raw[:headerEnd]
	body := raw[headerEnd+len(sep):]

	lines := strings.Split(string(header), "\r\n")
	if len(lines) == 1 {
		lines = strings.Split(string(header), "\n")
	}

	var kept []string
	skipping := false
	for _, line := range lines {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if !skipping {
				kept = append(kept, line)
			}
			continue
		}
		name := line
		if idx := strings.IndexByte(line, ':'); idx >= 0 {
			name = line[:idx]
		}
		skipping = drop[strings.ToLower(name)]
		if !skipping {
			kept = append(kept, line)
		}
	}

	var out bytes.Buffer
	for _, line := range kept {
		out.WriteString(line)
		out.WriteString("\r\n")
	}
	out.WriteString("\r\n")
	out.Write(body)
	return out.Bytes()
}

// isFQDN is the same fully-qualified-domain-name shape check the address
// package applies to email domains, reused here for the HELO/EHLO hostname.
func isFQDN(hostname string) bool {
	if hostname == "" {
		return false
	}
	_, err := address.ParseDomain("x@"+hostname, nil)
	return err == nil
}

func hostIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return net.IPv4zero
		}
		return net.ParseIP(host)
	}
}

// smtpError translates a relayerr.Error into the matching SMTP reply; any
// other error is treated as a transient internal failure.
func smtpError(err error) error {
	relayErr, ok := err.(*relayerr.Error)
	if !ok {
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 0, 0},
			Message:      err.Error(),
		}
	}

	code := relayErr.ReplyCode()
	enhanced := gosmtp.EnhancedCode{0, 0, 0}
	switch {
	case code >= 500:
		enhanced = gosmtp.EnhancedCode{5, 0, 0}
	case code >= 400:
		enhanced = gosmtp.EnhancedCode{4, 0, 0}
	}

	return &gosmtp.SMTPError{
		Code:         code,
		EnhancedCode: enhanced,
		Message:      relayErr.Error(),
	}
}
