package engine

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/relaymx/relaymx/internal/relayerr"
)

// MXRecord represents an MX DNS record with its host and priority.
type MXRecord struct {
	Host     string
	Priority uint16
}

// DNSMetrics is an optional interface for recording DNS lookup outcomes.
// Leave a DNSResolver's metrics unset to disable it.
type DNSMetrics interface {
	IncDNSLookup(recordType, result string)
}

// DNSResolver performs DNS lookups. It can be configured to use a specific
// nameserver or fall back to the system resolver.
type DNSResolver struct {
	nameserver string
	timeout    time.Duration
	metrics    DNSMetrics
}

// NewDNSResolver creates a new DNS resolver. If nameserver is empty or "system",
// it uses the system's default resolver (8.8.8.8:53 as fallback).
func NewDNSResolver(nameserver string, timeout time.Duration) *DNSResolver {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if nameserver == "" || nameserver == "system" {
		nameserver = getSystemResolver()
	}
	if !strings.Contains(nameserver, ":") {
		nameserver = nameserver + ":53"
	}
	return &DNSResolver{
		nameserver: nameserver,
		timeout:    timeout,
	}
}

// SetMetrics attaches a metrics sink to an already-constructed resolver. A
// nil sink (the zero value) disables metrics recording.
func (r *DNSResolver) SetMetrics(m DNSMetrics) {
	r.metrics = m
}

func (r *DNSResolver) recordLookup(recordType, result string) {
	if r.metrics != nil {
		r.metrics.IncDNSLookup(recordType, result)
	}
}

// getSystemResolver attempts to read the system's DNS resolver. Falls back to
// Google Public DNS if detection fails.
func getSystemResolver() string {
	config, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err == nil && len(config.Servers) > 0 {
		return config.Servers[0] + ":53"
	}
	return "8.8.8.8:53"
}

// query performs a DNS query for the given name and type. The returned error
// is non-nil only for genuine transport failures (timeout, connection
// refused, malformed response) — a successful exchange that carries
// NXDOMAIN or an empty answer section is returned with a nil error so the
// caller can classify "no data" separately from "couldn't ask".
func (r *DNSResolver) query(name string, qtype uint16) (*dns.Msg, error) {
	c := &dns.Client{Timeout: r.timeout}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	reply, _, err := c.Exchange(m, r.nameserver)
	if err != nil {
		return nil, fmt.Errorf("dns exchange for %s (type %s): %w", name, dns.TypeToString[qtype], err)
	}
	return reply, nil
}

// transient reports whether an rcode indicates a resolver-side problem
// rather than a definitive "no such record".
func transient(rcode int) bool {
	return rcode == dns.RcodeServerFailure || rcode == dns.RcodeRefused || rcode == dns.RcodeNotImplemented
}

// ResolveMX resolves MX records for a domain, sorted by priority (lowest
// first). An empty answer or NXDOMAIN produces InvalidMX; a resolver-side
// failure produces TransientDNS.
func (r *DNSResolver) ResolveMX(domain string) ([]MXRecord, error) {
	reply, err := r.query(domain, dns.TypeMX)
	if err != nil {
		r.recordLookup("MX", "error")
		return nil, relayerr.ErrTransientDNS(err)
	}
	if transient(reply.Rcode) {
		r.recordLookup("MX", "error")
		return nil, relayerr.ErrTransientDNS(fmt.Errorf("MX lookup for %s returned %s", domain, dns.RcodeToString[reply.Rcode]))
	}

	var records []MXRecord
	for _, ans := range reply.Answer {
		if mx, ok := ans.(*dns.MX); ok {
			records = append(records, MXRecord{
				Host:     strings.TrimSuffix(mx.Mx, "."),
				Priority: mx.Preference,
			})
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Priority < records[j].Priority
	})

	if len(records) == 0 {
		r.recordLookup("MX", "empty")
		return nil, relayerr.ErrInvalidMX(fmt.Sprintf("no MX records found for %s", domain))
	}
	r.recordLookup("MX", "found")
	return records, nil
}

// ResolveTXT fetches all TXT records for a name, joining any record whose
// value was split across multiple ≤255-byte chunks. A missing record
// produces InvalidTXT; a resolver-side failure produces TransientDNS.
func (r *DNSResolver) ResolveTXT(domain string) ([]string, error) {
	reply, err := r.query(domain, dns.TypeTXT)
	if err != nil {
		r.recordLookup("TXT", "error")
		return nil, relayerr.ErrTransientDNS(err)
	}
	if transient(reply.Rcode) {
		r.recordLookup("TXT", "error")
		return nil, relayerr.ErrTransientDNS(fmt.Errorf("TXT lookup for %s returned %s", domain, dns.RcodeToString[reply.Rcode]))
	}

	var records []string
	for _, ans := range reply.Answer {
		if txt, ok := ans.(*dns.TXT); ok {
			records = append(records, strings.Join(txt.Txt, ""))
		}
	}

	if len(records) == 0 {
		r.recordLookup("TXT", "empty")
		return nil, relayerr.ErrInvalidTXT(fmt.Sprintf("no TXT records found for %s", domain))
	}
	r.recordLookup("TXT", "found")
	return records, nil
}

// HasAllExchanges reports whether every hostname in exchanges appears
// (case-insensitively, trailing-dot-insensitively) among mxs.
func HasAllExchanges(mxs []MXRecord, exchanges []string) bool {
	present := make(map[string]bool, len(mxs))
	for _, mx := range mxs {
		present[normalizeHost(mx.Host)] = true
	}
	for _, ex := range exchanges {
		if !present[normalizeHost(ex)] {
			return false
		}
	}
	return true
}

func normalizeHost(h string) string {
	return strings.ToLower(strings.TrimSuffix(h, "."))
}

// ResolveIP resolves an MX host to its IP addresses for an outbound SMTP
// connection.
func (r *DNSResolver) ResolveIP(host string) ([]net.IP, error) {
	var ips []net.IP

	if replyA, err := r.query(host, dns.TypeA); err == nil && !transient(replyA.Rcode) {
		for _, ans := range replyA.Answer {
			if a, ok := ans.(*dns.A); ok {
				ips = append(ips, a.A)
			}
		}
	}

	if replyAAAA, err := r.query(host, dns.TypeAAAA); err == nil && !transient(replyAAAA.Rcode) {
		for _, ans := range replyAAAA.Answer {
			if aaaa, ok := ans.(*dns.AAAA); ok {
				ips = append(ips, aaaa.AAAA)
			}
		}
	}

	if len(ips) == 0 {
		r.recordLookup("A", "empty")
		return nil, relayerr.ErrTransientDNS(fmt.Errorf("no A or AAAA records found for %s", host))
	}
	r.recordLookup("A", "found")
	return ips, nil
}
