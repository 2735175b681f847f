package engine

import (
	"strings"

	"github.com/relaymx/relaymx/internal/address"
	"github.com/relaymx/relaymx/internal/relayerr"
)

// forwardPrefix identifies the relevant TXT string among a domain's
// possibly-unrelated TXT records (SPF, DMARC, domain verification, ...).
const forwardPrefix = "forward-email="

// TXTResolver is the subset of DNSResolver the forwarding resolver needs,
// so it can be exercised against a fake in tests.
type TXTResolver interface {
	ResolveTXT(domain string) ([]string, error)
}

// ForwardResolver computes the forwarding target for a recipient address
// from its domain's forward-email= TXT record.
type ForwardResolver struct {
	dns  TXTResolver
	deny *address.DisposableList
}

// NewForwardResolver creates a TXT-backed forwarding resolver.
func NewForwardResolver(dns TXTResolver, deny *address.DisposableList) *ForwardResolver {
	return &ForwardResolver{dns: dns, deny: deny}
}

// Resolve computes the forwarding address for recipient r, preserving any
// plus-tag filter. Per-user entries always take precedence over a wildcard
// entry regardless of TXT ordering (spec's own recommendation, since
// ordering-dependent precedence is unverifiable downstream of DNS caching).
func (f *ForwardResolver) Resolve(r string) (string, error) {
	domain, err := address.ParseDomain(r, f.deny)
	if err != nil {
		return "", err
	}

	records, err := f.dns.ResolveTXT(domain)
	if err != nil {
		return "", err
	}

	entries, err := parseForwardRecord(records)
	if err != nil {
		return "", err
	}

	localPart := address.ParseLocal(r)

	target, ok := entries.resolve(localPart)
	if !ok {
		return "", relayerr.ErrInvalidTXT("no forwarding rule matches recipient " + r)
	}

	return applyPlusTag(r, target, f.deny)
}

// forwardEntries holds the parsed contents of a forward-email= record: an
// optional wildcard target, and a map of per-user targets keyed by
// local-part.
type forwardEntries struct {
	wildcard string
	perUser  map[string]string
}

// resolve looks up localPart, scanning per-user entries first and falling
// back to the wildcard — never the reverse, so TXT ordering can't change
// which rule wins.
func (e forwardEntries) resolve(localPart string) (string, bool) {
	if target, ok := e.perUser[localPart]; ok {
		return target, true
	}
	if e.wildcard != "" {
		return e.wildcard, true
	}
	return "", false
}

// parseForwardRecord selects the first TXT string beginning with
// forward-email=, splits its comma-separated entries, and classifies each
// as the wildcard (bare address) form or the <local>:<addr> per-user form.
func parseForwardRecord(records []string) (forwardEntries, error) {
	var raw string
	found := false
	for _, r := range records {
		if strings.HasPrefix(r, forwardPrefix) {
			raw = strings.TrimPrefix(r, forwardPrefix)
			found = true
			break
		}
	}
	if !found {
		return forwardEntries{}, relayerr.ErrInvalidTXT("no forward-email= TXT record found")
	}

	rawEntries := strings.Split(raw, ",")
	trimmed := make([]string, 0, len(rawEntries))
	for _, e := range rawEntries {
		trimmed = append(trimmed, strings.TrimSpace(e))
	}
	if len(trimmed) == 0 || (len(trimmed) == 1 && trimmed[0] == "") {
		return forwardEntries{}, relayerr.ErrInvalidTXT("forward-email= record has no entries")
	}

	entries := forwardEntries{perUser: make(map[string]string)}

	// Only the first entry may take the bare-address wildcard form; every
	// other entry must be <local>:<addr> or the record is malformed.
	start := 0
	if first := trimmed[0]; !strings.Contains(first, ":") {
		if !looksLikeEmail(first) {
			return forwardEntries{}, relayerr.ErrInvalidTXT("malformed forward-email entry: " + first)
		}
		entries.wildcard = first
		start = 1
	}

	for _, e := range trimmed[start:] {
		if e == "" {
			continue
		}
		idx := strings.IndexByte(e, ':')
		if idx < 0 {
			return forwardEntries{}, relayerr.ErrInvalidTXT("malformed forward-email entry: " + e)
		}
		local, addr := e[:idx], e[idx+1:]
		if local == "" || !looksLikeEmail(addr) {
			return forwardEntries{}, relayerr.ErrInvalidTXT("malformed forward-email entry: " + e)
		}
		if _, exists := entries.perUser[local]; !exists {
			entries.perUser[local] = addr
		}
	}

	return entries, nil
}

// looksLikeEmail is a shallow structural check (has an "@", has a domain
// part with a dot) used while parsing TXT entries; address.ParseDomain does
// the authoritative FQDN validation once a target is actually selected.
func looksLikeEmail(s string) bool {
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return false
	}
	return strings.Contains(s[at+1:], ".")
}

// applyPlusTag preserves a plus-tag filter from the original recipient onto
// the resolved target: u+f@d forwarding to t@e becomes u'+f@e, where u' is
// the local-part of t.
func applyPlusTag(original, target string, deny *address.DisposableList) (string, error) {
	targetDomain, err := address.ParseDomain(target, deny)
	if err != nil {
		return "", err
	}

	filter := address.ParseFilter(original)
	if filter == "" {
		return target, nil
	}

	targetLocal := address.ParseLocal(target)
	return targetLocal + "+" + filter + "@" + targetDomain, nil
}
