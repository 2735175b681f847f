// Package address implements RFC 5322 address parsing for the relay:
// splitting local-part, plus-tag filter, and domain, and rejecting
// addresses whose domain is not a FQDN or is on the disposable deny-list.
package address

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/relaymx/relaymx/internal/relayerr"
)

// fqdnPattern matches a fully-qualified domain name: at least two
// dot-separated labels, each alphanumeric with interior hyphens only.
var fqdnPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]*[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

// ParseLocal returns the local-part of an address with any plus-tag
// stripped. "hello+spam@x" -> "hello".
func ParseLocal(a string) string {
	local, _ := split(a)
	if idx := strings.IndexByte(local, '+'); idx >= 0 {
		return local[:idx]
	}
	return local
}

// ParseFilter returns the plus-tag of an address without the leading "+",
// or the empty string if there is none.
func ParseFilter(a string) string {
	local, _ := split(a)
	if idx := strings.IndexByte(local, '+'); idx >= 0 {
		return local[idx+1:]
	}
	return ""
}

// ParseDomain returns the FQDN domain part of an address. It fails with
// InvalidDomain if the address is malformed, the domain is not a FQDN, or
// the domain matches the disposable deny-list.
func ParseDomain(a string, deny *DisposableList) (string, error) {
	_, domain := split(a)
	if domain == "" {
		return "", relayerr.ErrInvalidDomain(fmt.Sprintf("%q has no domain part", a))
	}
	domain = strings.ToLower(domain)
	if !fqdnPattern.MatchString(domain) {
		return "", relayerr.ErrInvalidDomain(fmt.Sprintf("%q is not a fully-qualified domain name", domain))
	}
	if deny != nil && deny.Contains(domain) {
		return "", relayerr.ErrInvalidDomain(fmt.Sprintf("%q is a disposable email domain", domain))
	}
	return domain, nil
}

// split divides an address into local-part and domain on the last "@".
func split(a string) (local, domain string) {
	at := strings.LastIndex(a, "@")
	if at < 0 {
		return a, ""
	}
	return a[:at], a[at+1:]
}
