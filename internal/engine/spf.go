package engine

import (
	"net"

	"blitiri.com.ar/go/spf"

	"github.com/relaymx/relaymx/internal/relayerr"
)

// SPFResult is the outcome of checking a sender IP against a domain's SPF
// policy, independent of the underlying library's result type.
type SPFResult int

const (
	SPFNone SPFResult = iota
	SPFNeutral
	SPFPass
	SPFFail
	SPFSoftFail
	SPFTempError
	SPFPermError
)

func (r SPFResult) String() string {
	switch r {
	case SPFNone:
		return "none"
	case SPFNeutral:
		return "neutral"
	case SPFPass:
		return "pass"
	case SPFFail:
		return "fail"
	case SPFSoftFail:
		return "softfail"
	case SPFTempError:
		return "temperror"
	case SPFPermError:
		return "permerror"
	default:
		return "unknown"
	}
}

// Pass reports whether this result counts as provenance evidence for the
// message (see relayerr.ErrProvenanceFailed: SPF pass or DKIM pass, either
// suffices).
func (r SPFResult) Pass() bool {
	return r == SPFPass
}

// SPFChecker verifies a connecting IP against the SPF policy published by a
// purported sender domain.
type SPFChecker struct{}

// NewSPFChecker creates an SPF checker backed by blitiri.com.ar/go/spf.
func NewSPFChecker() *SPFChecker {
	return &SPFChecker{}
}

// Check evaluates the SPF record for mailFrom's domain against remoteIP and
// heloHostname. A DNS transport failure or SPF temperror surfaces as
// relayerr.ErrTransientSPF so the session can retry with 421 rather than
// rejecting a message that simply hit a flaky resolver.
func (s *SPFChecker) Check(remoteIP net.IP, mailFrom, heloHostname string) (SPFResult, error) {
	result, err := spf.CheckHostWithSender(remoteIP, heloHostname, mailFrom)

	res := fromLibraryResult(result)
	if res == SPFTempError {
		return res, relayerr.ErrTransientSPF(err)
	}
	return res, nil
}

func fromLibraryResult(result spf.Result) SPFResult {
	switch result {
	case spf.Pass:
		return SPFPass
	case spf.Fail:
		return SPFFail
	case spf.SoftFail:
		return SPFSoftFail
	case spf.Neutral:
		return SPFNeutral
	case spf.TempError:
		return SPFTempError
	case spf.PermError:
		return SPFPermError
	default:
		return SPFNone
	}
}
