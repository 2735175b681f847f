package engine

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/relaymx/relaymx/internal/relayerr"
)

// DKIMResult is the outcome of verifying the DKIM signatures on a message.
type DKIMResult int

const (
	DKIMNone DKIMResult = iota
	DKIMPass
	DKIMFail
)

func (r DKIMResult) String() string {
	switch r {
	case DKIMNone:
		return "none"
	case DKIMPass:
		return "pass"
	case DKIMFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Pass reports whether this result counts as provenance evidence for the
// message (see relayerr.ErrProvenanceFailed: SPF pass or DKIM pass, either
// suffices).
func (r DKIMResult) Pass() bool {
	return r == DKIMPass
}

// GenerateDKIMKeyPair generates a new RSA key pair for DKIM signing. It
// returns the private key in PEM format and the public key as a
// base64-encoded DER string suitable for inclusion in a DNS TXT record.
func GenerateDKIMKeyPair(bits int) (privateKeyPEM string, publicKeyBase64 string, err error) {
	if bits < 1024 {
		return "", "", fmt.Errorf("key size must be at least 1024 bits, got %d", bits)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return "", "", fmt.Errorf("generating RSA key: %w", err)
	}

	privBytes := x509.MarshalPKCS1PrivateKey(privateKey)
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: privBytes,
	})

	pubBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("marshaling public key: %w", err)
	}
	pubBase64 := base64.StdEncoding.EncodeToString(pubBytes)

	return string(privPEM), pubBase64, nil
}

// ParsePrivateKey parses a PEM-encoded RSA private key.
func ParsePrivateKey(privateKeyPEM string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	return privateKey, nil
}

// Signer holds the relay's own DKIM key material and re-signs outbound
// messages after headers have been stripped for forwarding.
type Signer struct {
	domain     string
	selector   string
	privateKey *rsa.PrivateKey
}

// NewSigner loads the relay's DKIM private key and prepares it for signing
// under the given domain and selector.
func NewSigner(domain, selector, privateKeyPEM string) (*Signer, error) {
	key, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing private key for DKIM: %w", err)
	}
	return &Signer{domain: domain, selector: selector, privateKey: key}, nil
}

// Sign reads a raw RFC 5322 message and returns it with a DKIM-Signature
// header prepended, signed under the relay's own domain and selector.
func (s *Signer) Sign(message []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:   s.domain,
		Selector: s.selector,
		Signer:   s.privateKey,
		Hash:     crypto.SHA256,
		HeaderKeys: []string{
			"From", "To", "Subject", "Date", "Message-ID",
			"MIME-Version", "Content-Type",
		},
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(message), options); err != nil {
		return nil, fmt.Errorf("signing message with DKIM: %w", err)
	}

	return signed.Bytes(), nil
}

// Verifier checks inbound messages for a passing DKIM signature, one leg of
// the provenance gate alongside SPF.
type Verifier struct{}

// NewVerifier creates a DKIM verifier backed by emersion/go-msgauth/dkim.
func NewVerifier() *Verifier {
	return &Verifier{}
}

// Verify inspects message for DKIM-Signature headers and reports whether at
// least one verifies successfully. The error return is reserved for a
// transport/parse failure in dkim.Verify itself (surfaced as
// relayerr.ErrTransientDKIM so the session can retry with 421); a present
// but cryptographically invalid signature is a plain DKIMFail with a nil
// error; it is not a transport error, and it must not be treated as one by
// the caller — spec scenario (f) otherwise rejects mail with a passing SPF
// but a broken inbound signature, which is exactly the normal shape of
// relayed/forwarded mail.
func (v *Verifier) Verify(message []byte) (DKIMResult, error) {
	verifications, err := dkim.Verify(bytes.NewReader(message))
	if err != nil {
		return DKIMNone, relayerr.ErrTransientDKIM(err)
	}

	if len(verifications) == 0 {
		return DKIMNone, nil
	}

	for _, v := range verifications {
		if v.Err == nil {
			return DKIMPass, nil
		}
	}

	return DKIMFail, nil
}
