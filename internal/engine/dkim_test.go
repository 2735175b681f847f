package engine

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDKIMKeyPair(t *testing.T) {
	t.Run("valid 2048-bit key", func(t *testing.T) {
		privPEM, pubBase64, err := GenerateDKIMKeyPair(2048)
		require.NoError(t, err)

		block, _ := pem.Decode([]byte(privPEM))
		require.NotNil(t, block, "should decode PEM block")
		assert.Equal(t, "RSA PRIVATE KEY", block.Type)

		privKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		require.NoError(t, err)
		assert.Equal(t, 2048, privKey.N.BitLen(), "key should be 2048 bits")

		pubDER, err := base64.StdEncoding.DecodeString(pubBase64)
		require.NoError(t, err)
		pubKeyIface, err := x509.ParsePKIXPublicKey(pubDER)
		require.NoError(t, err)

		pubKey, ok := pubKeyIface.(*rsa.PublicKey)
		require.True(t, ok, "public key should be RSA")
		assert.Equal(t, privKey.PublicKey.N, pubKey.N)
	})

	t.Run("reject key size below 1024", func(t *testing.T) {
		_, _, err := GenerateDKIMKeyPair(512)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least 1024 bits")
	})
}

func TestParsePrivateKey(t *testing.T) {
	t.Run("valid PEM key", func(t *testing.T) {
		privPEM, _, err := GenerateDKIMKeyPair(1024)
		require.NoError(t, err)

		key, err := ParsePrivateKey(privPEM)
		require.NoError(t, err)
		require.NotNil(t, key)
		assert.Equal(t, 1024, key.N.BitLen())
	})

	t.Run("invalid PEM data", func(t *testing.T) {
		_, err := ParsePrivateKey("not a PEM block")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to decode PEM")
	})
}

const rawTestMessage = "From: sender@example.com\r\n" +
	"To: recipient@example.com\r\n" +
	"Subject: Test DKIM\r\n" +
	"Date: Mon, 1 Jan 2024 00:00:00 +0000\r\n" +
	"Message-ID: <abc123@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"This message should be DKIM signed.\r\n"

func TestSigner_Sign(t *testing.T) {
	privPEM, _, err := GenerateDKIMKeyPair(2048)
	require.NoError(t, err)

	t.Run("signed message contains DKIM-Signature header", func(t *testing.T) {
		s, err := NewSigner("example.com", "relaymx", privPEM)
		require.NoError(t, err)

		signed, err := s.Sign([]byte(rawTestMessage))
		require.NoError(t, err)

		signedStr := string(signed)
		assert.Contains(t, signedStr, "DKIM-Signature:")
		assert.Contains(t, signedStr, "d=example.com")
		assert.Contains(t, signedStr, "s=relaymx")
		assert.Contains(t, signedStr, "From: sender@example.com")
	})

	t.Run("DKIM-Signature header starts the signed message", func(t *testing.T) {
		s, err := NewSigner("example.com", "selector1", privPEM)
		require.NoError(t, err)

		signed, err := s.Sign([]byte(rawTestMessage))
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(signed), "DKIM-Signature:"))
	})

	t.Run("invalid private key PEM", func(t *testing.T) {
		_, err := NewSigner("example.com", "relaymx", "invalid-pem")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parsing private key")
	})
}

func TestVerifier_Verify(t *testing.T) {
	privPEM, _, err := GenerateDKIMKeyPair(2048)
	require.NoError(t, err)

	s, err := NewSigner("example.com", "relaymx", privPEM)
	require.NoError(t, err)

	signed, err := s.Sign([]byte(rawTestMessage))
	require.NoError(t, err)

	v := NewVerifier()

	t.Run("unsigned message has no signature", func(t *testing.T) {
		result, err := v.Verify([]byte(rawTestMessage))
		require.NoError(t, err)
		assert.Equal(t, DKIMNone, result)
	})

	t.Run("signed message is structurally well-formed", func(t *testing.T) {
		// A full pass verdict would require the corresponding public key to
		// be published in DNS, unavailable in this test; this asserts the
		// signature attached and parsed without a transient failure.
		result, err := v.Verify(signed)
		require.NoError(t, err)
		assert.NotEqual(t, DKIMNone, result)
	})
}

func TestDKIMResult_Pass(t *testing.T) {
	assert.True(t, DKIMPass.Pass())
	assert.False(t, DKIMNone.Pass())
	assert.False(t, DKIMFail.Pass())
}
