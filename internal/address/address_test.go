package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymx/relaymx/internal/relayerr"
)

func TestParseLocal(t *testing.T) {
	t.Run("plus-tag stripped", func(t *testing.T) {
		assert.Equal(t, "hello", ParseLocal("hello+spam@x.com"))
	})
	t.Run("no plus-tag", func(t *testing.T) {
		assert.Equal(t, "hello", ParseLocal("hello@x.com"))
	})
}

func TestParseFilter(t *testing.T) {
	t.Run("returns tag without plus", func(t *testing.T) {
		assert.Equal(t, "spam", ParseFilter("hello+spam@x.com"))
	})
	t.Run("empty when absent", func(t *testing.T) {
		assert.Equal(t, "", ParseFilter("hello@x.com"))
	})
}

func TestParseDomain(t *testing.T) {
	t.Run("valid FQDN", func(t *testing.T) {
		domain, err := ParseDomain("hello@example.com", nil)
		require.NoError(t, err)
		assert.Equal(t, "example.com", domain)
	})

	t.Run("lowercases domain", func(t *testing.T) {
		domain, err := ParseDomain("hello@EXAMPLE.COM", nil)
		require.NoError(t, err)
		assert.Equal(t, "example.com", domain)
	})

	t.Run("rejects non-FQDN (no dot)", func(t *testing.T) {
		_, err := ParseDomain("hello@localhost", nil)
		require.Error(t, err)
		e, ok := err.(*relayerr.Error)
		require.True(t, ok)
		assert.Equal(t, relayerr.InvalidDomain, e.Kind)
	})

	t.Run("rejects missing domain", func(t *testing.T) {
		_, err := ParseDomain("hello", nil)
		require.Error(t, err)
	})

	t.Run("rejects disposable domain exact match", func(t *testing.T) {
		deny := NewDisposableList("mailinator.com")
		_, err := ParseDomain("hello@mailinator.com", deny)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disposable")
	})

	t.Run("rejects disposable domain suffix match", func(t *testing.T) {
		deny := NewDisposableList("disposable.tld")
		_, err := ParseDomain("hello@x.y.disposable.tld", deny)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disposable")
	})

	t.Run("accepts non-disposable domain", func(t *testing.T) {
		deny := NewDisposableList("mailinator.com")
		domain, err := ParseDomain("hello@example.com", deny)
		require.NoError(t, err)
		assert.Equal(t, "example.com", domain)
	})
}

func TestDisposableList_Contains(t *testing.T) {
	deny := NewDisposableList("mailinator.com", "*.tempmail.net")

	cases := []struct {
		domain string
		want   bool
	}{
		{"mailinator.com", true},
		{"sub.mailinator.com", true},
		{"tempmail.net", true},
		{"foo.tempmail.net", true},
		{"example.com", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, deny.Contains(tc.domain), tc.domain)
	}
}

func TestDisposableList_NilIsEmpty(t *testing.T) {
	var deny *DisposableList
	assert.False(t, deny.Contains("mailinator.com"))
}
