package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymx/relaymx/internal/address"
	"github.com/relaymx/relaymx/internal/relayerr"
)

type fakeTXTResolver struct {
	records map[string][]string
	err     map[string]error
}

func (f *fakeTXTResolver) ResolveTXT(domain string) ([]string, error) {
	if err, ok := f.err[domain]; ok {
		return nil, err
	}
	return f.records[domain], nil
}

func TestForwardResolver_Resolve(t *testing.T) {
	t.Run("wildcard redirect with plus-tag preservation", func(t *testing.T) {
		dns := &fakeTXTResolver{records: map[string][]string{
			"niftylettuce.com": {"forward-email=niftylettuce@gmail.com"},
		}}
		f := NewForwardResolver(dns, nil)

		got, err := f.Resolve("hello+test@niftylettuce.com")
		require.NoError(t, err)
		assert.Equal(t, "niftylettuce+test@gmail.com", got)
	})

	t.Run("per-user redirect with fallthrough to 550", func(t *testing.T) {
		dns := &fakeTXTResolver{records: map[string][]string{
			"example.com": {"forward-email=hello:a@gmail.com, support:b@gmail.com"},
		}}
		f := NewForwardResolver(dns, nil)

		got, err := f.Resolve("hello@example.com")
		require.NoError(t, err)
		assert.Equal(t, "a@gmail.com", got)

		got, err = f.Resolve("support@example.com")
		require.NoError(t, err)
		assert.Equal(t, "b@gmail.com", got)

		_, err = f.Resolve("other@example.com")
		require.Error(t, err)
		e, ok := err.(*relayerr.Error)
		require.True(t, ok)
		assert.Equal(t, relayerr.InvalidTXT, e.Kind)
	})

	t.Run("per-user takes precedence over wildcard regardless of order", func(t *testing.T) {
		dns := &fakeTXTResolver{records: map[string][]string{
			"example.com": {"forward-email=wild@gmail.com, hello:specific@gmail.com"},
		}}
		f := NewForwardResolver(dns, nil)

		got, err := f.Resolve("hello@example.com")
		require.NoError(t, err)
		assert.Equal(t, "specific@gmail.com", got)

		got, err = f.Resolve("anyoneelse@example.com")
		require.NoError(t, err)
		assert.Equal(t, "wild@gmail.com", got)
	})

	t.Run("ignores unrelated TXT records, selects the forward-email= one", func(t *testing.T) {
		dns := &fakeTXTResolver{records: map[string][]string{
			"example.com": {"v=spf1 include:_spf.example.com ~all", "forward-email=hello@gmail.com"},
		}}
		f := NewForwardResolver(dns, nil)

		got, err := f.Resolve("hello@example.com")
		require.NoError(t, err)
		assert.Equal(t, "hello@gmail.com", got)
	})

	t.Run("no forward-email= record fails InvalidTXT", func(t *testing.T) {
		dns := &fakeTXTResolver{records: map[string][]string{
			"example.com": {"v=spf1 ~all"},
		}}
		f := NewForwardResolver(dns, nil)

		_, err := f.Resolve("hello@example.com")
		require.Error(t, err)
		e, ok := err.(*relayerr.Error)
		require.True(t, ok)
		assert.Equal(t, relayerr.InvalidTXT, e.Kind)
	})

	t.Run("malformed entry fails InvalidTXT", func(t *testing.T) {
		dns := &fakeTXTResolver{records: map[string][]string{
			"example.com": {"forward-email=not-an-email"},
		}}
		f := NewForwardResolver(dns, nil)

		_, err := f.Resolve("hello@example.com")
		require.Error(t, err)
	})

	t.Run("disposable recipient domain rejected before DNS lookup", func(t *testing.T) {
		deny := address.NewDisposableList("mailinator.com")
		dns := &fakeTXTResolver{}
		f := NewForwardResolver(dns, deny)

		_, err := f.Resolve("hello@mailinator.com")
		require.Error(t, err)
		e, ok := err.(*relayerr.Error)
		require.True(t, ok)
		assert.Equal(t, relayerr.InvalidDomain, e.Kind)
	})

	t.Run("no plus-tag forwards verbatim", func(t *testing.T) {
		dns := &fakeTXTResolver{records: map[string][]string{
			"example.com": {"forward-email=target@gmail.com"},
		}}
		f := NewForwardResolver(dns, nil)

		got, err := f.Resolve("hello@example.com")
		require.NoError(t, err)
		assert.Equal(t, "target@gmail.com", got)
	})
}

func TestParseForwardRecord_OnlyFirstEntryCanBeWildcard(t *testing.T) {
	// A bare address appearing after the first position is malformed, not
	// treated as a second wildcard.
	entries, err := parseForwardRecord([]string{"forward-email=hello:a@gmail.com, bare@gmail.com"})
	require.Error(t, err)
	_ = entries
}
