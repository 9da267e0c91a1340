package sharelink

import (
	"strings"
	"testing"

	"github.com/kenneth/zk-share/internal/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShareURL(t *testing.T) {
	tests := []struct {
		base string
		id   string
		want string
	}{
		{"https://share.example.com", "abc123", "https://share.example.com/s/abc123"},
		{"https://share.example.com/", "abc123", "https://share.example.com/s/abc123"},
		{"https://example.com/files/", "x", "https://example.com/files/s/x"},
		{"http://localhost:8080#old", "id", "http://localhost:8080/s/id"},
	}
	for _, tt := range tests {
		got, err := ShareURL(tt.base, tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	for _, bad := range []struct{ base, id string }{
		{"https://example.com", ""},
		{"https://example.com", "a/b"},
		{"ftp://example.com", "a"},
		{"example.com", "a"},
	} {
		_, err := ShareURL(bad.base, bad.id)
		assert.ErrorIs(t, err, ErrInvalidLink, "base=%q id=%q", bad.base, bad.id)
	}
}

func TestEmbedAndExtractKey_RoundTrip(t *testing.T) {
	for i := 0; i < 50; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)

		link, err := EmbedKey(key, "https://share.example.com/s/abc")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(link, "https://share.example.com/s/abc#"))

		got, ok := ExtractKey(link)
		require.True(t, ok)
		assert.True(t, key.Equal(got))
		assert.True(t, HasUsableKey(link))
		assert.False(t, RequiresPassword(link))
	}
}

func TestEmbedKey_KeyOnlyInFragment(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	encoded := crypto.EncodeKeyForURL(key)

	link, err := EmbedKey(key, "https://share.example.com/s/abc?x=1#stale")
	require.NoError(t, err)

	stripped := StripFragment(link)
	assert.Equal(t, "https://share.example.com/s/abc?x=1", stripped)
	assert.NotContains(t, stripped, encoded)
	assert.NotContains(t, link, "stale")
}

func TestEmbedKey_RejectsZeroKey(t *testing.T) {
	_, err := EmbedKey(crypto.SymmetricKey{}, "https://example.com/s/a")
	assert.ErrorIs(t, err, ErrInvalidLink)
}

func TestPasswordSentinel(t *testing.T) {
	link, err := EmbedPasswordSentinel("https://share.example.com/s/abc")
	require.NoError(t, err)
	assert.Equal(t, "https://share.example.com/s/abc#password", link)

	assert.True(t, RequiresPassword(link))
	assert.False(t, HasUsableKey(link))
	_, ok := ExtractKey(link)
	assert.False(t, ok)
}

func TestExtractKey_Unusable(t *testing.T) {
	for _, link := range []string{
		"https://example.com/s/a",
		"https://example.com/s/a#",
		"https://example.com/s/a#not-a-key",
		"https://example.com/s/a#" + strings.Repeat("A", 44),
		"https://example.com/s/a#abc+def/ghi",
		"://bad",
	} {
		_, ok := ExtractKey(link)
		assert.False(t, ok, link)
		assert.False(t, HasUsableKey(link), link)
	}
}

func TestShortID(t *testing.T) {
	id, err := ShortID("https://share.example.com/s/Xy9_z#key")
	require.NoError(t, err)
	assert.Equal(t, "Xy9_z", id)

	id, err = ShortID("https://share.example.com/app/s/abc/")
	require.NoError(t, err)
	assert.Equal(t, "abc", id)

	for _, bad := range []string{
		"https://share.example.com/",
		"https://share.example.com/abc",
		"https://share.example.com/x/abc",
		"ftp://share.example.com/s/abc",
		"file:///s/abc",
		"/s/abc",
		"share.example.com/s/abc",
		"https:///s/abc",
	} {
		_, err := ShortID(bad)
		assert.ErrorIs(t, err, ErrInvalidLink, bad)
	}
}

func TestParse(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	base, err := ShareURL("https://share.example.com", "id1")
	require.NoError(t, err)
	withKey, err := EmbedKey(key, base)
	require.NoError(t, err)

	link, err := Parse(withKey)
	require.NoError(t, err)
	assert.Equal(t, "id1", link.ShortID)
	assert.Equal(t, ModeKey, link.Mode)
	assert.True(t, key.Equal(link.Key))

	withPassword, err := EmbedPasswordSentinel(base)
	require.NoError(t, err)
	link, err = Parse(withPassword)
	require.NoError(t, err)
	assert.Equal(t, ModePassword, link.Mode)
	assert.True(t, link.Key.IsZero())

	link, err = Parse(base)
	require.NoError(t, err)
	assert.Equal(t, ModeNone, link.Mode)

	for _, bad := range []string{
		"ftp://share.example.com/s/abc#" + crypto.EncodeKeyForURL(key),
		"file:///s/abc#password",
		"/s/abc#password",
	} {
		_, err := Parse(bad)
		assert.ErrorIs(t, err, ErrInvalidLink, bad)
	}
}

func TestStripFragment_Unparseable(t *testing.T) {
	assert.Equal(t, "", StripFragment("://bad"))
}
