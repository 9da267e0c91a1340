// Package sharelink builds and parses share links. The decryption key, or a
// marker saying a password is needed, lives only in the URL fragment, which
// browsers and HTTP clients never send to the server.
//
// Nothing in this package performs I/O or logs. Use StripFragment before a
// link is logged or sent anywhere.
package sharelink

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/kenneth/zk-share/internal/crypto"
)

// PasswordSentinel is the fragment of a link whose key must be derived from
// a password.
const PasswordSentinel = "password"

// SharePathPrefix is the path segment that precedes a short id.
const SharePathPrefix = "s"

var (
	// ErrInvalidLink is returned for links that are not share links.
	ErrInvalidLink = errors.New("invalid share link")
)

// Mode describes what the fragment of a link carries.
type Mode int

const (
	// ModeNone means the fragment is missing or unusable.
	ModeNone Mode = iota
	ModeKey
	ModePassword
)

func (m Mode) String() string {
	switch m {
	case ModeKey:
		return "key"
	case ModePassword:
		return "password"
	default:
		return "none"
	}
}

// Link is a parsed share link.
type Link struct {
	ShortID string
	Mode    Mode
	Key     crypto.SymmetricKey
}

// ShareURL returns publicBase joined with /s/{shortID}, without a fragment.
func ShareURL(publicBase, shortID string) (string, error) {
	if strings.TrimSpace(shortID) == "" || strings.ContainsAny(shortID, "/#?") {
		return "", fmt.Errorf("%w: short id %q", ErrInvalidLink, shortID)
	}
	u, err := parseBase(publicBase)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + SharePathPrefix + "/" + shortID
	u.RawPath = ""
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

// EmbedKey returns baseURL with the key as its fragment. An existing
// fragment is replaced.
func EmbedKey(key crypto.SymmetricKey, baseURL string) (string, error) {
	if key.IsZero() {
		return "", fmt.Errorf("%w: refusing to embed an empty key", ErrInvalidLink)
	}
	return withFragment(baseURL, crypto.EncodeKeyForURL(key))
}

// EmbedPasswordSentinel returns baseURL with the password marker as its
// fragment.
func EmbedPasswordSentinel(baseURL string) (string, error) {
	return withFragment(baseURL, PasswordSentinel)
}

// ExtractKey returns the key in the link fragment. It reports false when
// the fragment is missing, is the password marker or is not a valid key.
func ExtractKey(rawURL string) (crypto.SymmetricKey, bool) {
	fragment, ok := fragmentOf(rawURL)
	if !ok || fragment == "" || fragment == PasswordSentinel {
		return crypto.SymmetricKey{}, false
	}
	key, err := crypto.DecodeKeyFromURL(fragment)
	if err != nil {
		return crypto.SymmetricKey{}, false
	}
	return key, true
}

// HasUsableKey reports whether ExtractKey would succeed.
func HasUsableKey(rawURL string) bool {
	key, ok := ExtractKey(rawURL)
	key.Zero()
	return ok
}

// RequiresPassword reports whether the link carries the password marker.
func RequiresPassword(rawURL string) bool {
	fragment, ok := fragmentOf(rawURL)
	return ok && fragment == PasswordSentinel
}

// ShortID returns the id from a /s/{id} path of an absolute http or https
// link.
func ShortID(rawURL string) (string, error) {
	u, err := parseBase(rawURL)
	if err != nil {
		return "", err
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) < 2 || segments[len(segments)-2] != SharePathPrefix || segments[len(segments)-1] == "" {
		return "", fmt.Errorf("%w: path %q has no /%s/{id} suffix", ErrInvalidLink, u.Path, SharePathPrefix)
	}
	return segments[len(segments)-1], nil
}

// StripFragment returns the link without its fragment: the form that is
// safe to log or send over the network. Unparseable input yields "".
func StripFragment(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

// Parse splits a share link into its short id and key mode.
func Parse(rawURL string) (Link, error) {
	id, err := ShortID(rawURL)
	if err != nil {
		return Link{}, err
	}
	link := Link{ShortID: id}
	switch {
	case RequiresPassword(rawURL):
		link.Mode = ModePassword
	default:
		if key, ok := ExtractKey(rawURL); ok {
			link.Mode = ModeKey
			link.Key = key
		}
	}
	return link, nil
}

func parseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q is not http or https", ErrInvalidLink, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidLink)
	}
	return u, nil
}

func withFragment(baseURL, fragment string) (string, error) {
	u, err := parseBase(baseURL)
	if err != nil {
		return "", err
	}
	u.Fragment = fragment
	u.RawFragment = ""
	return u.String(), nil
}

func fragmentOf(rawURL string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", false
	}
	return u.Fragment, true
}
