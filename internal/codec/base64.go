// Package codec converts binary encryption parameters to and from the text
// forms that travel through URLs, HTTP headers and JSON.
//
// Decoders validate the whole input before converting it and never return
// partially decoded data.
package codec

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/kenneth/zk-share/internal/zkerr"
)

var (
	stdEncoding    = base64.StdEncoding.Strict()
	urlEncoding    = base64.URLEncoding.Strict()
	rawURLEncoding = base64.RawURLEncoding.Strict()
)

// EncodeBase64 encodes data with the standard padded alphabet.
func EncodeBase64(data []byte) string {
	return stdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes standard padded base64. Empty input, characters
// outside the alphabet and wrong padding fail with zkerr.ErrMalformedEncoding.
func DecodeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty input", zkerr.ErrMalformedEncoding)
	}
	if len(s)%4 != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of 4", zkerr.ErrMalformedEncoding, len(s))
	}
	if err := checkAlphabet(s, isStdChar); err != nil {
		return nil, err
	}
	if err := checkPadding(s, true); err != nil {
		return nil, err
	}
	out, err := stdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", zkerr.ErrMalformedEncoding, err)
	}
	return out, nil
}

// EncodeURLSafeBase64 encodes data with the URL-safe alphabet and no padding.
func EncodeURLSafeBase64(data []byte) string {
	return rawURLEncoding.EncodeToString(data)
}

// DecodeURLSafeBase64 decodes URL-safe base64. Padding is optional, but when
// present it must be complete.
func DecodeURLSafeBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty input", zkerr.ErrMalformedEncoding)
	}
	if err := checkAlphabet(s, isURLChar); err != nil {
		return nil, err
	}
	padded := strings.HasSuffix(s, "=")
	if padded {
		if len(s)%4 != 0 {
			return nil, fmt.Errorf("%w: padded length %d is not a multiple of 4", zkerr.ErrMalformedEncoding, len(s))
		}
	} else if len(s)%4 == 1 {
		return nil, fmt.Errorf("%w: impossible length %d", zkerr.ErrMalformedEncoding, len(s))
	}
	if err := checkPadding(s, padded); err != nil {
		return nil, err
	}

	enc := rawURLEncoding
	if padded {
		enc = urlEncoding
	}
	out, err := enc.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", zkerr.ErrMalformedEncoding, err)
	}
	return out, nil
}

func isStdChar(c byte) bool {
	return isAlnum(c) || c == '+' || c == '/'
}

func isURLChar(c byte) bool {
	return isAlnum(c) || c == '-' || c == '_'
}

func isAlnum(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

// checkAlphabet rejects any byte that is neither in the alphabet nor '='.
func checkAlphabet(s string, valid func(byte) bool) error {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '=' || valid(c) {
			continue
		}
		return fmt.Errorf("%w: invalid character %q at offset %d", zkerr.ErrMalformedEncoding, c, i)
	}
	return nil
}

// checkPadding allows at most two trailing '=' and none elsewhere.
func checkPadding(s string, allowed bool) error {
	trimmed := strings.TrimRight(s, "=")
	pad := len(s) - len(trimmed)
	if strings.Contains(trimmed, "=") {
		return fmt.Errorf("%w: padding inside data", zkerr.ErrMalformedEncoding)
	}
	if pad > 2 || (!allowed && pad > 0) {
		return fmt.Errorf("%w: invalid padding", zkerr.ErrMalformedEncoding)
	}
	if pad > 0 && len(trimmed) == 0 {
		return fmt.Errorf("%w: padding without data", zkerr.ErrMalformedEncoding)
	}
	return nil
}
