// Package zkerr defines the failure taxonomy shared by the encryption engine,
// the blob store adapters and the transfer orchestration.
//
// Every failure surfaced to a user maps to exactly one Kind, and every Kind has
// its own message, because the kind decides the next user action: re-enter a
// password, re-upload, or wait and retry.
package zkerr

import "errors"

var (
	// ErrMalformedEncoding is returned for base64 input with an invalid
	// alphabet, padding or length.
	ErrMalformedEncoding = errors.New("malformed encoding")

	// ErrInvalidKeyFormat is returned when decoded key material has the wrong
	// shape for the cipher.
	ErrInvalidKeyFormat = errors.New("invalid key format")

	// ErrEncryptionFailure wraps errors from the underlying primitives.
	ErrEncryptionFailure = errors.New("encryption failure")

	// ErrAuthenticationFailure is returned when the authentication tag does
	// not verify. It is never retried automatically.
	ErrAuthenticationFailure = errors.New("authentication failure")

	// ErrOffloadUnavailable is returned when the crypto workers cannot start.
	ErrOffloadUnavailable = errors.New("offload unavailable")

	// ErrNotFound is returned when a blob is missing or expired.
	ErrNotFound = errors.New("not found")
)

// Kind classifies an error for user-facing handling.
type Kind string

const (
	KindUnknown               Kind = "unknown"
	KindMalformedEncoding     Kind = "malformed_encoding"
	KindInvalidKeyFormat      Kind = "invalid_key_format"
	KindEncryptionFailure     Kind = "encryption_failure"
	KindAuthenticationFailure Kind = "authentication_failure"
	KindOffloadUnavailable    Kind = "offload_unavailable"
	KindNotFound              Kind = "not_found"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	// Authentication is checked first: a tampered header can also surface a
	// decoding error underneath it.
	{ErrAuthenticationFailure, KindAuthenticationFailure},
	{ErrNotFound, KindNotFound},
	{ErrInvalidKeyFormat, KindInvalidKeyFormat},
	{ErrMalformedEncoding, KindMalformedEncoding},
	{ErrOffloadUnavailable, KindOffloadUnavailable},
	{ErrEncryptionFailure, KindEncryptionFailure},
}

// KindOf returns the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindUnknown
}

// UserMessage returns the message shown to the user for err.
func UserMessage(err error) string {
	switch KindOf(err) {
	case "":
		return ""
	case KindMalformedEncoding:
		return "The link or value is not valid base64. Re-paste the full link and try again."
	case KindInvalidKeyFormat:
		return "The key in this link is not usable. Enter the password to continue."
	case KindEncryptionFailure:
		return "Encrypting the file failed. Please re-upload the file."
	case KindAuthenticationFailure:
		return "Wrong password or corrupted link."
	case KindOffloadUnavailable:
		return "Background encryption is unavailable; running in the foreground."
	case KindNotFound:
		return "This file does not exist or has expired."
	default:
		return "The operation failed: " + err.Error()
	}
}

// Retryable reports whether a user may reasonably retry the same action.
// Cryptographic failures are terminal for the given inputs.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindAuthenticationFailure, KindEncryptionFailure, KindNotFound, KindMalformedEncoding, KindInvalidKeyFormat:
		return false
	}
	return err != nil
}
