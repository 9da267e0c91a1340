// Package blobstore holds ciphertext and its public metadata. A store never
// sees keys, passwords or plaintext: everything it receives has already been
// sealed on the client.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kenneth/zk-share/internal/codec"
	"github.com/kenneth/zk-share/internal/sharelink"
)

// Backend names used in metrics and configuration.
const (
	BackendMemory = "memory"
	BackendS3     = "s3"
	BackendHTTP   = "http"
)

const maxIDLength = 128

var (
	// ErrStoreFull is returned when a blob does not fit within the store limits.
	ErrStoreFull = errors.New("blob store full")

	// ErrTooLarge is returned when a single blob exceeds the size limit.
	ErrTooLarge = errors.New("blob too large")

	// ErrInvalidID is returned for ids that cannot name a blob.
	ErrInvalidID = errors.New("invalid blob id")
)

// Object is a stored blob.
type Object struct {
	ID         string
	Ciphertext []byte
	Metadata   codec.WireMetadata
	ExpiresAt  time.Time
}

// PutResult identifies a newly stored blob.
type PutResult struct {
	ID          string    `json:"id"`
	DownloadURL string    `json:"downloadUrl"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"`
}

// Store is the persistence boundary for ciphertext.
type Store interface {
	// Put stores ciphertext with its metadata and returns the new blob id.
	Put(ctx context.Context, ciphertext []byte, metadata codec.WireMetadata) (PutResult, error)

	// Get returns the blob, or zkerr.ErrNotFound if it is missing or expired.
	Get(ctx context.Context, id string) (*Object, error)
}

// Statter is implemented by stores that can return metadata without the
// ciphertext body.
type Statter interface {
	Stat(ctx context.Context, id string) (codec.WireMetadata, error)
}

// Stat returns blob metadata, using the Statter fast path when available.
func Stat(ctx context.Context, s Store, id string) (codec.WireMetadata, error) {
	if st, ok := s.(Statter); ok {
		return st.Stat(ctx, id)
	}
	obj, err := s.Get(ctx, id)
	if err != nil {
		return codec.WireMetadata{}, err
	}
	return obj.Metadata, nil
}

// NewID returns a fresh URL-safe blob id.
func NewID() string {
	u := uuid.New()
	return codec.EncodeURLSafeBase64(u[:])
}

// ValidateID rejects ids that are empty, too long or outside the URL-safe
// alphabet.
func ValidateID(id string) error {
	if id == "" || len(id) > maxIDLength {
		return fmt.Errorf("%w: length %d", ErrInvalidID, len(id))
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return fmt.Errorf("%w: unexpected character %q", ErrInvalidID, c)
		}
	}
	return nil
}

// downloadURL returns the share URL for id, or "" when no public base is
// configured.
func downloadURL(publicBase, id string) (string, error) {
	if publicBase == "" {
		return "", nil
	}
	return sharelink.ShareURL(publicBase, id)
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
