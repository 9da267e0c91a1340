package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/kenneth/zk-share/internal/codec"
	"github.com/kenneth/zk-share/internal/zkerr"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// Key derivation parameters
	DefaultIterations        = 100000
	DefaultMinPasswordLength = 8
	// iterationHeadroom bounds the iteration count accepted from stored
	// metadata, as a multiple of the configured count.
	iterationHeadroom = 10
	KeySize                  = 32 // 256 bits, AES-256 and ChaCha20
	saltSize                 = 32 // 256 bits
)

// SymmetricKey is raw key material. It is a value type: assigning or passing
// it copies the bytes, so no two operations share the same backing array.
type SymmetricKey [KeySize]byte

// String never prints key bytes.
func (k SymmetricKey) String() string {
	return "SymmetricKey(redacted)"
}

// GoString never prints key bytes.
func (k SymmetricKey) GoString() string {
	return k.String()
}

// IsZero reports whether the key is all zero bytes, i.e. unset or wiped.
func (k SymmetricKey) IsZero() bool {
	var zero SymmetricKey
	return subtle.ConstantTimeCompare(k[:], zero[:]) == 1
}

// Equal compares two keys in constant time.
func (k SymmetricKey) Equal(other SymmetricKey) bool {
	return subtle.ConstantTimeCompare(k[:], other[:]) == 1
}

// Zero wipes the key in place.
func (k *SymmetricKey) Zero() {
	zeroBytes(k[:])
}

// KeyMode tells how a package's key was produced.
type KeyMode int

const (
	// ModeGenerated keys are random and travel in the share link fragment.
	ModeGenerated KeyMode = iota
	// ModePasswordDerived keys are re-derived from a password at decrypt time.
	ModePasswordDerived
)

func (m KeyMode) String() string {
	switch m {
	case ModeGenerated:
		return "generated"
	case ModePasswordDerived:
		return "password"
	default:
		return fmt.Sprintf("KeyMode(%d)", int(m))
	}
}

// ModeOf recovers the key mode from public metadata: only password-derived
// packages carry an iteration count.
func ModeOf(meta EncryptionMetadata) KeyMode {
	if meta.Iterations > 0 {
		return ModePasswordDerived
	}
	return ModeGenerated
}

// KeySchedule is the key plus the parameters that produced it. Salt and
// Iterations are only meaningful for ModePasswordDerived.
type KeySchedule struct {
	Mode       KeyMode
	Key        SymmetricKey
	Salt       []byte
	Iterations uint32
}

// Clone returns a copy that shares no memory with s.
func (s KeySchedule) Clone() KeySchedule {
	c := s
	if s.Salt != nil {
		c.Salt = append([]byte(nil), s.Salt...)
	}
	return c
}

// Zero wipes the key and salt.
func (s *KeySchedule) Zero() {
	s.Key.Zero()
	zeroBytes(s.Salt)
}

// GeneratedSchedule wraps a random key.
func GeneratedSchedule(key SymmetricKey) KeySchedule {
	return KeySchedule{Mode: ModeGenerated, Key: key}
}

// PasswordSchedule derives a key from password with an explicit salt.
func PasswordSchedule(password string, salt []byte, iterations uint32) (KeySchedule, error) {
	key, err := DeriveKeyFromPassword(password, salt, iterations)
	if err != nil {
		return KeySchedule{}, err
	}
	return KeySchedule{
		Mode:       ModePasswordDerived,
		Key:        key,
		Salt:       append([]byte(nil), salt...),
		Iterations: iterations,
	}, nil
}

// GenerateKey returns a fresh random key.
func GenerateKey() (SymmetricKey, error) {
	var key SymmetricKey
	if _, err := rand.Read(key[:]); err != nil {
		return SymmetricKey{}, fmt.Errorf("%w: failed to generate key: %v", zkerr.ErrEncryptionFailure, err)
	}
	return key, nil
}

// generateSalt generates a cryptographically secure random salt.
func generateSalt(size int) ([]byte, error) {
	salt := make([]byte, size)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: failed to generate salt: %v", zkerr.ErrEncryptionFailure, err)
	}
	return salt, nil
}

// DeriveKeyFromPassword runs PBKDF2-HMAC-SHA256. The same password, salt and
// iteration count always yield the same key.
func DeriveKeyFromPassword(password string, salt []byte, iterations uint32) (SymmetricKey, error) {
	if iterations == 0 {
		return SymmetricKey{}, fmt.Errorf("%w: iteration count must be positive", zkerr.ErrInvalidKeyFormat)
	}
	if len(salt) == 0 {
		return SymmetricKey{}, fmt.Errorf("%w: salt is required for password derivation", zkerr.ErrInvalidKeyFormat)
	}

	pw := []byte(password)
	derived := pbkdf2.Key(pw, salt, int(iterations), KeySize, sha256.New)
	zeroBytes(pw)

	var key SymmetricKey
	copy(key[:], derived)
	zeroBytes(derived)
	return key, nil
}

// EncodeKeyForURL renders a key for a share link fragment: URL-safe base64
// without padding.
func EncodeKeyForURL(key SymmetricKey) string {
	return codec.EncodeURLSafeBase64(key[:])
}

// DecodeKeyFromURL parses a fragment produced by EncodeKeyForURL.
func DecodeKeyFromURL(s string) (SymmetricKey, error) {
	raw, err := codec.DecodeURLSafeBase64(s)
	if err != nil {
		return SymmetricKey{}, fmt.Errorf("%w: %v", zkerr.ErrInvalidKeyFormat, err)
	}
	defer zeroBytes(raw)
	if len(raw) != KeySize {
		return SymmetricKey{}, fmt.Errorf("%w: expected %d key bytes, got %d", zkerr.ErrInvalidKeyFormat, KeySize, len(raw))
	}
	var key SymmetricKey
	copy(key[:], raw)
	return key, nil
}

// KeyManagerConfig is the password policy applied to new key schedules.
type KeyManagerConfig struct {
	Iterations uint32
	// MaxIterations caps the iteration count accepted when opening a
	// package. Zero means ten times the larger of Iterations and
	// DefaultIterations.
	MaxIterations     uint32
	MinPasswordLength int
	SaltSize          int
}

// KeyManager issues key schedules for new uploads.
type KeyManager struct {
	iterations        uint32
	maxIterations     uint32
	minPasswordLength int
	saltSize          int
}

// NewKeyManager creates a key manager, filling unset fields with defaults.
func NewKeyManager(cfg KeyManagerConfig) *KeyManager {
	km := &KeyManager{
		iterations:        cfg.Iterations,
		maxIterations:     cfg.MaxIterations,
		minPasswordLength: cfg.MinPasswordLength,
		saltSize:          cfg.SaltSize,
	}
	if km.iterations == 0 {
		km.iterations = DefaultIterations
	}
	if km.maxIterations == 0 {
		limit := uint64(max(km.iterations, DefaultIterations)) * iterationHeadroom
		km.maxIterations = uint32(min(limit, math.MaxUint32))
	}
	if km.maxIterations < km.iterations {
		km.maxIterations = km.iterations
	}
	if km.minPasswordLength <= 0 {
		km.minPasswordLength = DefaultMinPasswordLength
	}
	if km.saltSize < 16 {
		km.saltSize = saltSize
	}
	return km
}

// Iterations returns the iteration count used for new password schedules.
func (km *KeyManager) Iterations() uint32 {
	return km.iterations
}

// MaxIterations returns the largest iteration count CheckIterations accepts.
func (km *KeyManager) MaxIterations() uint32 {
	return km.maxIterations
}

// CheckIterations rejects iteration counts read from untrusted metadata
// before any derivation runs with them.
func (km *KeyManager) CheckIterations(n uint32) error {
	if n > km.maxIterations {
		return fmt.Errorf("%w: iterations %d exceed limit %d", zkerr.ErrMalformedEncoding, n, km.maxIterations)
	}
	return nil
}

// ValidatePassword enforces the minimum length, counted in characters.
func (km *KeyManager) ValidatePassword(password string) error {
	if n := utf8.RuneCountInString(password); n < km.minPasswordLength {
		return fmt.Errorf("password must be at least %d characters, got %d", km.minPasswordLength, n)
	}
	return nil
}

// NewSchedule returns a schedule with a freshly generated key.
func (km *KeyManager) NewSchedule() (KeySchedule, error) {
	key, err := GenerateKey()
	if err != nil {
		return KeySchedule{}, err
	}
	return GeneratedSchedule(key), nil
}

// DeriveSchedule derives a key from password with a fresh salt.
func (km *KeyManager) DeriveSchedule(password string) (KeySchedule, error) {
	if err := km.ValidatePassword(password); err != nil {
		return KeySchedule{}, err
	}
	salt, err := generateSalt(km.saltSize)
	if err != nil {
		return KeySchedule{}, err
	}
	return PasswordSchedule(password, salt, km.iterations)
}

// zeroBytes overwrites a byte slice with zeros for secure memory cleanup.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
