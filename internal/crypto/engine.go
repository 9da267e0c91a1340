package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kenneth/zk-share/internal/codec"
	"github.com/kenneth/zk-share/internal/zkerr"
)

// EncryptionMetadata is the public, non-secret description of a package. It
// is stored next to the ciphertext on the server.
type EncryptionMetadata struct {
	Algorithm       string
	IV              []byte
	Salt            []byte
	Iterations      uint32
	OriginalSize    uint64
	UploadTimestamp int64
}

// Wire converts the metadata to its transport form.
func (m EncryptionMetadata) Wire() codec.WireMetadata {
	return codec.WireMetadata{
		Algorithm:       m.Algorithm,
		IV:              codec.EncodeBase64(m.IV),
		Salt:            codec.EncodeBinaryField(m.Salt),
		Iterations:      m.Iterations,
		UploadTimestamp: m.UploadTimestamp,
		OriginalSize:    m.OriginalSize,
	}
}

// MetadataFromWire decodes transport metadata. Bad base64 fails with
// zkerr.ErrMalformedEncoding.
func MetadataFromWire(w codec.WireMetadata) (EncryptionMetadata, error) {
	iv, err := codec.DecodeBase64(w.IV)
	if err != nil {
		return EncryptionMetadata{}, fmt.Errorf("decode iv: %w", err)
	}
	salt, err := codec.DecodeBinaryField(w.Salt)
	if err != nil {
		return EncryptionMetadata{}, fmt.Errorf("decode salt: %w", err)
	}
	return EncryptionMetadata{
		Algorithm:       w.Algorithm,
		IV:              iv,
		Salt:            salt,
		Iterations:      w.Iterations,
		OriginalSize:    w.OriginalSize,
		UploadTimestamp: w.UploadTimestamp,
	}, nil
}

// EncryptedPackage is ciphertext plus the metadata needed to open it.
type EncryptedPackage struct {
	Ciphertext []byte
	Metadata   EncryptionMetadata
}

// Plaintext is a file to encrypt. Filename and MIMEType are sealed inside
// the payload header.
type Plaintext struct {
	Data     []byte
	Filename string
	MIMEType string
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Algorithm for new encryptions. Defaults to AES-GCM.
	Algorithm  string
	KeyManager *KeyManager
	// Compressor is optional.
	Compressor *Compressor
}

// Engine seals and opens packages. It holds no key material and is safe for
// concurrent use.
type Engine struct {
	algorithm  string
	keys       *KeyManager
	compressor *Compressor
	now        func() time.Time
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	alg := cfg.Algorithm
	if alg == "" {
		alg = AlgorithmAESGCM
	}
	if !isAlgorithmSupported(alg) {
		return nil, fmt.Errorf("unsupported algorithm: %s", alg)
	}
	keys := cfg.KeyManager
	if keys == nil {
		keys = NewKeyManager(KeyManagerConfig{})
	}
	return &Engine{
		algorithm:  alg,
		keys:       keys,
		compressor: cfg.Compressor,
		now:        time.Now,
	}, nil
}

// Algorithm returns the algorithm used for new encryptions.
func (e *Engine) Algorithm() string {
	return e.algorithm
}

// KeyManager returns the engine's key manager.
func (e *Engine) KeyManager() *KeyManager {
	return e.keys
}

// Encrypt seals pt under the schedule's key with a fresh IV. Password
// schedules contribute their salt and iteration count to the metadata;
// generated keys get a fresh random salt and zero iterations.
func (e *Engine) Encrypt(pt Plaintext, schedule KeySchedule) (*EncryptedPackage, error) {
	if schedule.Key.IsZero() {
		return nil, fmt.Errorf("%w: key is empty", zkerr.ErrInvalidKeyFormat)
	}

	var (
		salt       []byte
		iterations uint32
		err        error
	)
	switch schedule.Mode {
	case ModePasswordDerived:
		if len(schedule.Salt) == 0 || schedule.Iterations == 0 {
			return nil, fmt.Errorf("%w: password schedule without salt or iterations", zkerr.ErrInvalidKeyFormat)
		}
		salt = append([]byte(nil), schedule.Salt...)
		iterations = schedule.Iterations
	default:
		salt, err = generateSalt(saltSize)
		if err != nil {
			return nil, err
		}
	}

	iv, err := generateNonce(e.algorithm)
	if err != nil {
		return nil, err
	}

	body, compression, err := e.compressor.Compress(pt.Data, pt.MIMEType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", zkerr.ErrEncryptionFailure, err)
	}

	payload, err := framePayload(payloadHeader{
		Version:     headerVersion,
		Filename:    pt.Filename,
		MIMEType:    pt.MIMEType,
		Size:        uint64(len(pt.Data)),
		Compression: compression,
		Digest:      contentDigest(pt.Data),
	}, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", zkerr.ErrEncryptionFailure, err)
	}
	defer zeroBytes(payload)
	if compression != CompressionNone {
		zeroBytes(body)
	}

	aead, err := createAEADCipher(e.algorithm, schedule.Key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", zkerr.ErrEncryptionFailure, err)
	}

	meta := EncryptionMetadata{
		Algorithm:       e.algorithm,
		IV:              iv,
		Salt:            salt,
		Iterations:      iterations,
		OriginalSize:    uint64(len(pt.Data)),
		UploadTimestamp: e.now().UnixMilli(),
	}
	ciphertext := aead.Seal(nil, iv, payload, buildAAD(meta))

	return &EncryptedPackage{Ciphertext: ciphertext, Metadata: meta}, nil
}

// EncryptWithPassword derives a key with a fresh salt and encrypts. The
// derived key is wiped before returning.
func (e *Engine) EncryptWithPassword(pt Plaintext, password string) (*EncryptedPackage, error) {
	schedule, err := e.keys.DeriveSchedule(password)
	if err != nil {
		return nil, err
	}
	defer schedule.Zero()
	return e.Encrypt(pt, schedule)
}

// Decrypt opens pkg. Any failure to authenticate, including tampered
// metadata or an inconsistent header, is zkerr.ErrAuthenticationFailure.
func (e *Engine) Decrypt(pkg *EncryptedPackage, key SymmetricKey) (*DecryptedMaterial, error) {
	if pkg == nil {
		return nil, errors.New("decrypt: nil package")
	}
	if key.IsZero() {
		return nil, fmt.Errorf("%w: key is empty", zkerr.ErrInvalidKeyFormat)
	}

	meta := pkg.Metadata
	size, err := getNonceSize(meta.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", zkerr.ErrAuthenticationFailure, err)
	}
	if len(meta.IV) != size {
		return nil, fmt.Errorf("%w: iv is %d bytes, want %d", zkerr.ErrAuthenticationFailure, len(meta.IV), size)
	}
	if len(pkg.Ciphertext) < tagSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than tag", zkerr.ErrAuthenticationFailure)
	}

	aead, err := createAEADCipher(meta.Algorithm, key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", zkerr.ErrEncryptionFailure, err)
	}

	payload, err := aead.Open(nil, meta.IV, pkg.Ciphertext, buildAAD(meta))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", zkerr.ErrAuthenticationFailure, err)
	}
	defer zeroBytes(payload)

	h, body, err := splitPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", zkerr.ErrAuthenticationFailure, err)
	}

	var plain []byte
	if h.Compression == CompressionNone {
		plain = append([]byte{}, body...)
	} else {
		plain, err = decompress(body, h.Compression, h.Size)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", zkerr.ErrAuthenticationFailure, err)
		}
	}

	if uint64(len(plain)) != h.Size || h.Size != meta.OriginalSize {
		zeroBytes(plain)
		return nil, fmt.Errorf("%w: size mismatch", zkerr.ErrAuthenticationFailure)
	}
	if digest := contentDigest(plain); !bytes.Equal(digest[:], h.Digest[:]) {
		zeroBytes(plain)
		return nil, fmt.Errorf("%w: content digest mismatch", zkerr.ErrAuthenticationFailure)
	}

	return newDecryptedMaterial(plain, h.Filename, h.MIMEType), nil
}

// DecryptWithPassword re-derives the key from the stored salt and iteration
// count, then decrypts.
func (e *Engine) DecryptWithPassword(pkg *EncryptedPackage, password string) (*DecryptedMaterial, error) {
	if pkg == nil {
		return nil, errors.New("decrypt: nil package")
	}
	if ModeOf(pkg.Metadata) != ModePasswordDerived {
		return nil, fmt.Errorf("%w: package is not password protected", zkerr.ErrInvalidKeyFormat)
	}
	if err := e.keys.CheckIterations(pkg.Metadata.Iterations); err != nil {
		return nil, err
	}
	key, err := DeriveKeyFromPassword(password, pkg.Metadata.Salt, pkg.Metadata.Iterations)
	if err != nil {
		return nil, err
	}
	defer key.Zero()
	return e.Decrypt(pkg, key)
}

// generateNonce generates a nonce with the correct size for the algorithm.
func generateNonce(algorithm string) ([]byte, error) {
	size, err := getNonceSize(algorithm)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, size)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: failed to generate nonce: %v", zkerr.ErrEncryptionFailure, err)
	}
	return nonce, nil
}

// buildAAD binds the public metadata to the ciphertext. All values must be
// stable between encrypt and decrypt; the upload timestamp is set by the
// uploader and is not bound.
func buildAAD(meta EncryptionMetadata) []byte {
	var b bytes.Buffer
	b.WriteString("alg:")
	b.WriteString(meta.Algorithm)
	b.WriteString("|salt:")
	b.WriteString(codec.EncodeBinaryField(meta.Salt))
	b.WriteString("|iv:")
	b.WriteString(codec.EncodeBinaryField(meta.IV))
	b.WriteString("|it:")
	b.WriteString(codec.FormatUint32(meta.Iterations))
	b.WriteString("|osz:")
	b.WriteString(strconv.FormatUint(meta.OriginalSize, 10))
	return b.Bytes()
}
