package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// AlgorithmAESGCM is the default algorithm, AES-256 in GCM mode.
	AlgorithmAESGCM = "AES-GCM"
	// AlgorithmChaCha20Poly1305 is the ChaCha20-Poly1305 algorithm.
	AlgorithmChaCha20Poly1305 = "ChaCha20-Poly1305"

	tagSize = 16
)

// suite describes one AEAD construction by the name stored in metadata.
type suite struct {
	nonceSize int
	open      func(key []byte) (cipher.AEAD, error)
}

var suites = map[string]suite{
	AlgorithmAESGCM:           {nonceSize: 12, open: newAESGCM},
	AlgorithmChaCha20Poly1305: {nonceSize: chacha20poly1305.NonceSize, open: chacha20poly1305.New},
}

// SupportedAlgorithms lists every algorithm the engine can decrypt.
func SupportedAlgorithms() []string {
	return []string{AlgorithmAESGCM, AlgorithmChaCha20Poly1305}
}

func lookupSuite(algorithm string) (suite, error) {
	s, ok := suites[algorithm]
	if !ok {
		return suite{}, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
	return s, nil
}

// createAEADCipher builds the AEAD named by algorithm over a 256 bit key.
func createAEADCipher(algorithm string, key []byte) (cipher.AEAD, error) {
	s, err := lookupSuite(algorithm)
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key size for %s: expected %d bytes, got %d", algorithm, KeySize, len(key))
	}
	aead, err := s.open(key)
	if err != nil {
		return nil, fmt.Errorf("create %s cipher: %w", algorithm, err)
	}
	return aead, nil
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func getNonceSize(algorithm string) (int, error) {
	s, err := lookupSuite(algorithm)
	if err != nil {
		return 0, err
	}
	return s.nonceSize, nil
}

func isAlgorithmSupported(algorithm string) bool {
	_, ok := suites[algorithm]
	return ok
}
