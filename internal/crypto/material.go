package crypto

import (
	"errors"
	"io"
	"sync"
)

// ErrMaterialReleased is returned by accessors after Release.
var ErrMaterialReleased = errors.New("decrypted material has been released")

// DecryptedMaterial owns a decrypted file. Holders must call Release when
// the plaintext is no longer displayed or written; Release zeroes the bytes.
type DecryptedMaterial struct {
	Filename string
	MIMEType string
	Size     uint64

	mu        sync.Mutex
	plaintext []byte
	released  bool
}

func newDecryptedMaterial(plaintext []byte, filename, mimeType string) *DecryptedMaterial {
	return &DecryptedMaterial{
		Filename:  filename,
		MIMEType:  mimeType,
		Size:      uint64(len(plaintext)),
		plaintext: plaintext,
	}
}

// Plaintext returns a copy of the decrypted bytes.
func (m *DecryptedMaterial) Plaintext() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return nil, ErrMaterialReleased
	}
	return append([]byte{}, m.plaintext...), nil
}

// WriteTo streams the plaintext to w without an intermediate copy.
func (m *DecryptedMaterial) WriteTo(w io.Writer) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return 0, ErrMaterialReleased
	}
	n, err := w.Write(m.plaintext)
	return int64(n), err
}

// Release zeroes and drops the plaintext. It is safe to call more than once.
func (m *DecryptedMaterial) Release() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return
	}
	zeroBytes(m.plaintext)
	m.plaintext = nil
	m.released = true
}

// Released reports whether Release has been called.
func (m *DecryptedMaterial) Released() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}
