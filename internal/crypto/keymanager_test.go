package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/kenneth/zk-share/internal/zkerr"
)

func TestNewKeyManager_Defaults(t *testing.T) {
	km := NewKeyManager(KeyManagerConfig{})
	if km.Iterations() != DefaultIterations {
		t.Fatalf("expected %d iterations, got %d", DefaultIterations, km.Iterations())
	}
	if err := km.ValidatePassword("1234567"); err == nil {
		t.Fatal("expected error for 7 character password")
	}
	if err := km.ValidatePassword("12345678"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestKeyManager_ValidatePassword(t *testing.T) {
	km := NewKeyManager(KeyManagerConfig{MinPasswordLength: 4})

	tests := []struct {
		name        string
		password    string
		wantErr     bool
		errContains string
	}{
		{name: "empty", password: "", wantErr: true, errContains: "at least 4 characters"},
		{name: "short", password: "abc", wantErr: true, errContains: "got 3"},
		{name: "exact", password: "abcd"},
		{name: "multibyte counts runes", password: "пароль"},
		{name: "multibyte short", password: "жжж", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := km.ValidatePassword(tt.password)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Fatalf("expected error to contain %q, got %q", tt.errContains, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestDeriveKeyFromPassword_Deterministic(t *testing.T) {
	cases := []struct {
		password   string
		salt       []byte
		iterations uint32
	}{
		{"correct-horse", bytes.Repeat([]byte{0x5a}, saltSize), 1000},
		{"", []byte{1}, 1},
		{"ünïcødé", []byte("sixteen byte salt"), 2500},
	}

	for i, c := range cases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			a, err := DeriveKeyFromPassword(c.password, c.salt, c.iterations)
			if err != nil {
				t.Fatalf("derive: %v", err)
			}
			b, err := DeriveKeyFromPassword(c.password, c.salt, c.iterations)
			if err != nil {
				t.Fatalf("derive: %v", err)
			}
			if !a.Equal(b) {
				t.Fatal("same inputs produced different keys")
			}

			other, err := DeriveKeyFromPassword(c.password+"x", c.salt, c.iterations)
			if err != nil {
				t.Fatalf("derive: %v", err)
			}
			if a.Equal(other) {
				t.Fatal("different passwords produced the same key")
			}

			more, err := DeriveKeyFromPassword(c.password, c.salt, c.iterations+1)
			if err != nil {
				t.Fatalf("derive: %v", err)
			}
			if a.Equal(more) {
				t.Fatal("different iteration counts produced the same key")
			}
		})
	}
}

func TestDeriveKeyFromPassword_InvalidParameters(t *testing.T) {
	if _, err := DeriveKeyFromPassword("pw", nil, 1000); !errors.Is(err, zkerr.ErrInvalidKeyFormat) {
		t.Fatalf("expected invalid key format for empty salt, got %v", err)
	}
	if _, err := DeriveKeyFromPassword("pw", []byte("salt"), 0); !errors.Is(err, zkerr.ErrInvalidKeyFormat) {
		t.Fatalf("expected invalid key format for zero iterations, got %v", err)
	}
}

func TestKeyManager_DeriveSchedule_FreshSalt(t *testing.T) {
	km := NewKeyManager(KeyManagerConfig{Iterations: 1000})

	a, err := km.DeriveSchedule("correct-horse")
	if err != nil {
		t.Fatalf("DeriveSchedule() error: %v", err)
	}
	b, err := km.DeriveSchedule("correct-horse")
	if err != nil {
		t.Fatalf("DeriveSchedule() error: %v", err)
	}

	if a.Mode != ModePasswordDerived || a.Iterations != 1000 || len(a.Salt) != saltSize {
		t.Fatalf("unexpected schedule: mode=%v iterations=%d salt=%d", a.Mode, a.Iterations, len(a.Salt))
	}
	if bytes.Equal(a.Salt, b.Salt) {
		t.Fatal("salt reused between schedules")
	}
	if a.Key.Equal(b.Key) {
		t.Fatal("different salts produced the same key")
	}

	a.Zero()
	if !a.Key.IsZero() {
		t.Fatal("Zero() did not wipe the key")
	}
}

func TestKeyManager_NewSchedule(t *testing.T) {
	km := NewKeyManager(KeyManagerConfig{})
	s, err := km.NewSchedule()
	if err != nil {
		t.Fatalf("NewSchedule() error: %v", err)
	}
	if s.Mode != ModeGenerated || s.Key.IsZero() || s.Iterations != 0 {
		t.Fatalf("unexpected generated schedule: mode=%v iterations=%d", s.Mode, s.Iterations)
	}
}

func TestSymmetricKey_Redacted(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	for _, s := range []string{fmt.Sprint(key), fmt.Sprintf("%v", key), fmt.Sprintf("%#v", key), fmt.Sprintf("%s", key)} {
		if s != "SymmetricKey(redacted)" {
			t.Fatalf("key formatted as %q", s)
		}
	}
}

func TestSymmetricKey_CopySemantics(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	copied := key
	key.Zero()
	if copied.IsZero() {
		t.Fatal("zeroing the original wiped the copy")
	}
}

func TestKeyURLRoundTrip(t *testing.T) {
	for i := 0; i < 100; i++ {
		key, err := GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey() error: %v", err)
		}
		encoded := EncodeKeyForURL(key)
		if strings.ContainsAny(encoded, "+/=#") {
			t.Fatalf("encoded key %q is not URL safe", encoded)
		}
		if len(encoded) != 43 {
			t.Fatalf("encoded key length = %d, want 43", len(encoded))
		}
		decoded, err := DecodeKeyFromURL(encoded)
		if err != nil {
			t.Fatalf("DecodeKeyFromURL() error: %v", err)
		}
		if !decoded.Equal(key) {
			t.Fatal("key changed across URL round trip")
		}
	}
}

func TestDecodeKeyFromURL_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"bad charset", strings.Repeat("+", 43)},
		{"too short", "AAAA"},
		{"too long", strings.Repeat("A", 64)},
		{"password sentinel", "password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeKeyFromURL(tt.input)
			if !errors.Is(err, zkerr.ErrInvalidKeyFormat) {
				t.Fatalf("expected invalid key format, got %v", err)
			}
		})
	}
}

func TestKeyManager_CheckIterations(t *testing.T) {
	km := NewKeyManager(KeyManagerConfig{})
	if km.MaxIterations() != 10*DefaultIterations {
		t.Fatalf("expected default limit %d, got %d", 10*DefaultIterations, km.MaxIterations())
	}
	if err := km.CheckIterations(DefaultIterations); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := km.CheckIterations(math.MaxUint32); !errors.Is(err, zkerr.ErrMalformedEncoding) {
		t.Fatalf("expected ErrMalformedEncoding, got %v", err)
	}

	high := NewKeyManager(KeyManagerConfig{Iterations: 1 << 30})
	if high.MaxIterations() != math.MaxUint32 {
		t.Fatalf("expected limit clamped to MaxUint32, got %d", high.MaxIterations())
	}

	explicit := NewKeyManager(KeyManagerConfig{Iterations: 20000, MaxIterations: 50000})
	if err := explicit.CheckIterations(50001); err == nil {
		t.Fatal("expected error above explicit limit")
	}
}

func TestEngine_DecryptWithPassword_RejectsOversizedIterations(t *testing.T) {
	e, err := NewEngine(EngineConfig{KeyManager: NewKeyManager(KeyManagerConfig{Iterations: 10000})})
	if err != nil {
		t.Fatal(err)
	}
	pkg, err := e.EncryptWithPassword(Plaintext{Data: []byte("hi"), Filename: "a"}, "correct-horse")
	if err != nil {
		t.Fatal(err)
	}
	pkg.Metadata.Iterations = math.MaxUint32
	if _, err := e.DecryptWithPassword(pkg, "correct-horse"); !errors.Is(err, zkerr.ErrMalformedEncoding) {
		t.Fatalf("expected ErrMalformedEncoding, got %v", err)
	}
}
