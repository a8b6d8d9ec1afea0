package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(b byte) string {
	k := make([]byte, 32)
	for i := range k {
		k[i] = b + byte(i)
	}
	return base64.StdEncoding.EncodeToString(k)
}

func TestNewBox(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		errorMsg string
	}{
		{"empty key", "", "encryption key is empty"},
		{"invalid base64", "not-valid-base64!@#$", "base64 decode failed"},
		{"key too short", base64.StdEncoding.EncodeToString(make([]byte, 16)), "must be 32 bytes"},
		{"key too long", base64.StdEncoding.EncodeToString(make([]byte, 64)), "must be 32 bytes"},
		{"valid 32-byte key", testKey(1), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBox(tt.key)
			if tt.errorMsg == "" {
				if err != nil || b == nil {
					t.Fatalf("NewBox() = %v, %v", b, err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("NewBox() error = %v, want containing %q", err, tt.errorMsg)
			}
		})
	}
}

func TestSealOpen(t *testing.T) {
	b, err := NewBox(testKey(7))
	if err != nil {
		t.Fatal(err)
	}
	for _, pt := range []string{"", "oauth-token", strings.Repeat("x", 4096), "ünïcödé 🔑"} {
		sealed, err := b.Seal(pt)
		if err != nil {
			t.Fatalf("Seal(%q) error: %v", pt, err)
		}
		if pt != "" && sealed == pt {
			t.Fatalf("Seal(%q) returned plaintext", pt)
		}
		got, err := b.Open(sealed)
		if err != nil {
			t.Fatalf("Open() error: %v", err)
		}
		if got != pt {
			t.Errorf("Open(Seal(%q)) = %q", pt, got)
		}
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	b, _ := NewBox(testKey(3))
	s1, _ := b.Seal("same")
	s2, _ := b.Seal("same")
	if s1 == s2 {
		t.Error("two seals of the same plaintext are identical")
	}
}

func TestOpenRejectsTamperingAndWrongKey(t *testing.T) {
	b1, _ := NewBox(testKey(1))
	b2, _ := NewBox(testKey(2))
	sealed, _ := b1.Seal("secret")

	if _, err := b2.Open(sealed); !errors.Is(err, ErrOpen) {
		t.Errorf("wrong key Open() error = %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	if _, err := b1.Open(base64.StdEncoding.EncodeToString(raw)); !errors.Is(err, ErrOpen) {
		t.Errorf("tampered Open() error = %v", err)
	}
	if _, err := b1.Open("AAAA"); err == nil {
		t.Error("short ciphertext accepted")
	}
	if b1.KeyID() == b2.KeyID() || len(b1.KeyID()) != 8 {
		t.Errorf("key ids %q %q", b1.KeyID(), b2.KeyID())
	}
}
