package crypto

import (
	"errors"
	"strings"
	"testing"
)

const (
	testKey = "0123456789abcdef0123456789abcdef"
	testIV  = "abcdef0123456789"
)

func newTestCodec(t *testing.T) *PIICodec {
	t.Helper()
	codec, err := NewPIICodec(testKey, testIV)
	if err != nil {
		t.Fatalf("NewPIICodec returned error: %v", err)
	}
	return codec
}

func TestNewPIICodecRejectsBadKeyMaterial(t *testing.T) {
	cases := []struct {
		name string
		key  string
		iv   string
	}{
		{"short key", "too-short", testIV},
		{"short iv", testKey, "short"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewPIICodec(tc.key, tc.iv); !errors.Is(err, ErrInvalidKeyMaterial) {
				t.Fatalf("expected ErrInvalidKeyMaterial, got %v", err)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	codec := newTestCodec(t)

	values := []string{
		"Петар Петровић",
		"petar@example.com",
		"+381641234567",
		"Булевар краља Александра 73, Београд",
		strings.Repeat("x", 255),
		"a",
	}
	for _, value := range values {
		encrypted, err := codec.Encrypt(value)
		if err != nil {
			t.Fatalf("Encrypt(%q) returned error: %v", value, err)
		}
		if encrypted == value {
			t.Fatalf("Encrypt(%q) returned plaintext", value)
		}
		decrypted, err := codec.Decrypt(encrypted)
		if err != nil {
			t.Fatalf("Decrypt returned error: %v", err)
		}
		if decrypted != value {
			t.Fatalf("round trip mismatch: got %q want %q", decrypted, value)
		}
	}
}

func TestEncryptIsDeterministic(t *testing.T) {
	codec := newTestCodec(t)

	first, err := codec.Encrypt("ana@example.com")
	if err != nil {
		t.Fatalf("Encrypt returned error: %v", err)
	}
	second, err := codec.Encrypt("ana@example.com")
	if err != nil {
		t.Fatalf("Encrypt returned error: %v", err)
	}
	if first != second {
		t.Fatal("expected identical ciphertext for identical plaintext")
	}
}

func TestEmptyValuePassesThrough(t *testing.T) {
	codec := newTestCodec(t)

	encrypted, err := codec.Encrypt("")
	if err != nil || encrypted != "" {
		t.Fatalf("expected empty passthrough, got %q err %v", encrypted, err)
	}
	decrypted, err := codec.Decrypt("")
	if err != nil || decrypted != "" {
		t.Fatalf("expected empty passthrough, got %q err %v", decrypted, err)
	}
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	codec := newTestCodec(t)

	inputs := []string{
		"not-hex",
		"abcd",       // not block aligned
		"00" + "11",  // short
	}
	for _, input := range inputs {
		if _, err := codec.Decrypt(input); !errors.Is(err, ErrMalformedCiphertext) {
			t.Fatalf("Decrypt(%q): expected ErrMalformedCiphertext, got %v", input, err)
		}
	}
}
