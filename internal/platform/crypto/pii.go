package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidKeyMaterial indicates the configured key or IV has the wrong length.
	ErrInvalidKeyMaterial = errors.New("crypto: key must be 32 bytes and iv 16 bytes")
	// ErrMalformedCiphertext indicates the stored value cannot be decrypted.
	ErrMalformedCiphertext = errors.New("crypto: malformed ciphertext")
)

// PIICodec encrypts buyer-identifying strings with AES-256-CBC before they
// reach Firestore and decrypts them on the way out. The IV is fixed by
// configuration so equal plaintexts produce equal ciphertexts, which keeps
// the encrypted e-mail usable as a deduplication key.
type PIICodec struct {
	block cipher.Block
	iv    []byte
}

// NewPIICodec builds a codec from the raw key and IV strings held in config.
func NewPIICodec(key, iv string) (*PIICodec, error) {
	rawKey := []byte(key)
	rawIV := []byte(iv)
	if len(rawKey) != 32 || len(rawIV) != aes.BlockSize {
		return nil, ErrInvalidKeyMaterial
	}
	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: init cipher: %w", err)
	}
	return &PIICodec{block: block, iv: rawIV}, nil
}

// Encrypt returns the hex-encoded AES-256-CBC ciphertext of value. Empty
// input passes through untouched so optional fields stay optional.
func (c *PIICodec) Encrypt(value string) (string, error) {
	if c == nil || c.block == nil {
		return "", ErrInvalidKeyMaterial
	}
	if value == "" {
		return "", nil
	}

	padded := pad([]byte(value), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, padded)
	return hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. It fails on truncated or tampered input rather
// than returning garbage.
func (c *PIICodec) Decrypt(value string) (string, error) {
	if c == nil || c.block == nil {
		return "", ErrInvalidKeyMaterial
	}
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", nil
	}

	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", ErrMalformedCiphertext
	}

	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(out, raw)

	unpadded, err := unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

// pad applies PKCS#7 padding.
func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrMalformedCiphertext
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrMalformedCiphertext
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrMalformedCiphertext
		}
	}
	return data[:len(data)-n], nil
}
