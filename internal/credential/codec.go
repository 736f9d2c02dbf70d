package credential

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"

	"github.com/EternisAI/silo-lease/internal/metrics"
	"golang.org/x/crypto/hkdf"
)

const keySize = 32

var (
	ErrMissingKey = errors.New("encryption key is not configured")
	errBadPadding = errors.New("invalid padding")
)

// ciphertextPattern is the stored format: <hex IV>:<hex AES-256-CBC ciphertext>.
var ciphertextPattern = regexp.MustCompile(`^[0-9a-f]{32}:[0-9a-f]+$`)

// Codec encrypts credential strings and the sensitive leaves of nested
// configuration objects.
type Codec struct {
	key []byte
}

// NewCodec accepts either a 64 character hex string, used as the raw AES-256
// key, or an arbitrary passphrase from which the key is derived with HKDF.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, ErrMissingKey
	}

	if len(secret) == hex.EncodedLen(keySize) {
		if raw, err := hex.DecodeString(secret); err == nil {
			return &Codec{key: raw}, nil
		}
	}

	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("silo-lease credential codec"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	return &Codec{key: key}, nil
}

// IsCiphertext reports whether value is already in the stored ciphertext format.
func IsCiphertext(value string) bool {
	return ciphertextPattern.MatchString(value)
}

// Encrypt returns hex(iv) + ":" + hex(ciphertext) using a fresh random IV.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

// Decrypt never fails: input that is not in ciphertext format, or that cannot
// be decrypted with this key, is returned unchanged. Every fallback on
// well-formed ciphertext is logged and counted.
func (c *Codec) Decrypt(value string) string {
	if !IsCiphertext(value) {
		return value
	}

	plaintext, err := c.decrypt(value)
	if err != nil {
		metrics.DecryptFallbacks.Inc()
		slog.Warn("Credential decryption failed, using stored value as-is", "error", err)
		return value
	}
	return plaintext
}

func (c *Codec) decrypt(value string) (string, error) {
	ivHex, ctHex := value[:32], value[33:]

	iv, err := hex.DecodeString(ivHex)
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ct))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)

	unpadded, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

// EncryptConfig returns a copy of cfg with every string leaf under a
// sensitive field name encrypted. Values already in ciphertext format are
// kept, so applying it twice is the same as applying it once.
func (c *Codec) EncryptConfig(cfg map[string]any) (map[string]any, error) {
	out, err := c.encryptValue(cfg, false, false)
	if err != nil {
		return nil, err
	}
	return asMap(out), nil
}

// EncryptAllConfig is EncryptConfig with every string leaf treated as sensitive.
func (c *Codec) EncryptAllConfig(cfg map[string]any) (map[string]any, error) {
	out, err := c.encryptValue(cfg, true, true)
	if err != nil {
		return nil, err
	}
	return asMap(out), nil
}

// DecryptConfig returns a copy of cfg with decryption attempted on every
// string leaf regardless of its field name.
func (c *Codec) DecryptConfig(cfg map[string]any) map[string]any {
	return asMap(c.decryptValue(cfg))
}

func (c *Codec) encryptValue(v any, sensitive, all bool) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return val, nil
		}
		out := make(map[string]any, len(val))
		for k, child := range val {
			enc, err := c.encryptValue(child, all || IsSensitiveField(k), all)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = enc
		}
		return out, nil
	case []any:
		if val == nil {
			return val, nil
		}
		out := make([]any, len(val))
		for i, child := range val {
			enc, err := c.encryptValue(child, sensitive, all)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case string:
		if !sensitive || val == "" || IsCiphertext(val) {
			return val, nil
		}
		return c.Encrypt(val)
	default:
		return v, nil
	}
}

func (c *Codec) decryptValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return val
		}
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = c.decryptValue(child)
		}
		return out
	case []any:
		if val == nil {
			return val
		}
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = c.decryptValue(child)
		}
		return out
	case string:
		return c.Decrypt(val)
	default:
		return v
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errBadPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errBadPadding
		}
	}
	return data[:len(data)-n], nil
}
