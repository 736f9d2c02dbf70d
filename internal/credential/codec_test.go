package credential

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(testKeyHex)
	require.NoError(t, err)
	return c
}

func TestNewCodec(t *testing.T) {
	_, err := NewCodec("")
	assert.ErrorIs(t, err, ErrMissingKey)

	raw, err := NewCodec(testKeyHex)
	require.NoError(t, err)
	assert.Len(t, raw.key, keySize)
	assert.Equal(t, byte(0x1f), raw.key[31])

	derived, err := NewCodec("correct horse battery staple")
	require.NoError(t, err)
	assert.Len(t, derived.key, keySize)

	again, err := NewCodec("correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, derived.key, again.key)
}

func TestEncryptDecrypt(t *testing.T) {
	c := newTestCodec(t)

	for _, plaintext := range []string{"sk-live-123", "", "exactly sixteen!", strings.Repeat("x", 100)} {
		ct, err := c.Encrypt(plaintext)
		require.NoError(t, err)
		assert.True(t, IsCiphertext(ct), "ciphertext %q should match stored format", ct)
		assert.Equal(t, plaintext, c.Decrypt(ct))
	}
}

func TestEncryptUsesFreshIV(t *testing.T) {
	c := newTestCodec(t)

	a, err := c.Encrypt("same")
	require.NoError(t, err)
	b, err := c.Encrypt("same")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a[:32], b[:32])
}

func TestCiphertextFormat(t *testing.T) {
	c := newTestCodec(t)

	ct, err := c.Encrypt("sk-test")
	require.NoError(t, err)

	parts := strings.Split(ct, ":")
	require.Len(t, parts, 2)
	assert.Len(t, parts[0], 32)
	assert.Len(t, parts[1], 32) // one padded block
	assert.Equal(t, strings.ToLower(ct), ct)
}

func TestIsCiphertext(t *testing.T) {
	assert.True(t, IsCiphertext("00112233445566778899aabbccddeeff:abcdef"))
	assert.False(t, IsCiphertext("00112233445566778899AABBCCDDEEFF:abcdef"))
	assert.False(t, IsCiphertext("00112233445566778899aabbccddee:abcdef"))
	assert.False(t, IsCiphertext("00112233445566778899aabbccddeeff:"))
	assert.False(t, IsCiphertext("sk-live-123"))
	assert.False(t, IsCiphertext(""))
}

func TestDecryptFailOpen(t *testing.T) {
	c := newTestCodec(t)

	// not ciphertext
	assert.Equal(t, "sk-plain", c.Decrypt("sk-plain"))

	// well-formed but truncated ciphertext
	truncated := "00112233445566778899aabbccddeeff:0011223344556677"
	assert.Equal(t, truncated, c.Decrypt(truncated))

	// odd hex length
	odd := "00112233445566778899aabbccddeeff:abc"
	assert.Equal(t, odd, c.Decrypt(odd))
}

func TestEncryptConfigSensitiveOnly(t *testing.T) {
	c := newTestCodec(t)

	cfg := map[string]any{
		"apiKey":  "sk-1",
		"baseUrl": "https://api.example.com",
		"retries": float64(3),
		"models": map[string]any{
			"providers": map[string]any{
				"openai": map[string]any{
					"apiKey": "sk-2",
					"api":    "openai-completions",
				},
			},
		},
		"tokens":     []any{"a", "b"},
		"API_TOKENS": []any{"t1", map[string]any{"SECRET": "s"}},
		"empty":      "",
		"SECRET":     "",
	}

	enc, err := c.EncryptConfig(cfg)
	require.NoError(t, err)

	assert.True(t, IsCiphertext(enc["apiKey"].(string)))
	assert.Equal(t, "https://api.example.com", enc["baseUrl"])
	assert.Equal(t, float64(3), enc["retries"])

	provider := enc["models"].(map[string]any)["providers"].(map[string]any)["openai"].(map[string]any)
	assert.True(t, IsCiphertext(provider["apiKey"].(string)))
	assert.Equal(t, "openai-completions", provider["api"])

	assert.Equal(t, []any{"a", "b"}, enc["tokens"])

	apiTokens := enc["API_TOKENS"].([]any)
	assert.Equal(t, "t1", apiTokens[0])
	assert.True(t, IsCiphertext(apiTokens[1].(map[string]any)["SECRET"].(string)))

	assert.Equal(t, "", enc["SECRET"])

	// input untouched
	assert.Equal(t, "sk-1", cfg["apiKey"])
}

func TestEncryptAllConfig(t *testing.T) {
	c := newTestCodec(t)

	enc, err := c.EncryptAllConfig(map[string]any{
		"baseUrl": "https://api.example.com",
		"nested":  map[string]any{"model": "gpt-4o"},
		"list":    []any{"x", true},
	})
	require.NoError(t, err)

	assert.True(t, IsCiphertext(enc["baseUrl"].(string)))
	assert.True(t, IsCiphertext(enc["nested"].(map[string]any)["model"].(string)))
	list := enc["list"].([]any)
	assert.True(t, IsCiphertext(list[0].(string)))
	assert.Equal(t, true, list[1])
}

func TestEncryptConfigIsIdempotent(t *testing.T) {
	c := newTestCodec(t)

	cfg := map[string]any{
		"apiKey":   "sk-1",
		"gateway":  map[string]any{"auth": map[string]any{"token": "gw-token"}},
		"provider": "openai",
	}

	once, err := c.EncryptConfig(cfg)
	require.NoError(t, err)
	twice, err := c.EncryptConfig(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	allOnce, err := c.EncryptAllConfig(cfg)
	require.NoError(t, err)
	allTwice, err := c.EncryptAllConfig(allOnce)
	require.NoError(t, err)
	assert.Equal(t, allOnce, allTwice)
}

func TestDecryptConfigRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	cfg := map[string]any{
		"apiKey":   "sk-1",
		"provider": "openai",
		"gateway": map[string]any{
			"auth": map[string]any{"token": "gw-token", "mode": "token"},
			"port": float64(18789),
		},
		"list": []any{map[string]any{"SECRET": "s"}, "plain"},
	}

	enc, err := c.EncryptConfig(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, cfg, enc)

	assert.Equal(t, cfg, c.DecryptConfig(enc))

	// plaintext passes through decryption unchanged
	assert.Equal(t, cfg, c.DecryptConfig(cfg))

	// re-encrypting decrypted output yields a config that decrypts to the same value
	reenc, err := c.EncryptConfig(c.DecryptConfig(enc))
	require.NoError(t, err)
	assert.Equal(t, cfg, c.DecryptConfig(reenc))
}

func TestDecryptConfigNil(t *testing.T) {
	c := newTestCodec(t)
	assert.Nil(t, c.DecryptConfig(nil))

	enc, err := c.EncryptConfig(nil)
	require.NoError(t, err)
	assert.Nil(t, enc)
}

func TestRedactConfig(t *testing.T) {
	c := newTestCodec(t)
	ct, err := c.Encrypt("hidden")
	require.NoError(t, err)

	out := RedactConfig(map[string]any{
		"default_model": "gpt-4o",
		"stored":        ct,
		"frameworks": map[string]any{
			"openclaw": map[string]any{
				"gateway": map[string]any{"auth": map[string]any{"token": "gw", "mode": "token"}},
			},
		},
		"SECRET": "",
	})

	assert.Equal(t, "gpt-4o", out["default_model"])
	assert.Equal(t, Redacted, out["stored"])
	auth := out["frameworks"].(map[string]any)["openclaw"].(map[string]any)["gateway"].(map[string]any)["auth"].(map[string]any)
	assert.Equal(t, Redacted, auth["token"])
	assert.Equal(t, Redacted, auth["mode"])
	assert.Equal(t, "", out["SECRET"])
	assert.Nil(t, RedactConfig(nil))
}
