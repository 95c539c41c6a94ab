package client

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"math"
	"testing"

	"haruki-sekai-api/utils"

	"github.com/iancoleman/orderedmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	testKeyHex = "000102030405060708090a0b0c0d0e0f"
	testIVHex  = "101112131415161718191a1b1c1d1e1f"
)

func newTestCryptor(t *testing.T) *SekaiCryptor {
	t.Helper()
	c, err := NewSekaiCryptorFromHex(testKeyHex, testIVHex)
	require.NoError(t, err)
	return c
}

func TestNewSekaiCryptorFromHex(t *testing.T) {
	tests := []struct {
		name    string
		keyHex  string
		ivHex   string
		wantErr bool
	}{
		{"valid", testKeyHex, testIVHex, false},
		{"bad key hex", "zz", testIVHex, true},
		{"bad iv hex", testKeyHex, "zz", true},
		{"short key", "0001", testIVHex, true},
		{"short iv", testKeyHex, "0001", true},
		{"long key", testKeyHex + "00", testIVHex, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSekaiCryptorFromHex(tt.keyHex, tt.ivHex)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, utils.IsErrorKind(err, utils.ErrKindCryptoError))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	c := newTestCryptor(t)

	original := map[string]any{
		"name":  "miku",
		"score": int64(39),
		"tags":  []any{"vocaloid", "leader"},
	}
	encrypted, err := c.Pack(original)
	require.NoError(t, err)
	assert.Equal(t, 0, len(encrypted)%aes.BlockSize)

	decoded, err := c.Unpack(encrypted)
	require.NoError(t, err)
	m, ok := decoded.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "miku", m["name"])
}

func TestPackBytesEmpty(t *testing.T) {
	c := newTestCryptor(t)
	_, err := c.PackBytes(nil)
	require.Error(t, err)
	assert.True(t, utils.IsErrorKind(err, utils.ErrKindCryptoError))
}

func TestUnpackRejectsBadInput(t *testing.T) {
	c := newTestCryptor(t)

	t.Run("empty", func(t *testing.T) {
		_, err := c.Unpack(nil)
		assert.True(t, utils.IsErrorKind(err, utils.ErrKindCryptoError))
	})

	t.Run("not block aligned", func(t *testing.T) {
		_, err := c.Unpack([]byte{1, 2, 3})
		assert.True(t, utils.IsErrorKind(err, utils.ErrKindCryptoError))
	})

	t.Run("random noise fails padding", func(t *testing.T) {
		noise := make([]byte, 64)
		_, _ = rand.Read(noise)
		// Encrypting nothing: raw random blocks almost surely unpad to
		// garbage; accept either a padding or a decode error, but never
		// a silent success into a valid map.
		if v, err := c.Unpack(noise); err == nil {
			_, isMap := v.(map[string]any)
			assert.False(t, isMap)
		}
	})
}

// encryptRawPadded encrypts an already-padded plaintext, bypassing
// PackBytes so tests can craft invalid padding.
func encryptRawPadded(t *testing.T, c *SekaiCryptor, padded []byte) []byte {
	t.Helper()
	key, _ := hex.DecodeString(testKeyHex)
	iv, _ := hex.DecodeString(testIVHex)
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func TestUnpackRejectsInvalidPadding(t *testing.T) {
	c := newTestCryptor(t)

	tests := []struct {
		name string
		tail []byte
	}{
		{"zero pad byte", append(bytes.Repeat([]byte{'a'}, 15), 0)},
		{"pad byte over block size", append(bytes.Repeat([]byte{'a'}, 15), 17)},
		{"unequal tail", append(append(bytes.Repeat([]byte{'a'}, 13), 2), 3, 3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, aes.BlockSize, len(tt.tail))
			encrypted := encryptRawPadded(t, c, tt.tail)
			_, err := c.Unpack(encrypted)
			require.Error(t, err)
			assert.True(t, utils.IsErrorKind(err, utils.ErrKindCryptoError))
		})
	}
}

func TestUnpackOrderedPreservesKeyOrder(t *testing.T) {
	c := newTestCryptor(t)

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	require.NoError(t, enc.EncodeMapLen(4))
	for _, kv := range []struct {
		key string
		val any
	}{
		{"zebra", int64(1)},
		{"apple", int64(2)},
		{"mango", int64(3)},
		{"banana", int64(4)},
	} {
		require.NoError(t, enc.EncodeString(kv.key))
		require.NoError(t, enc.Encode(kv.val))
	}

	encrypted, err := c.PackBytes(buf.Bytes())
	require.NoError(t, err)
	om, err := c.UnpackOrdered(encrypted)
	require.NoError(t, err)
	assert.Equal(t, []string{"zebra", "apple", "mango", "banana"}, om.Keys())
}

func TestUnpackOrderedCanonicalization(t *testing.T) {
	c := newTestCryptor(t)

	t.Run("integer keys become decimal strings", func(t *testing.T) {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		require.NoError(t, enc.EncodeMapLen(2))
		require.NoError(t, enc.EncodeInt(7))
		require.NoError(t, enc.EncodeString("seven"))
		require.NoError(t, enc.EncodeUint(42))
		require.NoError(t, enc.EncodeString("answer"))

		encrypted, err := c.PackBytes(buf.Bytes())
		require.NoError(t, err)
		om, err := c.UnpackOrdered(encrypted)
		require.NoError(t, err)
		assert.Equal(t, []string{"7", "42"}, om.Keys())
	})

	t.Run("bin values become base64", func(t *testing.T) {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		require.NoError(t, enc.EncodeMapLen(1))
		require.NoError(t, enc.EncodeString("blob"))
		require.NoError(t, enc.EncodeBytes([]byte{0xde, 0xad, 0xbe, 0xef}))

		encrypted, err := c.PackBytes(buf.Bytes())
		require.NoError(t, err)
		om, err := c.UnpackOrdered(encrypted)
		require.NoError(t, err)
		v, _ := om.Get("blob")
		assert.Equal(t, "3q2+7w==", v)
	})

	t.Run("non-finite float rejected", func(t *testing.T) {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		require.NoError(t, enc.EncodeMapLen(1))
		require.NoError(t, enc.EncodeString("bad"))
		require.NoError(t, enc.EncodeFloat64(math.NaN()))

		encrypted, err := c.PackBytes(buf.Bytes())
		require.NoError(t, err)
		_, err = c.UnpackOrdered(encrypted)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Invalid float")
	})

	t.Run("non-map top level rejected", func(t *testing.T) {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		require.NoError(t, enc.EncodeArrayLen(1))
		require.NoError(t, enc.EncodeString("lonely"))

		encrypted, err := c.PackBytes(buf.Bytes())
		require.NoError(t, err)
		_, err = c.UnpackOrdered(encrypted)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Expected object at top level")
	})

	t.Run("nested maps keep order", func(t *testing.T) {
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		require.NoError(t, enc.EncodeMapLen(1))
		require.NoError(t, enc.EncodeString("outer"))
		require.NoError(t, enc.EncodeMapLen(2))
		require.NoError(t, enc.EncodeString("second"))
		require.NoError(t, enc.EncodeInt(2))
		require.NoError(t, enc.EncodeString("first"))
		require.NoError(t, enc.EncodeInt(1))

		encrypted, err := c.PackBytes(buf.Bytes())
		require.NoError(t, err)
		om, err := c.UnpackOrdered(encrypted)
		require.NoError(t, err)
		innerAny, _ := om.Get("outer")
		inner, ok := innerAny.(*orderedmap.OrderedMap)
		require.True(t, ok)
		assert.Equal(t, []string{"second", "first"}, inner.Keys())
	})
}
