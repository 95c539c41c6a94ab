package client

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"sync"

	"haruki-sekai-api/utils"

	"github.com/iancoleman/orderedmap"
	"github.com/vgorin/cryptogo/pad"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// SekaiCryptor implements the upstream wire codec:
// MessagePack -> PKCS7(16) -> AES-128-CBC.
type SekaiCryptor struct {
	key   []byte
	iv    []byte
	block cipher.Block
}

func NewSekaiCryptorFromHex(aesKeyHex, aesIVHex string) (*SekaiCryptor, error) {
	key, err := hex.DecodeString(aesKeyHex)
	if err != nil {
		return nil, utils.NewCryptoError(fmt.Sprintf("invalid aes key hex: %v", err))
	}
	iv, err := hex.DecodeString(aesIVHex)
	if err != nil {
		return nil, utils.NewCryptoError(fmt.Sprintf("invalid aes iv hex: %v", err))
	}
	if len(key) != aes.BlockSize {
		return nil, utils.NewCryptoError(fmt.Sprintf("invalid key length: got %d, want %d", len(key), aes.BlockSize))
	}
	if len(iv) != aes.BlockSize {
		return nil, utils.NewCryptoError(fmt.Sprintf("invalid iv length: got %d, want %d", len(iv), aes.BlockSize))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, utils.NewCryptoError(err.Error())
	}
	return &SekaiCryptor{
		key:   key,
		iv:    iv,
		block: block,
	}, nil
}

func (c *SekaiCryptor) newCBC(encrypt bool) cipher.BlockMode {
	if encrypt {
		return cipher.NewCBCEncrypter(c.block, c.iv)
	}
	return cipher.NewCBCDecrypter(c.block, c.iv)
}

// Pack MessagePack-encodes content, pads and encrypts.
func (c *SekaiCryptor) Pack(content any) ([]byte, error) {
	packed, err := msgpack.Marshal(content)
	if err != nil {
		return nil, utils.NewCryptoError(fmt.Sprintf("msgpack encode: %v", err))
	}
	return c.PackBytes(packed)
}

// PackBytes pads and encrypts raw bytes that are already encoded.
func (c *SekaiCryptor) PackBytes(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, utils.NewCryptoError("content cannot be empty")
	}

	padded := pad.PKCS7Pad(raw, aes.BlockSize)

	encrypter := c.newCBC(true)
	encrypted := make([]byte, len(padded))
	encrypter.CryptBlocks(encrypted, padded)
	return encrypted, nil
}

var bytesPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 1024)
		return &b
	},
}

func (c *SekaiCryptor) decrypt(content []byte) ([]byte, func(), error) {
	if len(content) == 0 {
		return nil, nil, utils.NewCryptoError("content cannot be empty")
	}
	if len(content)%aes.BlockSize != 0 {
		return nil, nil, utils.NewCryptoError("content length is not a multiple of AES block size")
	}

	decrypter := c.newCBC(false)

	decrypted := bytesPool.Get().(*[]byte)
	if cap(*decrypted) < len(content) {
		*decrypted = make([]byte, len(content))
	} else {
		*decrypted = (*decrypted)[:len(content)]
	}
	release := func() { bytesPool.Put(decrypted) }

	decrypter.CryptBlocks(*decrypted, content)

	unpadded, err := pkcs7Unpad(*decrypted)
	if err != nil {
		release()
		return nil, nil, err
	}
	return unpadded, release, nil
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, utils.NewCryptoError("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, utils.NewCryptoError("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}

func (c *SekaiCryptor) UnpackInto(content []byte, out any) error {
	unpadded, release, err := c.decrypt(content)
	if err != nil {
		return err
	}
	defer release()

	if out == nil {
		return utils.NewCryptoError("out must be a non-nil pointer")
	}
	if err := msgpack.Unmarshal(unpadded, out); err != nil {
		return utils.NewCryptoError(fmt.Sprintf("msgpack decode: %v", err))
	}
	return nil
}

func (c *SekaiCryptor) Unpack(content []byte) (any, error) {
	var result any
	if err := c.UnpackInto(content, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func UnpackInto[T any](c *SekaiCryptor, content []byte) (*T, error) {
	var v T
	if err := c.UnpackInto(content, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// UnpackOrdered decrypts and decodes a top-level MessagePack map into
// an insertion-ordered map. Integer keys become decimal strings,
// bin/ext values become std base64 strings, non-finite floats are
// rejected.
func (c *SekaiCryptor) UnpackOrdered(content []byte) (*orderedmap.OrderedMap, error) {
	unpadded, release, err := c.decrypt(content)
	if err != nil {
		return nil, err
	}
	defer release()

	dec := msgpack.NewDecoder(bytes.NewReader(unpadded))
	code, err := dec.PeekCode()
	if err != nil {
		return nil, utils.NewCryptoError(fmt.Sprintf("msgpack decode: %v", err))
	}
	if !isMapCode(code) {
		return nil, utils.NewCryptoError("Expected object at top level")
	}
	v, err := decodeOrderedValue(dec)
	if err != nil {
		return nil, err
	}
	om, ok := v.(*orderedmap.OrderedMap)
	if !ok {
		return nil, utils.NewCryptoError("Expected object at top level")
	}
	return om, nil
}

func isMapCode(code byte) bool {
	return msgpcode.IsFixedMap(code) || code == msgpcode.Map16 || code == msgpcode.Map32
}

func isArrayCode(code byte) bool {
	return msgpcode.IsFixedArray(code) || code == msgpcode.Array16 || code == msgpcode.Array32
}

func decodeOrderedValue(dec *msgpack.Decoder) (any, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return nil, utils.NewCryptoError(fmt.Sprintf("msgpack decode: %v", err))
	}

	switch {
	case isMapCode(code):
		n, err := dec.DecodeMapLen()
		if err != nil {
			return nil, utils.NewCryptoError(fmt.Sprintf("msgpack decode: %v", err))
		}
		om := orderedmap.New()
		om.SetEscapeHTML(false)
		for i := 0; i < n; i++ {
			key, err := decodeOrderedValue(dec)
			if err != nil {
				return nil, err
			}
			value, err := decodeOrderedValue(dec)
			if err != nil {
				return nil, err
			}
			switch k := key.(type) {
			case string:
				om.Set(k, value)
			case int64:
				om.Set(strconv.FormatInt(k, 10), value)
			case uint64:
				om.Set(strconv.FormatUint(k, 10), value)
			default:
				// non-string, non-integer keys are dropped
			}
		}
		return om, nil

	case isArrayCode(code):
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, utils.NewCryptoError(fmt.Sprintf("msgpack decode: %v", err))
		}
		arr := make([]any, 0, n)
		for i := 0; i < n; i++ {
			v, err := decodeOrderedValue(dec)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil

	case msgpcode.IsString(code):
		s, err := dec.DecodeString()
		if err != nil {
			return nil, utils.NewCryptoError(fmt.Sprintf("msgpack decode: %v", err))
		}
		return s, nil

	case msgpcode.IsBin(code):
		b, err := dec.DecodeBytes()
		if err != nil {
			return nil, utils.NewCryptoError(fmt.Sprintf("msgpack decode: %v", err))
		}
		return base64.StdEncoding.EncodeToString(b), nil

	case msgpcode.IsExt(code):
		raw, err := decodeRawExt(dec)
		if err != nil {
			return nil, err
		}
		return base64.StdEncoding.EncodeToString(raw), nil

	case code == msgpcode.Nil:
		if err := dec.DecodeNil(); err != nil {
			return nil, utils.NewCryptoError(fmt.Sprintf("msgpack decode: %v", err))
		}
		return nil, nil

	case code == msgpcode.True, code == msgpcode.False:
		b, err := dec.DecodeBool()
		if err != nil {
			return nil, utils.NewCryptoError(fmt.Sprintf("msgpack decode: %v", err))
		}
		return b, nil

	case code == msgpcode.Float:
		f, err := dec.DecodeFloat32()
		if err != nil {
			return nil, utils.NewCryptoError(fmt.Sprintf("msgpack decode: %v", err))
		}
		f64 := float64(f)
		if math.IsNaN(f64) || math.IsInf(f64, 0) {
			return nil, utils.NewCryptoError("Invalid float")
		}
		return f64, nil

	case code == msgpcode.Double:
		f, err := dec.DecodeFloat64()
		if err != nil {
			return nil, utils.NewCryptoError(fmt.Sprintf("msgpack decode: %v", err))
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, utils.NewCryptoError("Invalid float")
		}
		return f, nil

	case code == msgpcode.Uint64:
		u, err := dec.DecodeUint64()
		if err != nil {
			return nil, utils.NewCryptoError(fmt.Sprintf("msgpack decode: %v", err))
		}
		return u, nil

	default:
		// positive/negative fixnums and the remaining int codes
		i, err := dec.DecodeInt64()
		if err != nil {
			return nil, utils.NewCryptoError(fmt.Sprintf("msgpack decode: %v", err))
		}
		return i, nil
	}
}

// decodeRawExt captures an ext value's payload bytes. The decoder hands
// back the whole encoded value; the header length depends on the code.
func decodeRawExt(dec *msgpack.Decoder) ([]byte, error) {
	var raw msgpack.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, utils.NewCryptoError(fmt.Sprintf("msgpack decode: %v", err))
	}
	if len(raw) == 0 {
		return nil, utils.NewCryptoError("empty ext value")
	}
	var headerLen int
	switch raw[0] {
	case msgpcode.FixExt1, msgpcode.FixExt2, msgpcode.FixExt4, msgpcode.FixExt8, msgpcode.FixExt16:
		headerLen = 2
	case msgpcode.Ext8:
		headerLen = 3
	case msgpcode.Ext16:
		headerLen = 4
	case msgpcode.Ext32:
		headerLen = 6
	default:
		return nil, utils.NewCryptoError(fmt.Sprintf("unexpected ext code: 0x%x", raw[0]))
	}
	if len(raw) < headerLen {
		return nil, utils.NewCryptoError("truncated ext value")
	}
	return raw[headerLen:], nil
}
