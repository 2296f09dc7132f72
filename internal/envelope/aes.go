package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"

	"github.com/pkg/errors"
)

// MD5Hex returns the lowercase hex MD5 of text, the hash the wire protocol is
// built on end to end.
func MD5Hex(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// CBCCipher is an AES-128-CBC cipher with a fixed key/iv pair. The long-lived
// signing cipher is one of these, derived from the authorization token.
type CBCCipher struct {
	key []byte
	iv  []byte
}

// NewCBCCipher creates a CBC cipher. Key and iv must both be 16 bytes.
func NewCBCCipher(key, iv string) (*CBCCipher, error) {
	if len(key) != aes.BlockSize || len(iv) != aes.BlockSize {
		return nil, errors.Errorf("invalid aes key/iv length: %d/%d", len(key), len(iv))
	}
	return &CBCCipher{key: []byte(key), iv: []byte(iv)}, nil
}

// Encrypt encrypts plaintext with PKCS7 padding and returns base64.
func (c *CBCCipher) Encrypt(plaintext string) (string, error) {
	return c.encrypt([]byte(plaintext), pkcs7Pad)
}

// EncryptZeroPadded encrypts plaintext with zero padding and returns base64.
// The password grant is the only caller that needs this mode.
func (c *CBCCipher) EncryptZeroPadded(plaintext string) (string, error) {
	return c.encrypt([]byte(plaintext), zeroPad)
}

func (c *CBCCipher) encrypt(plaintext []byte, pad func([]byte, int) []byte) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", errors.Wrap(err, "failed to create aes cipher")
	}

	padded := pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts a base64 ciphertext and strips PKCS7 padding.
func (c *CBCCipher) Decrypt(encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.Wrap(err, "failed to decode ciphertext")
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", errors.Wrap(err, "failed to create aes cipher")
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", errors.Errorf("invalid ciphertext length: %d", len(ciphertext))
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, c.iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

// ECBCipher is an AES-128-ECB cipher. Per-call ephemeral envelopes use this
// mode: key only, no iv.
type ECBCipher struct {
	key []byte
}

// NewECBCipher creates an ECB cipher from a 16 byte key.
func NewECBCipher(key string) (*ECBCipher, error) {
	if len(key) != aes.BlockSize {
		return nil, errors.Errorf("invalid aes key length: %d", len(key))
	}
	return &ECBCipher{key: []byte(key)}, nil
}

// Encrypt encrypts plaintext with PKCS7 padding and returns base64.
func (c *ECBCipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", errors.Wrap(err, "failed to create aes cipher")
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	for i := 0; i < len(padded); i += aes.BlockSize {
		block.Encrypt(ciphertext[i:i+aes.BlockSize], padded[i:i+aes.BlockSize])
	}

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts a base64 ciphertext and strips PKCS7 padding.
func (c *ECBCipher) Decrypt(encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.Wrap(err, "failed to decode ciphertext")
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", errors.Wrap(err, "failed to create aes cipher")
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", errors.Errorf("invalid ciphertext length: %d", len(ciphertext))
	}

	plaintext := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += aes.BlockSize {
		block.Decrypt(plaintext[i:i+aes.BlockSize], ciphertext[i:i+aes.BlockSize])
	}

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, errors.New("invalid pkcs7 padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errors.New("invalid pkcs7 padding")
		}
	}
	return data[:len(data)-padding], nil
}

func zeroPad(data []byte, blockSize int) []byte {
	if rem := len(data) % blockSize; rem != 0 {
		data = append(data, bytes.Repeat([]byte{0}, blockSize-rem)...)
	}
	return data
}
