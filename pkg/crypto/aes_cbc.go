package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"github.com/zenazn/pkcs7pad"
)

var (
	ErrMalformedPayload = errors.New("malformed encrypted payload")
	ErrAuthentication   = errors.New("encrypted payload failed authentication")
)

// AesCbc encrypts payloads with AES-CBC and PKCS#7 padding, then appends an
// HMAC-SHA256 over IV and ciphertext. Every payload gets its own random IV.
//
// Layout: IV | ciphertext | MAC.
type AesCbc struct {
	cipher cipher.Block
	macKey []byte
}

type AesCbcConfig struct {
	// Key must be 16, 24 or 32 bytes long.
	Key    []byte
	MACKey []byte
}

func NewAesCbc(cfg AesCbcConfig) (*AesCbc, error) {
	cipher, err := aes.NewCipher(cfg.Key)
	if err != nil {
		return nil, err
	}

	if len(cfg.MACKey) == 0 {
		return nil, errors.New("empty MAC key")
	}

	return &AesCbc{
		cipher: cipher,
		macKey: cfg.MACKey,
	}, nil
}

// NewAesCbcFromSecret derives the encryption and MAC keys from a shared
// passphrase.
func NewAesCbcFromSecret(secret string) (*AesCbc, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty secret")
	}

	key := sha256.Sum256([]byte("p2p-call/enc:" + secret))
	macKey := sha256.Sum256([]byte("p2p-call/mac:" + secret))

	return NewAesCbc(AesCbcConfig{
		Key:    key[:],
		MACKey: macKey[:],
	})
}

func (c *AesCbc) Encrypt(payload []byte) ([]byte, error) {
	size := c.cipher.BlockSize()
	payload = pkcs7pad.Pad(payload, size)

	encrypted := make([]byte, size+len(payload))
	iv := encrypted[:size]

	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}

	encrypter := cipher.NewCBCEncrypter(c.cipher, iv)
	encrypter.CryptBlocks(encrypted[size:], payload)

	return append(encrypted, c.mac(encrypted)...), nil
}

func (c *AesCbc) Decrypt(payload []byte) ([]byte, error) {
	size := c.cipher.BlockSize()

	body := len(payload) - sha256.Size
	if body < 2*size || body%size != 0 {
		return nil, ErrMalformedPayload
	}

	if !hmac.Equal(payload[body:], c.mac(payload[:body])) {
		return nil, ErrAuthentication
	}

	decrypter := cipher.NewCBCDecrypter(c.cipher, payload[:size])
	decrypted := make([]byte, body-size)

	decrypter.CryptBlocks(decrypted, payload[size:body])

	return pkcs7pad.Unpad(decrypted)
}

func (c *AesCbc) mac(data []byte) []byte {
	h := hmac.New(sha256.New, c.macKey)
	h.Write(data)

	return h.Sum(nil)
}
