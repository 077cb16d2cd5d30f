// Package codec encrypts the proxy credential for transit. The key is derived
// from the shared secret with PBKDF2-HMAC-SHA256 and a static salt: the
// derivation must be deterministic across broker restarts so existing clients
// can keep decrypting, which is why the salt is fixed rather than stored.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/EPguitars/proxycare/internal/model"
)

const (
	kdfIterations = 100_000
	keyLen        = 32
)

// staticSalt matches the historical derivation; changing it invalidates every
// deployed client key.
var staticSalt = []byte("proxycare_static_salt_value")

var errEmptySecret = errors.New("codec: empty secret")

// Codec performs authenticated encryption of credential strings with a key
// derived once at construction.
type Codec struct {
	aead cipher.AEAD
}

// New derives the session key from secret and returns a ready Codec.
func New(secret string) (*Codec, error) {
	if secret == "" {
		return nil, errEmptySecret
	}
	key := pbkdf2.Key([]byte(secret), staticSalt, kdfIterations, keyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("codec: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("codec: init gcm: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encrypt seals plaintext and returns URL-safe base64 of nonce||ciphertext.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("codec: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It fails if the payload was sealed with a
// different key or has been tampered with.
func (c *Codec) Decrypt(encoded string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("codec: decode: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", errors.New("codec: payload too short")
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("codec: open: %w", err)
	}
	return string(plain), nil
}

// EncryptRecord returns a copy of rec with the credential sealed and the
// _encrypted flag set. The input record is not modified.
func (c *Codec) EncryptRecord(rec model.ProxyRecord) (model.ProxyRecord, error) {
	if rec.Proxy == "" {
		return rec, nil
	}
	sealed, err := c.Encrypt(rec.Proxy)
	if err != nil {
		return rec, err
	}
	rec.Proxy = sealed
	rec.Encrypted = true
	return rec, nil
}

// DecryptRecord reverses EncryptRecord for records flagged as encrypted.
func (c *Codec) DecryptRecord(rec model.ProxyRecord) (model.ProxyRecord, error) {
	if !rec.Encrypted {
		return rec, nil
	}
	plain, err := c.Decrypt(rec.Proxy)
	if err != nil {
		return rec, err
	}
	rec.Proxy = plain
	rec.Encrypted = false
	return rec, nil
}
