package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of every key this package produces.
const KeySize = 32

// GenerateKey generates a 32-byte cryptographically secure random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return key, nil
}

// DeriveKEK derives a Key Encryption Key from secret using HKDF-SHA256.
func DeriveKEK(secret []byte, context string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("deriving KEK: empty secret")
	}
	kek := make([]byte, KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(context))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("deriving KEK: %w", err)
	}
	return kek, nil
}

// EncryptAESGCM encrypts plaintext with AES-256-GCM, authenticating aad alongside it.
// Returns ciphertext and nonce separately.
func EncryptAESGCM(plaintext, key, aad []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, aad)
	return ciphertext, nonce, nil
}

// DecryptAESGCM decrypts AES-256-GCM ciphertext produced with the same aad.
func DecryptAESGCM(ciphertext, nonce, key, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// Sealer encrypts short strings under a single derived key.
type Sealer struct {
	key []byte
}

// NewSealer derives a KEK from secret and context.
func NewSealer(secret []byte, context string) (*Sealer, error) {
	kek, err := DeriveKEK(secret, context)
	if err != nil {
		return nil, err
	}
	return &Sealer{key: kek}, nil
}

// SealString encrypts s and returns base64(nonce || ciphertext). aad binds the
// ciphertext to its owner so it cannot be replayed under another one.
func (s *Sealer) SealString(plaintext, aad string) (string, error) {
	ciphertext, nonce, err := EncryptAESGCM([]byte(plaintext), s.key, []byte(aad))
	if err != nil {
		return "", err
	}
	buf := make([]byte, len(nonce)+len(ciphertext))
	copy(buf, nonce)
	copy(buf[len(nonce):], ciphertext)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// OpenString reverses SealString.
func (s *Sealer) OpenString(sealed, aad string) (string, error) {
	buf, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decoding sealed value: %w", err)
	}
	gcm, err := newGCM(s.key)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(buf) < nonceSize {
		return "", errors.New("sealed value too short")
	}
	plaintext, err := DecryptAESGCM(buf[nonceSize:], buf[:nonceSize], s.key, []byte(aad))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
