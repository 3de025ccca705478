// Package crypto seals secrets kept in the local config table, such as the
// bearer token, with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	apperrors "github.com/salvacell/offsync/internal/errors"
)

// SealedPrefix marks a value produced by Seal. Values without it are
// treated as legacy plaintext.
const SealedPrefix = "enc:v1:"

// The salt is fixed so a secret maps to one key across processes.
var keySalt = []byte("offsync/token-key/v1")

const keyIterations = 100000

// Encrypt encrypts plaintext with a key derived from key and returns the
// base64 of nonce||ciphertext.
func Encrypt(plaintext, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "read nonce", err)
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, plaintext, nil)), nil
}

// Decrypt reverses Encrypt. A wrong key or tampered input is INVALID_INPUT.
func Decrypt(ciphertext string, key []byte) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid ciphertext", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(data) < gcm.NonceSize() {
		return nil, apperrors.New(apperrors.ErrInvalid, "invalid ciphertext")
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "invalid ciphertext")
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "empty encryption key")
	}
	derived := sha256.Sum256(key)
	block, err := aes.NewCipher(derived[:])
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "create gcm", err)
	}
	return gcm, nil
}

// DeriveKey derives a key from a secret. The same secret always yields the
// same key.
func DeriveKey(secret string) []byte {
	return pbkdf2.Key([]byte(secret), keySalt, keyIterations, 32, sha256.New)
}

// MachineKey derives a key from secret, or from the host name when secret
// is empty.
func MachineKey(secret string) []byte {
	if secret == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "offsync-default-key"
		}
		secret = host
	}
	return DeriveKey(secret)
}

// Seal encrypts value for storage. The empty string stays empty.
func Seal(value string, key []byte) (string, error) {
	if value == "" {
		return "", nil
	}
	ct, err := Encrypt([]byte(value), key)
	if err != nil {
		return "", err
	}
	return SealedPrefix + ct, nil
}

// Open returns the plaintext of a stored value. Unsealed values are
// returned unchanged.
func Open(stored string, key []byte) (string, error) {
	if !IsSealed(stored) {
		return stored, nil
	}
	pt, err := Decrypt(strings.TrimPrefix(stored, SealedPrefix), key)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// IsSealed reports whether stored was produced by Seal.
func IsSealed(stored string) bool {
	return strings.HasPrefix(stored, SealedPrefix)
}
