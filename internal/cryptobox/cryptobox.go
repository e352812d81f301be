// internal/cryptobox/cryptobox.go
// Package cryptobox derives symmetric keys from passphrases and seals whole
// store snapshots as authenticated-encryption envelopes. A wrong passphrase
// or corrupted ciphertext surfaces as a typed decryption error, never as
// silently-wrong plaintext.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/powerclubglobal/sovereign-storage-go/internal/errors"
)

// Key derivation parameters. The iteration count is deliberately high so
// brute-forcing a weak passphrase is costly.
const (
	keyLen     = 32
	iterations = 100_000
)

// FixedSalt is the wire-compatible key-derivation salt shared by all users.
// A per-user random salt stored alongside the ciphertext would be stronger,
// but changes the wire format for every existing replica.
var FixedSalt = []byte("sovereign_storage_salt")

// DeriveKey derives a 32-byte AES key from a passphrase via
// PBKDF2-SHA256.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, iterations, keyLen, sha256.New)
}

// Encrypt seals plaintext with AES-256-GCM. The random 12-byte nonce is
// prepended to the returned ciphertext.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(errors.STORAGE_INTERNAL, "cipher init failed", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(errors.STORAGE_INTERNAL, "gcm init failed", err)
	}

	nonce := make([]byte, aesgcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(errors.STORAGE_INTERNAL, "nonce generation failed", err)
	}

	return aesgcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt. An authentication
// failure, wrong key, or truncated envelope returns a STORAGE_DECRYPT
// error.
func Decrypt(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(errors.STORAGE_INTERNAL, "cipher init failed", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(errors.STORAGE_INTERNAL, "gcm init failed", err)
	}

	if len(ciphertext) < aesgcm.NonceSize() {
		return nil, errors.New(errors.STORAGE_DECRYPT, "ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:aesgcm.NonceSize()], ciphertext[aesgcm.NonceSize():]

	plaintext, err := aesgcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.Wrap(errors.STORAGE_DECRYPT, "authentication failed", err)
	}
	return plaintext, nil
}
