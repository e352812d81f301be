package cryptobox

import (
	"bytes"
	"testing"

	"github.com/powerclubglobal/sovereign-storage-go/internal/errors"
)

func TestDeriveKeyIsDeterministic(t *testing.T) {
	a := DeriveKey("correct horse battery staple", FixedSalt)
	b := DeriveKey("correct horse battery staple", FixedSalt)
	if !bytes.Equal(a, b) {
		t.Error("same passphrase and salt produced different keys")
	}
	if len(a) != 32 {
		t.Errorf("key length = %d, want 32", len(a))
	}
}

func TestDeriveKeyDiffersByPassphrase(t *testing.T) {
	a := DeriveKey("passphrase-one", FixedSalt)
	b := DeriveKey("passphrase-two", FixedSalt)
	if bytes.Equal(a, b) {
		t.Error("different passphrases produced the same key")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := DeriveKey("test-passphrase", FixedSalt)
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Error("ciphertext contains plaintext")
	}

	decrypted, err := Decrypt(ciphertext, key)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Error("round trip did not recover plaintext")
	}
}

func TestEncryptionIsNonDeterministic(t *testing.T) {
	key := DeriveKey("test-passphrase", FixedSalt)
	plaintext := []byte("same input")

	a, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	plaintext := []byte("secret data")
	ciphertext, err := Encrypt(plaintext, DeriveKey("right", FixedSalt))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	_, err = Decrypt(ciphertext, DeriveKey("wrong", FixedSalt))
	if err == nil {
		t.Fatal("expected error decrypting with wrong key")
	}
	if !errors.IsDecrypt(err) {
		t.Errorf("got %v, want STORAGE_DECRYPT", err)
	}
}

func TestDecryptCorruptedCiphertext(t *testing.T) {
	key := DeriveKey("test-passphrase", FixedSalt)
	ciphertext, err := Encrypt([]byte("secret data"), key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	ciphertext[len(ciphertext)-1] ^= 0xff
	if _, err := Decrypt(ciphertext, key); err == nil {
		t.Fatal("expected error decrypting corrupted ciphertext")
	} else if !errors.IsDecrypt(err) {
		t.Errorf("got %v, want STORAGE_DECRYPT", err)
	}
}

func TestDecryptTruncatedCiphertext(t *testing.T) {
	key := DeriveKey("test-passphrase", FixedSalt)
	if _, err := Decrypt([]byte{0x01, 0x02}, key); err == nil {
		t.Fatal("expected error for ciphertext shorter than nonce")
	} else if !errors.IsDecrypt(err) {
		t.Errorf("got %v, want STORAGE_DECRYPT", err)
	}
}
