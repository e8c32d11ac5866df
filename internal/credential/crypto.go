package credential

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Password-based authenticated encryption for the file and sqlite
// backends: argon2id derives a 32-byte key, XChaCha20-Poly1305 seals.
// Blob layout: magic || salt(16) || nonce(24) || ciphertext.

const (
	blobMagic = "AQV1"
	saltSize  = 16

	// argon2id parameters: time=1, memory=64 MiB, threads=4.
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
)

// deriveKey stretches a password into an AEAD key.
func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, kdfTime, kdfMemory, kdfThreads, chacha20poly1305.KeySize)
}

// sealWithPassword encrypts plaintext under a fresh salt and nonce.
func sealWithPassword(password string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	aead, err := chacha20poly1305.NewX(deriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	blob := make([]byte, 0, len(blobMagic)+saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	blob = append(blob, blobMagic...)
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	return aead.Seal(blob, nonce, plaintext, nil), nil
}

// openWithPassword decrypts a blob produced by sealWithPassword. An
// authentication failure is reported as ErrWrongPassword.
func openWithPassword(password string, blob []byte) ([]byte, error) {
	header := len(blobMagic) + saltSize + chacha20poly1305.NonceSizeX
	if len(blob) < header || string(blob[:len(blobMagic)]) != blobMagic {
		return nil, fmt.Errorf("credential store blob is corrupt or not an aquaman store")
	}

	salt := blob[len(blobMagic) : len(blobMagic)+saltSize]
	nonce := blob[len(blobMagic)+saltSize : header]
	ciphertext := blob[header:]

	aead, err := chacha20poly1305.NewX(deriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrongPassword
	}
	return plaintext, nil
}
