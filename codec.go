package main

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr/nip04"
)

// DecryptError marks a nip04 decryption failure so the dispatcher can tell
// a corrupt payload apart from malformed JSON inside a valid one.
type DecryptError struct {
	cause error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("failed to decrypt content: %v", e.cause)
}

func (e *DecryptError) Unwrap() error {
	return e.cause
}

// EncryptContent encrypts a plaintext payload with a nip04 shared secret.
func EncryptContent(sharedSecret []byte, plaintext string) (string, error) {
	encrypted, err := nip04.Encrypt(plaintext, sharedSecret)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt content: %w", err)
	}
	return encrypted, nil
}

// DecryptContent decrypts a nip04 payload. Failures come back as
// *DecryptError.
func DecryptContent(sharedSecret []byte, ciphertext string) (string, error) {
	plaintext, err := nip04.Decrypt(ciphertext, sharedSecret)
	if err != nil {
		return "", &DecryptError{cause: err}
	}
	return plaintext, nil
}
