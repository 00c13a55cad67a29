package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	// NonceSize - размер nonce для AES-GCM (12 bytes стандартный размер)
	NonceSize = 12

	// sealPrefix версия формата запечатанного значения
	sealPrefix = "v1:"
)

// ErrSealed возвращается при ошибке вскрытия: неверная фраза или поврежденные данные
var ErrSealed = errors.New("cannot open sealed value")

// Encrypt шифрует данные с использованием AES-256-GCM
// Формат результата: nonce (12 bytes) + ciphertext + auth_tag (16 bytes)
func Encrypt(plaintext, key []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext cannot be empty")
	}

	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// GCM добавляет authentication tag в конец
	return aesGCM.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt дешифрует данные, зашифрованные с помощью Encrypt
func Decrypt(encrypted, key []byte) ([]byte, error) {
	if len(encrypted) < NonceSize {
		return nil, fmt.Errorf("encrypted data too short")
	}

	aesGCM, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aesGCM.Open(nil, encrypted[:NonceSize], encrypted[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: authentication failed or corrupted data: %w", err)
	}

	return plaintext, nil
}

// Seal encrypts a secret with a key derived from passphrase. The result is
// self-contained: "v1:" + base64(salt | nonce | ciphertext | tag).
func Seal(passphrase, secret string) (string, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return "", err
	}

	key, err := DeriveKey(passphrase, salt, "seal")
	if err != nil {
		return "", err
	}

	encrypted, err := Encrypt([]byte(secret), key)
	if err != nil {
		return "", err
	}

	blob := make([]byte, 0, len(salt)+len(encrypted))
	blob = append(blob, salt...)
	blob = append(blob, encrypted...)

	return sealPrefix + base64.StdEncoding.EncodeToString(blob), nil
}

// Open decrypts a value produced by Seal
func Open(passphrase, sealed string) (string, error) {
	rest, ok := strings.CutPrefix(sealed, sealPrefix)
	if !ok {
		return "", fmt.Errorf("%w: unknown format", ErrSealed)
	}

	blob, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return "", fmt.Errorf("%w: failed to decode base64: %w", ErrSealed, err)
	}
	if len(blob) < SaltSize+NonceSize {
		return "", fmt.Errorf("%w: value too short", ErrSealed)
	}

	key, err := DeriveKey(passphrase, blob[:SaltSize], "seal")
	if err != nil {
		return "", err
	}

	plaintext, err := Decrypt(blob[SaltSize:], key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSealed, err)
	}

	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return aesGCM, nil
}
