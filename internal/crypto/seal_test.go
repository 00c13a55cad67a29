package crypto

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	key := make([]byte, 32)
	_, _ = rand.Read(key)

	encrypted, err := Encrypt([]byte("db-password"), key)
	require.NoError(t, err)

	tests := []struct {
		name      string
		errMsg    string
		encrypted []byte
		key       []byte
		wantErr   bool
	}{
		{name: "successful decryption", encrypted: encrypted, key: key},
		{name: "too short", encrypted: make([]byte, 5), key: key, wantErr: true, errMsg: "encrypted data too short"},
		{name: "invalid key length", encrypted: encrypted, key: make([]byte, 16), wantErr: true, errMsg: "encryption key must be 32 bytes"},
		{name: "wrong key", encrypted: encrypted, key: make([]byte, 32), wantErr: true, errMsg: "failed to decrypt"},
		{name: "corrupted data", encrypted: encrypted[:len(encrypted)-1], key: key, wantErr: true, errMsg: "failed to decrypt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plaintext, err := Decrypt(tt.encrypted, tt.key)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "db-password", string(plaintext))
		})
	}

	_, err = Encrypt(nil, key)
	assert.ErrorContains(t, err, "plaintext cannot be empty")
}

func TestSealOpen(t *testing.T) {
	sealed, err := Seal("bench passphrase", "s3cr3t")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, sealPrefix))
	assert.NotContains(t, sealed, "s3cr3t")

	// Соль случайная: одно и то же значение запечатывается по-разному
	again, err := Seal("bench passphrase", "s3cr3t")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again)

	secret, err := Open("bench passphrase", sealed)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", secret)

	tests := []struct {
		name       string
		passphrase string
		sealed     string
	}{
		{name: "wrong passphrase", passphrase: "other", sealed: sealed},
		{name: "unknown format", passphrase: "bench passphrase", sealed: "plain"},
		{name: "invalid base64", passphrase: "bench passphrase", sealed: sealPrefix + "!!!"},
		{name: "too short", passphrase: "bench passphrase", sealed: sealPrefix + "AAAA"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.passphrase, tt.sealed)
			assert.ErrorIs(t, err, ErrSealed)
		})
	}
}

func TestSeal_EmptyPassphrase(t *testing.T) {
	_, err := Seal("", "secret")
	assert.ErrorContains(t, err, "passphrase cannot be empty")
}
