package iocli

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Проверяем что NewStdio возвращает валидный объект
func TestNewStdio(t *testing.T) {
	stdio := NewStdio()
	assert.NotNil(t, stdio)
}

func TestPrintlnAndPrintf(t *testing.T) {
	var out bytes.Buffer
	stdio := NewStreams(strings.NewReader(""), &out)

	stdio.Println("hello", "world")
	stdio.Printf("test %d %s\n", 1, "abc")
	_, err := stdio.Write([]byte("raw"))
	require.NoError(t, err)

	assert.Equal(t, "hello world\ntest 1 abc\nraw", out.String())
}

// Тест ReadInput: читаем из буфера вместо os.Stdin
func TestReadInput(t *testing.T) {
	var out bytes.Buffer
	stdio := NewStreams(strings.NewReader("GF-000123\n  5CG1234XYZ  \nlast"), &out)

	first, err := stdio.ReadInput("Scan: ")
	require.NoError(t, err)
	assert.Equal(t, "GF-000123", first)

	second, err := stdio.ReadInput("Scan: ")
	require.NoError(t, err)
	assert.Equal(t, "5CG1234XYZ", second)

	// Последняя строка без перевода строки
	last, err := stdio.ReadInput("Scan: ")
	require.NoError(t, err)
	assert.Equal(t, "last", last)

	_, err = stdio.ReadInput("Scan: ")
	assert.Error(t, err)
	assert.Equal(t, "Scan: Scan: Scan: Scan: ", out.String())
}

// ReadPassword из pipe читает строку без отключения эха
func TestReadPassword_Pipe(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	go func() {
		_, _ = w.Write([]byte("s3cret passphrase\n"))
		_ = w.Close()
	}()
	defer func() { _ = r.Close() }()

	var out bytes.Buffer
	stdio := NewStreams(r, &out)
	secret, err := stdio.ReadPassword("Passphrase: ")
	require.NoError(t, err)
	assert.Equal(t, "s3cret passphrase", secret)
}
