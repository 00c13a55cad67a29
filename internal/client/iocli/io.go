// Package iocli abstracts terminal input and output for the CLI.
package iocli

//go:generate moq -out io_mock.go . IO

// IO терминал техника: вывод, ввод строк и скрытый ввод секретов
type IO interface {
	Println(a ...any)
	Printf(format string, a ...any)
	ReadInput(prompt string) (string, error)
	ReadPassword(prompt string) (string, error)
	Write(p []byte) (n int, err error)
}
