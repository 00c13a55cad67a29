package iocli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Stdio reads from stdin and writes to stdout
type Stdio struct {
	in    *bufio.Reader
	out   io.Writer
	inFd  int
	isTTY bool
}

// NewStdio creates IO bound to the process terminal
func NewStdio() IO {
	return NewStreams(os.Stdin, os.Stdout)
}

// NewStreams creates IO over arbitrary streams. Secrets are read without
// echo only when in is a terminal.
func NewStreams(in io.Reader, out io.Writer) IO {
	s := &Stdio{in: bufio.NewReader(in), out: out, inFd: -1}
	if f, ok := in.(*os.File); ok {
		s.inFd = int(f.Fd())
		s.isTTY = term.IsTerminal(s.inFd)
	}
	return s
}

func (s *Stdio) Println(a ...any) {
	_, _ = fmt.Fprintln(s.out, a...)
}

func (s *Stdio) Printf(format string, a ...any) {
	_, _ = fmt.Fprintf(s.out, format, a...)
}

func (s *Stdio) Write(p []byte) (int, error) {
	return s.out.Write(p)
}

func (s *Stdio) ReadInput(prompt string) (string, error) {
	s.Printf("%s", prompt)
	input, err := s.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && input != "") {
		return "", err
	}
	return strings.TrimSpace(input), nil
}

func (s *Stdio) ReadPassword(prompt string) (string, error) {
	if !s.isTTY {
		// Не терминал (pipe, тесты): читаем строку как есть
		return s.ReadInput(prompt)
	}

	s.Printf("%s", prompt)
	pwBytes, err := term.ReadPassword(s.inFd)
	s.Println("")
	if err != nil {
		return "", err
	}
	return string(pwBytes), nil
}
