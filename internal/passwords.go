package internal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"

	"github.com/sensiblebit/pfxkit"
)

// ErrNoTerminal is returned by PromptPassword when input is not interactive.
var ErrNoTerminal = errors.New("password prompt requires a terminal")

// LoadPasswordsFromFile loads passwords from a file, one per line. Blank
// lines are skipped; other lines are kept verbatim apart from the line
// ending, since leading spaces can be part of a password.
func LoadPasswordsFromFile(filename string) ([]string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var passwords []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		passwords = append(passwords, line)
	}
	return passwords, scanner.Err()
}

// ProcessPasswords merges the default candidates, passwordList and the
// contents of passwordFile into one ordered, duplicate-free list.
func ProcessPasswords(passwordList []string, passwordFile string) ([]string, error) {
	extra := append([]string(nil), passwordList...)
	if passwordFile != "" {
		filePasswords, err := LoadPasswordsFromFile(passwordFile)
		if err != nil {
			return nil, fmt.Errorf("loading passwords from file: %w", err)
		}
		extra = append(extra, filePasswords...)
	}
	return pfxkit.DeduplicatePasswords(extra), nil
}

// PromptPassword writes prompt to out and reads a password from in without
// echo. It fails with ErrNoTerminal when in is not a terminal, so scripted
// runs never block.
func PromptPassword(in *os.File, out io.Writer, prompt string) (string, error) {
	fd := in.Fd()
	if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		return "", ErrNoTerminal
	}
	_, _ = fmt.Fprint(out, prompt)
	pw, err := term.ReadPassword(int(fd))
	_, _ = fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}
