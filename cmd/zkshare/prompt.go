package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

var (
	errPasswordMismatch = errors.New("passwords do not match")
	errNoTerminal       = errors.New("a password is required but stdin is not a terminal; pass --password")
)

// Replaced in tests.
var (
	readPassword    = term.ReadPassword
	stdinIsTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
)

// promptPassword reads a password from the terminal without echo.
func promptPassword(w io.Writer, label string) (string, error) {
	if !stdinIsTerminal() {
		return "", errNoTerminal
	}
	fmt.Fprint(w, label)
	raw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(raw), nil
}

// promptNewPassword asks twice and requires both entries to match.
func promptNewPassword(w io.Writer) (string, error) {
	first, err := promptPassword(w, "Choose a password: ")
	if err != nil {
		return "", err
	}
	second, err := promptPassword(w, "Repeat password: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errPasswordMismatch
	}
	return first, nil
}
