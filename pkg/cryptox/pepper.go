package cryptox

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrPepperPathUnset reports that hashing was attempted before
// SetPepperPath configured a pepper location.
var ErrPepperPathUnset = errors.New("cryptox: pepper path not configured")

var (
	// Pepper is loaded from a file on first use and generated if missing.
	pepper     string
	pepperFile string
)

// SetPepperPath configures where the password pepper is stored. Call once
// during startup, before any hashing.
func SetPepperPath(file string) {
	pepperFile = file
}

// GetPepper returns the process pepper, loading or generating it on first
// use. It fails rather than terminating so callers can surface the error.
func GetPepper() (string, error) {
	if pepper != "" {
		return pepper, nil
	}
	if pepperFile == "" {
		return "", ErrPepperPathUnset
	}

	loaded, err := loadOrGeneratePepper()
	if err != nil {
		return "", fmt.Errorf("cryptox: load pepper: %w", err)
	}

	pepper = loaded
	return pepper, nil
}

// loadOrGeneratePepper loads the pepper from a file or generates one if
// not found.
func loadOrGeneratePepper() (string, error) {
	pepperFile = filepath.Clean(pepperFile)
	if err := os.MkdirAll(filepath.Dir(pepperFile), 0750); err != nil {
		return "", err
	}

	if _, err := os.Stat(pepperFile); os.IsNotExist(err) {
		raw := make([]byte, argonKeyLength)
		if _, err := rand.Read(raw); err != nil {
			return "", err
		}
		generated := base64.RawURLEncoding.EncodeToString(raw)

		if err := os.WriteFile(pepperFile, []byte(generated), 0600); err != nil {
			return "", err
		}
		return generated, nil
	}

	raw, err := os.ReadFile(pepperFile)
	if err != nil {
		return "", err
	}

	return string(raw), nil
}
