package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	nostr "github.com/nbd-wtf/go-nostr"
)

// Generate returns a fresh random secret key as hex.
func Generate() string {
	return nostr.GeneratePrivateKey()
}

// LoadOrCreate reads the secret key at path, generating and saving one with
// owner-only permissions if the file does not exist.
func LoadOrCreate(path string) (*KeySigner, bool, error) {
	cleaned, err := cleanPath(path)
	if err != nil {
		return nil, false, err
	}

	if _, err := os.Stat(cleaned); os.IsNotExist(err) {
		secret := Generate()
		if err := Save(cleaned, secret); err != nil {
			return nil, false, err
		}
		signer, err := NewKeySigner(secret)
		return signer, true, err
	}

	signer, err := Load(cleaned)
	return signer, false, err
}

// Load reads a secret key file.
func Load(path string) (*KeySigner, error) {
	cleaned, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(cleaned)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return NewKeySigner(strings.TrimSpace(string(content)))
}

// Save writes secret to path, creating the directory if needed.
func Save(path, secret string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

func cleanPath(path string) (string, error) {
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("invalid path: directory traversal detected")
	}
	cleaned := filepath.Clean(path)
	if len(cleaned) > 256 {
		return "", fmt.Errorf("invalid path: path too long")
	}
	return cleaned, nil
}
