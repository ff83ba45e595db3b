package dsconfig

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/dirstore/pkg/pathmunge"
	"github.com/cuemby/dirstore/pkg/record"
)

const identityFile = "identity"

// GenerateIdentity returns 16 random bytes, hex-encoded, used to tell apart
// otherwise-identical-looking stores (e.g. after a filesystem-level clone).
// crypto/rand never needs the /dev/urandom-or-fallback dance the original
// tool did.
func GenerateIdentity() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("dsconfig: generate identity: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Create lays out a brand new store directory: A/, B/, journal/, misc/,
// config/, writes config/settings and config/identity, and initializes the
// three root scalar files to zero.
func Create(dir string, s *Settings) error {
	for _, sub := range []string{"A", "B", "journal", "misc", "config"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("dsconfig: create %s: %w", sub, err)
		}
	}

	if err := Save(filepath.Join(dir, "config", "settings"), s); err != nil {
		return err
	}

	identity, err := GenerateIdentity()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "config", identityFile), []byte(identity), 0o644); err != nil {
		return fmt.Errorf("dsconfig: write identity: %w", err)
	}

	scheme, err := pathmunge.Resolve(s.Format)
	if err != nil {
		return fmt.Errorf("dsconfig: %w", err)
	}
	var zero8 [8]byte
	for _, name := range []string{record.RootOIDFile, record.RootSerialFile, record.RootPackedFile} {
		path := filepath.Join(dir, "A", scheme.Munge(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("dsconfig: create directory for %s: %w", name, err)
		}
		if err := os.WriteFile(path, zero8[:], 0o644); err != nil {
			return fmt.Errorf("dsconfig: write %s: %w", name, err)
		}
	}
	return nil
}

// ReadIdentity reads back the identity written by Create.
func ReadIdentity(dir string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, "config", identityFile))
	if err != nil {
		return "", fmt.Errorf("dsconfig: read identity: %w", err)
	}
	return string(b), nil
}
