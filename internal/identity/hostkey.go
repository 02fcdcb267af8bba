package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// hostKeyFileName is the name of the file storing a server's persisted
// Ed25519 host key, mirroring the teacher's atomic-write agent-id
// persistence pattern (write to a temp file, then rename).
const hostKeyFileName = "host_ed25519_key"

// SaveHostKey persists priv to dataDir as hex, writing atomically via a
// temp-file-then-rename so a crash mid-write never corrupts the stored
// key.
func SaveHostKey(dataDir string, priv ed25519.PrivateKey) error {
	if len(priv) != ed25519.PrivateKeySize {
		return errors.New("identity: bad host private key length")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("identity: create data directory: %w", err)
	}

	filePath := filepath.Join(dataDir, hostKeyFileName)
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, []byte(hex.EncodeToString(priv)+"\n"), 0600); err != nil {
		return fmt.Errorf("identity: write host key: %w", err)
	}
	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("identity: persist host key: %w", err)
	}
	return nil
}

// LoadHostKey reads a previously persisted Ed25519 host key from dataDir.
func LoadHostKey(dataDir string) (ed25519.PrivateKey, error) {
	filePath := filepath.Join(dataDir, hostKeyFileName)
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("identity: host key not found at %s", filePath)
		}
		return nil, fmt.Errorf("identity: read host key: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("identity: decode host key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, errors.New("identity: stored host key has bad length")
	}
	return ed25519.PrivateKey(raw), nil
}

// LoadOrCreateHostKey loads an existing host key from dataDir, or
// generates and persists a new one if none exists.
func LoadOrCreateHostKey(dataDir string) (ed25519.PrivateKey, bool, error) {
	priv, err := LoadHostKey(dataDir)
	if err == nil {
		return priv, false, nil
	}
	if !strings.Contains(err.Error(), "not found") {
		return nil, false, err
	}

	_, priv, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, false, fmt.Errorf("identity: generate host key: %w", err)
	}
	if err := SaveHostKey(dataDir, priv); err != nil {
		return nil, false, err
	}
	return priv, true, nil
}
