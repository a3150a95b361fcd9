package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest name written next to the config file.
const ChecksumFile = ".checksums"

const manifestVersion = 1

// ErrNoChecksums is returned when no manifest exists beside the config.
var ErrNoChecksums = errors.New("checksums file not found (run 'ticketd config lock')")

// ChecksumManifest records the expected BLAKE3 hash per config file name.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// LockReport captures what `config lock` wrote.
type LockReport struct {
	ConfigPath   string
	ChecksumPath string
	Hash         string
}

// ComputeBlake3Hash streams a file through BLAKE3 and returns the hex digest.
func ComputeBlake3Hash(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFileHash compares a file against an expected BLAKE3 digest.
func VerifyFileHash(filePath, expectedHash string) error {
	actual, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}
	if actual != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actual)
	}
	return nil
}

// LoadChecksums reads the manifest from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ChecksumFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, ErrNoChecksums
	case err != nil:
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	m := &ChecksumManifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported checksums version: %d", m.Version)
	}
	if m.Hashes == nil {
		m.Hashes = map[string]string{}
	}
	return m, nil
}

// save writes the manifest through a temp file and rename so a crash never
// leaves a half-written manifest behind.
func (m *ChecksumManifest) save(dir string) (string, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checksums: %w", err)
	}
	target := filepath.Join(dir, ChecksumFile)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write checksums: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to write checksums: %w", err)
	}
	return target, nil
}

// LockConfig hashes the config file and records it in the manifest beside
// it. Entries for other files in the same directory are kept.
func LockConfig(configPath string) (*LockReport, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	dir, name := filepath.Split(absPath)

	manifest, err := LoadChecksums(dir)
	if errors.Is(err, ErrNoChecksums) {
		manifest, err = &ChecksumManifest{Version: manifestVersion, Hashes: map[string]string{}}, nil
	}
	if err != nil {
		return nil, err
	}

	sum, err := ComputeBlake3Hash(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", name, err)
	}
	manifest.Hashes[name] = sum
	manifest.GeneratedAt = time.Now().UTC().Format(time.RFC3339)

	written, err := manifest.save(dir)
	if err != nil {
		return nil, err
	}
	return &LockReport{ConfigPath: absPath, ChecksumPath: written, Hash: sum}, nil
}

// VerifyConfigFile checks the config file against its manifest entry. A
// missing manifest is reported as ErrNoChecksums.
func VerifyConfigFile(configPath string) error {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return err
	}
	dir, name := filepath.Split(absPath)

	manifest, err := LoadChecksums(dir)
	if err != nil {
		return err
	}
	expected, ok := manifest.Hashes[name]
	if !ok {
		return fmt.Errorf("%s has no hash in checksums (run 'ticketd config lock')", name)
	}
	if err := VerifyFileHash(absPath, expected); err != nil {
		return fmt.Errorf("config verification failed: %w\n"+
			"If you edited this file intentionally, run: ticketd config lock", err)
	}
	return nil
}

// VerifyChecksumsIfPresent is VerifyConfigFile that tolerates a missing manifest.
func VerifyChecksumsIfPresent(configPath string) error {
	if err := VerifyConfigFile(configPath); !errors.Is(err, ErrNoChecksums) {
		return err
	}
	return nil
}
