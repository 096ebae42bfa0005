package provision

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// stateFileName is the provisioning state record inside a state directory.
const stateFileName = "provision-state.yaml"

// State is the persisted provisioning record used for reuse decisions.
type State struct {
	// Checksum covers the environment class, options, provisioner config,
	// and any recipe file contents from the last successful provision.
	Checksum string `yaml:"checksum"`

	// ProvisionedAt is when the last successful provision completed.
	ProvisionedAt time.Time `yaml:"provisioned_at"`

	// Snapshots indexes the snapshots created since the last rebuild.
	Snapshots []string `yaml:"snapshots,omitempty"`
}

// loadState reads the state record. A missing record returns (nil, nil).
func loadState(stateDir string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read provision state: %w", err)
	}

	var s State
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse provision state: %w", err)
	}
	return &s, nil
}

// saveState overwrites the state record.
func saveState(stateDir string, s *State) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal provision state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, stateFileName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write provision state: %w", err)
	}
	return nil
}

// removeState deletes the state record. Missing records are fine.
func removeState(stateDir string) error {
	err := os.Remove(filepath.Join(stateDir, stateFileName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// checksumInputs hashes the reuse-relevant inputs: the environment class and
// options, the provisioner configuration, and the content hash of every
// recipe file (sorted by path so ordering never changes the result). Any
// changed recipe file therefore forces a rebuild even when all other options
// are identical.
func checksumInputs(envClass string, options any, config any, recipePaths []string) (string, error) {
	h := sha256.New()

	h.Write([]byte(envClass))

	optData, err := yaml.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("failed to marshal options for checksum: %w", err)
	}
	h.Write(optData)

	cfgData, err := yaml.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config for checksum: %w", err)
	}
	h.Write(cfgData)

	sorted := make([]string, len(recipePaths))
	copy(sorted, recipePaths)
	sort.Strings(sorted)
	for _, path := range sorted {
		fileHash, err := hashFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to hash recipe %s: %w", path, err)
		}
		h.Write([]byte(path))
		h.Write([]byte(fileHash))
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashFile returns the hex SHA-256 of a file's contents.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
