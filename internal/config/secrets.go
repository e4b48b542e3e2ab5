package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// secretStore abstracts where API keys live when they are not in the
// environment.
type secretStore interface {
	Get(account string) (string, error)
}

// fileSecrets keeps secrets in a 0600 JSON file next to the data directory.
type fileSecrets struct {
	path string
}

func defaultSecrets() fileSecrets {
	return fileSecrets{path: filepath.Join(defaultDataDir(), "secrets.json")}
}

func (s fileSecrets) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var secrets map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (s fileSecrets) Get(account string) (string, error) {
	secrets, err := s.read()
	if err != nil {
		return "", fmt.Errorf("secret store not available: %w", err)
	}
	val, ok := secrets[account]
	if !ok {
		return "", fmt.Errorf("secret %q not found", account)
	}
	return val, nil
}

func (s fileSecrets) Set(account, value string) error {
	secrets, err := s.read()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if secrets == nil {
		secrets = make(map[string]string)
	}
	secrets[account] = value

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, out, 0o600)
}
