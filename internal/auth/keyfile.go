package auth

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// keysFile is the on-disk key list. `agentguard keygen` prints one list
// item at a time:
//
//	keys:
//	- id: key_3f2a9c0d1e4b5a69
//	  principal: planner-agent
//	  prefix: Qm9vYmFy
//	  hash: $2a$12$...
//	  scopes: [operations:invoke]
type keysFile struct {
	Keys []APIKey `yaml:"keys"`
}

// LoadKeyFile builds a store from the YAML key list at path. A missing file
// yields an empty store, which admits no one.
func LoadKeyFile(path string, cfg Config) (*InMemoryKeyStore, error) {
	store := NewInMemoryKeyStore(cfg)
	if path == "" {
		return store, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return store, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read keys file: %w", err)
	}
	var file keysFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse keys file %s: %w", path, err)
	}
	for _, key := range file.Keys {
		if err := store.Add(key); err != nil {
			return nil, fmt.Errorf("keys file %s: %w", path, err)
		}
	}
	return store, nil
}

// MarshalKeyEntry renders key as one list item to append after the
// top-level keys: line.
func MarshalKeyEntry(key APIKey) ([]byte, error) {
	return yaml.Marshal([]APIKey{key})
}
