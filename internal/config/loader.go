package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Load reads a snapshot from the given JSON file, applying defaults for
// every field the file does not set.
func Load(path string) (Snapshot, error) {
	s := Default()

	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return s, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}
