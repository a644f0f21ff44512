package contract

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadArtifact reads and decodes a contract artifact document from path.
// The artifact format is plain JSON regardless of the config file format
// used elsewhere, since the artifact is produced by an external tool
// rather than hand-authored alongside service config.
func LoadArtifact(path string) (*Artifact, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("contract: reading artifact %s: %w", path, err)
	}

	var artifact Artifact
	if err := json.Unmarshal(b, &artifact); err != nil {
		return nil, fmt.Errorf("contract: decoding artifact %s: %w", path, err)
	}

	return &artifact, nil
}
