package extinstall

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

var dottedVersionPattern = regexp.MustCompile(`^\d+(\.\d+){0,3}$`)

type manifest struct {
	ManifestVersion int    `json:"manifest_version"`
	Version         string `json:"version"`
	Name            string `json:"name"`
}

// validateManifest reads and validates extRoot/manifest.json: it must be valid JSON,
// declare manifest_version 3, and carry a dotted-numeric version of 1-4 components.
func validateManifest(extRoot string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(extRoot, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("read manifest.json: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest.json: %w", err)
	}
	if m.ManifestVersion != 3 {
		return nil, fmt.Errorf("unsupported manifest_version %d (want 3)", m.ManifestVersion)
	}
	if !dottedVersionPattern.MatchString(m.Version) {
		return nil, fmt.Errorf("invalid version %q (want dotted-numeric, 1-4 components)", m.Version)
	}

	return &m, nil
}
