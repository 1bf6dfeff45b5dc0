package encoding

import (
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"gopkg.in/yaml.v3"
)

// fileVersion is bumped when the dump layout changes.
const fileVersion = 1

// File is the YAML dump of an encoding store.
type File struct {
	Version    int                  `yaml:"version"`
	ExportedAt time.Time            `yaml:"exported_at"`
	Dim        int                  `yaml:"dim"`
	Encodings  []types.FaceEncoding `yaml:"encodings"`
}

// WriteFile dumps encodings to path.
func WriteFile(path string, encs []types.FaceEncoding) error {
	data, err := yaml.Marshal(File{
		Version:    fileVersion,
		ExportedAt: time.Now().UTC(),
		Dim:        Dim,
		Encodings:  encs,
	})
	if err != nil {
		return fmt.Errorf("failed to encode encodings file: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// ReadFile loads an encodings dump. Entries are returned as stored; callers
// validate them before use.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse encodings file %s: %w", path, err)
	}
	if f.Version != fileVersion {
		return nil, fmt.Errorf("unsupported encodings file version %d", f.Version)
	}
	return &f, nil
}
