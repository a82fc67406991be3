package tags

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/KevinKickass/OpenWCS/internal/types"
	"gopkg.in/yaml.v3"
)

// Document is the on-disk layout of a tag file.
type Document struct {
	Version int              `json:"version,omitempty" yaml:"version,omitempty"`
	Tags    []types.FieldTag `json:"tags" yaml:"tags"`
}

// FileRegistry serves tags from a YAML or JSON file. The file is re-read on
// every call; wrap it in a CachedRegistry to bound disk reads.
type FileRegistry struct {
	path      string
	validator *Validator
}

func NewFileRegistry(path string) (*FileRegistry, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}

	return &FileRegistry{path: path, validator: validator}, nil
}

func (r *FileRegistry) GetAll(ctx context.Context) ([]types.FieldTag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.validator.LoadFile(r.path)
}

// LoadFile reads, schema-validates and structurally validates a tag file.
func (v *Validator) LoadFile(path string) ([]types.FieldTag, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tag file: %w", err)
	}

	tags, err := v.Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return tags, nil
}

// Parse decodes a tag document. YAML input is normalised to JSON first so
// both formats go through the same schema.
func (v *Validator) Parse(data []byte, ext string) ([]types.FieldTag, error) {
	raw := data

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to convert YAML: %w", err)
		}
		raw = converted
	case ".json", "":
	default:
		return nil, fmt.Errorf("unsupported tag file extension %q", ext)
	}

	if err := v.ValidateJSON(raw); err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}

	if err := types.ValidateTags(doc.Tags); err != nil {
		return nil, err
	}

	return doc.Tags, nil
}
