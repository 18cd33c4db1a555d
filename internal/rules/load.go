package rules

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/skinguard/backend/internal/errors"
	"github.com/kimhsiao/skinguard/backend/internal/logging"
	"github.com/kimhsiao/skinguard/backend/internal/models"
)

// Format is a rule table serialization.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the format from a file extension, defaulting to JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

//go:embed data/default_rules.json
var defaultData embed.FS

// Default builds the table shipped with the application.
func Default() (*Table, error) {
	data, err := defaultData.ReadFile("data/default_rules.json")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRuleTableInvalid, "failed to read embedded rule table", err)
	}
	return Parse(data, FormatJSON)
}

// LoadFile reads a rule table from disk.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRuleTableInvalid, "failed to open rule table", err)
	}
	defer f.Close()
	return Load(f, FormatFromPath(path))
}

// Load reads a rule table from r.
func Load(r io.Reader, format Format) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRuleTableInvalid, "failed to read rule table", err)
	}
	return Parse(data, format)
}

// Parse decodes either a bare array of rules or a full Document.
func Parse(data []byte, format Format) (*Table, error) {
	var (
		doc Document
		err error
	)
	switch format {
	case FormatYAML:
		doc, err = decodeYAML(data)
	case FormatJSON:
		doc, err = decodeJSON(data)
	default:
		err = fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRuleTableInvalid, "failed to decode rule table", err)
	}

	table, err := New(doc)
	if err != nil {
		return nil, err
	}

	logging.Info("Rule table loaded", map[string]interface{}{
		"rules":       table.Len(),
		"ingredients": len(doc.Ingredients),
		"version":     table.Version(),
		"format":      format,
	})
	return table, nil
}

func decodeJSON(data []byte) (Document, error) {
	var doc Document
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &doc.Rules); err != nil {
			return Document{}, err
		}
		return doc, nil
	}
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func decodeYAML(data []byte) (Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return Document{}, err
	}
	var doc Document
	if len(root.Content) == 0 {
		return doc, nil
	}
	node := root.Content[0]
	if node.Kind == yaml.SequenceNode {
		var list []models.ConflictRule
		if err := node.Decode(&list); err != nil {
			return Document{}, err
		}
		doc.Rules = list
		return doc, nil
	}
	if err := node.Decode(&doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}
