package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// format is a supported configuration encoding.
type format string

const (
	formatYAML format = "yaml"
	formatJSON format = "json"
)

// formatOf maps a file extension to its format.
func formatOf(path string) (format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return formatYAML, nil
	case ".json":
		return formatJSON, nil
	default:
		return "", fmt.Errorf("unsupported config file extension: %q", ext)
	}
}

// decode unmarshals data in the given format into v.
func decode(f format, data []byte, v any) error {
	if f == formatJSON {
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse json: %w", err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

func parse(f format, data []byte) (Config, error) {
	var m map[string]any
	if err := decode(f, data, &m); err != nil {
		return Config{}, err
	}
	return New(m), nil
}

// FromFile reads a .yaml, .yml, or .json file.
func FromFile(path string) (Config, error) {
	f, err := formatOf(path)
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parse(f, data)
}

// FromYAML parses a YAML document.
func FromYAML(data []byte) (Config, error) {
	return parse(formatYAML, data)
}

// FromJSON parses a JSON object.
func FromJSON(data []byte) (Config, error) {
	return parse(formatJSON, data)
}

// FromText parses inline configuration text. Text starting with '{' is
// parsed as JSON, anything else as YAML.
func FromText(text string) (Config, error) {
	data := bytes.TrimSpace([]byte(text))
	if len(data) == 0 {
		return Config{}, fmt.Errorf("empty configuration text")
	}
	if data[0] == '{' {
		return FromJSON(data)
	}
	return FromYAML(data)
}
