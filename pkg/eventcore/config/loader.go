package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is a document encoding understood by the loaders.
type Format string

// Supported formats.
const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf picks a format from a file extension.
func FormatOf(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported config file extension: %q", ext)
	}
}

// FromFile loads configuration from a file. ${VAR} references in the file
// are expanded from the process environment before parsing.
func FromFile(path string) (Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return Config{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	return FromReader(f, format)
}

// FromReader parses a document of the given format, expanding ${VAR}
// references first.
func FromReader(r io.Reader, format Format) (Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	data := []byte(os.ExpandEnv(string(raw)))

	switch format {
	case FormatYAML:
		return FromYAML(data)
	case FormatJSON:
		return FromJSON(data)
	default:
		return Config{}, fmt.Errorf("unsupported config format: %q", format)
	}
}

// FromYAML parses YAML data into a Config. An empty document yields an
// empty Config.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return New(m), nil
}

// FromJSON parses JSON data into a Config. Numbers decode as float64;
// Int accepts them when they are whole.
func FromJSON(data []byte) (Config, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return New(nil), nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return New(m), nil
}
