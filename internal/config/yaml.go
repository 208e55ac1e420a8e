package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadYAML decodes the file located at path into dest. Unknown keys are
// rejected so that a misspelled field fails loudly instead of being ignored.
func LoadYAML(path string, dest any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}
	if err := DecodeYAML(data, dest); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

// DecodeYAML strictly decodes a single YAML document. An empty document
// leaves dest untouched.
func DecodeYAML(data []byte, dest any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
