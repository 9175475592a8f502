// Package definition loads the YAML domain definitions that describe each
// console area, validates them, and serves them from a registry that can be
// swapped atomically.
package definition

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/grcbff/model"
)

// Loader reads domain definition files from disk.
type Loader struct{}

// NewLoader returns a Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll reads every .yaml and .yml file below each directory, in lexical
// order. Hidden directories are skipped.
func (l *Loader) LoadAll(directories []string) ([]model.DomainDefinition, error) {
	var defs []model.DomainDefinition
	for _, dir := range directories {
		walk := func(path string, d fs.DirEntry, err error) error {
			switch {
			case err != nil:
				return err
			case d.IsDir() && path != dir && strings.HasPrefix(d.Name(), "."):
				return filepath.SkipDir
			case d.IsDir() || !isDefinitionFile(path):
				return nil
			}
			def, err := l.LoadFile(path)
			if err != nil {
				return err
			}
			defs = append(defs, def)
			return nil
		}
		if err := filepath.WalkDir(dir, walk); err != nil {
			return nil, fmt.Errorf("definitions in %s: %w", dir, err)
		}
	}
	return defs, nil
}

// LoadFile parses one definition file. Unknown keys are rejected so that a
// misspelt field fails the load instead of being ignored.
func (l *Loader) LoadFile(path string) (model.DomainDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.DomainDefinition{}, fmt.Errorf("read definition: %w", err)
	}
	def, err := decode(data)
	if err != nil {
		return model.DomainDefinition{}, fmt.Errorf("parse %s: %w", path, err)
	}
	def.SourceFile = path
	return def, nil
}

func decode(data []byte) (model.DomainDefinition, error) {
	var def model.DomainDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return model.DomainDefinition{}, err
	}
	sum := sha256.Sum256(data)
	def.Checksum = hex.EncodeToString(sum[:])
	return def, nil
}

func isDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
