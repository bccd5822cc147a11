// Package feeders fills configuration structs from YAML files, TOML files and
// prefixed environment variables.
package feeders

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidStructure = errors.New("feeder: expected pointer to struct")
	ErrEmptyPrefix      = errors.New("env: prefix or suffix cannot be empty")
	ErrCannotConvert    = errors.New("cannot convert value to field type")
)

// Feeder populates a pointer to a struct.
type Feeder interface {
	Feed(structure any) error
}

// YamlFeeder reads a YAML file. A missing file feeds nothing.
type YamlFeeder struct {
	Path string
}

func NewYamlFeeder(path string) YamlFeeder {
	return YamlFeeder{Path: path}
}

func (y YamlFeeder) Feed(structure any) error {
	if !isStructPointer(structure) {
		return ErrInvalidStructure
	}
	data, err := readOptional(y.Path)
	if err != nil || data == nil {
		return err
	}
	if err := yaml.Unmarshal(data, structure); err != nil {
		return fmt.Errorf("yaml feeder %s: %w", y.Path, err)
	}
	return nil
}

// TomlFeeder reads a TOML file. A missing file feeds nothing.
type TomlFeeder struct {
	Path string
}

func NewTomlFeeder(path string) TomlFeeder {
	return TomlFeeder{Path: path}
}

func (f TomlFeeder) Feed(structure any) error {
	if !isStructPointer(structure) {
		return ErrInvalidStructure
	}
	data, err := readOptional(f.Path)
	if err != nil || data == nil {
		return err
	}
	if _, err := toml.Decode(string(data), structure); err != nil {
		return fmt.Errorf("toml feeder %s: %w", f.Path, err)
	}
	return nil
}

func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
