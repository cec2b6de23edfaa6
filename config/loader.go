package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader reads pipeline files. Values resolve in order: file, then
// environment overrides.
type Loader struct {
	path      string
	envPrefix string
}

// NewLoader creates a loader with the default STAGEFLOW env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "STAGEFLOW"}
}

// WithPath sets the pipeline file path.
func (l *Loader) WithPath(path string) *Loader {
	l.path = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Load reads and validates the pipeline file.
func (l *Loader) Load() (*File, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}

	f, err := LoadBytes(data, formatFor(l.path))
	if err != nil {
		return nil, err
	}

	if err := applyEnv(reflect.ValueOf(&f.Settings).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Load reads a pipeline file, detecting the format from its extension.
func Load(path string) (*File, error) {
	return NewLoader().WithPath(path).Load()
}

// LoadBytes parses pipeline data. Format is "yaml" or "json"; empty tries
// YAML, which also accepts JSON input.
func LoadBytes(data []byte, format string) (*File, error) {
	var f File
	switch format {
	case "json":
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse pipeline json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse pipeline yaml: %w", err)
		}
	}
	return &f, nil
}

func formatFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

// applyEnv overrides struct fields from PREFIX_TAG environment variables,
// driven by each field's env tag.
func applyEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}

		value := os.Getenv(prefix + "_" + tag)
		if value == "" {
			continue
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("%s_%s: %w", prefix, tag, err)
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	if field.Type() == reflect.TypeOf(Duration(0)) {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	}
	return nil
}
