package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/wmax/calsync/internal/core"
)

const settingsSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"calendarId": {"type": "string", "minLength": 1},
		"syncIntervalMinutes": {"type": "number", "exclusiveMinimum": 0}
	}
}`

const definitionSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["userId", "providerType", "providerId", "direction"],
	"properties": {
		"userId": {"type": "string", "minLength": 1},
		"providerId": {"type": "string"},
		"providerType": {"enum": ["google-calendar", "microsoft-calendar"]},
		"direction": {"enum": ["pull", "push", "bidirectional"]},
		"enabled": {"type": "boolean"},
		"credentials": {
			"type": "object",
			"properties": {
				"accessToken": {"type": "string"},
				"refreshToken": {"type": "string"},
				"expiresAt": {"type": "string"}
			}
		},
		"settings": {"$ref": "settings.json"}
	}
}`

type schemas struct {
	settings   *jsonschema.Schema
	definition *jsonschema.Schema
}

var loadSchemas = sync.OnceValues(func() (*schemas, error) {
	c := jsonschema.NewCompiler()
	for name, src := range map[string]string{
		"settings.json":   settingsSchemaJSON,
		"definition.json": definitionSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add %s: %w", name, err)
		}
	}
	settings, err := c.Compile("settings.json")
	if err != nil {
		return nil, fmt.Errorf("compile settings schema: %w", err)
	}
	definition, err := c.Compile("definition.json")
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	return &schemas{settings: settings, definition: definition}, nil
})

// Definition is a sync config as supplied by a user, before it is stored.
type Definition struct {
	UserID       string           `json:"userId"`
	ProviderID   string           `json:"providerId"`
	ProviderType string           `json:"providerType"`
	Direction    string           `json:"direction"`
	Enabled      *bool            `json:"enabled,omitempty"`
	Credentials  *core.Credentials `json:"credentials,omitempty"`
	Settings     core.Settings    `json:"settings,omitempty"`
}

// SyncConfig converts d into an unsaved config. Definitions are enabled
// unless they say otherwise.
func (d Definition) SyncConfig() (*core.SyncConfig, error) {
	pt, err := core.ParseProviderType(d.ProviderType)
	if err != nil {
		return nil, err
	}
	dir, err := core.ParseDirection(d.Direction)
	if err != nil {
		return nil, err
	}
	enabled := true
	if d.Enabled != nil {
		enabled = *d.Enabled
	}
	settings := d.Settings
	if settings == nil {
		settings = core.Settings{}
	}
	return &core.SyncConfig{
		UserID:       d.UserID,
		ProviderID:   d.ProviderID,
		ProviderType: pt,
		Direction:    dir,
		Enabled:      enabled,
		Credentials:  d.Credentials,
		Settings:     settings,
	}, nil
}

// DecodeDefinition validates and decodes a JSON definition.
func DecodeDefinition(raw []byte) (*Definition, error) {
	s, err := loadSchemas()
	if err != nil {
		return nil, err
	}
	if err := validate(s.definition, raw); err != nil {
		return nil, err
	}
	var d Definition
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: decode definition: %w", core.ErrConfiguration, err)
	}
	return &d, nil
}

// ValidateSettings checks a settings blob.
func ValidateSettings(settings core.Settings) error {
	s, err := loadSchemas()
	if err != nil {
		return err
	}
	if settings == nil {
		settings = core.Settings{}
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("%w: encode settings: %w", core.ErrConfiguration, err)
	}
	return validate(s.settings, raw)
}

// ImportFile is the YAML layout read by `calsync configs import`.
type ImportFile struct {
	Configs []map[string]any `yaml:"configs"`
}

// ParseImport decodes and validates every definition of a YAML import file.
// All problems are reported together.
func ParseImport(data []byte) ([]Definition, error) {
	var f ImportFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parse import file: %w", core.ErrConfiguration, err)
	}
	if len(f.Configs) == 0 {
		return nil, fmt.Errorf("%w: import file has no configs", core.ErrConfiguration)
	}

	var (
		defs []Definition
		errs []error
	)
	for i, doc := range f.Configs {
		raw, err := json.Marshal(normalizeYAML(doc))
		if err != nil {
			errs = append(errs, fmt.Errorf("configs[%d]: %w", i, err))
			continue
		}
		d, err := DecodeDefinition(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("configs[%d]: %w", i, err))
			continue
		}
		defs = append(defs, *d)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return defs, nil
}

func validate(s *jsonschema.Schema, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: invalid json: %w", core.ErrConfiguration, err)
	}
	if err := s.Validate(inst); err != nil {
		return fmt.Errorf("%w: %w", core.ErrConfiguration, err)
	}
	return nil
}

// normalizeYAML turns YAML timestamps back into RFC 3339 strings so the
// document validates like its JSON equivalent.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeYAML(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeYAML(e)
		}
		return out
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return v
	}
}
