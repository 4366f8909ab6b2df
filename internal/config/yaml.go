package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// The loader accepts JSON and YAML. YAML documents are rewritten into
// JSON bytes up front so a single strict decoder (DisallowUnknownFields)
// validates both formats.
func toJSONBytes(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	out, err := json.Marshal(stringifyKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("convert yaml to json: %w", err)
	}
	return out, nil
}

// stringifyKeys rewrites every map key to a string; YAML permits
// non-string keys that json.Marshal rejects.
func stringifyKeys(v any) any {
	switch x := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, item := range x {
			m[fmt.Sprint(k)] = stringifyKeys(item)
		}
		return m
	case map[string]any:
		for k, item := range x {
			x[k] = stringifyKeys(item)
		}
		return x
	case []any:
		for i, item := range x {
			x[i] = stringifyKeys(item)
		}
		return x
	default:
		return v
	}
}
