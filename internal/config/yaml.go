package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// jsonBody returns the config file's contents as JSON bytes. A YAML file is
// decoded and re-encoded so one strict JSON decoder serves both formats.
func jsonBody(path string, raw []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return raw, nil
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	out, err := json.Marshal(stringifyKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return out, nil
}

// stringifyKeys rewrites map keys to strings. yaml/v3 decodes plain mappings
// to map[string]any already, but non-scalar keys surface as map[any]any,
// which json.Marshal rejects.
func stringifyKeys(v any) any {
	switch doc := v.(type) {
	case map[string]any:
		for k, val := range doc {
			doc[k] = stringifyKeys(val)
		}
		return doc
	case map[any]any:
		out := make(map[string]any, len(doc))
		for k, val := range doc {
			out[fmt.Sprint(k)] = stringifyKeys(val)
		}
		return out
	case []any:
		for i, val := range doc {
			doc[i] = stringifyKeys(val)
		}
		return doc
	default:
		return v
	}
}
