package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// snowflakeKeys are Discord ids held as strings. YAML reads them unquoted as
// integers, which the strict decoder would reject.
var snowflakeKeys = map[string]bool{
	"channel_id":           true,
	"notification_role_id": true,
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// yamlToJSON re-encodes a YAML document as JSON so both formats go through
// the same strict decoder.
func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if v == nil {
		v = map[string]any{}
	}
	j, err := json.Marshal(normalizeYAML("", v))
	if err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return j, nil
}

func normalizeYAML(key string, in any) any {
	switch x := in.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(k, v)
		}
		return m
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			ks := fmt.Sprint(k)
			m[ks] = normalizeYAML(ks, v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML("", x[i])
		}
		return x
	case int:
		if snowflakeKeys[key] {
			return strconv.Itoa(x)
		}
	case uint64:
		if snowflakeKeys[key] {
			return strconv.FormatUint(x, 10)
		}
	}
	return in
}
