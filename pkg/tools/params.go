package tools

import (
	"fmt"
)

// stringParam extracts an optional string parameter.
func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

// requireString extracts a mandatory string parameter.
func requireString(params map[string]any, key string) (string, error) {
	v := stringParam(params, key)
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", ErrInvalidParams, key)
	}
	return v, nil
}

// intParam extracts an integer parameter; JSON numbers arrive as float64.
func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

// boolParam extracts a boolean parameter.
func boolParam(params map[string]any, key string) bool {
	v, _ := params[key].(bool)
	return v
}

// mapParam extracts a nested object parameter.
func mapParam(params map[string]any, key string) map[string]any {
	if v, ok := params[key].(map[string]any); ok {
		return v
	}
	return nil
}
