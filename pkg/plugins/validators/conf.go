package validators

import "fmt"

// Helpers for the map-form configuration the plugin registry hands to
// constructors. JSON decoding yields float64 for numbers.

func confInt64(cfg map[string]any, key string, def int64) (int64, error) {
	v, ok := cfg[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("config key %q: expected number, got %T", key, v)
	}
}

func confInt(cfg map[string]any, key string, def int) (int, error) {
	n, err := confInt64(cfg, key, int64(def))
	return int(n), err
}

func confFloat(cfg map[string]any, key string, def float64) (float64, error) {
	v, ok := cfg[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("config key %q: expected number, got %T", key, v)
	}
}

func confStrings(cfg map[string]any, key string) ([]string, error) {
	v, ok := cfg[key]
	if !ok {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("config key %q: expected string list", key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("config key %q: expected string list, got %T", key, v)
	}
}
