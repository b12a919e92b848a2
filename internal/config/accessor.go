package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// The accessors below address the config through its JSON form with
// dot-separated paths such as "router.mode" or "channels.0.enabled".
// List elements are addressed by index.

func toTree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// step descends one path segment into node.
func step(node any, key string) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		child, ok := v[key]
		if !ok {
			return nil, fmt.Errorf("unknown key %q", key)
		}
		return child, nil
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, fmt.Errorf("index %q out of range (len %d)", key, len(v))
		}
		return v[idx], nil
	default:
		return nil, fmt.Errorf("%q is not a section", key)
	}
}

// GetByPath returns the value at path.
func GetByPath(cfg *Config, path string) (any, error) {
	tree, err := toTree(cfg)
	if err != nil {
		return nil, err
	}
	var node any = tree
	for _, key := range strings.Split(path, ".") {
		if node, err = step(node, key); err != nil {
			return nil, fmt.Errorf("config path %s: %w", path, err)
		}
	}
	return node, nil
}

// SetByPath assigns raw to the leaf at path, converting it to the type the
// leaf already has. Only existing keys can be set.
func SetByPath(cfg *Config, path string, raw string) error {
	if path == "" {
		return errors.New("empty config path")
	}
	tree, err := toTree(cfg)
	if err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	var parent any = tree
	for _, key := range parts[:len(parts)-1] {
		if parent, err = step(parent, key); err != nil {
			return fmt.Errorf("config path %s: %w", path, err)
		}
	}

	last := parts[len(parts)-1]
	current, err := step(parent, last)
	if err != nil {
		return fmt.Errorf("config path %s: %w", path, err)
	}
	value, err := coerce(current, raw)
	if err != nil {
		return fmt.Errorf("config path %s: %w", path, err)
	}

	switch p := parent.(type) {
	case map[string]any:
		p[last] = value
	case []any:
		idx, _ := strconv.Atoi(last)
		p[idx] = value
	}

	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// coerce converts raw to the JSON type of current. Strings stay strings even
// when they look numeric, so ids and tokens survive. Lists accept a comma
// separated value.
func coerce(current any, raw string) (any, error) {
	switch current.(type) {
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("expected true or false, got %q", raw)
		}
		return b, nil
	case float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("expected a number, got %q", raw)
		}
		return f, nil
	case []any, nil:
		if _, isList := current.([]any); isList || strings.Contains(raw, ",") {
			var items []any
			for _, item := range strings.Split(raw, ",") {
				if item = strings.TrimSpace(item); item != "" {
					items = append(items, item)
				}
			}
			return items, nil
		}
		return raw, nil
	case map[string]any:
		return nil, errors.New("cannot assign a value to a section")
	default:
		return raw, nil
	}
}

// Sanitize returns a copy of the config with sensitive values masked.
func Sanitize(cfg *Config) *Config {
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return cfg
	}

	out.Provider = sanitizeProvider(out.Provider)
	out.Transcription.APIKey = maskString(out.Transcription.APIKey)
	for i := range out.Channels {
		ch := &out.Channels[i]
		ch.Token = maskString(ch.Token)
		ch.AppToken = maskString(ch.AppToken)
		if _, ok := ch.Extra["secret"]; ok {
			ch.Extra["secret"] = "***"
		}
	}
	return &out
}

func sanitizeProvider(pc ProviderConfig) ProviderConfig {
	pc.APIKey = maskString(pc.APIKey)
	for i := range pc.Fallbacks {
		pc.Fallbacks[i] = sanitizeProvider(pc.Fallbacks[i])
	}
	return pc
}

// maskString keeps the first and last 4 characters of long secrets. Empty
// values and unexpanded ${VAR} references are returned unchanged.
func maskString(s string) string {
	switch {
	case s == "" || envVarPattern.MatchString(s):
		return s
	case len(s) <= 8:
		return "***"
	default:
		return s[:4] + "****" + s[len(s)-4:]
	}
}

// ListPaths returns every leaf path with its value, list elements included.
func ListPaths(cfg *Config) map[string]any {
	tree, err := toTree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	flatten("", tree, out)
	return out
}

// SortedPaths returns the keys of ListPaths in order.
func SortedPaths(paths map[string]any) []string {
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func flatten(prefix string, node any, out map[string]any) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			flatten(join(k), child, out)
		}
	case []any:
		if len(v) == 0 {
			out[prefix] = v
		}
		for i, child := range v {
			flatten(join(strconv.Itoa(i)), child, out)
		}
	default:
		out[prefix] = v
	}
}
