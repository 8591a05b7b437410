package configstore

import (
	"fmt"
	"maps"
	"os"
	"reflect"
	"strings"

	"github.com/golobby/cast"
)

// merge copies src into dst, descending into sections present in both.
func merge(dst, src map[string]any) {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				merge(dv, sv)
				continue
			}
			dst[k] = clone(sv)
			continue
		}
		dst[k] = v
	}
}

// clone deep-copies the section structure. Leaf values are shared.
func clone(m map[string]any) map[string]any {
	out := maps.Clone(m)
	if out == nil {
		return map[string]any{}
	}
	for k, v := range out {
		if sub, ok := v.(map[string]any); ok {
			out[k] = clone(sub)
		}
	}
	return out
}

// flatten maps every leaf to its dotted path.
func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flatten(path, sub, out)
			continue
		}
		out[path] = v
	}
}

func lookup(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var node any = m
	for _, p := range parts {
		section, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		if node, ok = section[p]; !ok {
			return nil, false
		}
	}
	return node, true
}

func assign(m map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	node := m
	for _, p := range parts[:len(parts)-1] {
		next, ok := node[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[p] = next
		}
		node = next
	}
	node[parts[len(parts)-1]] = value
}

// envOverrides applies PREFIX_SECTION__KEY=value variables. The value is
// converted to the type of the value it replaces; new keys stay strings.
func envOverrides(cfg map[string]any, prefix string, environ []string, logger Logger) {
	if prefix == "" {
		return
	}
	lead := strings.ToUpper(prefix) + "_"
	for _, kv := range environ {
		name, raw, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		rest, ok := strings.CutPrefix(name, lead)
		if !ok || rest == "" {
			continue
		}
		path := strings.ToLower(strings.ReplaceAll(rest, "__", "."))

		value, err := coerce(cfg, path, raw)
		if err != nil {
			logger.Warn("Ignoring environment override", "variable", name, "error", err)
			continue
		}
		assign(cfg, path, value)
		logger.Debug("Applied environment override", "path", path)
	}
}

func coerce(cfg map[string]any, path, raw string) (any, error) {
	current, ok := lookup(cfg, path)
	if !ok || current == nil {
		return raw, nil
	}
	if _, isSection := current.(map[string]any); isSection {
		return nil, fmt.Errorf("%s is a section", path)
	}
	converted, err := cast.FromType(raw, reflect.TypeOf(current))
	if err != nil {
		return nil, fmt.Errorf("cannot convert %q to %T: %w", raw, current, err)
	}
	return converted, nil
}

func osEnviron() []string { return os.Environ() }
