package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	maxLayerSize  = 1 << 20
	maxLayerDepth = 32
	maxEnvValue   = 4096
)

var decoders = map[string]func([]byte, any) error{
	".json": json.Unmarshal,
	".yaml": yaml.Unmarshal,
	".yml":  yaml.Unmarshal,
}

// readLayer decodes one configuration file into a generic tree. Only small
// regular JSON or YAML files are accepted.
func readLayer(path string) (map[string]any, error) {
	decode, ok := decoders[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, fmt.Errorf("%q is not a .json, .yaml or .yml file", path)
	}

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if info, err := f.Stat(); err != nil {
		return nil, err
	} else if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%q is not a regular file", path)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxLayerSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxLayerSize {
		return nil, fmt.Errorf("%q is larger than %d bytes", path, maxLayerSize)
	}

	tree := map[string]any{}
	if err := decode(data, &tree); err != nil {
		return nil, fmt.Errorf("decode %q: %w", path, err)
	}
	if d := depth(tree); d > maxLayerDepth {
		return nil, fmt.Errorf("%q nests %d levels, limit is %d", path, d, maxLayerDepth)
	}
	return tree, nil
}

// depth counts the container levels of a decoded tree.
func depth(v any) int {
	deepest := 0
	switch t := v.(type) {
	case map[string]any:
		for _, c := range t {
			deepest = max(deepest, depth(c))
		}
	case []any:
		for _, c := range t {
			deepest = max(deepest, depth(c))
		}
	default:
		return 0
	}
	return deepest + 1
}

// overlay returns base with top written over it. Nested objects merge; any
// other value, lists included, replaces. Null values in top are ignored.
func overlay(base, top map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(top))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range top {
		switch tv := v.(type) {
		case nil:
		case map[string]any:
			if bv, ok := out[k].(map[string]any); ok {
				out[k] = overlay(bv, tv)
			} else {
				out[k] = tv
			}
		default:
			out[k] = v
		}
	}
	return out
}
