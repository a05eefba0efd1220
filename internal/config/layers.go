package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Layer is one configuration document.
type Layer struct {
	Name string
	Data []byte
}

// ReadLayers reads files in order.
func ReadLayers(paths ...string) ([]Layer, error) {
	layers := make([]Layer, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read config layer: %w", err)
		}
		layers = append(layers, Layer{Name: p, Data: data})
	}
	return layers, nil
}

// Template is the merged, not yet interpolated configuration tree.
type Template struct {
	tree map[string]any
}

// Load parses and merges layers; later layers win.
func Load(layers ...Layer) (*Template, error) {
	merged := map[string]any{}
	for _, l := range layers {
		tree, err := parseLayer(l)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, tree)
	}
	return &Template{tree: merged}, nil
}

func parseLayer(l Layer) (map[string]any, error) {
	dec := yaml.NewDecoder(bytes.NewReader(l.Data))
	var tree map[string]any
	if err := dec.Decode(&tree); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("config layer %s: %w", l.Name, err)
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config layer %s: expected a single document", l.Name)
	}
	if tree == nil {
		tree = map[string]any{}
	}
	return tree, nil
}

// mergeMaps returns base overlaid with over. Neither input is modified.
func mergeMaps(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = mergeMaps(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}
