package config

import (
	"fmt"

	"github.com/knadh/koanf/maps"
)

// Tree is a hierarchical configuration view.
type Tree map[string]interface{}

// Get walks keys and returns the value found, or nil.
func (t Tree) Get(keys ...string) interface{} {
	if len(t) == 0 || len(keys) == 0 {
		return nil
	}
	return maps.Search(map[string]interface{}(t), keys)
}

// Fetch is Get with a fallback for missing values.
func (t Tree) Fetch(def interface{}, keys ...string) interface{} {
	if v := t.Get(keys...); v != nil {
		return v
	}
	return def
}

// String returns the value at keys formatted as a string, or def.
func (t Tree) String(def string, keys ...string) string {
	switch v := t.Get(keys...).(type) {
	case nil:
		return def
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Strings returns the value at keys as a string slice. A missing key yields nil,
// which callers use to tell "unset" apart from "empty".
func (t Tree) Strings(keys ...string) []string {
	switch v := t.Get(keys...).(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	case string:
		return []string{v}
	default:
		return nil
	}
}

// Merge returns a deep merge of override on top of t. Override wins on conflicting
// keys; neither input is modified.
func (t Tree) Merge(override Tree) Tree {
	base := maps.Copy(map[string]interface{}(t))
	if base == nil {
		base = make(map[string]interface{})
	}
	if len(override) == 0 {
		return Tree(base)
	}
	maps.Merge(maps.Copy(map[string]interface{}(override)), base)
	return Tree(base)
}
