// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
)

var referencePattern = regexp.MustCompile(`^\{\{\s*(trigger|context|item)((?:\.[A-Za-z0-9_-]+)*)\s*\}\}$`)

// inputScope is what step inputs may reference
type inputScope struct {
	trigger map[string]interface{}
	context map[string]interface{}
	item    interface{}
	hasItem bool
}

// resolveInput substitutes whole-value references in a step input. Strings
// that are not a single reference are passed through untouched.
func resolveInput(input map[string]interface{}, scope inputScope) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(input))
	for k, v := range input {
		resolved, err := resolveValue(v, scope)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(v interface{}, scope inputScope) (interface{}, error) {
	switch val := v.(type) {
	case string:
		m := referencePattern.FindStringSubmatch(val)
		if m == nil {
			return val, nil
		}
		return resolveReference(m[1], strings.TrimPrefix(m[2], "."), scope)
	case map[string]interface{}:
		return resolveInput(val, scope)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			r, err := resolveValue(e, scope)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveReference(root, path string, scope inputScope) (interface{}, error) {
	var base interface{}
	switch root {
	case "trigger":
		base = scope.trigger
	case "context":
		base = scope.context
	case "item":
		if !scope.hasItem {
			return nil, fmt.Errorf("{{item}} used outside a fan-out step")
		}
		base = scope.item
	}
	if path == "" {
		return base, nil
	}
	v, ok := lookupPath(base, strings.Split(path, "."))
	if !ok {
		return nil, fmt.Errorf("unresolved reference %s.%s", root, path)
	}
	return v, nil
}

// lookupPath walks nested maps along path
func lookupPath(v interface{}, path []string) (interface{}, bool) {
	cur := v
	for _, p := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
