// Package schema compiles and validates the draft-07 JSON Schema subset
// used for tool argument declarations. Compiled schemas are cached per
// tool name.
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// pollutionKeys are the keys schema validation must reject at any depth,
// regardless of what the schema itself allows.
var pollutionKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// ValidationError names the first failing JSON path, mirroring the
// requirement that every schema error message point at an offending path.
type ValidationError struct {
	Path    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

type compiled struct {
	resolved *jsonschema.Resolved
}

// Cache compiles each tool's arguments_schema once and reuses it for every
// subsequent validation of that tool.
type Cache struct {
	mu    sync.RWMutex
	byTool map[string]*compiled
}

// NewCache returns an empty, ready-to-use Cache.
func NewCache() *Cache {
	return &Cache{byTool: make(map[string]*compiled)}
}

// Compile parses and resolves raw (a tool's arguments_schema document) and
// caches the result under tool. Subsequent calls for the same tool name
// return the cached schema without recompiling.
func (c *Cache) Compile(tool string, raw map[string]any) error {
	c.mu.RLock()
	_, ok := c.byTool[tool]
	c.mu.RUnlock()
	if ok {
		return nil
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal schema for tool %q: %w", tool, err)
	}

	var s jsonschema.Schema
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("parse schema for tool %q: %w", tool, err)
	}

	resolved, err := s.Resolve(nil)
	if err != nil {
		return fmt.Errorf("resolve schema for tool %q: %w", tool, err)
	}

	c.mu.Lock()
	c.byTool[tool] = &compiled{resolved: resolved}
	c.mu.Unlock()
	return nil
}

// Validate checks arguments against tool's compiled schema, then applies
// the prototype-pollution key scan that the schema library itself does not
// perform. It returns a *ValidationError naming the first failing path.
func (c *Cache) Validate(tool string, arguments map[string]any) error {
	if path, key := scanPollutionKeys(arguments, ""); key != "" {
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("forbidden key %q", key),
		}
	}

	c.mu.RLock()
	comp, ok := c.byTool[tool]
	c.mu.RUnlock()
	if !ok {
		return &ValidationError{Path: "$", Message: fmt.Sprintf("no compiled schema for tool %q", tool)}
	}

	if err := comp.resolved.Validate(arguments); err != nil {
		return &ValidationError{Path: "$", Message: err.Error()}
	}
	return nil
}

// scanPollutionKeys walks v depth-first looking for a forbidden key at any
// level of nesting, returning the JSON path and the offending key name.
func scanPollutionKeys(v any, path string) (string, string) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			childPath := path + "." + k
			if pollutionKeys[k] {
				return childPath, k
			}
			if p, k2 := scanPollutionKeys(child, childPath); k2 != "" {
				return p, k2
			}
		}
	case []any:
		for i, child := range t {
			childPath := fmt.Sprintf("%s[%d]", path, i)
			if p, k2 := scanPollutionKeys(child, childPath); k2 != "" {
				return p, k2
			}
		}
	}
	return "", ""
}
