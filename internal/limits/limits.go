// Package limits implements the router's size & shape checks, applied to
// the raw wire bytes and the parsed arguments before a request reaches a
// tool handler.
package limits

import "fmt"

// Config is the configurable bound set. Zero values fall back to the
// spec's defaults via WithDefaults.
type Config struct {
	MaxRawBytes   int
	MaxPayloadBytes int
	MaxFieldBytes int
	MaxJSONDepth  int
}

// WithDefaults fills any zero field with the spec's default bound.
func (c Config) WithDefaults() Config {
	if c.MaxRawBytes <= 0 {
		c.MaxRawBytes = 1 << 20 // 1 MiB
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = 1 << 20
	}
	if c.MaxFieldBytes <= 0 {
		c.MaxFieldBytes = 100 * 1024 // 100 KiB
	}
	if c.MaxJSONDepth <= 0 {
		c.MaxJSONDepth = 64
	}
	return c
}

// CheckRawSize rejects raw before it is parsed as JSON at all.
func CheckRawSize(cfg Config, raw []byte) error {
	if len(raw) > cfg.MaxRawBytes {
		return fmt.Errorf("raw message size %d exceeds max_raw_bytes %d", len(raw), cfg.MaxRawBytes)
	}
	return nil
}

// CheckPayloadSize rejects a parsed arguments payload whose re-serialized
// size exceeds the configured bound.
func CheckPayloadSize(cfg Config, payloadJSON []byte) error {
	if len(payloadJSON) > cfg.MaxPayloadBytes {
		return fmt.Errorf("payload size %d exceeds max_payload_bytes %d", len(payloadJSON), cfg.MaxPayloadBytes)
	}
	return nil
}

// CheckFieldSizes rejects if any string leaf in arguments exceeds
// max_field_bytes.
func CheckFieldSizes(cfg Config, arguments map[string]any) error {
	return walkFields(cfg, "$", arguments)
}

func walkFields(cfg Config, path string, v any) error {
	switch t := v.(type) {
	case string:
		if len(t) > cfg.MaxFieldBytes {
			return fmt.Errorf("field %s size %d exceeds max_field_bytes %d", path, len(t), cfg.MaxFieldBytes)
		}
	case map[string]any:
		for k, child := range t {
			if err := walkFields(cfg, path+"."+k, child); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range t {
			if err := walkFields(cfg, fmt.Sprintf("%s[%d]", path, i), child); err != nil {
				return err
			}
		}
	}
	return nil
}

// CheckJSONDepth rejects if arguments nests deeper than max_json_depth.
// Depth 1 is a bare scalar or an empty object/array; each level of nesting
// adds one.
func CheckJSONDepth(cfg Config, arguments map[string]any) error {
	depth := jsonDepth(arguments)
	if depth > cfg.MaxJSONDepth {
		return fmt.Errorf("JSON nesting depth %d exceeds max_json_depth %d", depth, cfg.MaxJSONDepth)
	}
	return nil
}

func jsonDepth(v any) int {
	switch t := v.(type) {
	case map[string]any:
		max := 0
		for _, child := range t {
			if d := jsonDepth(child); d > max {
				max = d
			}
		}
		return max + 1
	case []any:
		max := 0
		for _, child := range t {
			if d := jsonDepth(child); d > max {
				max = d
			}
		}
		return max + 1
	default:
		return 1
	}
}
