package verify

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidParams wraps every parameter validation failure. Validation
// errors are rejected synchronously and never retried.
var ErrInvalidParams = errors.New("verify: invalid template parameters")

// Params carries the poster-supplied, template-specific key-value parameters.
// Values arrive JSON-decoded; the schema below coerces and bounds them.
// Parameters are data only: they are matched against collaborator state and
// never interpreted as logic or queries.
type Params map[string]interface{}

type fieldKind uint8

const (
	kindString fieldKind = iota + 1
	kindInt
	kindDuration
	kindStringList
	kindAddress
)

// fieldSpec is one entry of a template's fixed parameter schema.
type fieldSpec struct {
	name     string
	kind     fieldKind
	required bool
	minInt   int64
	maxInt   int64
	maxLen   int
	minDur   time.Duration
	maxDur   time.Duration
}

func (s fieldSpec) validate(raw interface{}) error {
	switch s.kind {
	case kindString, kindAddress:
		str, ok := raw.(string)
		if !ok {
			return fmt.Errorf("%w: %s must be a string", ErrInvalidParams, s.name)
		}
		trimmed := strings.TrimSpace(str)
		if trimmed == "" {
			return fmt.Errorf("%w: %s must not be blank", ErrInvalidParams, s.name)
		}
		if s.maxLen > 0 && len(trimmed) > s.maxLen {
			return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidParams, s.name, s.maxLen)
		}
	case kindInt:
		v, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("%w: %s must be an integer", ErrInvalidParams, s.name)
		}
		if v < s.minInt || (s.maxInt > 0 && v > s.maxInt) {
			return fmt.Errorf("%w: %s out of range [%d, %d]", ErrInvalidParams, s.name, s.minInt, s.maxInt)
		}
	case kindDuration:
		d, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("%w: %s must be a duration string", ErrInvalidParams, s.name)
		}
		if d < s.minDur || (s.maxDur > 0 && d > s.maxDur) {
			return fmt.Errorf("%w: %s out of range [%s, %s]", ErrInvalidParams, s.name, s.minDur, s.maxDur)
		}
	case kindStringList:
		list, ok := raw.([]interface{})
		if !ok {
			if _, isStrings := raw.([]string); isStrings {
				return nil
			}
			return fmt.Errorf("%w: %s must be a list of strings", ErrInvalidParams, s.name)
		}
		if s.maxLen > 0 && len(list) > s.maxLen {
			return fmt.Errorf("%w: %s exceeds %d entries", ErrInvalidParams, s.name, s.maxLen)
		}
		for _, item := range list {
			str, ok := item.(string)
			if !ok || strings.TrimSpace(str) == "" {
				return fmt.Errorf("%w: %s entries must be non-blank strings", ErrInvalidParams, s.name)
			}
		}
	default:
		return fmt.Errorf("%w: unknown field kind for %s", ErrInvalidParams, s.name)
	}
	return nil
}

// ValidateParams checks poster-supplied parameters against a template schema.
// Unknown keys are rejected so typos cannot silently weaken a predicate.
func ValidateParams(schema []fieldSpec, params Params) error {
	known := make(map[string]fieldSpec, len(schema))
	for _, spec := range schema {
		known[spec.name] = spec
	}
	for key := range params {
		if _, ok := known[key]; !ok {
			return fmt.Errorf("%w: unknown parameter %q", ErrInvalidParams, key)
		}
	}
	for _, spec := range schema {
		raw, ok := params[spec.name]
		if !ok {
			if spec.required {
				return fmt.Errorf("%w: missing required parameter %q", ErrInvalidParams, spec.name)
			}
			continue
		}
		if err := spec.validate(raw); err != nil {
			return err
		}
	}
	return nil
}

func asInt(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("not an integer")
		}
		return int64(v), nil
	default:
		return 0, fmt.Errorf("not an integer")
	}
}

func asDuration(raw interface{}) (time.Duration, error) {
	str, ok := raw.(string)
	if !ok {
		return 0, fmt.Errorf("not a duration")
	}
	return time.ParseDuration(strings.TrimSpace(str))
}

func (p Params) str(name string) string {
	raw, ok := p[name]
	if !ok {
		return ""
	}
	str, _ := raw.(string)
	return strings.TrimSpace(str)
}

func (p Params) integer(name string, fallback int64) int64 {
	raw, ok := p[name]
	if !ok {
		return fallback
	}
	v, err := asInt(raw)
	if err != nil {
		return fallback
	}
	return v
}

func (p Params) duration(name string, fallback time.Duration) time.Duration {
	raw, ok := p[name]
	if !ok {
		return fallback
	}
	d, err := asDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

func (p Params) stringList(name string) []string {
	raw, ok := p[name]
	if !ok {
		return nil
	}
	if direct, ok := raw.([]string); ok {
		return direct
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if str, ok := item.(string); ok {
			out = append(out, strings.TrimSpace(str))
		}
	}
	return out
}
