// Package contracts defines the records exchanged across the validation gate:
// governed actions, authority levels, semantic and validator outcomes, and the
// final signed verdict.
package contracts

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	verbPattern   = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	domainPattern = regexp.MustCompile(`^[a-z_]+$`)
)

// ActionPrimitive is the atomic governed unit produced by the upstream intent
// normalizer. Construct it with NewActionPrimitive so that field constraints
// hold for every value that reaches the engine.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ActionPrimitive struct {
	Verb       string         `json:"verb"`
	Resource   string         `json:"resource"`
	Parameters map[string]any `json:"parameters"`
	Domain     string         `json:"domain"`
	Confidence float64        `json:"confidence"`
}

// NewActionPrimitive validates and normalizes an action. Verb and resource are
// NFC-normalized before checks are applied.
func NewActionPrimitive(verb, resource, domain string, params map[string]any, confidence float64) (ActionPrimitive, error) {
	verb = norm.NFC.String(strings.TrimSpace(verb))
	resource = norm.NFC.String(strings.TrimSpace(resource))

	if n := len(verb); n < 3 || n > 50 {
		return ActionPrimitive{}, fmt.Errorf("verb %q: length must be 3-50, got %d", verb, n)
	}
	if verb != strings.ToLower(verb) {
		return ActionPrimitive{}, fmt.Errorf("verb %q must be lowercase", verb)
	}
	if !verbPattern.MatchString(verb) {
		return ActionPrimitive{}, fmt.Errorf("verb %q must be snake_case", verb)
	}
	if n := len(resource); n < 1 || n > 100 {
		return ActionPrimitive{}, fmt.Errorf("resource: length must be 1-100, got %d", n)
	}
	if !domainPattern.MatchString(domain) {
		return ActionPrimitive{}, fmt.Errorf("domain %q must match %s", domain, domainPattern)
	}
	if confidence < 0 || confidence > 1 {
		return ActionPrimitive{}, fmt.Errorf("confidence %v out of range [0,1]", confidence)
	}
	if params == nil {
		params = map[string]any{}
	}

	return ActionPrimitive{
		Verb:       verb,
		Resource:   resource,
		Parameters: params,
		Domain:     domain,
		Confidence: confidence,
	}, nil
}

// Float returns a numeric parameter, or def when the key is absent or not a number.
func (a ActionPrimitive) Float(key string, def float64) float64 {
	switch v := a.Parameters[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	default:
		return def
	}
}

// Bool returns a boolean parameter, or def when the key is absent or not a bool.
func (a ActionPrimitive) Bool(key string, def bool) bool {
	if v, ok := a.Parameters[key].(bool); ok {
		return v
	}
	return def
}

// String returns a string parameter, or def when the key is absent or not a string.
func (a ActionPrimitive) String(key, def string) string {
	if v, ok := a.Parameters[key].(string); ok {
		return v
	}
	return def
}

// Strings returns a string-list parameter. Both []string and []any are accepted.
func (a ActionPrimitive) Strings(key string) []string {
	switch v := a.Parameters[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
