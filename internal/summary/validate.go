package summary

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-memo/internal/failure"
)

var requiredKeys = []string{
	"title", "summary", "actions", "decisions", "citations", "sentiments",
	"participants", "tags", "keywords", "topics", "timings", "durationMs",
}

// Validate checks that raw is a complete summary document. Failures carry
// failure.ValidationFailure.
func Validate(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return failure.New(failure.ValidationFailure, "validate summary", fmt.Errorf("not a JSON object: %w", err))
	}
	if doc == nil {
		return failure.New(failure.ValidationFailure, "validate summary", errors.New("not a JSON object"))
	}
	if err := check(doc); err != nil {
		return failure.New(failure.ValidationFailure, "validate summary", err)
	}
	return nil
}

// IsValid reports whether a decoded document passes Validate's rules.
func IsValid(doc map[string]any) bool {
	return doc != nil && check(doc) == nil
}

func check(doc map[string]any) error {
	for _, key := range requiredKeys {
		if _, ok := doc[key]; !ok {
			return fmt.Errorf("missing %q", key)
		}
	}
	if !nonEmptyString(doc["title"]) {
		return errors.New("title is blank")
	}
	section, _ := doc["summary"].(map[string]any)
	if !nonEmptyString(section["context"]) {
		return errors.New("summary.context is blank")
	}
	if _, ok := section["bullets"].([]any); !ok {
		return errors.New("summary.bullets is not an array")
	}
	objectRules := []struct{ key, field string }{
		{"actions", "what"},
		{"decisions", "description"},
		{"participants", "name"},
		{"timings", "label"},
	}
	for _, r := range objectRules {
		if !allObjects(doc[r.key], r.field) {
			return fmt.Errorf("every %s entry needs a non-blank %s", r.key, r.field)
		}
	}
	for _, key := range []string{"tags", "keywords", "topics"} {
		if !allStrings(doc[key]) {
			return fmt.Errorf("%s must be an array of non-blank strings", key)
		}
	}
	if d, ok := number(doc["durationMs"]); !ok || d < 0 {
		return errors.New("durationMs must be a non-negative number")
	}
	return nil
}

func nonEmptyString(v any) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) != ""
}

func allObjects(v any, field string) bool {
	items, ok := v.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok || !nonEmptyString(obj[field]) {
			return false
		}
	}
	return true
}

func allStrings(v any) bool {
	items, ok := v.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if !nonEmptyString(item) {
			return false
		}
	}
	return true
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
