package protocol

import (
	"encoding/json"
	"reflect"
	"strings"
)

// ExtractFirstJSONObject scans mixed text for the first parseable JSON
// object. Providers frequently wrap payloads in prose or markdown fences, so
// the scan tries a decode at every opening brace until one succeeds.
func ExtractFirstJSONObject(text string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, false
	}
	if obj, ok := decodeLeadingObject(trimmed); ok {
		return obj, true
	}
	if fenced := stripMarkdownFences(trimmed); fenced != trimmed {
		if obj, ok := decodeLeadingObject(fenced); ok {
			return obj, true
		}
	}
	for idx := 0; idx < len(trimmed); idx++ {
		if trimmed[idx] != '{' {
			continue
		}
		if obj, ok := decodeLeadingObject(trimmed[idx:]); ok {
			return obj, true
		}
	}
	return nil, false
}

// decodeLeadingObject decodes a JSON object at the start of text, tolerating
// trailing bytes after the object.
func decodeLeadingObject(text string) (map[string]any, bool) {
	dec := json.NewDecoder(strings.NewReader(text))
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// stripMarkdownFences unwraps a ```json ... ``` (or bare ```) block.
func stripMarkdownFences(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return text
	}
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return text
	}
	return strings.TrimSpace(rest[:end])
}

// CollapseRepeatedJSONObjects folds streams of the form {obj}{obj}{obj} down
// to the first object when every concatenated object is deeply equal. Some
// CLIs re-emit the final message once per stream flush; reconciliation must
// not treat the duplicates as distinct candidates. Any parse failure or
// mismatch returns the input unchanged.
func CollapseRepeatedJSONObjects(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return text
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	var first map[string]any
	if err := dec.Decode(&first); err != nil {
		return text
	}
	firstRaw := strings.TrimSpace(trimmed[:dec.InputOffset()])
	count := 1
	for dec.More() {
		var next map[string]any
		if err := dec.Decode(&next); err != nil {
			return text
		}
		if !reflect.DeepEqual(first, next) {
			return text
		}
		count++
	}
	if count < 2 {
		return text
	}
	return firstRaw
}

// Truncate shortens s to at most max runes, appending "..." when cut. Rune
// counting keeps multi-byte text intact.
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
