// Package llmjson recovers structured JSON from model responses. Providers
// routinely wrap payloads in markdown fences or chat filler, so extraction is
// an explicit, ordered list of strategies rather than a single catch-all.
package llmjson

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrNoJSON means none of the recovery strategies found a parseable payload.
var ErrNoJSON = errors.New("no JSON payload found in response")

var fenceRe = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

// Extract returns the JSON text inside raw, trying in order:
// the raw text as-is, the contents of a markdown code fence, and the first
// balanced {...} or [...] block.
func Extract(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrNoJSON
	}
	if json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}
	if m := fenceRe.FindStringSubmatch(trimmed); m != nil {
		inner := strings.TrimSpace(m[1])
		if json.Valid([]byte(inner)) {
			return inner, nil
		}
	}
	if block := firstBalancedBlock(trimmed); block != "" && json.Valid([]byte(block)) {
		return block, nil
	}
	return "", ErrNoJSON
}

// Unmarshal extracts and decodes into v.
func Unmarshal(raw string, v any) error {
	payload, err := Extract(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(payload), v)
}

// firstBalancedBlock scans for the first '{' or '[' and returns the substring
// up to its matching close, honouring string literals and escapes.
func firstBalancedBlock(s string) string {
	start := -1
	var open, closing byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			open = s[i]
			if open == '{' {
				closing = '}'
			} else {
				closing = ']'
			}
			break
		}
	}
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
