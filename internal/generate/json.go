package generate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned when a model response holds no decodable JSON.
var ErrNoJSON = errors.New("generate: no JSON found in response")

// ExtractJSON decodes the JSON value embedded in a model response into v.
// Markdown code fences and any prose around the outermost object or array
// are ignored.
func ExtractJSON(text string, v any) error {
	raw, err := jsonSpan(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %w", ErrNoJSON, err)
	}
	return nil
}

func jsonSpan(text string) ([]byte, error) {
	text = stripFences(text)
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return nil, ErrNoJSON
	}
	closing := byte('}')
	if text[start] == '[' {
		closing = ']'
	}
	end := strings.LastIndexByte(text, closing)
	if end < start {
		return nil, ErrNoJSON
	}
	return []byte(text[start : end+1]), nil
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	// Drop the opening fence line, including an optional language tag.
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	} else {
		text = strings.TrimPrefix(text, "```")
	}
	text = strings.TrimSpace(text)
	return strings.TrimSpace(strings.TrimSuffix(text, "```"))
}

// firstArray returns raw itself when it is an array, or the first
// array-valued key of an object, in document order.
func firstArray(raw []byte) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoJSON, err)
	}
	switch tok {
	case json.Delim('['):
		return raw, nil
	case json.Delim('{'):
	default:
		return nil, ErrNoJSON
	}

	for dec.More() {
		if _, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoJSON, err)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoJSON, err)
		}
		value = bytes.TrimSpace(value)
		if len(value) > 0 && value[0] == '[' {
			return value, nil
		}
	}
	return nil, ErrNoJSON
}

// decodeList finds the list in a model response and decodes it into v,
// which must point to a slice.
func decodeList(text string, v any) error {
	raw, err := jsonSpan(text)
	if err != nil {
		return err
	}
	list, err := firstArray(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(list, v); err != nil {
		return fmt.Errorf("%w: %w", ErrNoJSON, err)
	}
	return nil
}
