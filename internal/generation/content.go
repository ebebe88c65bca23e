package generation

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// RawContentKey wraps free text that carried no parseable JSON object.
const RawContentKey = "content"

// Result is what a Generator produces: StructuredContent or RawText.
type Result interface {
	isResult()
}

// StructuredContent is an already-decoded JSON object.
type StructuredContent struct {
	Fields map[string]any
}

// RawText is free text that may embed a JSON object.
type RawText struct {
	Text string
}

func (StructuredContent) isResult() {}
func (RawText) isResult()           {}

// Normalize turns any Result into a JSON object.
func Normalize(result Result) map[string]any {
	switch typed := result.(type) {
	case StructuredContent:
		if typed.Fields != nil {
			return typed.Fields
		}
		return map[string]any{}
	case RawText:
		return ParseRawText(typed.Text)
	default:
		return map[string]any{}
	}
}

// ParseRawText extracts the first balanced top-level JSON object from text.
// Near-JSON goes through a repair pass; anything else becomes {"content": text}.
func ParseRawText(text string) map[string]any {
	candidate, found := firstJSONObject(text)
	if found {
		if fields, ok := decodeObject(candidate); ok {
			return fields
		}
		if repaired, err := jsonrepair.JSONRepair(candidate); err == nil {
			if fields, ok := decodeObject(repaired); ok {
				return fields
			}
		}
	}
	return map[string]any{RawContentKey: text}
}

func decodeObject(candidate string) (map[string]any, bool) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(candidate), &fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

// firstJSONObject returns the text from the first '{' to its matching '}'.
// An object left open at the end of text is returned as is for repair.
func firstJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for index := start; index < len(text); index++ {
		character := text[index]
		if inString {
			switch {
			case escaped:
				escaped = false
			case character == '\\':
				escaped = true
			case character == '"':
				inString = false
			}
			continue
		}
		switch character {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : index+1], true
			}
		}
	}
	return text[start:], true
}
