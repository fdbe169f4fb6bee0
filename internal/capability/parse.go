package capability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// parseResponse turns backend text into a Result. For structured calls the
// text must contain a JSON object, optionally inside a markdown code fence
// or surrounded by prose.
func parseResponse(text string, schema *Schema) (*Result, error) {
	if schema == nil {
		return &Result{Text: text}, nil
	}

	obj := extractJSONObject(text)
	if obj == "" {
		return nil, schemaErrorf("%s: response contains no JSON object", schema.Name)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(obj), &fields); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSchemaViolation, schema.Name, err)
	}
	return &Result{Text: text, Fields: fields}, nil
}

func extractJSONObject(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ""
	}
	return text[start : end+1]
}

// structuredPrompt appends the response contract to a prompt for backends
// without native schema support.
func structuredPrompt(prompt string, schema *Schema) string {
	if schema == nil {
		return prompt
	}
	var b bytes.Buffer
	b.WriteString(prompt)
	b.WriteString("\n\nRespond with a single JSON object matching this JSON Schema and nothing else:\n")
	b.WriteString(schema.String())
	return b.String()
}
