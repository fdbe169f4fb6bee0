package capability

import "context"

// Redactor removes secrets from text.
type Redactor interface {
	RedactString(content string) string
}

type scrubbed struct {
	next     Port
	redactor Redactor
}

// Scrub wraps port so that every string in a response passes through
// redactor before it reaches the caller.
func Scrub(port Port, redactor Redactor) Port {
	if redactor == nil {
		return port
	}
	return &scrubbed{next: port, redactor: redactor}
}

func (s *scrubbed) Complete(ctx context.Context, prompt string, schema *Schema) (*Result, error) {
	res, err := s.next.Complete(ctx, prompt, schema)
	if err != nil || res == nil {
		return res, err
	}
	out := &Result{Text: s.redactor.RedactString(res.Text)}
	if res.Fields != nil {
		out.Fields, _ = s.redact(res.Fields).(map[string]any)
	}
	return out, nil
}

func (s *scrubbed) redact(v any) any {
	switch val := v.(type) {
	case string:
		return s.redactor.RedactString(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.redact(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = s.redact(item)
		}
		return out
	}
	return v
}
