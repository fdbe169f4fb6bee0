package capability

import (
	"encoding/json"
	"math"

	"github.com/google/jsonschema-go/jsonschema"
)

// Verdict is the audit vocabulary shared with the audit schema.
type Verdict string

const (
	VerdictPending               Verdict = "PENDING"
	VerdictVerified              Verdict = "VERIFIED"
	VerdictRejected              Verdict = "REJECTED"
	VerdictHallucinationDetected Verdict = "HALLUCINATION_DETECTED"
	VerdictLazyReasoning         Verdict = "LAZY_REASONING"
)

// Verdicts lists every valid verdict.
var Verdicts = []Verdict{
	VerdictPending,
	VerdictVerified,
	VerdictRejected,
	VerdictHallucinationDetected,
	VerdictLazyReasoning,
}

// Valid reports whether v belongs to the vocabulary.
func (v Verdict) Valid() bool {
	for _, known := range Verdicts {
		if v == known {
			return true
		}
	}
	return false
}

// ThinkingLevel is one tier of the hierarchical thinking pre-pass.
type ThinkingLevel string

const (
	LevelStrategic   ThinkingLevel = "STRATEGIC"
	LevelTactical    ThinkingLevel = "TACTICAL"
	LevelOperational ThinkingLevel = "OPERATIONAL"
)

func bounds(n float64) *float64 { return &n }

func describedString(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: desc}
}

func stringList(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "array", Description: desc, Items: &jsonschema.Schema{Type: "string"}}
}

func enum(values ...string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// Response schemas, one per call kind.
var (
	WorkerSchema = MustSchema("worker", &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"text":         describedString("The work product for this phase"),
			"thoughtTrace": describedString("Reasoning behind the work product"),
			"keyDecision":  describedString("The single most important decision made"),
		},
		Required: []string{"text", "thoughtTrace"},
	})

	AnswerSchema = MustSchema("answer", &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"text":         describedString("Answer to the reviewer's question"),
			"thoughtTrace": describedString("Reasoning behind the answer"),
		},
		Required: []string{"text"},
	})

	CriticSchema = MustSchema("critic", &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"feedback":    describedString("Review of the worker output"),
			"question":    describedString("Optional question for the worker"),
			"suggestions": stringList("Concrete improvements; empty when none"),
		},
		Required: []string{"feedback"},
	})

	AuditSchema = MustSchema("audit", &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"verdict":  {Type: "string", Enum: enum(verdictNames()...)},
			"analysis": describedString("Justification of the verdict"),
			"score":    {Type: "integer", Minimum: bounds(0), Maximum: bounds(100)},
		},
		Required: []string{"analysis", "score", "verdict"},
	})

	RevisionSchema = MustSchema("revision", &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"revisedOutput":       describedString("Worker output with the review applied"),
			"revisedThoughtTrace": describedString("Reasoning behind the revision"),
			"changes":             describedString("What changed and why"),
		},
		Required: []string{"changes", "revisedOutput", "revisedThoughtTrace"},
	})

	SummarySchema = MustSchema("summary", &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"summary": describedString("Compressed summary of the task so far"),
		},
		Required: []string{"summary"},
	})

	ThinkingSchema = MustSchema("thinking", &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"traces": {
				Type: "array",
				Items: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"level": {Type: "string", Enum: enum(
							string(LevelStrategic), string(LevelTactical), string(LevelOperational),
						)},
						"reasoning":    describedString("Reasoning at this level"),
						"keyDecisions": stringList("Decisions taken at this level"),
						"dependencies": stringList("What this level depends on"),
					},
					Required: []string{"level", "reasoning"},
				},
			},
		},
		Required: []string{"traces"},
	})
)

func verdictNames() []string {
	names := make([]string, len(Verdicts))
	for i, v := range Verdicts {
		names[i] = string(v)
	}
	return names
}

// WorkerOutput is a worker turn.
type WorkerOutput struct {
	Text         string
	ThoughtTrace string
	KeyDecision  string
}

// AnswerOutput is a worker's answer to a critic question.
type AnswerOutput struct {
	Text         string
	ThoughtTrace string
}

// CriticOutput is a code review turn. HasSuggestions is true when the
// response carried a suggestions array, even an empty one.
type CriticOutput struct {
	Feedback       string
	Question       string
	Suggestions    []string
	HasSuggestions bool
}

// AuditOutput is an audit verdict.
type AuditOutput struct {
	Verdict  Verdict
	Analysis string
	Score    int
}

// RevisionOutput is a worker revision following review.
type RevisionOutput struct {
	RevisedOutput       string
	RevisedThoughtTrace string
	Changes             string
}

// ThinkingTrace is one level of the thinking pre-pass.
type ThinkingTrace struct {
	Level        ThinkingLevel `json:"level"`
	Reasoning    string        `json:"reasoning"`
	KeyDecisions []string      `json:"keyDecisions,omitempty"`
	Dependencies []string      `json:"dependencies,omitempty"`
}

func decodeWorker(r *Result) (WorkerOutput, error) {
	return WorkerOutput{
		Text:         str(r.Fields, "text"),
		ThoughtTrace: str(r.Fields, "thoughtTrace"),
		KeyDecision:  str(r.Fields, "keyDecision"),
	}, nil
}

func decodeAnswer(r *Result) (AnswerOutput, error) {
	return AnswerOutput{
		Text:         str(r.Fields, "text"),
		ThoughtTrace: str(r.Fields, "thoughtTrace"),
	}, nil
}

func decodeCritic(r *Result) (CriticOutput, error) {
	out := CriticOutput{
		Feedback: str(r.Fields, "feedback"),
		Question: str(r.Fields, "question"),
	}
	if raw, ok := r.Fields["suggestions"].([]any); ok {
		out.HasSuggestions = true
		out.Suggestions = strs(raw)
	}
	return out, nil
}

func decodeAudit(r *Result) (AuditOutput, error) {
	verdict := Verdict(str(r.Fields, "verdict"))
	if !verdict.Valid() {
		return AuditOutput{}, schemaErrorf("audit.verdict: unknown verdict %q", verdict)
	}
	score, _ := asInt(r.Fields["score"])
	return AuditOutput{
		Verdict:  verdict,
		Analysis: str(r.Fields, "analysis"),
		Score:    score,
	}, nil
}

func decodeRevision(r *Result) (RevisionOutput, error) {
	return RevisionOutput{
		RevisedOutput:       str(r.Fields, "revisedOutput"),
		RevisedThoughtTrace: str(r.Fields, "revisedThoughtTrace"),
		Changes:             str(r.Fields, "changes"),
	}, nil
}

func decodeSummary(r *Result) (string, error) {
	return str(r.Fields, "summary"), nil
}

func decodeThinking(r *Result) ([]ThinkingTrace, error) {
	raw, _ := r.Fields["traces"].([]any)
	traces := make([]ThinkingTrace, 0, len(raw))
	for _, item := range raw {
		obj, _ := item.(map[string]any)
		keyDecisions, _ := obj["keyDecisions"].([]any)
		dependencies, _ := obj["dependencies"].([]any)
		traces = append(traces, ThinkingTrace{
			Level:        ThinkingLevel(str(obj, "level")),
			Reasoning:    str(obj, "reasoning"),
			KeyDecisions: strs(keyDecisions),
			Dependencies: strs(dependencies),
		})
	}
	return traces, nil
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func strs(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// asInt accepts JSON numbers (float64) with integral values and the
// integer types produced by TOML decoding.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}
