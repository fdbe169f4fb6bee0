// Package capability is the boundary to the generative reasoning service.
//
// A Port performs one prompt/response exchange. Everything above it (the
// orchestrator and the memory compressor) goes through the typed helpers in
// this package, which validate structured responses against a Schema and
// convert every backend, decode or schema error into a *Failure.
package capability

import (
	"context"
)

// Port is a single-shot call to a reasoning service. Implementations do not
// retry on behalf of callers unless the backend itself documents it.
type Port interface {
	// Complete sends prompt and returns the response. When schema is
	// non-nil the response must carry Fields matching it.
	Complete(ctx context.Context, prompt string, schema *Schema) (*Result, error)
}

// PortFunc adapts a function to Port.
type PortFunc func(ctx context.Context, prompt string, schema *Schema) (*Result, error)

// Complete calls f.
func (f PortFunc) Complete(ctx context.Context, prompt string, schema *Schema) (*Result, error) {
	return f(ctx, prompt, schema)
}

// Result is a raw capability response. Fields is populated for structured
// calls.
type Result struct {
	Text   string
	Fields map[string]any
}
