package memory

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/marathon/internal/capability"
	"github.com/fyrsmithlabs/marathon/internal/graph"
)

func TestExtractDecisions(t *testing.T) {
	phases := []PhaseInfo{
		{Number: 1, Name: "Analysis", Status: "VERIFIED", ThoughtTrace: "t"},
		{Number: 2, Name: "Planning", Status: "IN_PROGRESS"},
	}
	msgs := []graph.Message{
		{ID: "a", Phase: 1, Role: graph.RoleWorker, Body: "Use a ring buffer", ThoughtTrace: "We DECIDED on a ring buffer"},
		{ID: "b", Phase: 1, Role: graph.RoleWorker, Body: "No decision language", ThoughtTrace: "just thinking"},
		{ID: "c", Phase: 1, Role: graph.RoleWorker, Body: "ignored body", ThoughtTrace: "trace", KeyDecision: "Adopt Go modules"},
		{ID: "d", Phase: 1, Role: graph.RoleCodeReview, Body: "x", ThoughtTrace: "I chose nothing"},
		{ID: "e", Phase: 2, Role: graph.RoleWorker, Body: "phase without trace", ThoughtTrace: "selected option B"},
	}

	got := extractDecisions(phases, msgs, 10)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].MessageID)
	assert.Equal(t, "Use a ring buffer", got[0].Decision)
	assert.Equal(t, "We DECIDED on a ring buffer", got[0].Rationale)
	assert.Equal(t, "Adopt Go modules", got[1].Decision)
	assert.Equal(t, 1, got[1].Phase)
}

func TestExtractDecisions_BoundedAndTruncated(t *testing.T) {
	phases := []PhaseInfo{{Number: 1, ThoughtTrace: "t"}}
	var msgs []graph.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, graph.Message{
			ID:           string(rune('a' + i)),
			Phase:        1,
			Role:         graph.RoleWorker,
			Body:         strings.Repeat("b", 300),
			ThoughtTrace: "decision " + strings.Repeat("r", 300),
		})
	}

	got := extractDecisions(phases, msgs, 3)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].MessageID)
	assert.Len(t, got[0].Decision, 100)
	assert.Len(t, got[0].Rationale, 200)
}

func TestPhaseDigests(t *testing.T) {
	phases := []PhaseInfo{
		{Number: 1, Name: "Analysis", Status: "VERIFIED"},
		{Number: 2, Name: "Planning", Status: "REJECTED"},
		{Number: 3, Name: "Implementation", Status: "PENDING"},
		{Number: 4, Name: "Review", Status: "IN_PROGRESS"},
	}
	msgs := []graph.Message{
		{Phase: 1, Role: graph.RoleWorker, Body: "Analysed the inputs"},
		{Phase: 1, Role: graph.RoleAudit, Body: "Audit failed", Verdict: capability.VerdictPending},
		{Phase: 1, Role: graph.RoleAudit, Body: "✓ VERIFIED (Score: 90/100)\nGood.", Verdict: capability.VerdictVerified},
		{Phase: 2, Role: graph.RoleWorker, Body: strings.Repeat("p", 200)},
		{Phase: 2, Role: graph.RoleAudit, Body: "✗ LAZY_REASONING (Score: 20/100)\n" + strings.Repeat("x", 80), Verdict: capability.VerdictLazyReasoning},
		{Phase: 3, Role: graph.RoleWorker, Body: "never runs"},
	}

	got := phaseDigests(phases, msgs)
	assert.Equal(t, "Phase 1 (Analysis): Analysed the inputs... [✓ VERIFIED (Score: 90/100)\nGood.]", got[1])
	assert.Equal(t, "Phase 2 (Planning): "+strings.Repeat("p", 150)+"... [✗ LAZY_REASONING (Score: 20/100)\n"+strings.Repeat("x", 17)+"]", got[2])
	assert.NotContains(t, got, 3)
	assert.NotContains(t, got, 4, "no worker message yet")
}

func TestExtractCorrections(t *testing.T) {
	msgs := []graph.Message{
		{ID: "w", Phase: 2, Role: graph.RoleWorker, Body: "first approach"},
		{ID: "r", Phase: 2, Role: graph.RoleWorker, Body: "revised approach", IsRevision: true, OriginalMessageID: "w", Changes: "handled nil input"},
		{ID: "n", Phase: 2, Role: graph.RoleWorker, Body: "revision without changes", IsRevision: true, OriginalMessageID: "w"},
		{ID: "o", Phase: 2, Role: graph.RoleWorker, Body: "orphan", IsRevision: true, OriginalMessageID: "gone", Changes: "x"},
	}

	got := extractCorrections(msgs, 10)
	require.Len(t, got, 1)
	assert.Equal(t, SelfCorrection{
		MessageID:         "r",
		Phase:             2,
		OriginalApproach:  "first approach",
		Issue:             "handled nil input",
		CorrectedApproach: "revised approach",
		Lesson:            "Self-corrected in Phase 2: handled nil input",
	}, got[0])
}

func TestRender(t *testing.T) {
	mem := &TaskMemory{
		TaskSummary: "Build a cache",
		PhaseSummaries: map[int]string{
			1: "Phase 1 (Analysis): looked",
			2: "Phase 2 (Planning): planned",
			3: "Phase 3 (Implementation): built",
		},
		KeyDecisions: []KeyDecision{
			{Phase: 1, Decision: "LRU", Rationale: "simple"},
			{Phase: 3, Decision: "later", Rationale: "hidden"},
		},
		SelfCorrections: []SelfCorrection{
			{Phase: 2, Lesson: "Self-corrected in Phase 2: sizing"},
			{Phase: 3, Lesson: "hidden"},
		},
	}

	want := "Task Summary: Build a cache\n\n" +
		"Phase 1 Summary: Phase 1 (Analysis): looked\n\n" +
		"Phase 2 Summary: Phase 2 (Planning): planned\n\n" +
		"Key Decisions:\n- LRU: simple\n\n" +
		"Lessons Learned:\n- Self-corrected in Phase 2: sizing"
	assert.Equal(t, want, render(mem, 3))

	assert.Equal(t, "Task Summary: Build a cache", render(mem, 1))
	assert.Equal(t, "", render(nil, 3))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "✓ V", truncate("✓ VERIFIED", 3))
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "one two", truncateWords("  one two three ", 2))
	assert.Equal(t, "one two", truncateWords(" one two ", 5))
}

func TestTaskMemoryClone(t *testing.T) {
	mem := &TaskMemory{
		PhaseSummaries: map[int]string{1: "a"},
		KeyDecisions:   []KeyDecision{{Decision: "d"}},
		LastUpdated:    time.Now(),
	}
	cp := mem.Clone()
	cp.PhaseSummaries[1] = "b"
	cp.KeyDecisions[0].Decision = "x"
	assert.Equal(t, "a", mem.PhaseSummaries[1])
	assert.Equal(t, "d", mem.KeyDecisions[0].Decision)
	assert.Nil(t, (*TaskMemory)(nil).Clone())
}
