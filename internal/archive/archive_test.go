package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/marathon/internal/capability"
	"github.com/fyrsmithlabs/marathon/internal/graph"
	"github.com/fyrsmithlabs/marathon/internal/orchestrator"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestArchive_RecordMessage(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	score := 42

	msgs := []graph.Message{
		{ID: "m2", TaskID: "t1", Seq: 2, Role: graph.RoleAudit, Body: "audit", Phase: 1, RespondsTo: "m1", Verdict: capability.VerdictRejected, Score: &score, Timestamp: ts},
		{ID: "m1", TaskID: "t1", Seq: 1, Role: graph.RoleWorker, Body: "work", ThoughtTrace: "because", Phase: 1, Timestamp: ts},
		{ID: "m3", TaskID: "t1", Seq: 3, Role: graph.RoleWorker, Body: "[RETRY] work", Phase: 1, RespondsTo: "m2", IsRevision: true, OriginalMessageID: "m1", Changes: "Addressed REJECTED audit: weak", Timestamp: ts},
		{ID: "x1", TaskID: "t2", Seq: 4, Role: graph.RoleWorker, Body: "other", Phase: 1, Timestamp: ts},
	}
	for _, m := range msgs {
		require.NoError(t, a.RecordMessage(ctx, m))
	}
	// Duplicate ids are ignored.
	require.NoError(t, a.RecordMessage(ctx, graph.Message{ID: "m1", TaskID: "t1", Seq: 1, Role: graph.RoleWorker, Body: "changed", Phase: 1}))

	got, err := a.Messages(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{got[0].ID, got[1].ID, got[2].ID})

	assert.Equal(t, "work", got[0].Body)
	assert.Equal(t, "because", got[0].ThoughtTrace)
	assert.True(t, got[0].Timestamp.Equal(ts))
	assert.Nil(t, got[0].Score)

	assert.Equal(t, capability.VerdictRejected, got[1].Verdict)
	require.NotNil(t, got[1].Score)
	assert.Equal(t, 42, *got[1].Score)

	assert.True(t, got[2].IsRevision)
	assert.Equal(t, "m1", got[2].OriginalMessageID)
	assert.Equal(t, "m2", got[2].RespondsTo)

	none, err := a.Messages(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestArchive_RecordTask(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	score := 85

	task := &orchestrator.Task{
		ID:          "t1",
		Description: "Build a parser",
		Status:      orchestrator.TaskInProgress,
		Phases: []orchestrator.Phase{
			{Number: 1, Name: "Analysis", Status: orchestrator.PhaseVerified, Verdict: capability.VerdictVerified, Score: &score},
			{Number: 2, Name: "Planning", Status: orchestrator.PhasePending},
		},
		CurrentPhase: 1,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	require.NoError(t, a.RecordTask(ctx, task))

	task.Status = orchestrator.TaskFailed
	task.Error = "task cancelled"
	task.UpdatedAt = created.Add(time.Minute)
	require.NoError(t, a.RecordTask(ctx, task))

	got, err := a.Task(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.TaskFailed, got.Status)
	assert.Equal(t, "task cancelled", got.Error)
	assert.Equal(t, 1, got.CurrentPhase)
	require.Len(t, got.Phases, 2)
	assert.Equal(t, orchestrator.PhaseVerified, got.Phases[0].Status)
	require.NotNil(t, got.Phases[0].Score)
	assert.Equal(t, 85, *got.Phases[0].Score)
	assert.Equal(t, "Planning", got.Phases[1].Name)

	_, err = a.Task(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArchive_TasksNewestFirst(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, a.RecordTask(ctx, &orchestrator.Task{
			ID:          id,
			Description: "task " + id,
			Status:      orchestrator.TaskCompleted,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := a.Tasks(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)
	assert.Equal(t, "a", all[2].ID)

	limited, err := a.Tasks(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

var verifyingPort = capability.PortFunc(func(_ context.Context, _ string, schema *capability.Schema) (*capability.Result, error) {
	switch schema.Name {
	case capability.CallWorker:
		return &capability.Result{Fields: map[string]any{"text": "out", "thoughtTrace": "trace"}}, nil
	case capability.CallCritic:
		return &capability.Result{Fields: map[string]any{"feedback": "ok", "suggestions": []any{}}}, nil
	case capability.CallAudit:
		return &capability.Result{Fields: map[string]any{"verdict": "VERIFIED", "analysis": "fine", "score": 90}}, nil
	default:
		return &capability.Result{Fields: map[string]any{"summary": "summary"}}, nil
	}
})

func TestArchive_AttachRecordsRun(t *testing.T) {
	a := openTestArchive(t)
	o, err := orchestrator.New(verifyingPort, nil, nil, orchestrator.Config{Phases: []string{"Analysis", "Planning"}})
	require.NoError(t, err)
	a.Attach(o)

	ctx := context.Background()
	task, err := o.Start(ctx, "archive me")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = o.Wait(waitCtx, task.ID)
	require.NoError(t, err)

	stored, err := a.Task(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.TaskCompleted, stored.Status)
	assert.Equal(t, "archive me", stored.Description)
	for _, p := range stored.Phases {
		assert.Equal(t, orchestrator.PhaseVerified, p.Status)
	}

	live, err := o.Messages(task.ID)
	require.NoError(t, err)
	archived, err := a.Messages(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, archived, len(live))
	for i := range live {
		assert.Equal(t, live[i].ID, archived[i].ID)
		assert.Equal(t, live[i].Role, archived[i].Role)
	}

	// The archive outlives eviction from memory.
	require.NoError(t, o.Evict(ctx, task.ID))
	archived, err = a.Messages(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, archived, len(live))
}

func TestArchive_OpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marathon.db")
	a, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, a.RecordMessage(context.Background(), graph.Message{ID: "m1", TaskID: "t1", Seq: 1, Role: graph.RoleWorker, Phase: 1}))
	require.NoError(t, a.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()
	msgs, err := reopened.Messages(context.Background(), "t1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	cfg.Enabled = true
	assert.NoError(t, cfg.Validate())
	cfg.Path = ""
	assert.Error(t, cfg.Validate())
}
