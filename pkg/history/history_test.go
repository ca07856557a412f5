package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.StartRun(ctx, &Run{RunID: "r1", Workflow: "buildroot", Event: "push", StartedAt: start}))
	require.NoError(t, s.SaveInstance(ctx, &Instance{
		RunID: "r1", InstanceID: "build-1", Job: "build", Name: "build (11, 5.15)",
		Result: "failure", Error: "step make: exit 2", Log: "make: *** [all] Error 2\n",
		StartedAt: start,
		Steps: []Step{
			{Position: 0, Name: "checkout", Conclusion: "success"},
			{Position: 1, StepID: "make", Name: "make", Outcome: "failure", Conclusion: "failure"},
		},
	}))
	require.NoError(t, s.SaveInstance(ctx, &Instance{RunID: "r1", InstanceID: "test", Job: "test", Result: "skipped", StartedAt: start.Add(time.Second)}))
	require.NoError(t, s.FinishRun(ctx, "r1", "failure", start.Add(time.Minute)))

	r, err := s.Run(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "failure", r.Result)
	require.Len(t, r.Instances, 2)
	assert.Equal(t, "build-1", r.Instances[0].InstanceID)
	assert.Contains(t, r.Instances[0].Log, "Error 2")
	require.Len(t, r.Instances[0].Steps, 2)
	assert.Equal(t, "make", r.Instances[0].Steps[1].StepID)

	_, err = s.Run(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, s.FinishRun(ctx, "missing", "success", time.Now()), ErrRunNotFound)
}

func TestSaveInstanceReplaces(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	require.NoError(t, s.StartRun(ctx, &Run{RunID: "r1", StartedAt: time.Now()}))

	in := &Instance{RunID: "r1", InstanceID: "build", Result: "failure", Steps: []Step{{Position: 0, Name: "a"}, {Position: 1, Name: "b"}}}
	require.NoError(t, s.SaveInstance(ctx, in))
	require.NoError(t, s.SaveInstance(ctx, &Instance{RunID: "r1", InstanceID: "build", Result: "success", Steps: []Step{{Position: 0, Name: "c"}}}))

	r, err := s.Run(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, r.Instances, 1)
	assert.Equal(t, "success", r.Instances[0].Result)
	require.Len(t, r.Instances[0].Steps, 1)
	assert.Equal(t, "c", r.Instances[0].Steps[0].Name)
}

func TestRunsAndPrune(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	now := time.Now()

	for i, id := range []string{"old", "mid", "new"} {
		started := now.Add(time.Duration(i-2) * 48 * time.Hour)
		require.NoError(t, s.StartRun(ctx, &Run{RunID: id, StartedAt: started}))
		require.NoError(t, s.SaveInstance(ctx, &Instance{RunID: id, InstanceID: "a", Steps: []Step{{Name: "x"}}}))
	}

	runs, err := s.Runs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].RunID)
	assert.Equal(t, "mid", runs[1].RunID)

	n, err := s.Prune(ctx, now.Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Run(ctx, "old")
	assert.ErrorIs(t, err, ErrRunNotFound)
	runs, err = s.Runs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}
