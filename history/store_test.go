package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-winrmexec/psexec"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func output(id, session string, started time.Time) *psexec.CommandOutput {
	return &psexec.CommandOutput{
		InvocationID: id,
		SessionID:    session,
		Command:      "& { Get-Service }",
		State:        psexec.StateCompleted,
		Output:       []any{"svc-a", map[string]any{"Name": "svc-b", "Status": int32(4)}},
		StartedAt:    started,
		EndedAt:      started.Add(1500 * time.Millisecond),
		Duration:     1500 * time.Millisecond,
	}
}

func TestStore_RecordAndGet(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	out := output("inv-1", "sess-1", started)
	out.State = psexec.StateFailed
	out.HadErrors = true
	out.Errors = []psexec.ErrorRecord{{
		ExceptionType: psexec.RemoteExceptionType,
		Message:       "Access is denied.",
		Invocation:    &psexec.InvocationInfo{Line: 1, Column: 3},
	}}
	require.NoError(t, s.Record(ctx, out))

	rec, err := s.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", rec.SessionID)
	assert.Equal(t, "Failed", rec.State)
	assert.True(t, rec.HadErrors)
	assert.Equal(t, int64(1500), rec.DurationMS)
	assert.True(t, rec.StartedAt.Equal(started))

	values, err := rec.DecodeOutput()
	require.NoError(t, err)
	assert.Equal(t, []any{"svc-a", map[string]any{"Name": "svc-b", "Status": float64(4)}}, values)

	errs, err := rec.DecodeErrors()
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "Access is denied.", errs[0].Message)
	require.NotNil(t, errs[0].Invocation)
	assert.Equal(t, 3, errs[0].Invocation.Column)
}

func TestStore_RecordReplaces(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	out := output("inv-1", "sess-1", started)
	out.State = psexec.StateRunning
	out.Output = nil
	require.NoError(t, s.Record(ctx, out))

	out = output("inv-1", "sess-1", started)
	require.NoError(t, s.Record(ctx, out))

	recs, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Completed", recs[0].State)
}

func TestStore_RecordNil(t *testing.T) {
	s := createTestStore(t)
	assert.NoError(t, s.Record(context.Background(), nil))
}

func TestStore_GetNotFound(t *testing.T) {
	s := createTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_Queries(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, output("inv-1", "sess-a", base)))
	require.NoError(t, s.Record(ctx, output("inv-2", "sess-b", base.Add(time.Minute))))
	require.NoError(t, s.Record(ctx, output("inv-3", "sess-a", base.Add(2*time.Minute))))

	recent, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "inv-3", recent[0].InvocationID)
	assert.Equal(t, "inv-2", recent[1].InvocationID)

	bySession, err := s.BySession(ctx, "sess-a", 0)
	require.NoError(t, err)
	require.Len(t, bySession, 2)
	assert.Equal(t, "inv-3", bySession[0].InvocationID)
	assert.Equal(t, "inv-1", bySession[1].InvocationID)

	n, err := s.Prune(ctx, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	recent, err = s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "inv-3", recent[0].InvocationID)
}

func TestStore_Memory(t *testing.T) {
	s, err := Open(MemoryPath)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Record(ctx, output("inv-1", "sess-1", time.Now())))
	recs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestStore_AsRecorder(t *testing.T) {
	s := createTestStore(t)
	var r psexec.Recorder = s
	require.NoError(t, r.Record(context.Background(), output("inv-9", "sess-9", time.Now())))

	recs, err := s.BySession(context.Background(), "sess-9", 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}
