package job_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/book-expert/transcript-engine/internal/chunker"
	"github.com/book-expert/transcript-engine/internal/job"
	"github.com/book-expert/transcript-engine/internal/mode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSafeguards() mode.Safeguards {
	return mode.Safeguards{
		MaxTotalRetries: 20,
		MaxSplits:       2,
		MaxJobAge:       2 * time.Hour,
		CleanupInterval: time.Millisecond,
	}
}

func threeChunks() []chunker.Chunk {
	return []chunker.Chunk{
		{Index: 0, Path: "/tmp/c0.wav", StartS: 0, EndS: 180},
		{Index: 1, Path: "/tmp/c1.wav", StartS: 180, EndS: 360},
		{Index: 2, Path: "/tmp/c2.wav", StartS: 360, EndS: 420},
	}
}

func TestCreateJobAndInitializeChunks(t *testing.T) {
	t.Parallel()

	m := job.NewManager(testSafeguards(), nil)

	j := m.CreateJob(job.Config{Mode: mode.Balanced}, job.Metadata{Filename: "lecture.mp3"})
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, job.StatusPending, j.Status)

	err := m.InitializeChunks(j.ID, threeChunks())
	require.NoError(t, err)

	got, ok := m.GetJob(j.ID)
	require.True(t, ok)
	assert.Len(t, got.ChunkStatuses, 3)
	assert.Equal(t, 3, got.Metadata.TotalChunks)

	for _, cs := range got.ChunkStatuses {
		assert.Equal(t, job.ChunkPending, cs.State)
	}
}

func TestInitializeChunksUnknownJob(t *testing.T) {
	t.Parallel()

	m := job.NewManager(testSafeguards(), nil)

	err := m.InitializeChunks("missing", threeChunks())
	require.Error(t, err)
}

func TestGetJobReturnsIndependentSnapshot(t *testing.T) {
	t.Parallel()

	m := job.NewManager(testSafeguards(), nil)
	j := m.CreateJob(job.Config{}, job.Metadata{})
	require.NoError(t, m.InitializeChunks(j.ID, threeChunks()))

	snap, ok := m.GetJob(j.ID)
	require.True(t, ok)

	snap.ChunkStatuses[0].State = job.ChunkCompleted

	fresh, ok := m.GetJob(j.ID)
	require.True(t, ok)
	assert.Equal(t, job.ChunkPending, fresh.ChunkStatuses[0].State, "mutating a snapshot must not affect stored state")
}

func TestUpdateChunkStatusRecomputesProgress(t *testing.T) {
	t.Parallel()

	m := job.NewManager(testSafeguards(), nil)
	j := m.CreateJob(job.Config{}, job.Metadata{})
	require.NoError(t, m.InitializeChunks(j.ID, threeChunks()))

	completed := job.ChunkCompleted
	require.NoError(t, m.UpdateChunkStatus(j.ID, 0, job.ChunkStatusPatch{State: &completed}))

	snap, ok := m.GetJob(j.ID)
	require.True(t, ok)
	assert.Equal(t, 1, snap.CompletedChunks)
	assert.Equal(t, 33, snap.Progress)

	require.NoError(t, m.UpdateChunkStatus(j.ID, 1, job.ChunkStatusPatch{State: &completed}))
	require.NoError(t, m.UpdateChunkStatus(j.ID, 2, job.ChunkStatusPatch{State: &completed}))

	snap, ok = m.GetJob(j.ID)
	require.True(t, ok)
	assert.Equal(t, 3, snap.CompletedChunks)
	assert.Equal(t, 100, snap.Progress)
}

func TestUpdateChunkStatusInvalidIndex(t *testing.T) {
	t.Parallel()

	m := job.NewManager(testSafeguards(), nil)
	j := m.CreateJob(job.Config{}, job.Metadata{})
	require.NoError(t, m.InitializeChunks(j.ID, threeChunks()))

	err := m.UpdateChunkStatus(j.ID, 5, job.ChunkStatusPatch{})
	require.Error(t, err)
}

func TestUpdateChunkStatusPatchLeavesUnsetFieldsUnchanged(t *testing.T) {
	t.Parallel()

	m := job.NewManager(testSafeguards(), nil)
	j := m.CreateJob(job.Config{}, job.Metadata{})
	require.NoError(t, m.InitializeChunks(j.ID, threeChunks()))

	retries := 1
	require.NoError(t, m.UpdateChunkStatus(j.ID, 0, job.ChunkStatusPatch{RetryCount: &retries}))

	retrying := job.ChunkRetrying
	require.NoError(t, m.UpdateChunkStatus(j.ID, 0, job.ChunkStatusPatch{State: &retrying}))

	snap, ok := m.GetJob(j.ID)
	require.True(t, ok)
	assert.Equal(t, job.ChunkRetrying, snap.ChunkStatuses[0].State)
	assert.Equal(t, 1, snap.ChunkStatuses[0].RetryCount, "previously set retry count must survive an unrelated patch")
}

func TestUpdateJobStatusTerminalIsSticky(t *testing.T) {
	t.Parallel()

	m := job.NewManager(testSafeguards(), nil)
	j := m.CreateJob(job.Config{}, job.Metadata{})

	require.NoError(t, m.UpdateJobStatus(j.ID, job.StatusFailed, nil))

	snap, ok := m.GetJob(j.ID)
	require.True(t, ok)
	require.NotNil(t, snap.Metadata.CompletedAt)
	require.NotNil(t, snap.Metadata.ProcessingTime)

	require.NoError(t, m.UpdateJobStatus(j.ID, job.StatusCompleted, nil))

	snap, ok = m.GetJob(j.ID)
	require.True(t, ok)
	assert.Equal(t, job.StatusFailed, snap.Status, "terminal status must not change once set")
}

func TestCancelIsNoOpOnTerminalJob(t *testing.T) {
	t.Parallel()

	m := job.NewManager(testSafeguards(), nil)
	j := m.CreateJob(job.Config{}, job.Metadata{})
	require.NoError(t, m.UpdateJobStatus(j.ID, job.StatusCompleted, nil))

	require.NoError(t, m.Cancel(j.ID))

	snap, ok := m.GetJob(j.ID)
	require.True(t, ok)
	assert.Equal(t, job.StatusCompleted, snap.Status)
}

func TestValidateOwnership(t *testing.T) {
	t.Parallel()

	m := job.NewManager(testSafeguards(), nil)

	owned := m.CreateJob(job.Config{UserID: "alice"}, job.Metadata{})
	ok, err := m.ValidateOwnership(owned.ID, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.ValidateOwnership(owned.ID, "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	unowned := m.CreateJob(job.Config{}, job.Metadata{})
	ok, err = m.ValidateOwnership(unowned.ID, "anyone")
	require.NoError(t, err)
	assert.True(t, ok, "jobs without an owner must validate for any caller")
}

func TestGetStatusResponseHidesTranscriptWhenCancelled(t *testing.T) {
	t.Parallel()

	m := job.NewManager(testSafeguards(), nil)
	j := m.CreateJob(job.Config{}, job.Metadata{})
	require.NoError(t, m.SetTranscript(j.ID, "secret partial text"))
	require.NoError(t, m.Cancel(j.ID))

	resp, ok := m.GetStatusResponse(j.ID)
	require.True(t, ok)
	assert.Nil(t, resp.Transcript)
}

func TestGetStatusResponseEstimatesRemainingTime(t *testing.T) {
	t.Parallel()

	m := job.NewManager(testSafeguards(), nil)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	job.SetClockForTest(m, func() time.Time { return start })

	j := m.CreateJob(job.Config{}, job.Metadata{})
	require.NoError(t, m.InitializeChunks(j.ID, threeChunks()))
	require.NoError(t, m.UpdateJobStatus(j.ID, job.StatusTranscribing, nil))

	completed := job.ChunkCompleted
	require.NoError(t, m.UpdateChunkStatus(j.ID, 0, job.ChunkStatusPatch{State: &completed}))

	job.SetClockForTest(m, func() time.Time { return start.Add(30 * time.Second) })

	resp, ok := m.GetStatusResponse(j.ID)
	require.True(t, ok)
	require.NotNil(t, resp.EstimatedTimeRemainingSeconds)
	assert.Equal(t, int64(60), *resp.EstimatedTimeRemainingSeconds)
}

func TestDeleteJobRemovesChunkFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := dir + "/chunk_0.wav"
	require.NoError(t, os.WriteFile(path, []byte("pcm"), 0o600))

	m := job.NewManager(testSafeguards(), nil)
	j := m.CreateJob(job.Config{}, job.Metadata{})
	require.NoError(t, m.InitializeChunks(j.ID, []chunker.Chunk{{Index: 0, Path: path}}))

	require.NoError(t, m.DeleteJob(j.ID))

	_, ok := m.GetJob(j.ID)
	assert.False(t, ok)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestReapDeletesJobsOlderThanMaxAge(t *testing.T) {
	t.Parallel()

	safeguards := testSafeguards()
	safeguards.MaxJobAge = time.Hour

	m := job.NewManager(safeguards, nil)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	job.SetClockForTest(m, func() time.Time { return start })

	stale := m.CreateJob(job.Config{}, job.Metadata{})

	job.SetClockForTest(m, func() time.Time { return start.Add(2 * time.Hour) })

	fresh := m.CreateJob(job.Config{}, job.Metadata{})

	m.Reap()

	_, ok := m.GetJob(stale.ID)
	assert.False(t, ok)

	_, ok = m.GetJob(fresh.ID)
	assert.True(t, ok)
}

func TestRunReaperStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	m := job.NewManager(testSafeguards(), nil)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		m.RunReaper(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunReaper did not stop after context cancellation")
	}
}

func TestJobStatusMatchesGovernorCancelledLiteral(t *testing.T) {
	t.Parallel()

	m := job.NewManager(testSafeguards(), nil)
	j := m.CreateJob(job.Config{}, job.Metadata{})
	require.NoError(t, m.Cancel(j.ID))

	status, err := m.JobStatus(j.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", status)
}
