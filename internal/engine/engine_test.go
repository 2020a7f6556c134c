package engine_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/transcript-engine/internal/core"
	"github.com/book-expert/transcript-engine/internal/engine"
	"github.com/book-expert/transcript-engine/internal/job"
	"github.com/book-expert/transcript-engine/internal/mode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMedia probes a fixed duration and writes a tiny placeholder file for
// every extract call, so the chunker can run against a real scratch
// directory without invoking ffmpeg/ffprobe.
type fakeMedia struct {
	durationS float64
}

func (m *fakeMedia) ProbeDuration(context.Context, string) (float64, error) {
	return m.durationS, nil
}

func (m *fakeMedia) Extract(_ context.Context, _ string, _, _ float64, outputPath string) error {
	return os.WriteFile(outputPath, []byte("pcm"), 0o600)
}

func (m *fakeMedia) HashFile(path string) (string, error) {
	return "hash-" + path, nil
}

// echoTranscriber returns "T{n} " per call, with n counting calls in the
// order they arrive (the chunk path is ignored), so 30 calls yield T0
// through T29.
type echoTranscriber struct {
	mu sync.Mutex
	n  int
}

func (e *echoTranscriber) Transcribe(context.Context, string, core.TranscriptionConfig) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	text := fmt.Sprintf("T%d ", e.n)
	e.n++

	return text, nil
}

func testSafeguards() mode.Safeguards {
	return mode.Safeguards{MaxTotalRetries: 20, MaxSplits: 2, MaxJobAge: time.Hour, CleanupInterval: time.Minute}
}

func waitForTerminal(t *testing.T, e *engine.Engine, jobID string) *job.StatusResponse {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)

	for time.Now().Before(deadline) {
		resp, ok := e.GetStatus(jobID)
		require.True(t, ok)

		if resp.Status == job.StatusCompleted || resp.Status == job.StatusFailed || resp.Status == job.StatusCancelled {
			return resp
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("job did not reach a terminal state in time")

	return nil
}

func TestSubmitBalancedJobCompletes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	jobs := job.NewManager(testSafeguards(), nil)
	eng := engine.New(&fakeMedia{durationS: 5400}, &echoTranscriber{}, jobs, dir, nil, nil)

	jobID, err := eng.Submit(context.Background(), job.Config{Mode: mode.Balanced}, "lecture.mp3", 1024, []byte("audio"))
	require.NoError(t, err)

	resp := waitForTerminal(t, eng, jobID)
	assert.Equal(t, job.StatusCompleted, resp.Status)
	assert.Equal(t, 30, resp.TotalChunks)
	assert.Equal(t, 30, resp.CompletedChunks)
	require.NotNil(t, resp.Transcript)
	assert.Contains(t, *resp.Transcript, "T0")
	assert.Contains(t, *resp.Transcript, "T29")
}

func TestSubmitZeroDurationProducesEmptyTranscript(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	jobs := job.NewManager(testSafeguards(), nil)
	eng := engine.New(&fakeMedia{durationS: 0}, &echoTranscriber{}, jobs, dir, nil, nil)

	jobID, err := eng.Submit(context.Background(), job.Config{Mode: mode.Balanced}, "silent.mp3", 0, nil)
	require.NoError(t, err)

	resp := waitForTerminal(t, eng, jobID)
	assert.Equal(t, job.StatusCompleted, resp.Status)
	assert.Equal(t, 0, resp.TotalChunks)
	require.NotNil(t, resp.Transcript)
	assert.Empty(t, *resp.Transcript)
}

func TestCancelHidesTranscript(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	jobs := job.NewManager(testSafeguards(), nil)
	eng := engine.New(&fakeMedia{durationS: 180}, &echoTranscriber{}, jobs, dir, nil, nil)

	jobID, err := eng.Submit(context.Background(), job.Config{Mode: mode.Balanced}, "a.mp3", 10, []byte("audio"))
	require.NoError(t, err)

	require.NoError(t, eng.Cancel(jobID))

	resp, ok := eng.GetStatus(jobID)
	require.True(t, ok)
	assert.Equal(t, job.StatusCancelled, resp.Status)
	assert.Nil(t, resp.Transcript)
}
