package processor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/transcript-engine/internal/chunker"
	"github.com/book-expert/transcript-engine/internal/core"
	"github.com/book-expert/transcript-engine/internal/job"
	"github.com/book-expert/transcript-engine/internal/mode"
	"github.com/book-expert/transcript-engine/internal/processor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGovernor ignores priority/concurrency and simply calls exec, counting
// invocations per request id.
type fakeGovernor struct {
	results map[string][]result
	calls   map[string]int
}

type result struct {
	text string
	err  error
}

func newFakeGovernor() *fakeGovernor {
	return &fakeGovernor{results: make(map[string][]result), calls: make(map[string]int)}
}

func (g *fakeGovernor) Enqueue(_ context.Context, id, _ string, _ int, exec func() (string, error), _ int) (string, error) {
	g.calls[id]++

	return exec()
}

type fakeMedia struct {
	extractErr error
}

func (m *fakeMedia) ProbeDuration(context.Context, string) (float64, error) { return 0, nil }

func (m *fakeMedia) Extract(_ context.Context, _ string, _, _ float64, outputPath string) error {
	if m.extractErr != nil {
		return m.extractErr
	}

	return os.WriteFile(outputPath, []byte("pcm"), 0o600)
}

func (m *fakeMedia) HashFile(string) (string, error) { return "hash", nil }

type sequenceTranscriber struct {
	attempts int
	failN    int
	err      error
}

func (s *sequenceTranscriber) Transcribe(context.Context, string, core.TranscriptionConfig) (string, error) {
	s.attempts++
	if s.attempts <= s.failN {
		if s.err != nil {
			return "", s.err
		}

		return "", errors.New("transient failure")
	}

	return "chunk text", nil
}

func testSafeguards() mode.Safeguards {
	return mode.Safeguards{MaxTotalRetries: 20, MaxSplits: 2, MaxJobAge: time.Hour, CleanupInterval: time.Minute}
}

func newJobWithChunk(t *testing.T, m *job.Manager, dir string) (*job.Job, string) {
	t.Helper()

	chunkPath := filepath.Join(dir, "chunk_0.wav")
	require.NoError(t, os.WriteFile(chunkPath, []byte("pcm"), 0o600))

	j := m.CreateJob(job.Config{Mode: mode.Balanced}, job.Metadata{Filename: "a.wav"})
	require.NoError(t, m.InitializeChunks(j.ID, []chunker.Chunk{{Index: 0, Path: chunkPath, StartS: 0, EndS: 180}}))

	return j, chunkPath
}

func TestProcessChunkSucceedsOnFirstAttempt(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := job.NewManager(testSafeguards(), nil)
	j, _ := newJobWithChunk(t, m, dir)

	transcriber := &sequenceTranscriber{}
	p := processor.New(&fakeMedia{}, transcriber, m, testSafeguards(), dir, nil)

	cfg, err := mode.Lookup(mode.Balanced)
	require.NoError(t, err)

	text, err := p.ProcessChunk(context.Background(), j.ID, 0, cfg, newFakeGovernor())
	require.NoError(t, err)
	assert.Equal(t, "chunk text", text)

	got, ok := m.GetJob(j.ID)
	require.True(t, ok)
	assert.Equal(t, job.ChunkCompleted, got.ChunkStatuses[0].State)
}

func TestProcessChunkSucceedsAfterRetry(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := job.NewManager(testSafeguards(), nil)
	j, _ := newJobWithChunk(t, m, dir)

	transcriber := &sequenceTranscriber{failN: 2}
	p := processor.New(&fakeMedia{}, transcriber, m, testSafeguards(), dir, nil)

	cfg, err := mode.Lookup(mode.Balanced)
	require.NoError(t, err)

	text, err := p.ProcessChunk(context.Background(), j.ID, 0, cfg, newFakeGovernor())
	require.NoError(t, err)
	assert.Equal(t, "chunk text", text)
	assert.Equal(t, 3, transcriber.attempts)

	got, ok := m.GetJob(j.ID)
	require.True(t, ok)
	assert.Equal(t, 2, got.ChunkStatuses[0].RetryCount, "spec.md scenario 4: retry_count reflects the two failed attempts")
	assert.Equal(t, 0, got.AutoSplits, "spec.md scenario 4: no auto-split when ordinary retries succeed")
}

func TestProcessChunkFallsBackToAutoSplit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := job.NewManager(testSafeguards(), nil)
	j, _ := newJobWithChunk(t, m, dir)

	transcriber := &sequenceTranscriber{failN: 999}
	transcriber.err = errors.New("persistent provider error")

	p := processor.New(&fakeMedia{}, transcriber, m, testSafeguards(), dir, nil)

	cfg, err := mode.Lookup(mode.Balanced)
	require.NoError(t, err)

	// After MaxRetries failures in the main loop, sub-chunks are tried;
	// make sub-chunks succeed by flipping failN once retries are consumed.
	transcriber.failN = cfg.MaxRetries

	text, err := p.ProcessChunk(context.Background(), j.ID, 0, cfg, newFakeGovernor())
	require.NoError(t, err)
	assert.NotEmpty(t, text)

	got, ok := m.GetJob(j.ID)
	require.True(t, ok)
	assert.True(t, got.ChunkStatuses[0].WasSplit)
	assert.Equal(t, job.ChunkCompleted, got.ChunkStatuses[0].State)
	assert.Equal(t, 1, got.AutoSplits)
}

func TestProcessChunkRespectsMaxSplitsExceeded(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	safeguards := testSafeguards()
	safeguards.MaxSplits = 0

	m := job.NewManager(safeguards, nil)
	j, _ := newJobWithChunk(t, m, dir)

	transcriber := &sequenceTranscriber{failN: 999, err: errors.New("down")}
	p := processor.New(&fakeMedia{}, transcriber, m, safeguards, dir, nil)

	cfg, err := mode.Lookup(mode.Balanced)
	require.NoError(t, err)

	_, err = p.ProcessChunk(context.Background(), j.ID, 0, cfg, newFakeGovernor())
	require.ErrorIs(t, err, core.ErrMaxSplitsExceeded)

	got, ok := m.GetJob(j.ID)
	require.True(t, ok)
	assert.Equal(t, job.ChunkFailed, got.ChunkStatuses[0].State)
}

func TestProcessChunkRespectsMaxRetriesExceeded(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	safeguards := testSafeguards()
	safeguards.MaxTotalRetries = 20

	m := job.NewManager(safeguards, nil)
	j, _ := newJobWithChunk(t, m, dir)

	for i := 0; i < safeguards.MaxTotalRetries; i++ {
		require.NoError(t, m.IncrementTotalRetries(j.ID))
	}

	transcriber := &sequenceTranscriber{failN: 999, err: errors.New("down")}
	p := processor.New(&fakeMedia{}, transcriber, m, safeguards, dir, nil)

	cfg, err := mode.Lookup(mode.Balanced)
	require.NoError(t, err)

	_, err = p.ProcessChunk(context.Background(), j.ID, 0, cfg, newFakeGovernor())
	require.ErrorIs(t, err, core.ErrMaxRetriesExceeded)
	assert.Regexp(t, `Maximum total retries.*exceeded`, err.Error())

	got, ok := m.GetJob(j.ID)
	require.True(t, ok)
	assert.Equal(t, job.ChunkFailed, got.ChunkStatuses[0].State)

	resp, ok := m.GetStatusResponse(j.ID)
	require.True(t, ok)
	assert.Nil(t, resp.Transcript)
}

func TestProcessChunkCancelledBeforeStart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := job.NewManager(testSafeguards(), nil)
	j, _ := newJobWithChunk(t, m, dir)
	require.NoError(t, m.Cancel(j.ID))

	transcriber := &sequenceTranscriber{}
	p := processor.New(&fakeMedia{}, transcriber, m, testSafeguards(), dir, nil)

	cfg, err := mode.Lookup(mode.Balanced)
	require.NoError(t, err)

	_, err = p.ProcessChunk(context.Background(), j.ID, 0, cfg, newFakeGovernor())
	require.ErrorIs(t, err, core.ErrJobCancelled)
	assert.Equal(t, 0, transcriber.attempts)
}

func TestProcessChunkSubChunkExtractFailureIsTerminal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m := job.NewManager(testSafeguards(), nil)
	j, _ := newJobWithChunk(t, m, dir)

	transcriber := &sequenceTranscriber{failN: 999, err: errors.New("down")}
	media := &fakeMedia{extractErr: errors.New("ffmpeg exploded")}
	p := processor.New(media, transcriber, m, testSafeguards(), dir, nil)

	cfg, err := mode.Lookup(mode.Balanced)
	require.NoError(t, err)

	_, err = p.ProcessChunk(context.Background(), j.ID, 0, cfg, newFakeGovernor())
	require.ErrorIs(t, err, core.ErrSubChunkFailed)
}
