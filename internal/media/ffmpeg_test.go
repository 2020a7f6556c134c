package media_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/transcript-engine/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRunner struct {
	out []byte
	err error
}

func (s stubRunner) Run(_ context.Context, _ string, _ ...string) ([]byte, error) {
	return s.out, s.err
}

func TestToolProbeDuration(t *testing.T) {
	t.Parallel()

	tool := media.New("ffprobe", "ffmpeg", nil)
	media.SetRunnerForTest(tool, stubRunner{out: []byte("123.456000\n")})

	duration, err := tool.ProbeDuration(context.Background(), "input.wav")
	require.NoError(t, err)
	assert.InEpsilon(t, 123.456, duration, 0.0001)
}

func TestToolProbeDurationEmptyOutput(t *testing.T) {
	t.Parallel()

	tool := media.New("ffprobe", "ffmpeg", nil)
	media.SetRunnerForTest(tool, stubRunner{out: []byte("  \n")})

	_, err := tool.ProbeDuration(context.Background(), "input.wav")
	require.ErrorIs(t, err, media.ErrEmptyProbeOutput)
}

func TestToolProbeDurationRunnerError(t *testing.T) {
	t.Parallel()

	tool := media.New("ffprobe", "ffmpeg", nil)
	media.SetRunnerForTest(tool, stubRunner{out: []byte("boom"), err: errors.New("exit 1")})

	_, err := tool.ProbeDuration(context.Background(), "input.wav")
	require.Error(t, err)
}

func TestToolExtract(t *testing.T) {
	t.Parallel()

	tool := media.New("ffprobe", "ffmpeg", nil)
	media.SetRunnerForTest(tool, stubRunner{out: []byte("")})

	err := tool.Extract(context.Background(), "input.wav", 0, 180, "output.wav")
	require.NoError(t, err)
}

func TestToolHashFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "sample.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o600))

	tool := media.New("ffprobe", "ffmpeg", nil)

	digest, err := tool.HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde", digest)
}
