// Package media provides the default core.MediaTool implementation, driving
// the ffprobe and ffmpeg binaries the way the rest of the book-expert
// service family shells out to external media tooling.
package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/book-expert/logger"
)

// ErrEmptyProbeOutput is returned when ffprobe produces no usable duration.
var ErrEmptyProbeOutput = errors.New("ffprobe produced no duration output")

const (
	outputChannels   = "1"
	outputSampleHz   = "16000"
	outputAudioCodec = "pcm_s16le"
)

// Tool shells out to ffprobe/ffmpeg to implement core.MediaTool.
type Tool struct {
	ffprobePath string
	ffmpegPath  string
	log         *logger.Logger
	runner      CommandRunner
}

// New builds a Tool. Empty paths default to the binaries on PATH.
func New(ffprobePath, ffmpegPath string, log *logger.Logger) *Tool {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}

	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}

	return &Tool{
		ffprobePath: ffprobePath,
		ffmpegPath:  ffmpegPath,
		log:         log,
		runner:      execRunner{},
	}
}

// ProbeDuration reports the duration, in seconds, of the audio file at path.
func (t *Tool) ProbeDuration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	out, err := t.runner.Run(ctx, t.ffprobePath, args...)
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed for %s: %w - output: %s", path, err, string(out))
	}

	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return 0, fmt.Errorf("%w: %s", ErrEmptyProbeOutput, path)
	}

	duration, parseErr := strconv.ParseFloat(trimmed, 64)
	if parseErr != nil {
		return 0, fmt.Errorf("failed to parse ffprobe duration %q: %w", trimmed, parseErr)
	}

	return duration, nil
}

// Extract writes a mono 16kHz PCM copy of [start, start+duration) from
// inputPath to outputPath, overwriting any existing file at outputPath.
func (t *Tool) Extract(ctx context.Context, inputPath string, startSeconds, durationSeconds float64, outputPath string) error {
	args := []string{
		"-y",
		"-ss", formatSeconds(startSeconds),
		"-i", inputPath,
		"-t", formatSeconds(durationSeconds),
		"-ac", outputChannels,
		"-ar", outputSampleHz,
		"-acodec", outputAudioCodec,
		outputPath,
	}

	out, err := t.runner.Run(ctx, t.ffmpegPath, args...)
	if err != nil {
		return fmt.Errorf("ffmpeg extract failed for %s [%s, %s): %w - output: %s",
			inputPath, formatSeconds(startSeconds), formatSeconds(durationSeconds), err, string(out))
	}

	return nil
}

// HashFile returns the hex-encoded SHA-256 digest of the file at path.
func (t *Tool) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s for hashing: %w", path, err)
	}

	defer func() {
		closeErr := f.Close()
		if closeErr != nil && t.log != nil {
			t.log.Warn("failed to close %s after hashing: %v", path, closeErr)
		}
	}()

	h := sha256.New()

	_, err = io.Copy(h, f)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func formatSeconds(seconds float64) string {
	return strconv.FormatFloat(seconds, 'f', 3, 64)
}

// CommandRunner abstracts process execution so tests can stub ffprobe/ffmpeg
// without touching the filesystem or PATH.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// SetRunnerForTest overrides the command runner, letting tests stub out
// ffprobe/ffmpeg without touching the filesystem or PATH.
func SetRunnerForTest(t *Tool, runner CommandRunner) {
	t.runner = runner
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	// #nosec G204 -- name/args come from validated engine configuration, not user input
	cmd := exec.CommandContext(ctx, name, args...)

	var out bytes.Buffer

	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err != nil {
		return out.Bytes(), err //nolint:wrapcheck // caller wraps with path/range context
	}

	return out.Bytes(), nil
}
