// Package chunker implements the audio chunker (spec-level component C2):
// it writes an uploaded audio buffer to scratch, probes its duration, and
// slices it into ordered chunk descriptors following the active mode's
// chunk/overlap durations.
package chunker

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/book-expert/transcript-engine/internal/core"
	"github.com/book-expert/transcript-engine/internal/mode"
	"github.com/book-expert/transcript-engine/internal/scratch"
)

// Chunk describes one extracted audio segment ready for transcription.
type Chunk struct {
	Index         int
	Path          string
	StartS        float64
	EndS          float64
	HasOverlap    bool
	OverlapStartS float64
	Hash          string
}

// Duration returns the chunk's length in seconds.
func (c Chunk) Duration() float64 {
	return c.EndS - c.StartS
}

// Result is the chunking-result output described in spec §4.2.
type Result struct {
	Chunks        []Chunk
	TotalDuration float64
	Mode          mode.Mode
	TotalChunks   int
}

// Chunker turns an audio byte buffer into ordered chunk files.
type Chunker struct {
	media      core.MediaTool
	scratchDir string
}

// New builds a Chunker backed by the given MediaTool, writing scratch
// files under scratchDir.
func New(media core.MediaTool, scratchDir string) *Chunker {
	return &Chunker{media: media, scratchDir: scratchDir}
}

// Chunk implements the algorithm from spec §4.2: write buffer to a scratch
// file, probe duration D, then iterate start = 0; while start < D, extract
// [start, end) into a chunk file, applying the mode's overlap rule.
//
// The scratch input file is always removed before returning, on both the
// success and failure paths.
func (c *Chunker) Chunk(ctx context.Context, audioBuf []byte, filename string, modeCfg mode.Config, modeName mode.Mode) (*Result, error) {
	err := scratch.EnsureDir(c.scratchDir)
	if err != nil {
		return nil, err
	}

	inputPath := scratch.InputPath(c.scratchDir, nowUnixMillis(), filename)

	writeErr := os.WriteFile(inputPath, audioBuf, 0o600)
	if writeErr != nil {
		return nil, fmt.Errorf("failed to write scratch input file: %w", writeErr)
	}

	defer func() {
		_ = scratch.RemoveQuietly(inputPath)
	}()

	duration, probeErr := c.media.ProbeDuration(ctx, inputPath)
	if probeErr != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrProbeAudio, probeErr)
	}

	if duration == 0 {
		return &Result{Chunks: nil, TotalDuration: 0, Mode: modeName, TotalChunks: 0}, nil
	}

	chunkDurationS := modeCfg.ChunkDuration.Seconds()
	overlapS := modeCfg.OverlapDuration.Seconds()
	ext := extensionFor(filename)

	var chunks []Chunk

	index := 0
	start := 0.0

	for start < duration {
		end := math.Min(start+chunkDurationS, duration)

		outPath := scratch.ChunkPath(c.scratchDir, index, nowUnixMillis(), ext)

		extractErr := c.media.Extract(ctx, inputPath, start, end-start, outPath)
		if extractErr != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrExtractChunk, extractErr)
		}

		hash, hashErr := c.media.HashFile(outPath)
		if hashErr != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrExtractChunk, hashErr)
		}

		hasOverlap := modeName == mode.BestQuality && end < duration

		chunk := Chunk{
			Index:      index,
			Path:       outPath,
			StartS:     start,
			EndS:       end,
			HasOverlap: hasOverlap,
			Hash:       hash,
		}

		if hasOverlap {
			chunk.OverlapStartS = end - overlapS
		}

		chunks = append(chunks, chunk)

		if hasOverlap {
			start = end - overlapS
		} else {
			start = end
		}

		index++
	}

	return &Result{
		Chunks:        chunks,
		TotalDuration: duration,
		Mode:          modeName,
		TotalChunks:   len(chunks),
	}, nil
}

func extensionFor(filename string) string {
	for i := len(filename) - 1; i >= 0; i-- {
		if filename[i] == '.' {
			return filename[i:]
		}

		if filename[i] == '/' {
			break
		}
	}

	return ".wav"
}

// nowUnixMillis returns the current time in Unix milliseconds, used to
// namespace scratch file names uniquely per invocation.
func nowUnixMillis() int64 {
	return time.Now().UnixMilli()
}
