// Package processor implements the Chunk Processor (spec-level component
// C4): the per-chunk retry loop and the auto-split fallback that kicks in
// once ordinary retries are exhausted.
package processor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/transcript-engine/internal/chunker"
	"github.com/book-expert/transcript-engine/internal/core"
	"github.com/book-expert/transcript-engine/internal/job"
	"github.com/book-expert/transcript-engine/internal/mode"
	"github.com/book-expert/transcript-engine/internal/scratch"
)

// Enqueuer is the subset of governor.Governor's API the processor depends
// on; satisfied directly by *governor.Governor.
type Enqueuer interface {
	Enqueue(ctx context.Context, id, jobID string, chunkIndex int, exec func() (string, error), priority int) (string, error)
}

// Processor runs the retry-then-split pipeline for one chunk at a time.
type Processor struct {
	media      core.MediaTool
	transcribe core.Transcriber
	jobs       *job.Manager
	safeguards mode.Safeguards
	scratchDir string
	log        *logger.Logger
}

// New builds a Processor.
func New(
	media core.MediaTool,
	transcribe core.Transcriber,
	jobs *job.Manager,
	safeguards mode.Safeguards,
	scratchDir string,
	log *logger.Logger,
) *Processor {
	return &Processor{
		media:      media,
		transcribe: transcribe,
		jobs:       jobs,
		safeguards: safeguards,
		scratchDir: scratchDir,
		log:        log,
	}
}

// ProcessChunk runs chunkIndex of jobID through the ordinary retry loop and,
// if exhausted, the auto-split fallback, returning the chunk's final text.
func (p *Processor) ProcessChunk(ctx context.Context, jobID string, chunkIndex int, modeCfg mode.Config, gov Enqueuer) (string, error) {
	j, ok := p.jobs.GetJob(jobID)
	if !ok {
		return "", fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}

	if chunkIndex < 0 || chunkIndex >= len(j.Chunks) {
		return "", fmt.Errorf("%w: %d", core.ErrInvalidChunkIndex, chunkIndex)
	}

	chunk := j.Chunks[chunkIndex]

	for attempt := 1; attempt <= modeCfg.MaxRetries; attempt++ {
		if p.cancelled(jobID) {
			return "", core.ErrJobCancelled
		}

		state := job.ChunkInProgress
		if attempt > 1 {
			state = job.ChunkRetrying
		}

		retryCount := attempt - 1
		patchErr := p.jobs.UpdateChunkStatus(jobID, chunkIndex, job.ChunkStatusPatch{
			State:      &state,
			RetryCount: &retryCount,
		})
		if patchErr != nil {
			return "", patchErr
		}

		reqID := fmt.Sprintf("%s-%d-%d", jobID, chunkIndex, attempt)

		text, execErr := gov.Enqueue(ctx, reqID, jobID, chunkIndex, func() (string, error) {
			return p.transcribe.Transcribe(ctx, chunk.Path, j.Config.TranscriptionConfig)
		}, chunkIndex)

		if p.cancelled(jobID) {
			return "", core.ErrJobCancelled
		}

		if execErr == nil {
			completeErr := p.markCompleted(jobID, chunkIndex, text)
			if completeErr != nil {
				return "", completeErr
			}

			return text, nil
		}
	}

	return p.autoSplit(ctx, jobID, chunkIndex, chunk, j.Config.TranscriptionConfig, modeCfg, gov)
}

func (p *Processor) cancelled(jobID string) bool {
	status, err := p.jobs.JobStatus(jobID)

	return err == nil && status == string(job.StatusCancelled)
}

func (p *Processor) markCompleted(jobID string, chunkIndex int, text string) error {
	completed := job.ChunkCompleted

	return p.jobs.UpdateChunkStatus(jobID, chunkIndex, job.ChunkStatusPatch{
		State:      &completed,
		Transcript: &text,
	})
}

func (p *Processor) markFailed(jobID string, chunkIndex int, cause error) error {
	failed := job.ChunkFailed
	msg := cause.Error()

	return p.jobs.UpdateChunkStatus(jobID, chunkIndex, job.ChunkStatusPatch{
		State: &failed,
		Error: &msg,
	})
}

func (p *Processor) autoSplit(
	ctx context.Context,
	jobID string,
	chunkIndex int,
	chunk chunker.Chunk,
	cfg core.TranscriptionConfig,
	modeCfg mode.Config,
	gov Enqueuer,
) (string, error) {
	splits, err := p.jobs.AutoSplitCount(jobID)
	if err != nil {
		return "", err
	}

	if splits >= p.safeguards.MaxSplits {
		markErr := p.markFailed(jobID, chunkIndex, core.ErrMaxSplitsExceeded)
		if markErr != nil {
			return "", markErr
		}

		return "", core.ErrMaxSplitsExceeded
	}

	retries, err := p.jobs.TotalRetryCount(jobID)
	if err != nil {
		return "", err
	}

	if retries >= p.safeguards.MaxTotalRetries {
		markErr := p.markFailed(jobID, chunkIndex, core.ErrMaxRetriesExceeded)
		if markErr != nil {
			return "", markErr
		}

		return "", core.ErrMaxRetriesExceeded
	}

	splittingState := job.ChunkSplitting
	trueVal := true

	patchErr := p.jobs.UpdateChunkStatus(jobID, chunkIndex, job.ChunkStatusPatch{
		State:    &splittingState,
		WasSplit: &trueVal,
	})
	if patchErr != nil {
		return "", patchErr
	}

	if incErr := p.jobs.IncrementAutoSplits(jobID); incErr != nil {
		return "", incErr
	}

	subSeconds := modeCfg.SubChunkDuration.Seconds()
	duration := chunk.EndS - chunk.StartS
	subCount := int(math.Ceil(duration / subSeconds))
	ext := extensionOf(chunk.Path)

	var subPaths []string

	texts := make([]string, 0, subCount)

	for i := 0; i < subCount; i++ {
		if p.cancelled(jobID) {
			p.cleanupSubChunks(subPaths)

			return "", core.ErrJobCancelled
		}

		start := float64(i) * subSeconds
		end := math.Min(float64(i+1)*subSeconds, duration)

		subPath := scratch.SubChunkPath(p.scratchDir, jobID, chunkIndex, i, time.Now().UnixMilli(), ext)

		extractErr := p.media.Extract(ctx, chunk.Path, start, end-start, subPath)
		if extractErr != nil {
			p.cleanupSubChunks(subPaths)

			markErr := p.markFailed(jobID, chunkIndex, core.ErrSubChunkFailed)
			if markErr != nil {
				return "", markErr
			}

			return "", fmt.Errorf("%w: %w", core.ErrSubChunkFailed, extractErr)
		}

		subPaths = append(subPaths, subPath)

		reqID := fmt.Sprintf("%s-%d-sub-%d", jobID, chunkIndex, i)

		text, execErr := gov.Enqueue(ctx, reqID, jobID, chunkIndex, func() (string, error) {
			return p.transcribe.Transcribe(ctx, subPath, cfg)
		}, subChunkPriority(chunkIndex))

		retryIncErr := p.jobs.IncrementTotalRetries(jobID)
		if retryIncErr != nil {
			p.cleanupSubChunks(subPaths)

			return "", retryIncErr
		}

		if execErr != nil {
			p.cleanupSubChunks(subPaths)

			markErr := p.markFailed(jobID, chunkIndex, core.ErrSubChunkFailed)
			if markErr != nil {
				return "", markErr
			}

			return "", fmt.Errorf("%w: %w", core.ErrSubChunkFailed, execErr)
		}

		texts = append(texts, text)
	}

	p.cleanupSubChunks(subPaths)

	joined := strings.Join(texts, " ")

	completeErr := p.markCompleted(jobID, chunkIndex, joined)
	if completeErr != nil {
		return "", completeErr
	}

	return joined, nil
}

func (p *Processor) cleanupSubChunks(paths []string) {
	for _, path := range paths {
		removeErr := scratch.RemoveQuietly(path)
		if removeErr != nil && p.log != nil {
			p.log.Warn("failed to remove sub-chunk file %s: %v", path, removeErr)
		}
	}
}

const subChunkPriorityBase = 1000

func subChunkPriority(chunkIndex int) int {
	return subChunkPriorityBase + chunkIndex
}

func extensionOf(path string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			return path[i:]
		}
	}

	return ".wav"
}
