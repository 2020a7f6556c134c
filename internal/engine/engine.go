// Package engine wires the Audio Chunker, Rate-Limit Governor, Chunk
// Processor, Transcript Assembler, and Job Lifecycle Manager behind the
// inbound API spec §6 describes (submit/get_status/cancel). It plays the
// same "wire the pieces, own the background goroutine" role the teacher's
// cmd/tts-service/main.go#startWorker plays one layer up, generalized into
// a reusable component instead of inline main() wiring.
package engine

import (
	"context"
	"fmt"

	"github.com/book-expert/logger"
	"github.com/book-expert/transcript-engine/internal/assembler"
	"github.com/book-expert/transcript-engine/internal/chunker"
	"github.com/book-expert/transcript-engine/internal/core"
	"github.com/book-expert/transcript-engine/internal/governor"
	"github.com/book-expert/transcript-engine/internal/job"
	"github.com/book-expert/transcript-engine/internal/mode"
	"github.com/book-expert/transcript-engine/internal/processor"
	"github.com/prometheus/client_golang/prometheus"
)

// Engine is the facade a host transport (NATS worker, HTTP handler, CLI)
// talks to. It owns no process-global state: every dependency is injected
// at construction, per the spec §9 re-architecture guidance.
type Engine struct {
	media      core.MediaTool
	transcribe core.Transcriber
	chunker    *chunker.Chunker
	processor  *processor.Processor
	assembler  *assembler.Assembler
	jobs       *job.Manager
	govMetrics *governor.Metrics
	log        *logger.Logger
}

// New builds an Engine. registerer may be nil to skip Prometheus
// registration; otherwise a single process-wide governor.Metrics is
// registered once here and shared by every job's governor, so metric
// cardinality stays constant no matter how many jobs the service runs.
func New(
	media core.MediaTool,
	transcribeCap core.Transcriber,
	jobs *job.Manager,
	scratchDir string,
	registerer prometheus.Registerer,
	log *logger.Logger,
) *Engine {
	return &Engine{
		media:      media,
		transcribe: transcribeCap,
		chunker:    chunker.New(media, scratchDir),
		processor:  processor.New(media, transcribeCap, jobs, mode.DefaultSafeguards, scratchDir, log),
		assembler:  assembler.New(),
		jobs:       jobs,
		govMetrics: governor.NewMetrics(registerer),
		log:        log,
	}
}

// Submit implements spec §6's submit operation: chunking runs synchronously
// so the caller learns total_chunks immediately; transcription then
// proceeds on a background goroutine and is observed via GetStatus.
func (e *Engine) Submit(
	ctx context.Context,
	cfg job.Config,
	filename string,
	sizeBytes int64,
	audioBytes []byte,
) (string, error) {
	modeCfg, err := mode.Lookup(cfg.Mode)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}

	j := e.jobs.CreateJob(cfg, job.Metadata{Filename: filename, SizeBytes: sizeBytes})

	statusErr := e.jobs.UpdateJobStatus(j.ID, job.StatusChunking, nil)
	if statusErr != nil {
		return "", statusErr
	}

	result, chunkErr := e.chunker.Chunk(ctx, audioBytes, filename, modeCfg, cfg.Mode)
	if chunkErr != nil {
		msg := chunkErr.Error()

		_ = e.jobs.UpdateJobStatus(j.ID, job.StatusFailed, &msg)

		return "", chunkErr
	}

	initErr := e.jobs.InitializeChunks(j.ID, result.Chunks)
	if initErr != nil {
		return "", initErr
	}

	withDurationErr := e.jobs.SetAudioDuration(j.ID, result.TotalDuration)
	if withDurationErr != nil {
		return "", withDurationErr
	}

	transitionErr := e.jobs.UpdateJobStatus(j.ID, job.StatusTranscribing, nil)
	if transitionErr != nil {
		return "", transitionErr
	}

	go e.runJob(j.ID, modeCfg, cfg.Mode)

	return j.ID, nil
}

// GetStatus implements spec §6's get_status operation.
func (e *Engine) GetStatus(jobID string) (*job.StatusResponse, bool) {
	return e.jobs.GetStatusResponse(jobID)
}

// Cancel implements spec §6's cancel operation.
func (e *Engine) Cancel(jobID string) error {
	return e.jobs.Cancel(jobID)
}

// runJob fans chunks out to the Chunk Processor under a job-scoped
// governor (spec §5: each job owns its own governor, no cross-job
// scheduler), then assembles the final transcript in chunk-index order
// once every chunk has a terminal outcome.
func (e *Engine) runJob(jobID string, modeCfg mode.Config, modeName mode.Mode) {
	j, ok := e.jobs.GetJob(jobID)
	if !ok {
		return
	}

	gov := governor.New(jobID, modeCfg, e.jobs.JobStatus, e.govMetrics)

	total := len(j.Chunks)
	texts := make([]string, total)
	errs := make([]error, total)

	done := make(chan int, total)

	for i := 0; i < total; i++ {
		index := i

		go func() {
			text, procErr := e.processor.ProcessChunk(context.Background(), jobID, index, modeCfg, gov)
			texts[index] = text
			errs[index] = procErr
			done <- index
		}()
	}

	for i := 0; i < total; i++ {
		<-done
	}

	e.finishJob(jobID, j, modeName, texts, errs)
}

func (e *Engine) finishJob(jobID string, j *job.Job, modeName mode.Mode, texts []string, errs []error) {
	for _, procErr := range errs {
		if procErr == nil {
			continue
		}

		msg := procErr.Error()

		statusErr := e.jobs.UpdateJobStatus(jobID, job.StatusFailed, &msg)
		if statusErr != nil && e.log != nil {
			e.log.Warn("failed to mark job %s failed: %v", jobID, statusErr)
		}

		return
	}

	assembleErr := e.jobs.UpdateJobStatus(jobID, job.StatusAssembling, nil)
	if assembleErr != nil && e.log != nil {
		e.log.Warn("failed to transition job %s to assembling: %v", jobID, assembleErr)
	}

	transcript, asmErr := e.assembler.Assemble(j.Chunks, texts, modeName)
	if asmErr != nil {
		msg := asmErr.Error()
		_ = e.jobs.UpdateJobStatus(jobID, job.StatusFailed, &msg)

		return
	}

	setErr := e.jobs.SetTranscript(jobID, transcript)
	if setErr != nil && e.log != nil {
		e.log.Warn("failed to set transcript for job %s: %v", jobID, setErr)
	}

	completeErr := e.jobs.UpdateJobStatus(jobID, job.StatusCompleted, nil)
	if completeErr != nil && e.log != nil {
		e.log.Warn("failed to mark job %s completed: %v", jobID, completeErr)
	}
}
