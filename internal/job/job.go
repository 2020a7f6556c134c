// Package job implements the Job Lifecycle Manager (spec-level component
// C6): job/chunk records, status transitions, progress bookkeeping, and
// the age-based reaper.
package job

import (
	"time"

	"github.com/book-expert/transcript-engine/internal/chunker"
	"github.com/book-expert/transcript-engine/internal/core"
	"github.com/book-expert/transcript-engine/internal/mode"
)

// Status is a job's lifecycle state (spec §3).
type Status string

// Job statuses.
const (
	StatusPending      Status = "pending"
	StatusChunking     Status = "chunking"
	StatusTranscribing Status = "transcribing"
	StatusAssembling   Status = "assembling"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether s is one of the job's terminal states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ChunkState is a chunk's lifecycle state (spec §3).
type ChunkState string

// Chunk states.
const (
	ChunkPending    ChunkState = "pending"
	ChunkInProgress ChunkState = "in_progress"
	ChunkRetrying   ChunkState = "retrying"
	ChunkSplitting  ChunkState = "splitting"
	ChunkCompleted  ChunkState = "completed"
	ChunkFailed     ChunkState = "failed"
)

// ChunkStatus tracks one chunk's processing state.
type ChunkStatus struct {
	State       ChunkState
	RetryCount  int
	WasSplit    bool
	LastUpdated time.Time
	Transcript  *string
	Error       *string
}

// ChunkStatusPatch carries the merge-patch fields for UpdateChunkStatus;
// nil fields are left unchanged.
type ChunkStatusPatch struct {
	State      *ChunkState
	RetryCount *int
	WasSplit   *bool
	Transcript *string
	Error      *string
}

// Config is the per-job configuration record from spec §6.
type Config struct {
	Mode mode.Mode
	core.TranscriptionConfig
	UserID      string
	ShouldMeter bool
}

// Metadata is the per-job descriptive metadata from spec §3.
type Metadata struct {
	Filename       string
	SizeBytes      int64
	AudioDurationS float64
	TotalChunks    int
	CreatedAt      time.Time
	CompletedAt    *time.Time
	ProcessingTime *time.Duration
}

// Job is a transcription job record, owned exclusively by Manager.
type Job struct {
	ID     string
	Config Config

	Metadata      Metadata
	Chunks        []chunker.Chunk
	ChunkStatuses []ChunkStatus

	Status          Status
	Progress        int
	CompletedChunks int
	Transcript      *string
	Error           *string

	TotalRetries int
	AutoSplits   int

	CreatedAt   time.Time
	LastUpdated time.Time
}

// clone deep-copies the slice fields of j so that callers never observe a
// torn or later-mutated snapshot (spec §5: every read is a consistent
// snapshot of status/chunks/chunk_statuses/progress/completed_chunks).
func (j *Job) clone() *Job {
	cp := *j

	if j.Chunks != nil {
		cp.Chunks = make([]chunker.Chunk, len(j.Chunks))
		copy(cp.Chunks, j.Chunks)
	}

	if j.ChunkStatuses != nil {
		cp.ChunkStatuses = make([]ChunkStatus, len(j.ChunkStatuses))
		copy(cp.ChunkStatuses, j.ChunkStatuses)
	}

	return &cp
}

// StatusResponse is the shape returned to the host transport layer (spec §6).
type StatusResponse struct {
	JobID                         string
	Status                        Status
	Progress                      int
	CompletedChunks               int
	TotalChunks                   int
	Metadata                      ResponseMetadata
	Transcript                    *string
	Error                         *string
	EstimatedTimeRemainingSeconds *int64
}

// ResponseMetadata is the metadata block of StatusResponse.
type ResponseMetadata struct {
	Filename    string
	Duration    float64
	Mode        mode.Mode
	CreatedAt   time.Time
	CompletedAt *time.Time
}
