package job

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/transcript-engine/internal/chunker"
	"github.com/book-expert/transcript-engine/internal/core"
	"github.com/book-expert/transcript-engine/internal/mode"
	"github.com/book-expert/transcript-engine/internal/scratch"
	"github.com/google/uuid"
)

// Manager is the single owner of all job records (spec §9 re-architecture
// guidance: an explicitly-owned value, never a process-global registry).
type Manager struct {
	mu         sync.RWMutex
	jobs       map[string]*Job
	safeguards mode.Safeguards
	log        *logger.Logger
	now        func() time.Time
}

// NewManager builds a Manager governed by the given safeguard table.
func NewManager(safeguards mode.Safeguards, log *logger.Logger) *Manager {
	return &Manager{
		jobs:       make(map[string]*Job),
		safeguards: safeguards,
		log:        log,
		now:        time.Now,
	}
}

// CreateJob allocates a fresh job in StatusPending with empty chunks.
func (m *Manager) CreateJob(cfg Config, metadata Metadata) *Job {
	now := m.now()

	j := &Job{
		ID:          uuid.NewString(),
		Config:      cfg,
		Metadata:    metadata,
		Status:      StatusPending,
		CreatedAt:   now,
		LastUpdated: now,
	}
	j.Metadata.CreatedAt = now

	m.mu.Lock()
	m.jobs[j.ID] = j
	m.mu.Unlock()

	return j.clone()
}

// InitializeChunks sets chunks, total_chunks, and a same-length pending
// chunk_statuses array for jobID.
func (m *Manager) InitializeChunks(jobID string, chunks []chunker.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}

	j.Chunks = chunks
	j.Metadata.TotalChunks = len(chunks)

	statuses := make([]ChunkStatus, len(chunks))
	for i := range statuses {
		statuses[i] = ChunkStatus{State: ChunkPending, LastUpdated: m.now()}
	}

	j.ChunkStatuses = statuses
	j.LastUpdated = m.now()

	return nil
}

// SetAudioDuration records the probed audio duration (seconds) for jobID.
func (m *Manager) SetAudioDuration(jobID string, seconds float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}

	j.Metadata.AudioDurationS = seconds
	j.LastUpdated = m.now()

	return nil
}

// GetJob returns a consistent snapshot of the job, or (nil, false) if unknown.
func (m *Manager) GetJob(jobID string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, false
	}

	return j.clone(), true
}

// JobStatus returns the current status string for jobID, matching the
// shape governor.JobStatusFunc expects.
func (m *Manager) JobStatus(jobID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return "", fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}

	return string(j.Status), nil
}

// UpdateJobStatus transitions jobID to status, recording completion time
// and processing time when entering a terminal state.
func (m *Manager) UpdateJobStatus(jobID string, status Status, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}

	if j.Status.Terminal() {
		return nil
	}

	j.Status = status
	j.Error = errMsg
	j.LastUpdated = m.now()

	if status.Terminal() {
		completedAt := m.now()
		processingTime := completedAt.Sub(j.CreatedAt)
		j.Metadata.CompletedAt = &completedAt
		j.Metadata.ProcessingTime = &processingTime
	}

	return nil
}

// UpdateChunkStatus merges patch into chunk index's status, recomputing
// completed_chunks and progress afterward.
func (m *Manager) UpdateChunkStatus(jobID string, index int, patch ChunkStatusPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}

	if index < 0 || index >= len(j.ChunkStatuses) {
		return fmt.Errorf("%w: %d", core.ErrInvalidChunkIndex, index)
	}

	cs := &j.ChunkStatuses[index]

	if patch.State != nil {
		cs.State = *patch.State
	}

	if patch.RetryCount != nil {
		cs.RetryCount = *patch.RetryCount
	}

	if patch.WasSplit != nil {
		cs.WasSplit = *patch.WasSplit
	}

	if patch.Transcript != nil {
		cs.Transcript = patch.Transcript
	}

	if patch.Error != nil {
		cs.Error = patch.Error
	}

	cs.LastUpdated = m.now()

	m.recomputeProgressLocked(j)
	j.LastUpdated = m.now()

	return nil
}

func (m *Manager) recomputeProgressLocked(j *Job) {
	completed := 0

	for _, cs := range j.ChunkStatuses {
		if cs.State == ChunkCompleted {
			completed++
		}
	}

	j.CompletedChunks = completed

	total := len(j.ChunkStatuses)
	if total > 0 {
		j.Progress = int(math.Floor(float64(completed) / float64(total) * 100))
	} else {
		j.Progress = 0
	}
}

// AutoSplitCount returns jobID's current auto-split count.
func (m *Manager) AutoSplitCount(jobID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}

	return j.AutoSplits, nil
}

// TotalRetryCount returns jobID's current cumulative retry count.
func (m *Manager) TotalRetryCount(jobID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}

	return j.TotalRetries, nil
}

// IncrementAutoSplits increments jobID's auto-split count by one.
func (m *Manager) IncrementAutoSplits(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}

	j.AutoSplits++
	j.LastUpdated = m.now()

	return nil
}

// IncrementTotalRetries increments jobID's cumulative retry count by one.
func (m *Manager) IncrementTotalRetries(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}

	j.TotalRetries++
	j.LastUpdated = m.now()

	return nil
}

// SetTranscript records jobID's final assembled transcript.
func (m *Manager) SetTranscript(jobID string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}

	j.Transcript = &text
	j.LastUpdated = m.now()

	return nil
}

// GetStatusResponse builds the host-facing status response for jobID, or
// (nil, false) if unknown.
func (m *Manager) GetStatusResponse(jobID string) (*StatusResponse, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, false
	}

	resp := &StatusResponse{
		JobID:           j.ID,
		Status:          j.Status,
		Progress:        j.Progress,
		CompletedChunks: j.CompletedChunks,
		TotalChunks:     j.Metadata.TotalChunks,
		Metadata: ResponseMetadata{
			Filename:    j.Metadata.Filename,
			Duration:    j.Metadata.AudioDurationS,
			Mode:        j.Config.Mode,
			CreatedAt:   j.Metadata.CreatedAt,
			CompletedAt: j.Metadata.CompletedAt,
		},
		Error: j.Error,
	}

	if j.Status != StatusCancelled {
		resp.Transcript = j.Transcript
	}

	if j.Status == StatusTranscribing && j.CompletedChunks > 0 {
		elapsedMS := float64(m.now().Sub(j.CreatedAt).Milliseconds())
		perChunkMS := elapsedMS / float64(j.CompletedChunks)
		remainingMS := perChunkMS * float64(j.Metadata.TotalChunks-j.CompletedChunks)
		estimate := int64(math.Ceil(remainingMS / 1000))
		resp.EstimatedTimeRemainingSeconds = &estimate
	}

	return resp, true
}

// ValidateOwnership reports whether userID may act on jobID: true if the
// job's owner matches, and true when the job has no owner set (the
// backward-compatibility rule from spec §4.6).
func (m *Manager) ValidateOwnership(jobID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}

	if j.Config.UserID == "" {
		return true, nil
	}

	return j.Config.UserID == userID, nil
}

// Cancel sets jobID's status to cancelled; a no-op if the job is already
// in a terminal state.
func (m *Manager) Cancel(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}

	if j.Status.Terminal() {
		return nil
	}

	j.Status = StatusCancelled
	j.LastUpdated = m.now()

	return nil
}

// DeleteJob removes jobID and deletes its chunk files on disk.
func (m *Manager) DeleteJob(jobID string) error {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()

		return fmt.Errorf("%w: %s", core.ErrJobNotFound, jobID)
	}

	delete(m.jobs, jobID)
	m.mu.Unlock()

	for _, chunk := range j.Chunks {
		removeErr := scratch.RemoveQuietly(chunk.Path)
		if removeErr != nil && m.log != nil {
			m.log.Warn("failed to remove chunk file %s for job %s: %v", chunk.Path, jobID, removeErr)
		}
	}

	return nil
}

// ClearAll removes every job record. Test hook only.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.jobs = make(map[string]*Job)
}

// Reap runs one cleanup tick: every job older than MaxJobAge is deleted
// along with its chunk files.
func (m *Manager) Reap() {
	cutoff := m.now().Add(-m.safeguards.MaxJobAge)

	m.mu.RLock()

	var stale []string

	for id, j := range m.jobs {
		if j.CreatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}

	m.mu.RUnlock()

	for _, id := range stale {
		err := m.DeleteJob(id)
		if err != nil && m.log != nil {
			m.log.Warn("reaper failed to delete job %s: %v", id, err)
		}
	}
}

// RunReaper blocks, running Reap every CleanupInterval until ctx is done.
func (m *Manager) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(m.safeguards.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap()
		}
	}
}

// SetClockForTest overrides the manager's time source. Test hook only.
func SetClockForTest(m *Manager, now func() time.Time) {
	m.now = now
}
