// Package events defines the event envelopes the NATS worker publishes
// around job submission and completion. It mirrors the Header+typed-event
// shape of the teacher's github.com/book-expert/events dependency, but is
// defined locally: that package's exported types (TextProcessedEvent,
// AudioChunkCreatedEvent, ...) carry TTS-pipeline fields (Voice, Seed,
// TopP, ...) that have no transcription-job analogue, so nothing in this
// repository imports it (see DESIGN.md).
package events

import "time"

// Header carries the envelope metadata common to every event this service
// publishes, matching the Timestamp/WorkflowID/EventID/UserID/TenantID
// shape the teacher's event Header uses.
type Header struct {
	Timestamp  time.Time `json:"timestamp"`
	WorkflowID string    `json:"workflow_id"`
	EventID    string    `json:"event_id"`
	UserID     string    `json:"user_id,omitempty"`
	TenantID   string    `json:"tenant_id,omitempty"`
}

// SubmitTranscriptionEvent is the inbound request a host publishes to ask
// the engine to transcribe an audio object already sitting in the audio
// object store.
type SubmitTranscriptionEvent struct {
	Header Header `json:"header"`

	AudioKey            string   `json:"audio_key"`
	Filename            string   `json:"filename"`
	SizeBytes           int64    `json:"size_bytes"`
	Mode                string   `json:"mode"`
	Model               string   `json:"model"`
	APICredentialHandle string   `json:"api_credential_handle,omitempty"`
	Language            string   `json:"language,omitempty"`
	Temperature         *float64 `json:"temperature,omitempty"`
	Prompt              string   `json:"prompt,omitempty"`
	UserID              string   `json:"user_id,omitempty"`
	ShouldMeter         bool     `json:"should_meter,omitempty"`
}

// TranscriptReadyEvent is published when a job completes successfully; the
// transcript itself is uploaded to the transcript object store under
// TranscriptKey rather than inlined, mirroring how the teacher's
// AudioChunkCreatedEvent carries a key instead of the audio bytes.
type TranscriptReadyEvent struct {
	Header Header `json:"header"`

	JobID          string  `json:"job_id"`
	TranscriptKey  string  `json:"transcript_key"`
	TotalChunks    int     `json:"total_chunks"`
	ProcessingTime float64 `json:"processing_time_seconds"`
}

// TranscriptFailedEvent is published when a job ends in job.StatusFailed.
type TranscriptFailedEvent struct {
	Header Header `json:"header"`

	JobID string `json:"job_id"`
	Error string `json:"error"`
}
