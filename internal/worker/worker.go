// Package worker provides a NATS worker that adapts the engine's
// submit/get_status/cancel API to a message-bus host, the way the
// teacher's NatsWorker adapts its TTS processor to subject-based requests.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/transcript-engine/internal/core"
	"github.com/book-expert/transcript-engine/internal/events"
	"github.com/book-expert/transcript-engine/internal/job"
	"github.com/book-expert/transcript-engine/internal/mode"
	"github.com/book-expert/transcript-engine/internal/scratch"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const handleMessageTimeout = 30 * time.Second

// Static errors.
var (
	ErrAudioKeyEmpty = errors.New("audio_key cannot be empty")
	ErrInvalidMode   = errors.New("invalid processing mode")
	ErrAudioNotFound = errors.New("audio_key not found in audio intake store")
)

// Submitter is the subset of engine.Engine's API the worker depends on.
type Submitter interface {
	Submit(ctx context.Context, cfg job.Config, filename string, sizeBytes int64, audioBytes []byte) (string, error)
	GetStatus(jobID string) (*job.StatusResponse, bool)
	Cancel(jobID string) error
}

// NatsWorker listens for submit-transcription jobs on a NATS subject and
// drives them through the engine.
type NatsWorker struct {
	natsConnection    *nats.Conn
	audioStore        core.ObjectStore
	transcriptStore   core.ObjectStore
	engine            Submitter
	submitSubject     string
	completedSubject  string
	failedSubject     string
	defaultCredential string
	log               *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker. defaultCredential
// is used as the TranscriptionConfig.APICredentialHandle for any submitted
// job whose event does not carry its own credential.
func NewNatsWorker(
	natsConnection *nats.Conn,
	audioStore core.ObjectStore,
	transcriptStore core.ObjectStore,
	engine Submitter,
	submitSubject, completedSubject, failedSubject, defaultCredential string,
	log *logger.Logger,
) (*NatsWorker, error) {
	return &NatsWorker{
		natsConnection:    natsConnection,
		audioStore:        audioStore,
		transcriptStore:   transcriptStore,
		engine:            engine,
		submitSubject:     submitSubject,
		completedSubject:  completedSubject,
		failedSubject:     failedSubject,
		defaultCredential: defaultCredential,
		log:               log,
	}, nil
}

// Run starts the worker and begins listening for messages.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.submitSubject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.submitSubject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	event, err := w.parseAndValidateEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse and validate submit event: %v", err)

		return
	}

	jobID, processErr := w.submitJob(ctx, event)
	if processErr != nil {
		w.log.Error("Failed to submit transcription job for workflow %s: %v", event.Header.WorkflowID, processErr)
		w.publishFailure(event.Header, "", processErr)

		return
	}

	replyErr := w.replyWithJobID(msg, jobID)
	if replyErr != nil {
		w.log.Error("Failed to reply with job id for workflow %s: %v", event.Header.WorkflowID, replyErr)
	}

	go w.watchJob(event.Header, jobID)
}

func (w *NatsWorker) submitJob(ctx context.Context, event *events.SubmitTranscriptionEvent) (string, error) {
	if event.AudioKey == "" {
		return "", ErrAudioKeyEmpty
	}

	if !mode.IsValid(mode.Mode(event.Mode)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, event.Mode)
	}

	exists, existsErr := w.audioStore.Exists(ctx, event.AudioKey)
	if existsErr != nil {
		return "", fmt.Errorf("failed to check audio intake for key '%s': %w", event.AudioKey, existsErr)
	}

	if !exists {
		return "", fmt.Errorf("%w: %q", ErrAudioNotFound, event.AudioKey)
	}

	audioBytes, err := w.audioStore.Download(ctx, event.AudioKey)
	if err != nil {
		return "", fmt.Errorf("failed to download audio data for key '%s': %w", event.AudioKey, err)
	}

	if w.log != nil {
		w.log.Info("downloaded audio %s (%s) for workflow %s", event.AudioKey,
			scratch.FormatFileSize(int64(len(audioBytes))), event.Header.WorkflowID)
	}

	credential := event.APICredentialHandle
	if credential == "" {
		credential = w.defaultCredential
	}

	cfg := job.Config{
		Mode: mode.Mode(event.Mode),
		TranscriptionConfig: core.TranscriptionConfig{
			Model:               event.Model,
			APICredentialHandle: credential,
			Language:            event.Language,
			Temperature:         event.Temperature,
			Prompt:              event.Prompt,
		},
		UserID:      event.UserID,
		ShouldMeter: event.ShouldMeter,
	}

	jobID, submitErr := w.engine.Submit(ctx, cfg, event.Filename, event.SizeBytes, audioBytes)
	if submitErr != nil {
		return "", fmt.Errorf("failed to submit job: %w", submitErr)
	}

	return jobID, nil
}

// watchJob polls GetStatus until the job reaches a terminal state, then
// publishes a TranscriptReadyEvent or TranscriptFailedEvent. Polling (not
// a callback) mirrors the host-facing polling interface spec §6 defines;
// an in-process host can equally call GetStatus directly.
func (w *NatsWorker) watchJob(header events.Header, jobID string) {
	const pollInterval = 500 * time.Millisecond

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		resp, ok := w.engine.GetStatus(jobID)
		if !ok {
			return
		}

		switch resp.Status {
		case job.StatusCompleted:
			w.publishCompletion(header, resp)

			return
		case job.StatusFailed, job.StatusCancelled:
			errMsg := "job cancelled"
			if resp.Error != nil {
				errMsg = *resp.Error
			}

			w.publishFailure(header, jobID, errors.New(errMsg)) //nolint:err113 // message is caller-supplied

			return
		default:
			continue
		}
	}
}

func (w *NatsWorker) publishCompletion(header events.Header, resp *job.StatusResponse) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	transcriptKey := resp.JobID + ".txt"

	var transcript string
	if resp.Transcript != nil {
		transcript = *resp.Transcript
	}

	uploadErr := w.transcriptStore.Upload(ctx, transcriptKey, []byte(transcript))
	if uploadErr != nil {
		w.log.Error("Failed to upload transcript for job %s: %v", resp.JobID, uploadErr)
		w.publishFailure(header, resp.JobID, uploadErr)

		return
	}

	processingSeconds := 0.0
	if resp.Metadata.CompletedAt != nil {
		processingSeconds = resp.Metadata.CompletedAt.Sub(resp.Metadata.CreatedAt).Seconds()
	}

	readyEvent := events.TranscriptReadyEvent{
		Header:         header,
		JobID:          resp.JobID,
		TranscriptKey:  transcriptKey,
		TotalChunks:    resp.TotalChunks,
		ProcessingTime: processingSeconds,
	}

	payload, marshalErr := json.Marshal(readyEvent)
	if marshalErr != nil {
		w.log.Error("Failed to marshal transcript-ready event for job %s: %v", resp.JobID, marshalErr)

		return
	}

	publishErr := w.natsConnection.Publish(w.completedSubject, payload)
	if publishErr != nil {
		w.log.Error("Failed to publish transcript-ready event for job %s: %v", resp.JobID, publishErr)
	}
}

func (w *NatsWorker) publishFailure(header events.Header, jobID string, cause error) {
	failedEvent := events.TranscriptFailedEvent{
		Header: header,
		JobID:  jobID,
		Error:  cause.Error(),
	}

	payload, marshalErr := json.Marshal(failedEvent)
	if marshalErr != nil {
		w.log.Error("Failed to marshal transcript-failed event for job %s: %v", jobID, marshalErr)

		return
	}

	publishErr := w.natsConnection.Publish(w.failedSubject, payload)
	if publishErr != nil {
		w.log.Error("Failed to publish transcript-failed event for job %s: %v", jobID, publishErr)
	}
}

func (w *NatsWorker) replyWithJobID(msg *nats.Msg, jobID string) error {
	payload, err := json.Marshal(struct {
		JobID string `json:"job_id"`
	}{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to marshal job id reply: %w", err)
	}

	respondErr := msg.Respond(payload)
	if respondErr != nil {
		return fmt.Errorf("failed to publish job id reply: %w", respondErr)
	}

	return nil
}

func (w *NatsWorker) parseAndValidateEvent(msg *nats.Msg) (*events.SubmitTranscriptionEvent, error) {
	var event events.SubmitTranscriptionEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal submit event: %w", err)
	}

	if event.Header.EventID == "" {
		event.Header.EventID = uuid.NewString()
	}

	return &event, nil
}
