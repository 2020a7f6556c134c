// main package for the transcript-service transcription job engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/transcript-engine/internal/config"
	"github.com/book-expert/transcript-engine/internal/engine"
	"github.com/book-expert/transcript-engine/internal/job"
	"github.com/book-expert/transcript-engine/internal/media"
	"github.com/book-expert/transcript-engine/internal/mode"
	"github.com/book-expert/transcript-engine/internal/objectstore"
	"github.com/book-expert/transcript-engine/internal/transcribe"
	"github.com/book-expert/transcript-engine/internal/worker"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
)

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "transcript-service.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func bootstrap() (*config.Config, *logger.Logger, error) {
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return nil, nil, err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	cfg, _, err := config.Load(".")
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	return cfg, bootstrapLog, nil
}

func startWorker(ctx context.Context, cfg *config.Config, log *logger.Logger) (context.CancelFunc, error) {
	ensureErr := cfg.EnsureDirectories()
	if ensureErr != nil {
		return nil, fmt.Errorf("failed to ensure configured directories: %w", ensureErr)
	}

	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		natsConnection.Close()

		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	audioStore, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		natsConnection.Close()

		return nil, fmt.Errorf("failed to create audio object store: %w", err)
	}

	transcriptStore, err := objectstore.New(jetstreamContext, cfg.NATS.TranscriptObjectStoreBucket)
	if err != nil {
		natsConnection.Close()

		return nil, fmt.Errorf("failed to create transcript object store: %w", err)
	}

	mediaTool := media.New(cfg.Engine.FFprobePath, cfg.Engine.FFmpegPath, log)

	transcriber := transcribe.New(
		cfg.Engine.WhisperBaseURL,
		time.Duration(cfg.Engine.TimeoutSeconds)*time.Second,
		log,
	)

	jobManager := job.NewManager(mode.DefaultSafeguards, log)

	eng := engine.New(mediaTool, transcriber, jobManager, cfg.Engine.ScratchDir, prometheus.DefaultRegisterer, log)

	defaultCredential := os.Getenv(cfg.Engine.WhisperAPIKeyEnvVar)

	natsWorker, err := worker.NewNatsWorker(
		natsConnection, audioStore, transcriptStore, eng,
		cfg.NATS.SubmitSubject, cfg.NATS.TranscriptionCompletedSubject, cfg.NATS.TranscriptionFailedSubject,
		defaultCredential,
		log,
	)
	if err != nil {
		natsConnection.Close()

		return nil, fmt.Errorf("failed to create NATS worker: %w", err)
	}

	workerCtx, workerCancel := context.WithCancel(ctx)

	go jobManager.RunReaper(workerCtx)

	go func() {
		defer natsConnection.Close()

		runErr := natsWorker.Run(workerCtx)
		if runErr != nil {
			log.Error("NATS worker stopped with error: %v", runErr)
			workerCancel()
		}
	}()

	log.System(
		"transcript-service successfully initialized. Listening for jobs on subject: %s",
		cfg.NATS.SubmitSubject,
	)

	return workerCancel, nil
}

func waitForShutdownSignal(log *logger.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutdown signal received, gracefully shutting down...")
}

func run() error {
	cfg, bootstrapLog, err := bootstrap()
	if err != nil {
		return err
	}

	log, err := setupLogger(cfg.Logging.LogDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing logger: %v\n", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerCancel, err := startWorker(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to start worker: %v", err)

		return err
	}

	waitForShutdownSignal(log)
	workerCancel()

	log.Info("Shutdown complete.")

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
