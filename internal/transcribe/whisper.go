// Package transcribe provides the default core.Transcriber implementation:
// a Whisper-style HTTP API client, adapted from the teacher's own Whisper
// client (internal/tts/whisper/client.go) but repurposed to classify
// provider failures into core.TranscribeError per spec §4.3/§7 instead of
// returning a bare error for the text-to-speech direction.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/transcript-engine/internal/core"
)

// DefaultTimeout is the HTTP client timeout applied when none is given.
const DefaultTimeout = 60 * time.Second

// HTTP headers and form field names.
const (
	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"

	formFieldFile        = "file"
	formFieldModel       = "model"
	formFieldLanguage    = "language"
	formFieldTemperature = "temperature"
	formFieldPrompt      = "prompt"
)

// Error wrapping formats.
const (
	errFailedToOpenFile       = "failed to open audio file: %w"
	errFailedToCreateFormFile = "failed to create form file: %w"
	errFailedToCopyFileData   = "failed to copy file data: %w"
	errFailedToWriteField     = "failed to write %s field: %w"
	errFailedToCloseWriter    = "failed to close multipart writer: %w"
	errFailedToCreateRequest  = "failed to create request: %w"
	errFailedToDecodeResponse = "failed to decode response: %w"
)

// ErrCouldNotReadErrorBody indicates the provider's error body could not be read.
var ErrCouldNotReadErrorBody = errors.New("could not read API error response body")

// Response is the decoded body of a successful transcription response.
type Response struct {
	Text string `json:"text"`
}

// Client implements core.Transcriber against a Whisper-compatible HTTP API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	log        *logger.Logger
}

// New builds a Client posting to baseURL (e.g. "https://api.openai.com/v1/audio/transcriptions").
func New(baseURL string, timeout time.Duration, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// Transcribe implements core.Transcriber. cfg.APICredentialHandle is sent as
// a bearer token; failures are classified per spec §4.3/§7: HTTP 429 becomes
// core.KindRateLimit, 5xx/network failures become core.KindTransient, and
// any other 4xx becomes core.KindFatal.
func (c *Client) Transcribe(ctx context.Context, chunkPath string, cfg core.TranscriptionConfig) (string, error) {
	formData, contentType, formErr := c.buildForm(chunkPath, cfg)
	if formErr != nil {
		return "", core.NewFatalError(formErr)
	}

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, formData)
	if reqErr != nil {
		return "", core.NewFatalError(fmt.Errorf(errFailedToCreateRequest, reqErr))
	}

	req.Header.Set(headerAuthorization, "Bearer "+cfg.APICredentialHandle)
	req.Header.Set(headerContentType, contentType)

	resp, doErr := c.httpClient.Do(req)
	if doErr != nil {
		return "", core.NewTransientError(fmt.Errorf("whisper request failed: %w", doErr))
	}

	defer func() {
		closeErr := resp.Body.Close()
		if closeErr != nil && c.log != nil {
			c.log.Warn("failed to close whisper response body: %v", closeErr)
		}
	}()

	return c.handleResponse(resp)
}

func (c *Client) buildForm(chunkPath string, cfg core.TranscriptionConfig) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	fileErr := c.attachFile(writer, chunkPath)
	if fileErr != nil {
		return nil, "", fileErr
	}

	fieldsErr := c.attachFields(writer, cfg)
	if fieldsErr != nil {
		return nil, "", fieldsErr
	}

	closeErr := writer.Close()
	if closeErr != nil {
		return nil, "", fmt.Errorf(errFailedToCloseWriter, closeErr)
	}

	return &buf, writer.FormDataContentType(), nil
}

func (c *Client) attachFile(writer *multipart.Writer, chunkPath string) error {
	file, openErr := os.Open(chunkPath)
	if openErr != nil {
		return fmt.Errorf(errFailedToOpenFile, openErr)
	}

	defer func() {
		closeErr := file.Close()
		if closeErr != nil && c.log != nil {
			c.log.Warn("failed to close %s: %v", chunkPath, closeErr)
		}
	}()

	part, partErr := writer.CreateFormFile(formFieldFile, filepath.Base(chunkPath))
	if partErr != nil {
		return fmt.Errorf(errFailedToCreateFormFile, partErr)
	}

	_, copyErr := io.Copy(part, file)
	if copyErr != nil {
		return fmt.Errorf(errFailedToCopyFileData, copyErr)
	}

	return nil
}

func (c *Client) attachFields(writer *multipart.Writer, cfg core.TranscriptionConfig) error {
	model := cfg.Model
	if model == "" {
		model = "whisper-1"
	}

	if err := writer.WriteField(formFieldModel, model); err != nil {
		return fmt.Errorf(errFailedToWriteField, formFieldModel, err)
	}

	if cfg.Language != "" && cfg.Language != "auto" {
		if err := writer.WriteField(formFieldLanguage, cfg.Language); err != nil {
			return fmt.Errorf(errFailedToWriteField, formFieldLanguage, err)
		}
	}

	if cfg.Temperature != nil {
		err := writer.WriteField(formFieldTemperature, strconv.FormatFloat(*cfg.Temperature, 'f', -1, 64))
		if err != nil {
			return fmt.Errorf(errFailedToWriteField, formFieldTemperature, err)
		}
	}

	if cfg.Prompt != "" {
		if err := writer.WriteField(formFieldPrompt, cfg.Prompt); err != nil {
			return fmt.Errorf(errFailedToWriteField, formFieldPrompt, err)
		}
	}

	return nil
}

func (c *Client) handleResponse(resp *http.Response) (string, error) {
	if resp.StatusCode != http.StatusOK {
		return "", c.classifyFailure(resp)
	}

	var decoded Response

	decodeErr := json.NewDecoder(resp.Body).Decode(&decoded)
	if decodeErr != nil {
		return "", core.NewTransientError(fmt.Errorf(errFailedToDecodeResponse, decodeErr))
	}

	return decoded.Text, nil
}

func (c *Client) classifyFailure(resp *http.Response) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return core.NewTransientError(fmt.Errorf("%w: %w", ErrCouldNotReadErrorBody, readErr))
	}

	cause := fmt.Errorf("whisper API request failed with status %d: %s", resp.StatusCode, string(body))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))

		return core.NewRateLimitError(retryAfter, cause)
	case resp.StatusCode >= http.StatusInternalServerError:
		return core.NewTransientError(cause)
	default:
		return core.NewFatalError(cause)
	}
}

func parseRetryAfter(header string) *float64 {
	if header == "" {
		return nil
	}

	seconds, err := strconv.ParseFloat(header, 64)
	if err != nil {
		return nil
	}

	return &seconds
}
