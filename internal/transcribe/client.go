// Package transcribe turns a source file's audio into timestamped text via
// a speech-to-text service speaking the OpenAI transcriptions dialect.
package transcribe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"clipforge/internal/errclass"
	"clipforge/internal/services"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "whisper-1"
	defaultTimeout = 5 * time.Minute

	maxAttempts = 3
	retryDelay  = 2 * time.Second
)

// Utterance is one timestamped span of speech.
type Utterance struct {
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
	Text     string  `json:"text"`
}

// Transcript is the full speech-to-text result for one source.
type Transcript struct {
	Language   string      `json:"language,omitempty"`
	Text       string      `json:"text"`
	Utterances []Utterance `json:"utterances"`
}

// Timestamped renders the transcript as "[start-end] text" lines for the
// analysis prompt.
func (t *Transcript) Timestamped() string {
	if len(t.Utterances) == 0 {
		return t.Text
	}
	var sb strings.Builder
	for _, u := range t.Utterances {
		fmt.Fprintf(&sb, "[%.1f-%.1f] %s\n", u.StartSec, u.EndSec, strings.TrimSpace(u.Text))
	}
	return sb.String()
}

// Transcriber produces transcripts. The pipeline depends on this interface
// so tests can substitute canned text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (*Transcript, error)
}

// Client calls the speech-to-text service.
type Client struct {
	http  *resty.Client
	model string
	sleep func(context.Context, time.Duration) error
}

// New builds a transcriber client. The API key is required.
func New(apiKey, baseURL, model string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "transcribe", "new", "transcription API key required", nil)
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if model == "" {
		model = defaultModel
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	http := resty.New()
	http.SetBaseURL(strings.TrimRight(baseURL, "/"))
	http.SetHeader("Authorization", "Bearer "+apiKey)
	http.SetTimeout(timeout)

	return &Client{
		http:  http,
		model: model,
		sleep: sleepContext,
	}, nil
}

type transcriptionResponse struct {
	Language string  `json:"language"`
	Text     string  `json:"text"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Transcribe uploads the audio file and returns its transcript.
// Infrastructure failures are retried with a short backoff.
func (c *Client) Transcribe(ctx context.Context, audioPath string) (*Transcript, error) {
	if _, err := os.Stat(audioPath); err != nil {
		return nil, services.Wrap(services.ErrValidation, "transcribe", "transcribe", "audio file missing", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		transcript, err := c.transcribeOnce(ctx, audioPath)
		if err == nil {
			return transcript, nil
		}
		lastErr = err

		class := errclass.Classify(err)
		if class != errclass.TransientInfra && class != errclass.Unknown {
			return nil, err
		}
		if attempt < maxAttempts {
			if sleepErr := c.sleep(ctx, errclass.Backoff(retryDelay, attempt)); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}
	return nil, lastErr
}

func (c *Client) transcribeOnce(ctx context.Context, audioPath string) (*Transcript, error) {
	var parsed transcriptionResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFile("file", audioPath).
		SetFormData(map[string]string{
			"model":           c.model,
			"response_format": "verbose_json",
		}).
		SetResult(&parsed).
		SetError(&parsed).
		Post("/audio/transcriptions")
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "transcribe", "transcribe", "call transcription service", err)
	}
	if resp.IsError() {
		message := resp.Status()
		if parsed.Error != nil && parsed.Error.Message != "" {
			message = parsed.Error.Message
		}
		kind := services.ErrTransient
		if resp.StatusCode() >= 400 && resp.StatusCode() < 500 && resp.StatusCode() != 429 {
			kind = services.ErrValidation
		}
		return nil, services.Wrap(kind, "transcribe", "transcribe",
			fmt.Sprintf("transcription service rejected %s: %s", filepath.Base(audioPath), message), nil)
	}

	transcript := &Transcript{Language: parsed.Language, Text: strings.TrimSpace(parsed.Text)}
	for _, segment := range parsed.Segments {
		transcript.Utterances = append(transcript.Utterances, Utterance{
			StartSec: segment.Start,
			EndSec:   segment.End,
			Text:     strings.TrimSpace(segment.Text),
		})
	}
	return transcript, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Transcriber = (*Client)(nil)
