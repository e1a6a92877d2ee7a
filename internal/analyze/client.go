// Package analyze asks a content-understanding service to pick the moments
// worth keeping. The service speaks the OpenAI chat-completions dialect; the
// response is a structured edit plan the render stage executes verbatim.
package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"clipforge/internal/errclass"
	"clipforge/internal/job"
	"clipforge/internal/services"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 60 * time.Second

	// maxAttempts bounds retries on infrastructure errors. Analysis calls
	// never rotate identities; a failing service is simply retried with
	// backoff and then reported.
	maxAttempts = 3
	retryDelay  = 2 * time.Second
)

// PlanSegment is one source time range the plan keeps.
type PlanSegment struct {
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
	Label    string  `json:"label,omitempty"`
}

// EditPlan is the structured output of content analysis.
type EditPlan struct {
	Title      string        `json:"title,omitempty"`
	Segments   []PlanSegment `json:"segments"`
	TopText    string        `json:"top_text,omitempty"`
	BottomText string        `json:"bottom_text,omitempty"`
}

// Validate checks the plan against the source duration.
func (p *EditPlan) Validate(durationSec float64) error {
	if len(p.Segments) == 0 {
		return services.Wrap(services.ErrValidation, "analyze", "validate", "plan contains no segments", nil)
	}
	for _, segment := range p.Segments {
		if segment.StartSec < 0 || segment.EndSec <= segment.StartSec {
			return services.Wrap(services.ErrValidation, "analyze", "validate",
				fmt.Sprintf("segment %.2f-%.2f is not a valid range", segment.StartSec, segment.EndSec), nil)
		}
		if durationSec > 0 && segment.EndSec > durationSec+1 {
			return services.Wrap(services.ErrValidation, "analyze", "validate",
				fmt.Sprintf("segment ends at %.2fs past source duration %.2fs", segment.EndSec, durationSec), nil)
		}
	}
	return nil
}

// Request carries everything the planner needs about one job.
type Request struct {
	Kind job.Kind
	// Transcript is timestamped text, one "[12.5-15.0] words" line per
	// utterance. May be empty when transcription was skipped.
	Transcript  string
	DurationSec float64
}

// Planner produces edit plans. The pipeline depends on this interface so
// tests can substitute a canned plan.
type Planner interface {
	Plan(ctx context.Context, req Request) (*EditPlan, error)
}

// Client calls the content-understanding service.
type Client struct {
	http  *resty.Client
	model string
	sleep func(context.Context, time.Duration) error
}

// New builds a planner client. The API key is required; base URL and model
// fall back to OpenAI defaults.
func New(apiKey, baseURL, model string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "analyze", "new", "analysis API key required", nil)
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
	http.SetHeader("Content-Type", "application/json")
	http.SetTimeout(timeout)

	return &Client{
		http:  http,
		model: model,
		sleep: sleepContext,
	}, nil
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Plan requests an edit plan for the job. Infrastructure failures are
// retried with a short backoff before giving up.
func (c *Client) Plan(ctx context.Context, req Request) (*EditPlan, error) {
	body := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(req.Kind)},
			{Role: "user", Content: userPrompt(req)},
		},
		Temperature:    0.2,
		ResponseFormat: &respFormat{Type: "json_object"},
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		plan, err := c.planOnce(ctx, body, req.DurationSec)
		if err == nil {
			return plan, nil
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

func (c *Client) planOnce(ctx context.Context, body chatRequest, durationSec float64) (*EditPlan, error) {
	var parsed chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&parsed).
		SetError(&parsed).
		Post("/chat/completions")
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, "analyze", "plan", "call analysis service", err)
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
		return nil, services.Wrap(kind, "analyze", "plan",
			fmt.Sprintf("analysis service rejected request: %s", message), nil)
	}
	if len(parsed.Choices) == 0 {
		return nil, services.Wrap(services.ErrTransient, "analyze", "plan", "analysis service returned no choices", nil)
	}

	plan, err := decodePlan(parsed.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(durationSec); err != nil {
		return nil, err
	}
	return plan, nil
}

// decodePlan tolerates models that wrap the JSON object in a code fence.
func decodePlan(content string) (*EditPlan, error) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	var plan EditPlan
	if err := json.Unmarshal([]byte(trimmed), &plan); err != nil {
		return nil, services.Wrap(services.ErrValidation, "analyze", "plan", "decode edit plan", err)
	}
	return &plan, nil
}

func systemPrompt(kind job.Kind) string {
	base := "You are a video editor. Reply with a single JSON object matching " +
		`{"title":string,"segments":[{"start_sec":number,"end_sec":number,"label":string}]`
	switch kind {
	case job.KindClip:
		return base + `}. Pick the single most engaging moment, 15-60 seconds long.`
	case job.KindTrailer:
		return base + `}. Pick 3-6 short highlights that together run under 90 seconds, in source order.`
	case job.KindGIF:
		return base + `}. Pick one visually striking moment under 6 seconds, no dialogue needed.`
	case job.KindMeme:
		return base + `,"top_text":string,"bottom_text":string}. Pick one funny moment under 10 seconds and write caption text for it.`
	default:
		return base + `}.`
	}
}

func userPrompt(req Request) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Source duration: %.1f seconds.\n", req.DurationSec)
	if req.Transcript != "" {
		sb.WriteString("Timestamped transcript:\n")
		sb.WriteString(req.Transcript)
	} else {
		sb.WriteString("No transcript is available; choose segments by position heuristics.")
	}
	return sb.String()
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

var _ Planner = (*Client)(nil)
