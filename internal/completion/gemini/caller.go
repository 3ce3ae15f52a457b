package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/palantir/palantir-compute-module-structured-extract/internal/completion"
	"google.golang.org/genai"
)

const DefaultModel = "gemini-2.5-flash"

type Config struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string

	// Temperature applied to every call. Zero means provider default.
	Temperature float32
}

type Caller struct {
	client      *genai.Client
	model       string
	temperature float32
}

func New(ctx context.Context, cfg Config) (*Caller, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &Caller{
		client:      client,
		model:       model,
		temperature: cfg.Temperature,
	}, nil
}

// Model returns the configured model name.
func (c *Caller) Model() string {
	return c.model
}

func (c *Caller) Call(ctx context.Context, req completion.Request) (json.RawMessage, error) {
	if req.Contract == nil {
		return nil, fmt.Errorf("gemini: request %q has no contract", req.Name)
	}

	cfg := &genai.GenerateContentConfig{
		CandidateCount:   1,
		ResponseMIMEType: "application/json",
		ResponseSchema:   toSchema(req.Contract),
	}
	if strings.TrimSpace(req.System) != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if c.temperature > 0 {
		t := c.temperature
		cfg.Temperature = &t
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(req.User), cfg)
	if err != nil {
		return nil, classifyErr(err)
	}
	if reason := refusalReason(resp); reason != "" {
		return nil, &completion.RefusalError{Reason: reason}
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, errors.New("gemini: empty response")
	}
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("gemini: response for %q is not valid json", req.Name)
	}
	return json.RawMessage(text), nil
}

var refusalFinishReasons = map[string]struct{}{
	"SAFETY":             {},
	"RECITATION":         {},
	"BLOCKLIST":          {},
	"PROHIBITED_CONTENT": {},
	"SPII":               {},
	"IMAGE_SAFETY":       {},
}

// refusalReason reports why the model declined, or "" if it answered.
func refusalReason(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	if fb := resp.PromptFeedback; fb != nil {
		r := strings.TrimSpace(string(fb.BlockReason))
		if r != "" && r != "BLOCKED_REASON_UNSPECIFIED" {
			return "prompt blocked: " + r
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return ""
	}
	fr := strings.TrimSpace(string(resp.Candidates[0].FinishReason))
	if _, ok := refusalFinishReasons[fr]; ok {
		return "finish reason " + fr
	}
	return ""
}

func classifyErr(err error) error {
	// Wrap transient failures so the runner will retry with backoff.
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code/100 == 5 {
			return &completion.TransientError{Err: err}
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && (ne.Timeout() || ne.Temporary()) {
		return &completion.TransientError{Err: err}
	}
	return err
}
