package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harun/biblechat/internal/observability"
	"github.com/harun/biblechat/internal/tracing"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	DefaultGeminiModel   = "gemini-1.5-flash"

	// upstream error bodies are kept for logs only
	maxErrorBody = 4 << 10
)

// GeminiConfig configures the Gemini provider
type GeminiConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Client  *http.Client
}

// GeminiProvider implements LLMProvider for Google Gemini generateContent
type GeminiProvider struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewGeminiProvider creates a new Gemini provider. The client carries no
// timeout of its own; deadlines come from the caller's context.
func NewGeminiProvider(cfg GeminiConfig) *GeminiProvider {
	observability.EnsureRegistered()

	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGeminiBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	return &GeminiProvider{
		apiKey:  strings.TrimSpace(cfg.APIKey),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		client:  cfg.Client,
	}
}

// Provider returns the provider name
func (p *GeminiProvider) Provider() string {
	return "gemini"
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
}

func (p *GeminiProvider) endpoint(model string) string {
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, url.PathEscape(model))
}

// Call sends the whole transcript plus system instruction and returns the first candidate's text
func (p *GeminiProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	if p.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	model := request.Model
	if model == "" {
		model = p.model
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"biblechat.agent",
		"gemini.generate_content",
		attribute.String("model", model),
		attribute.Int("messages", len(request.Messages)),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("provider", p.Provider()).Str("model", model).Logger()

	body := geminiRequest{Contents: make([]geminiContent, 0, len(request.Messages))}
	for _, msg := range request.Messages {
		body.Contents = append(body.Contents, geminiContent{
			Role:  msg.Role,
			Parts: []geminiPart{{Text: msg.Content}},
		})
	}
	if request.SystemPrompt != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: request.SystemPrompt}}}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(model), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", p.apiKey)

	logger.Debug().Int("messages", len(request.Messages)).Msg("Sending generateContent request")

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		status := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
		}
		observability.RecordUpstreamCall(p.Provider(), status, time.Since(start))
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	observability.RecordUpstreamCall(p.Provider(), observability.StatusClass(resp.StatusCode), time.Since(start))
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to read gemini response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(raw) > maxErrorBody {
			raw = raw[:maxErrorBody]
		}
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
		tracing.RecordError(span, statusErr)
		return nil, statusErr
	}

	if !gjson.ValidBytes(raw) {
		tracing.RecordError(span, ErrMalformedResponse)
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedResponse, len(raw))
	}

	parsed := gjson.ParseBytes(raw)
	content, err := candidateText(parsed)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	out := &LLMResponse{
		Content:      content,
		FinishReason: parsed.Get("candidates.0.finishReason").String(),
	}
	if usage := parsed.Get("usageMetadata"); usage.Exists() {
		out.Usage = &TokenUsage{
			InputTokens:  int(usage.Get("promptTokenCount").Int()),
			OutputTokens: int(usage.Get("candidatesTokenCount").Int()),
			TotalTokens:  int(usage.Get("totalTokenCount").Int()),
		}
	}

	logger.Debug().
		Dur("duration", time.Since(start)).
		Str("finish_reason", out.FinishReason).
		Int("chars", len(out.Content)).
		Msg("generateContent completed")

	return out, nil
}

// candidateText returns the first candidate's text. A missing or null path is
// empty content; a path holding anything but a string is ErrMalformedResponse.
func candidateText(parsed gjson.Result) (string, error) {
	if !parsed.IsObject() {
		return "", fmt.Errorf("%w: top level is not an object", ErrMalformedResponse)
	}
	candidates := parsed.Get("candidates")
	if candidates.Exists() && candidates.Type != gjson.Null && !candidates.IsArray() {
		return "", fmt.Errorf("%w: candidates is %s", ErrMalformedResponse, describeType(candidates))
	}
	text := parsed.Get("candidates.0.content.parts.0.text")
	if !text.Exists() || text.Type == gjson.Null {
		return "", nil
	}
	if text.Type != gjson.String {
		return "", fmt.Errorf("%w: candidate text is %s", ErrMalformedResponse, describeType(text))
	}
	return text.String(), nil
}

func describeType(r gjson.Result) string {
	switch {
	case r.IsObject():
		return "an object"
	case r.IsArray():
		return "an array"
	default:
		return r.Type.String()
	}
}
