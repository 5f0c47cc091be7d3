package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"optify/internal/config"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// InternalMarkerPrefix marks payload keys owned by the pipeline itself;
// they are exempt from schema validation in both directions.
const InternalMarkerPrefix = "_"

// GenerationContext is the input contract of the variant generator.
type GenerationContext struct {
	ContentType      string
	ContentTitle     string
	ControlPayload   map[string]interface{}
	Persona          string
	FunnelStage      string
	TriggeredMetrics []string
	VariantIndex     int
}

// VariantGenerator drafts one challenger payload for a test. The output
// must mirror the control payload's key set (see ValidateVariantPayload).
type VariantGenerator interface {
	Generate(ctx context.Context, gc GenerationContext) (map[string]interface{}, error)
}

// Validation failure kinds.
const (
	ValidationMissingField    = "missing_field"
	ValidationUnexpectedField = "unexpected_field"
)

// ValidationError rejects a generated payload before it is persisted.
type ValidationError struct {
	Kind  string
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("generated payload validation failed: %s %q", e.Kind, e.Field)
}

// ValidateVariantPayload checks a generated payload against the control
// payload's schema: every non-internal control key must be present, and
// no non-internal key may appear that the control does not have.
func ValidateVariantPayload(control, generated map[string]interface{}) error {
	for key := range control {
		if strings.HasPrefix(key, InternalMarkerPrefix) {
			continue
		}
		if _, ok := generated[key]; !ok {
			return &ValidationError{Kind: ValidationMissingField, Field: key}
		}
	}
	for key := range generated {
		if strings.HasPrefix(key, InternalMarkerPrefix) {
			continue
		}
		if _, ok := control[key]; !ok {
			return &ValidationError{Kind: ValidationUnexpectedField, Field: key}
		}
	}
	return nil
}

// OpenAIGenerator drafts variants via the OpenAI chat completions API.
// Without an API key it degrades to a deterministic heuristic rewrite so
// the pipeline stays usable offline.
type OpenAIGenerator struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	client      *http.Client
	logger      *logrus.Logger
}

func NewOpenAIGenerator(cfg config.OpenAIConfig, logger *logrus.Logger) *OpenAIGenerator {
	if logger == nil {
		logger = logrus.New()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIGenerator{
		apiKey:      cfg.APIKey,
		baseURL:     cfg.BaseURL,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate produces one challenger payload and validates it against the
// control schema before returning it.
func (g *OpenAIGenerator) Generate(ctx context.Context, gc GenerationContext) (map[string]interface{}, error) {
	var (
		payload map[string]interface{}
		err     error
	)
	if g.apiKey == "" {
		payload = g.heuristicVariant(gc)
	} else {
		payload, err = g.callOpenAI(ctx, gc)
		if err != nil {
			return nil, err
		}
	}

	if err := ValidateVariantPayload(gc.ControlPayload, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (g *OpenAIGenerator) callOpenAI(ctx context.Context, gc GenerationContext) (map[string]interface{}, error) {
	tracer := otel.Tracer("optify/generator")
	ctx, span := tracer.Start(ctx, "OpenAIGenerator.callOpenAI")
	span.SetAttributes(
		attribute.String("model", g.model),
		attribute.String("content.type", gc.ContentType),
		attribute.Int("variant.index", gc.VariantIndex),
	)
	defer span.End()

	request := openAIRequest{
		Model: g.model,
		Messages: []openAIMessage{
			{Role: "user", Content: g.buildPrompt(gc)},
		},
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	}

	reqBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/chat/completions", g.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", g.apiKey))

	resp, err := g.client.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var openAIResp openAIResponse
	if err := json.Unmarshal(body, &openAIResp); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if openAIResp.Error != nil {
		span.SetStatus(codes.Error, openAIResp.Error.Message)
		return nil, fmt.Errorf("OpenAI API error: %s", openAIResp.Error.Message)
	}
	if len(openAIResp.Choices) == 0 {
		span.SetStatus(codes.Error, "no response choices")
		return nil, fmt.Errorf("no response from OpenAI")
	}

	content := strings.TrimSpace(openAIResp.Choices[0].Message.Content)
	content = stripCodeFence(content)

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("generator returned non-JSON payload: %w", err)
	}
	return payload, nil
}

func (g *OpenAIGenerator) buildPrompt(gc GenerationContext) string {
	controlJSON, _ := json.MarshalIndent(gc.ControlPayload, "", "  ")

	var sb strings.Builder
	sb.WriteString("You are a conversion optimization copywriter.\n")
	fmt.Fprintf(&sb, "The following JSON document is the current %s content %q:\n%s\n\n",
		gc.ContentType, gc.ContentTitle, controlJSON)
	if gc.Persona != "" || gc.FunnelStage != "" {
		fmt.Fprintf(&sb, "It underperforms for persona %q at funnel stage %q.\n", gc.Persona, gc.FunnelStage)
	}
	if len(gc.TriggeredMetrics) > 0 {
		fmt.Fprintf(&sb, "The weak metrics are: %s.\n", strings.Join(gc.TriggeredMetrics, ", "))
	}
	fmt.Fprintf(&sb, "Write challenger variant %d: rewrite the presentational text to improve those metrics.\n", gc.VariantIndex+1)
	sb.WriteString("Respond with ONLY a JSON object that has exactly the same keys as the document above. ")
	sb.WriteString("Do not add, remove, or rename keys.")
	return sb.String()
}

// heuristicVariant is the keyless fallback: a copy of the control with
// light deterministic copy tweaks, valid by construction.
func (g *OpenAIGenerator) heuristicVariant(gc GenerationContext) map[string]interface{} {
	payload := make(map[string]interface{}, len(gc.ControlPayload))
	for key, value := range gc.ControlPayload {
		if s, ok := value.(string); ok && !strings.HasPrefix(key, InternalMarkerPrefix) {
			payload[key] = rewriteCopy(key, s, gc.VariantIndex)
			continue
		}
		payload[key] = value
	}
	return payload
}

var copyPrefixes = []string{"Discover: ", "New: ", "Try: "}

func rewriteCopy(key, text string, variantIndex int) string {
	if text == "" {
		return text
	}
	switch {
	case strings.Contains(key, "headline"), strings.Contains(key, "title"):
		return copyPrefixes[variantIndex%len(copyPrefixes)] + text
	case strings.Contains(key, "cta"):
		return strings.TrimSuffix(text, "!") + " now"
	default:
		return text
	}
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
