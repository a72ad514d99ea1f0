// Package ollama implements the embedding, translation and classification
// executors against a local Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/pipeline"
)

// maxInputChars bounds the text sent to the model.
const maxInputChars = 8000

// Service talks to an Ollama server. Every request waits on a shared rate
// limiter so that the worker pool cannot overload the model server.
type Service struct {
	baseURL    string
	model      string
	embedModel string
	client     *http.Client
	limiter    *rate.Limiter
}

var (
	_ pipeline.Embedder   = (*Service)(nil)
	_ pipeline.Translator = (*Service)(nil)
	_ pipeline.Classifier = (*Service)(nil)
)

// Option customizes a Service.
type Option func(*Service)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// NewService creates an Ollama service from configuration.
func NewService(cfg model.OllamaConfig, opts ...Option) *Service {
	s := &Service{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		embedModel: cfg.EmbedModel,
		client:     &http.Client{},
	}
	if s.baseURL == "" {
		s.baseURL = "http://localhost:11434"
	}
	if s.model == "" {
		s.model = "llama3"
	}
	if s.embedModel == "" {
		s.embedModel = "nomic-embed-text"
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	s.limiter = rate.NewLimiter(limit, 1)

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Embed implements pipeline.Embedder.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	payload := map[string]any{
		"model": s.embedModel,
		"input": truncate(text),
	}

	var result struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := s.post(ctx, "/api/embed", payload, &result); err != nil {
		return nil, err
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0]) == 0 {
		return nil, errors.New("ollama returned no embedding")
	}
	return result.Embeddings[0], nil
}

// Translate implements pipeline.Translator. Text already in targetLang is
// returned unchanged.
func (s *Service) Translate(ctx context.Context, text, targetLang string) (string, string, error) {
	prompt := fmt.Sprintf(`Detect the language of the email below and translate it into %q.
Reply with JSON only: {"source_language": "<ISO 639-1 code>", "translation": "<text>", "supported": true}.
If you cannot translate between these languages reply {"supported": false}.

EMAIL:
%s`, targetLang, truncate(text))

	raw, err := s.generate(ctx, prompt, 0.1)
	if err != nil {
		return "", "", err
	}

	var out struct {
		SourceLanguage string `json:"source_language"`
		Translation    string `json:"translation"`
		Supported      *bool  `json:"supported"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw, '{', '}')), &out); err != nil {
		return "", "", fmt.Errorf("parsing translation: %w", err)
	}
	if out.Supported != nil && !*out.Supported {
		return "", "", fmt.Errorf("translation into %s: %w", targetLang, model.ErrUnavailable)
	}
	if strings.EqualFold(out.SourceLanguage, targetLang) || out.Translation == "" {
		return text, out.SourceLanguage, nil
	}
	return out.Translation, out.SourceLanguage, nil
}

// Classify implements pipeline.Classifier.
func (s *Service) Classify(ctx context.Context, item *model.ItemContent) (*model.Classification, error) {
	text := item.Text
	if item.Translation != "" {
		text = item.Translation
	}
	prompt := fmt.Sprintf(`You are an email triage assistant. Classify the email below.
Reply with JSON only:
{"urgency": 1-5, "importance": 1-5, "category": "<one word>", "tags": ["..."], "confidence": 0.0-1.0}

FROM: %s
SUBJECT: %s

%s`, item.From, item.Subject, truncate(text))

	raw, err := s.generate(ctx, prompt, 0.2)
	if err != nil {
		return nil, err
	}

	var c model.Classification
	if err := json.Unmarshal([]byte(extractJSON(raw, '{', '}')), &c); err != nil {
		return nil, fmt.Errorf("parsing classification: %w", err)
	}
	c.Schema = model.ClassificationSchemaV1
	c.Urgency = clamp(c.Urgency, 1, 5)
	c.Importance = clamp(c.Importance, 1, 5)
	c.Category = strings.ToLower(strings.TrimSpace(c.Category))
	if c.Confidence < 0 || c.Confidence > 1 {
		c.Confidence = 0
	}
	return &c, nil
}

func (s *Service) generate(ctx context.Context, prompt string, temperature float64) (string, error) {
	payload := map[string]any{
		"model":  s.model,
		"prompt": prompt,
		"stream": false,
		"format": "json",
		"options": map[string]any{
			"temperature": temperature,
		},
	}

	var result struct {
		Response string `json:"response"`
		Done     bool   `json:"done"`
	}
	if err := s.post(ctx, "/api/generate", payload, &result); err != nil {
		return "", err
	}
	return result.Response, nil
}

func (s *Service) post(ctx context.Context, path string, payload, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// extractJSON strips markdown fences and surrounding chatter from a model
// reply, keeping the outermost first..last span.
func extractJSON(text string, first, last byte) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.IndexByte(text, first)
	end := strings.LastIndexByte(text, last)
	if start != -1 && end > start {
		return text[start : end+1]
	}
	return text
}

func truncate(text string) string {
	if len(text) <= maxInputChars {
		return text
	}
	// Cut on a rune boundary.
	cut := maxInputChars
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
