package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// systemPrompt is shared verbatim by both judges; only the model backing
// each call differs.
const systemPrompt = `You are a relevance judge for a memory retrieval system. Given a QUERY and a CANDIDATE document, rate how relevant the candidate is to the query on a continuous scale from 0.0 to 1.0:

0.0 = completely irrelevant
0.5 = moderately relevant
1.0 = perfectly relevant

Respond with SCORE: followed by a single number in [0,1] and nothing else.`

func formatJudgePrompt(query, content string) string {
	return fmt.Sprintf("QUERY: %s\n\nCANDIDATE: %s", query, content)
}

var scorePattern = regexp.MustCompile(`(?i)score:\s*([01](?:\.\d+)?|\.\d+)`)

// parseScore extracts the SCORE: value from a judge response and clamps it
// to [0,1]. Returns an error if no score-shaped token is found, since a
// malformed response is not distinguishable from a bad relevance judgment.
func parseScore(response string) (float64, error) {
	m := scorePattern.FindStringSubmatch(response)
	if m == nil {
		return 0, fmt.Errorf("judge: no SCORE: line found in response %q", truncate(response, 200))
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("judge: unparseable score %q: %w", m[1], err)
	}
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return v, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// perCallTimeout bounds a single judge call to an external API.
const perCallTimeout = 15 * time.Second

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout
}

// OpenAIScorer implements Scorer using the OpenAI chat completions API at
// deterministic temperature.
type OpenAIScorer struct {
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAIScorer creates a scorer bound to apiKey and model (e.g. "gpt-4o-mini").
func NewOpenAIScorer(apiKey, model string) *OpenAIScorer {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIScorer{
		apiKey: apiKey,
		model:  model,
		httpClient: &http.Client{
			Timeout: perCallTimeout + 5*time.Second,
		},
	}
}

func (s *OpenAIScorer) ModelName() string { return s.model }

type openAIChatRequest struct {
	Model       string              `json:"model"`
	Temperature float64             `json:"temperature"`
	Messages    []openAIChatMessage `json:"messages"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (s *OpenAIScorer) Score(ctx context.Context, query, content string) (float64, int, error) {
	callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()

	body, err := json.Marshal(openAIChatRequest{
		Model:       s.model,
		Temperature: 0,
		Messages: []openAIChatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: formatJudgePrompt(query, content)},
		},
	})
	if err != nil {
		return 0, 0, fmt.Errorf("judge: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, "https://api.openai.com/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("judge: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, 0, &RetryableError{fmt.Errorf("judge: openai request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return 0, 0, fmt.Errorf("judge: read openai response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("judge: openai status %d: %s", resp.StatusCode, truncate(string(respBody), 500))
		if retryableStatus(resp.StatusCode) {
			return 0, 0, &RetryableError{err}
		}
		return 0, 0, err
	}

	var result openAIChatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return 0, 0, fmt.Errorf("judge: unmarshal openai response: %w", err)
	}
	if len(result.Choices) == 0 {
		return 0, 0, fmt.Errorf("judge: openai response had no choices")
	}

	score, err := parseScore(result.Choices[0].Message.Content)
	if err != nil {
		return 0, 0, err
	}
	return score, result.Usage.TotalTokens, nil
}

// OllamaScorer implements Scorer using a locally hosted Ollama chat model.
type OllamaScorer struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaScorer creates a scorer bound to baseURL and model. baseURL
// defaults to "http://localhost:11434" when empty.
func NewOllamaScorer(baseURL, model string) *OllamaScorer {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaScorer{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: perCallTimeout + 5*time.Second,
		},
	}
}

func (s *OllamaScorer) ModelName() string { return s.model }

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  ollamaOptions       `json:"options"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	EvalCount int `json:"eval_count"`
}

func (s *OllamaScorer) Score(ctx context.Context, query, content string) (float64, int, error) {
	callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()

	body, err := json.Marshal(ollamaChatRequest{
		Model: s.model,
		Messages: []ollamaChatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: formatJudgePrompt(query, content)},
		},
		Stream:  false,
		Options: ollamaOptions{Temperature: 0},
	})
	if err != nil {
		return 0, 0, fmt.Errorf("judge: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, s.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("judge: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, 0, &RetryableError{fmt.Errorf("judge: ollama request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return 0, 0, fmt.Errorf("judge: read ollama response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("judge: ollama status %d: %s", resp.StatusCode, truncate(string(respBody), 500))
		if retryableStatus(resp.StatusCode) {
			return 0, 0, &RetryableError{err}
		}
		return 0, 0, err
	}

	var result ollamaChatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return 0, 0, fmt.Errorf("judge: unmarshal ollama response: %w", err)
	}

	score, err := parseScore(result.Message.Content)
	if err != nil {
		return 0, 0, err
	}
	return score, result.EvalCount, nil
}

// NoopScorer always returns the neutral score. Used when no provider is
// configured for a judge slot, preserving store_dual_judge_scores'
// availability (degraded to uninformative agreement) rather than refusing
// the call outright.
type NoopScorer struct{ model string }

// NewNoopScorer returns a scorer that always reports the neutral score.
func NewNoopScorer() *NoopScorer { return &NoopScorer{model: "noop"} }

func (s *NoopScorer) ModelName() string { return s.model }

func (s *NoopScorer) Score(_ context.Context, _, _ string) (float64, int, error) {
	return neutralScore, 0, nil
}
