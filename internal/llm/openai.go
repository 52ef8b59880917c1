package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OpenAIClient talks to any OpenAI-compatible chat completion endpoint
// (vLLM, llama.cpp server, Ollama, the hosted API).
type OpenAIClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewOpenAIClient builds a client for baseURL (no trailing slash). apiKey
// may be empty for local backends.
func NewOpenAIClient(baseURL, apiKey string, timeout time.Duration) *OpenAIClient {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &OpenAIClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   uint32        `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     uint32 `json:"prompt_tokens"`
		CompletionTokens uint32 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type modelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (c *OpenAIClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

// ListModels queries /v1/models.
func (c *OpenAIClient) ListModels(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm: list models: status %d", resp.StatusCode)
	}
	var mr modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, fmt.Errorf("llm: decode models: %w", err)
	}
	ids := make([]string, 0, len(mr.Data))
	for _, m := range mr.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// Complete runs one chat completion round-trip.
func (c *OpenAIClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
	msgs := make([]chatMessage, 0, 2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})

	resp, err := c.do(ctx, http.MethodPost, "/v1/chat/completions", &chatRequest{
		Model:       req.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("llm: decode completion: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrModelNotFound
	}
	if resp.StatusCode != http.StatusOK {
		msg := "unknown error"
		if cr.Error != nil {
			msg = cr.Error.Message
		}
		return nil, fmt.Errorf("llm: completion failed: status %d: %s", resp.StatusCode, msg)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("llm: completion returned no choices")
	}
	return &CompletionResult{
		Content:          cr.Choices[0].Message.Content,
		PromptTokens:     cr.Usage.PromptTokens,
		CompletionTokens: cr.Usage.CompletionTokens,
	}, nil
}

// HealthCheck probes /v1/models as a liveness signal.
func (c *OpenAIClient) HealthCheck(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

var _ Backend = (*OpenAIClient)(nil)
