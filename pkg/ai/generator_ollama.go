package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// OllamaGenerator calls a local Ollama instance.
type OllamaGenerator struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaGenerator builds an Ollama-backed TextGenerator. A non-positive
// timeout falls back to the default.
func NewOllamaGenerator(baseURL, model string, timeout time.Duration) *OllamaGenerator {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = defaultGenerationTimeout
	}
	return &OllamaGenerator{
		baseURL:    baseURL,
		model:      strings.TrimSpace(model),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GenerateText implements TextGenerator using the Ollama chat API.
func (g *OllamaGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if g.model == "" {
		return "", fmt.Errorf("ollama generation model required")
	}
	messages := make([]ollamaMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, ollamaMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, ollamaMessage{Role: "user", Content: userPrompt})

	body, err := json.Marshal(ollamaChatRequest{
		Model:    g.model,
		Messages: messages,
		Stream:   false,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp ollamaErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return "", fmt.Errorf("%w: ollama api error: %s", ErrContentRejected, msg)
		}
		return "", fmt.Errorf("ollama api error: %s", msg)
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("ollama decode: %w", err)
	}
	text := strings.TrimSpace(chatResp.Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty response from ollama api")
	}
	return text, nil
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
}

type ollamaErrorResponse struct {
	Error string `json:"error"`
}
