package contentgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 4096
)

const (
	descriptionPrompt    = "Write a 3-sentence exciting sales description for a product named: %s. Format it with HTML paragraph tags <p>."
	classificationPrompt = "You are a product taxonomy assistant. Reply with only the numeric Google product category ID that best fits this product, with no other text.\nTitle: %s\nDescription: %s"
	pingPrompt           = "Say 'Hello Boss'!"
)

// HTTPClient is the subset of http.Client used by the generator.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// Config configures the generator client.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient HTTPClient
}

// Client calls an OpenAI compatible chat completions endpoint.
type Client struct {
	apiKey   string
	endpoint string
	model    string
	http     HTTPClient
	renderer *Renderer
}

// NewClient validates cfg and returns a ready client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	endpoint, err := url.JoinPath(base, "chat", "completions")
	if err != nil {
		return nil, fmt.Errorf("contentgen: invalid base url: %w", err)
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		apiKey:   strings.TrimSpace(cfg.APIKey),
		endpoint: endpoint,
		model:    model,
		http:     httpClient,
		renderer: NewRenderer(),
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// GenerateDescription asks the model for a short sales description and
// returns sanitised HTML.
func (c *Client) GenerateDescription(ctx context.Context, title string) (string, error) {
	reply, err := c.Complete(ctx, fmt.Sprintf(descriptionPrompt, strings.TrimSpace(title)))
	if err != nil {
		return "", err
	}
	html := c.renderer.Render(reply)
	if html == "" {
		return "", ErrEmptyCompletion
	}
	return html, nil
}

// ClassifyCategory asks the model for a numeric product taxonomy code. Any
// reply that is not purely digits yields ErrNoClassification.
func (c *Client) ClassifyCategory(ctx context.Context, title, description string) (string, error) {
	text := c.renderer.PlainText(description)
	reply, err := c.Complete(ctx, fmt.Sprintf(classificationPrompt, strings.TrimSpace(title), text))
	if err != nil {
		return "", err
	}
	code := strings.Trim(strings.TrimSpace(reply), `."'`)
	if !IsCategoryCode(code) {
		return "", fmt.Errorf("%w: %q", ErrNoClassification, truncate(reply, 64))
	}
	return code, nil
}

// Ping sends a trivial prompt and returns the reply. Used by diagnostics.
func (c *Client) Ping(ctx context.Context) (string, error) {
	return c.Complete(ctx, pingPrompt)
}

// Complete sends a single user prompt and returns the first choice's text.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if c.apiKey == "" {
		return "", ErrNotConfigured
	}

	payload, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("contentgen: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", decodeAPIError(resp)
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("contentgen: decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyCompletion
	}
	return content, nil
}

// IsCategoryCode reports whether s is a non-empty run of ASCII digits.
func IsCategoryCode(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{Status: resp.StatusCode}

	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		apiErr.Code = envelope.Error.code()
		apiErr.Type = envelope.Error.Type
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Message = truncate(strings.TrimSpace(string(body)), 256)
	}
	return apiErr
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type errorEnvelope struct {
	Error *errorBody `json:"error"`
}

type errorBody struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Code    json.RawMessage `json:"code"`
}

// code tolerates providers that send the code as a number or null.
func (b *errorBody) code() string {
	if len(b.Code) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Code, &s); err == nil {
		return s
	}
	raw := strings.TrimSpace(string(b.Code))
	if raw == "null" {
		return ""
	}
	return raw
}
