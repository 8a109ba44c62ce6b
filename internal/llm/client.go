// Package llm adjudicates flagged detections with a vision-capable chat
// model to filter false positives.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// DefaultBaseURL is the OpenAI-compatible API root.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is used when LLM_MODEL is not set.
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout bounds one chat-completion round trip.
	DefaultTimeout = 20 * time.Second

	systemPrompt = "You are an expert security analyst helping filter false positives."
)

// Verdict is the parsed adjudication decision.
type Verdict struct {
	FalsePositive bool     `json:"false_positive"`
	Reason        string   `json:"reason"`
	Confidence    *float64 `json:"confidence,omitempty"`
}

// Client talks to an OpenAI-compatible chat-completions endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	model      string
	logger     *slog.Logger
}

// ClientConfig configures the chat client. Zero values select the OpenAI
// defaults.
type ClientConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// NewClient creates a chat-completions client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		logger:     slog.Default().With("component", "llm_client"),
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
	MaxTokens      int            `json:"max_tokens"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func dataURL(jpeg []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)
}

// Validate sends the full frame and the crop of the flagged box and asks for
// a strict-JSON binary decision.
func (c *Client) Validate(ctx context.Context, apiKey, label string, fullJPEG, cropJPEG []byte) (*Verdict, error) {
	prompt := fmt.Sprintf(
		"You are a security assistant. A vision model flagged a potential threat or suspicious object/person.\n"+
			"Vision label: %s.\n"+
			"Provide a binary decision ONLY. Respond strictly as JSON with: "+
			"false_positive (boolean), reason (string).\n"+
			"Rules for reason: keep it to one short sentence (<= 18 words), "+
			"be specific about what is seen (e.g., 'metallic knife-like object', 'toy gun', 'cell phone'), "+
			"and include minimal context if obvious (e.g., 'in hand', 'on table', 'reflection').",
		label,
	)

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL(fullJPEG)}},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL(cropJPEG)}},
			}},
		},
		Temperature:    0.2,
		ResponseFormat: responseFormat{Type: "json_object"},
		MaxTokens:      200,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("LLM API error", "status", resp.StatusCode, "body", string(snippet))
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("chat response has no choices")
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(parsed.Choices[0].Message.Content), &verdict); err != nil {
		c.logger.Warn("LLM content not JSON", "content", parsed.Choices[0].Message.Content)
		return nil, fmt.Errorf("LLM returned non-JSON content")
	}

	return &verdict, nil
}
