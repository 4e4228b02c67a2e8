package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/yuelin/studydesk/internal/config"
	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/logger"
	"github.com/yuelin/studydesk/internal/prompts"
)

// OCRClient extracts text from page images through a vision model with an
// OpenAI-compatible chat completions endpoint.
type OCRClient struct {
	client   *resty.Client
	model    string
	endpoint string
	logger   *logger.Logger
	retry    RetryConfig
}

// NewOCRClient builds an OCR client from a model config.
func NewOCRClient(cfg *config.ModelConfig, log *logger.Logger, retry RetryConfig) (*OCRClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(120 * time.Second)

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &OCRClient{
		client:   client,
		model:    cfg.Model,
		endpoint: baseURL + "/chat/completions",
		logger:   log,
		retry:    retry,
	}, nil
}

// Model returns the vision model identifier.
func (c *OCRClient) Model() string { return c.model }

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type chatTextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type chatImageContent struct {
	Type     string       `json:"type"`
	ImageURL chatImageURL `json:"image_url"`
}

type chatImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
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
	} `json:"error,omitempty"`
}

// ExtractText runs OCR over one page image and returns normalized text.
// Empty output means the page carries no recognizable text.
func (c *OCRClient) ExtractText(ctx context.Context, imageData []byte, format string) (string, error) {
	if len(imageData) == 0 {
		return "", domain.Validationf("OCR image is empty")
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeTypeForFormat(format),
		base64.StdEncoding.EncodeToString(imageData))

	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompts.OCRSystemPrompt},
			{
				Role: "user",
				Content: []interface{}{
					chatTextContent{Type: "text", Text: prompts.OCRUserPrompt},
					chatImageContent{
						Type:     "image_url",
						ImageURL: chatImageURL{URL: dataURL, Detail: "high"},
					},
				},
			},
		},
		MaxTokens: 4096,
	}

	var text string
	err := Retry(ctx, c.logger, "ocr_extract", c.retry, func() error {
		var resp chatResponse
		httpResp, err := c.client.R().
			SetContext(ctx).
			SetBody(req).
			SetResult(&resp).
			Post(c.endpoint)
		if err != nil {
			if ctx.Err() != nil {
				return domain.ErrCancelled
			}
			return &domain.LlmError{Kind: domain.LlmTransient, Message: domain.LlmUserMessage(domain.LlmTransient), Cause: err}
		}
		if httpResp.StatusCode() < 200 || httpResp.StatusCode() >= 300 {
			cause := fmt.Errorf("OCR API HTTP %d: %s", httpResp.StatusCode(), string(httpResp.Body()))
			if resp.Error != nil {
				cause = fmt.Errorf("OCR API HTTP %d: %s", httpResp.StatusCode(), resp.Error.Message)
			}
			return domain.NewLlmError(httpResp.StatusCode(), cause)
		}
		if resp.Error != nil {
			return &domain.LlmError{Kind: domain.LlmPermanent, Message: domain.LlmUserMessage(domain.LlmPermanent),
				Cause: fmt.Errorf("OCR API error: %s", resp.Error.Message)}
		}
		if len(resp.Choices) == 0 {
			return domain.Internalf("OCR API returned no choices")
		}
		text = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", err
	}
	return NormalizeOCRText(text), nil
}

// NormalizeOCRText collapses whitespace and strips the "no text" answers
// vision models produce for blank pages.
func NormalizeOCRText(text string) string {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.Trim(trimmed, "\"'`")
	if trimmed == "" {
		return ""
	}

	normalized := strings.Trim(trimmed, " .，。;；:：!！?？")
	switch strings.ToLower(normalized) {
	case "none", "no text", "no_text", "n/a", "null", "empty":
		return ""
	}
	switch normalized {
	case "无文字", "没有文字", "无内容", "无文本", "无字", "无文字内容":
		return ""
	}

	lines := strings.Split(trimmed, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
