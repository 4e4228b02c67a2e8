package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/yuelin/studydesk/internal/config"
	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/logger"
)

// Embedder is the port for text and image embedding providers.
type Embedder interface {
	// EmbedTexts embeds a batch of passages, in input order.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds one query string.
	EmbedQuery(ctx context.Context, query string) ([]float32, error)

	// EmbedImage embeds one image. Only multimodal models support this.
	EmbedImage(ctx context.Context, imageData []byte, format string) ([]float32, error)

	// Dimensions reports the vector width this embedder produces.
	Dimensions() int

	// Model reports the provider model identifier.
	Model() string

	// Multimodal reports whether EmbedImage is supported.
	Multimodal() bool
}

// RestyEmbedder calls an OpenAI-compatible embeddings endpoint.
type RestyEmbedder struct {
	client     *resty.Client
	model      string
	dimensions int
	multimodal bool
	endpoint   string
	logger     *logger.Logger
	retry      RetryConfig
}

// NewRestyEmbedder builds an embedder from a validated model config.
func NewRestyEmbedder(cfg *config.ModelConfig, log *logger.Logger, retry RetryConfig) (*RestyEmbedder, error) {
	if err := cfg.ValidateEmbedding(); err != nil {
		return nil, err
	}

	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	client.SetTimeout(60 * time.Second)

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &RestyEmbedder{
		client:     client,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		multimodal: cfg.Multimodal,
		endpoint:   baseURL + "/embeddings",
		logger:     log,
		retry:      retry,
	}, nil
}

func (e *RestyEmbedder) Dimensions() int  { return e.dimensions }
func (e *RestyEmbedder) Model() string    { return e.model }
func (e *RestyEmbedder) Multimodal() bool { return e.multimodal }

type embeddingRequest struct {
	Model      string      `json:"model"`
	Input      interface{} `json:"input"`
	Dimensions int         `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// EmbedTexts embeds a batch of passages.
func (e *RestyEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	for i, text := range texts {
		if text == "" {
			return nil, domain.Validationf("embedding input %d is empty", i)
		}
	}

	var out [][]float32
	err := Retry(ctx, e.logger, "embed_texts", e.retry, func() error {
		embeddings, err := e.call(ctx, texts)
		if err != nil {
			return err
		}
		out = embeddings
		return nil
	})
	return out, err
}

// EmbedQuery embeds one query string.
func (e *RestyEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	embeddings, err := e.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, domain.Internalf("provider returned no embedding for query")
	}
	return embeddings[0], nil
}

// EmbedImage embeds one image via a multimodal data-URL input.
func (e *RestyEmbedder) EmbedImage(ctx context.Context, imageData []byte, format string) ([]float32, error) {
	if !e.multimodal {
		return nil, domain.Validationf("model %s does not support image embedding", e.model)
	}
	if len(imageData) == 0 {
		return nil, domain.Validationf("embedding image is empty")
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeTypeForFormat(format),
		base64.StdEncoding.EncodeToString(imageData))
	input := []map[string]string{{"image": dataURL}}

	var out []float32
	err := Retry(ctx, e.logger, "embed_image", e.retry, func() error {
		embeddings, err := e.call(ctx, input)
		if err != nil {
			return err
		}
		if len(embeddings) == 0 {
			return domain.Internalf("provider returned no embedding for image")
		}
		out = embeddings[0]
		return nil
	})
	return out, err
}

func (e *RestyEmbedder) call(ctx context.Context, input interface{}) ([][]float32, error) {
	req := embeddingRequest{
		Model:      e.model,
		Input:      input,
		Dimensions: e.dimensions,
	}

	var resp embeddingResponse
	httpResp, err := e.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		Post(e.endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.ErrCancelled
		}
		return nil, &domain.LlmError{Kind: domain.LlmTransient, Message: domain.LlmUserMessage(domain.LlmTransient), Cause: err}
	}
	if httpResp.StatusCode() < 200 || httpResp.StatusCode() >= 300 {
		cause := fmt.Errorf("embedding API HTTP %d: %s", httpResp.StatusCode(), string(httpResp.Body()))
		if resp.Error != nil {
			cause = fmt.Errorf("embedding API HTTP %d: %s", httpResp.StatusCode(), resp.Error.Message)
		}
		return nil, domain.NewLlmError(httpResp.StatusCode(), cause)
	}
	if resp.Error != nil {
		return nil, &domain.LlmError{Kind: domain.LlmPermanent, Message: domain.LlmUserMessage(domain.LlmPermanent),
			Cause: fmt.Errorf("embedding API error: %s", resp.Error.Message)}
	}

	count := len(resp.Data)
	embeddings := make([][]float32, count)
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= count {
			return nil, domain.Internalf("embedding index %d out of range", item.Index)
		}
		embeddings[item.Index] = item.Embedding
	}
	for i, vec := range embeddings {
		if len(vec) != e.dimensions {
			return nil, domain.Internalf("embedding %d has %d dimensions, model %s configured for %d",
				i, len(vec), e.model, e.dimensions)
		}
	}
	return embeddings, nil
}

func mimeTypeForFormat(format string) string {
	switch format {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
