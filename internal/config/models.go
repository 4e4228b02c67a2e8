package config

import (
	"fmt"
	"os"
)

// ModelConfig defines one model endpoint: an embedding model, the OCR model,
// or an LLM used by the chat pipeline. All endpoints speak OpenAI-compatible
// HTTP unless the provider says otherwise.
type ModelConfig struct {
	Name       string `mapstructure:"name"`         // unique identifier
	Provider   string `mapstructure:"provider"`     // "jina", "openai-compatible"
	Model      string `mapstructure:"model"`        // model name/ID
	APIKey     string `mapstructure:"api_key"`      // direct value
	APIKeyEnv  string `mapstructure:"api_key_env"`  // env var holding the key
	BaseURL    string `mapstructure:"base_url"`     // endpoint base URL
	BaseURLEnv string `mapstructure:"base_url_env"` // env var holding the URL
	Dimensions int    `mapstructure:"dimensions"`   // embedding models only
	Multimodal bool   `mapstructure:"multimodal"`   // embedding models only
	IsDefault  bool   `mapstructure:"is_default"`
}

// ResolveEnvVars resolves environment variable references. Direct values
// take precedence if already set.
func (c *ModelConfig) ResolveEnvVars() {
	if c.APIKeyEnv != "" && c.APIKey == "" {
		if val := os.Getenv(c.APIKeyEnv); val != "" {
			c.APIKey = val
		}
	}
	if c.BaseURLEnv != "" && c.BaseURL == "" {
		if val := os.Getenv(c.BaseURLEnv); val != "" {
			c.BaseURL = val
		}
	}
}

// Validate checks required fields for an embedding model entry.
func (c *ModelConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("model config: name is required")
	}
	if c.Provider == "" {
		return fmt.Errorf("model %q: provider is required", c.Name)
	}
	if c.Model == "" {
		return fmt.Errorf("model %q: model is required", c.Name)
	}
	switch c.Provider {
	case "jina", "openai-compatible":
	default:
		return fmt.Errorf("model %q: unknown provider %q", c.Name, c.Provider)
	}
	return nil
}

// ValidateEmbedding additionally requires a positive dimension.
func (c *ModelConfig) ValidateEmbedding() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("model %q: dimensions must be positive", c.Name)
	}
	return nil
}

// Clone creates a copy of the model configuration.
func (c *ModelConfig) Clone() *ModelConfig {
	clone := *c
	return &clone
}
