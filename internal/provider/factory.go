package provider

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/kbai/kbai-go/internal/rag"
)

// Generation defaults. Grounded answers should paraphrase the retrieved
// excerpts, not improvise, so temperature stays low.
const (
	defaultMaxTokens   = 4096
	defaultTemperature = 0.1
)

// NewFromEnv builds a chat model from environment configuration.
// MODEL_PROVIDER selects the backend; each backend reads its native
// credential variables.
//
//	MODEL_PROVIDER              = ollama | openai | azure | bedrock | gemini (default: ollama)
//
//	Ollama:  OLLAMA_HOST (default: http://localhost:11434), OLLAMA_MODEL (default: llama3)
//	OpenAI:  OPENAI_API_KEY, OPENAI_MODEL (default: gpt-4o)
//	Azure:   AZURE_OPENAI_API_KEY, AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_DEPLOYMENT,
//	         AZURE_OPENAI_API_VERSION (default: 2024-02-01)
//	Bedrock: AWS credential chain, AWS_REGION (default: us-east-1), BEDROCK_MODEL_ID
//	Gemini:  GOOGLE_API_KEY, GEMINI_MODEL (default: gemini-1.5-pro)
//
//	Shared:  MODEL_MAX_TOKENS (default: 4096), MODEL_TEMPERATURE (default: 0.1)
func NewFromEnv(ctx context.Context) (rag.ChatModel, error) {
	return New(ctx, ConfigFromEnv())
}

// ConfigFromEnv resolves the provider configuration from the environment
// without constructing a client.
func ConfigFromEnv() *Config {
	return &Config{
		Backend: Backend(envOr("MODEL_PROVIDER", string(BackendOllama))),
		Ollama: OllamaSettings{
			Host:  envOr("OLLAMA_HOST", "http://localhost:11434"),
			Model: envOr("OLLAMA_MODEL", "llama3"),
		},
		OpenAI: OpenAISettings{
			APIKey: os.Getenv("OPENAI_API_KEY"),
			Model:  envOr("OPENAI_MODEL", "gpt-4o"),
		},
		Azure: AzureSettings{
			APIKey:     os.Getenv("AZURE_OPENAI_API_KEY"),
			Endpoint:   os.Getenv("AZURE_OPENAI_ENDPOINT"),
			Deployment: os.Getenv("AZURE_OPENAI_DEPLOYMENT"),
			APIVersion: envOr("AZURE_OPENAI_API_VERSION", "2024-02-01"),
		},
		Bedrock: BedrockSettings{
			AWSRegion: envOr("AWS_REGION", "us-east-1"),
			ModelID:   os.Getenv("BEDROCK_MODEL_ID"),
			APIKey:    os.Getenv("BEDROCK_API_KEY"),
			BaseURL:   os.Getenv("BEDROCK_BASE_URL"),
		},
		Gemini: GeminiSettings{
			APIKey: os.Getenv("GOOGLE_API_KEY"),
			Model:  envOr("GEMINI_MODEL", "gemini-1.5-pro"),
		},
		Tuning: GenerationTuning{
			MaxTokens:   envIntOr("MODEL_MAX_TOKENS", defaultMaxTokens),
			Temperature: envFloat32Or("MODEL_TEMPERATURE", defaultTemperature),
		},
	}
}

// New validates cfg and constructs the matching chat model.
func New(ctx context.Context, cfg *Config) (rag.ChatModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case BackendOllama:
		return newOllama(ctx, cfg)
	case BackendOpenAI:
		return newOpenAI(ctx, cfg)
	case BackendAzure:
		return newAzure(ctx, cfg)
	case BackendBedrock:
		return newBedrock(ctx, cfg)
	case BackendGemini:
		return newGemini(ctx, cfg)
	default:
		return nil, fmt.Errorf("provider: unknown backend %q (valid: %s)", cfg.Backend, validBackends)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat32Or(key string, fallback float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return fallback
}
