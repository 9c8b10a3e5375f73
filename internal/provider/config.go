// Package provider constructs the chat model used for query analysis,
// relevance checking, and answer generation. The backend is selected at
// runtime; supported backends are Ollama, OpenAI, Azure OpenAI, AWS Bedrock,
// and Google Gemini.
package provider

import (
	"fmt"
	"strings"
)

// Backend names a supported chat inference provider.
type Backend string

const (
	BackendOllama  Backend = "ollama"
	BackendOpenAI  Backend = "openai"
	BackendAzure   Backend = "azure"
	BackendBedrock Backend = "bedrock"
	BackendGemini  Backend = "gemini"
)

// validBackends is the message fragment listed in unknown-backend errors.
const validBackends = "ollama, openai, azure, bedrock, gemini"

// OllamaSettings configures a locally running Ollama instance.
type OllamaSettings struct {
	Host  string
	Model string
}

// OpenAISettings configures the OpenAI API.
type OpenAISettings struct {
	APIKey string
	Model  string
}

// AzureSettings configures Azure OpenAI Service. Deployment is the
// deployment name, not the underlying model name.
type AzureSettings struct {
	APIKey     string
	Endpoint   string
	Deployment string
	APIVersion string
}

// BedrockSettings configures AWS Bedrock through an OpenAI-compatible
// gateway. Credentials resolve through the standard AWS chain unless APIKey
// is set.
type BedrockSettings struct {
	AWSRegion string
	ModelID   string
	APIKey    string
	BaseURL   string
}

// GeminiSettings configures Google Gemini via AI Studio.
type GeminiSettings struct {
	APIKey string
	Model  string
}

// GenerationTuning holds generation parameters applied to every backend.
// The answer pipeline wants answers that stay close to the retrieved
// excerpts, so the default temperature is low.
type GenerationTuning struct {
	MaxTokens   int
	Temperature float32
}

// Config is the resolved provider configuration. Only the section matching
// Backend is consulted.
type Config struct {
	Backend Backend

	Ollama  OllamaSettings
	OpenAI  OpenAISettings
	Azure   AzureSettings
	Bedrock BedrockSettings
	Gemini  GeminiSettings
	Tuning  GenerationTuning
}

// requiredField pairs a config value with the env var that populates it, so
// validation errors tell the operator exactly what to set.
type requiredField struct {
	value  string
	envVar string
}

func checkRequired(backend Backend, fields []requiredField) error {
	for _, f := range fields {
		if f.value == "" {
			return fmt.Errorf("provider: %s is required for the %s backend", f.envVar, backend)
		}
	}
	return nil
}

// Validate checks that the selected backend has everything it needs, so a
// misconfigured deployment fails at startup rather than on the first query.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendOllama:
		return checkRequired(c.Backend, []requiredField{
			{c.Ollama.Model, "OLLAMA_MODEL"},
		})
	case BackendOpenAI:
		return checkRequired(c.Backend, []requiredField{
			{c.OpenAI.APIKey, "OPENAI_API_KEY"},
			{c.OpenAI.Model, "OPENAI_MODEL"},
		})
	case BackendAzure:
		return checkRequired(c.Backend, []requiredField{
			{c.Azure.APIKey, "AZURE_OPENAI_API_KEY"},
			{c.Azure.Endpoint, "AZURE_OPENAI_ENDPOINT"},
			{c.Azure.Deployment, "AZURE_OPENAI_DEPLOYMENT"},
		})
	case BackendBedrock:
		return checkRequired(c.Backend, []requiredField{
			{c.Bedrock.ModelID, "BEDROCK_MODEL_ID"},
			{c.Bedrock.AWSRegion, "AWS_REGION"},
		})
	case BackendGemini:
		return checkRequired(c.Backend, []requiredField{
			{c.Gemini.APIKey, "GOOGLE_API_KEY"},
			{c.Gemini.Model, "GEMINI_MODEL"},
		})
	default:
		return fmt.Errorf("provider: unknown backend %q (valid: %s)", c.Backend, validBackends)
	}
}

// Azure o-series and codex-class deployments reject the temperature
// parameter, so tuning must be skipped for them. Matching is by
// case-insensitive deployment name prefix.
var azureReasoningPrefixes = []string{"o1", "o3", "o4", "codex"}

func isAzureReasoningModel(deployment string) bool {
	lower := strings.ToLower(deployment)
	for _, p := range azureReasoningPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
