package factory_test

import (
	"errors"
	"testing"

	"github.com/kiranshivaraju/researchops/internal/config"
	"github.com/kiranshivaraju/researchops/internal/provider"
	"github.com/kiranshivaraju/researchops/internal/provider/factory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_OpenAI(t *testing.T) {
	cfg := config.ProvidersConfig{
		Default: "openai",
		OpenAI:  config.OpenAIConfig{APIKey: "sk-test", BaseURL: "https://api.openai.com"},
	}
	reg, closeFn, err := factory.NewRegistry(cfg, config.SubmitConfig{}, nil)
	require.NoError(t, err)
	defer closeFn()

	p, err := reg.Get("")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.Equal(t, []string{"openai"}, reg.Names())
}

func TestNewRegistry_AllProviders(t *testing.T) {
	cfg := config.ProvidersConfig{
		Default:   "anthropic",
		OpenAI:    config.OpenAIConfig{APIKey: "sk-test", BaseURL: "https://api.openai.com"},
		Anthropic: config.AnthropicConfig{APIKey: "sk-ant-test", BaseURL: "https://api.anthropic.com"},
		Mock:      config.MockConfig{Enabled: true},
	}
	reg, closeFn, err := factory.NewRegistry(cfg, config.SubmitConfig{}, nil)
	require.NoError(t, err)
	defer closeFn()

	assert.Equal(t, []string{"anthropic", "mock", "openai"}, reg.Names())
	p, err := reg.Get("")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
}

func TestNewRegistry_NoneConfigured(t *testing.T) {
	_, _, err := factory.NewRegistry(config.ProvidersConfig{Default: "openai"}, config.SubmitConfig{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no provider configured")
}

func TestNewRegistry_DefaultMissing(t *testing.T) {
	cfg := config.ProvidersConfig{
		Default: "openai",
		Mock:    config.MockConfig{Enabled: true},
	}
	_, _, err := factory.NewRegistry(cfg, config.SubmitConfig{}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, provider.ErrUnknownProvider))
}
