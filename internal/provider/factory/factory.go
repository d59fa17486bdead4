// Package factory builds the provider registry from configuration.
package factory

import (
	"fmt"

	"github.com/kiranshivaraju/researchops/internal/config"
	"github.com/kiranshivaraju/researchops/internal/provider"
	"github.com/kiranshivaraju/researchops/internal/provider/anthropic"
	"github.com/kiranshivaraju/researchops/internal/provider/mock"
	"github.com/kiranshivaraju/researchops/internal/provider/openai"
	"github.com/kiranshivaraju/researchops/internal/provider/syncjob"
	"github.com/kiranshivaraju/researchops/pkg/models"
)

// NewRegistry constructs every provider that has credentials configured.
// Called once at server startup. Synchronous providers retry transient
// failures per submit. The returned close func stops their background calls.
func NewRegistry(cfg config.ProvidersConfig, submit config.SubmitConfig, slots syncjob.SlotStore) (*provider.Registry, func(), error) {
	var (
		providers []models.ResearchProvider
		closers   []func()
	)
	if cfg.OpenAI.APIKey != "" {
		providers = append(providers, openai.NewProvider(cfg.OpenAI, cfg.Timeout))
	}
	if cfg.Anthropic.APIKey != "" {
		a := anthropic.NewProvider(cfg.Anthropic, slots, syncjob.WithRetry(submit))
		providers = append(providers, a)
		closers = append(closers, a.Close)
	}
	if cfg.Mock.Enabled {
		providers = append(providers, mock.NewMockProvider())
	}

	if len(providers) == 0 {
		return nil, nil, fmt.Errorf("no provider configured: set OPENAI_API_KEY, ANTHROPIC_API_KEY or MOCK_PROVIDER_ENABLED")
	}

	reg := provider.NewRegistry(cfg.Default, providers...)
	if _, err := reg.Get(""); err != nil {
		return nil, nil, fmt.Errorf("default provider: %w", err)
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	return reg, closeAll, nil
}
