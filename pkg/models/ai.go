// Package models contains shared data models used across the researchops codebase.
package models

import (
	"context"
)

// ResearchProvider is the core interface that every research provider adapter
// implements. Providers with a native job queue map it directly; providers
// that only answer synchronously synthesize a job behind the same contract.
// Callers above the adapter layer only see this interface.
type ResearchProvider interface {
	// Submit hands the request to the provider and returns the provider job id.
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	// Poll reports the current state of a previously submitted job.
	Poll(ctx context.Context, providerJobID string) (PollResult, error)
	// Cancel asks the provider to stop a job. It returns false when the job is
	// past its cancellable window.
	Cancel(ctx context.Context, providerJobID string) (bool, error)
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string
}

// ToolConfig declares one tool/capability for a job. Params holds the
// provider-specific parameter shape and is checked against the tool table
// before any network call.
type ToolConfig struct {
	Type   string         `json:"type"             yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// SubmitRequest is the provider-facing request assembled from a Job.
type SubmitRequest struct {
	JobID          string
	Prompt         string
	Model          string
	Tools          []ToolConfig
	VectorStoreIDs []string
	FileIDs        []string
	Metadata       map[string]string
}

// PollResult is the normalized answer to a status check.
type PollResult struct {
	Status string
	Output string
	Usage  *Usage
	// Error carries the provider's failure message for failed/expired jobs.
	Error string
}
