// Package anthropic calls the Anthropic Messages API. The API has no job
// concept, so NewProvider wraps the client in a syncjob.Adapter.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/researchops/internal/config"
	"github.com/kiranshivaraju/researchops/internal/provider"
	"github.com/kiranshivaraju/researchops/internal/provider/syncjob"
	"github.com/kiranshivaraju/researchops/pkg/models"
	"golang.org/x/time/rate"
)

const (
	name              = "anthropic"
	apiVersion        = "2023-06-01"
	codeExecutionBeta = "code-execution-2025-05-22"
)

// Client performs one blocking Messages call per request.
type Client struct {
	baseURL   string
	apiKey    string
	maxTokens int
	client    *http.Client
	limiter   *rate.Limiter
}

func NewClient(cfg config.AnthropicConfig) *Client {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 16000
	}
	// No client timeout: the per-call deadline comes from the syncjob adapter.
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		maxTokens: maxTokens,
		client:    &http.Client{},
		limiter:   provider.NewLimiter(cfg.RequestsPerSecond),
	}
}

// NewProvider returns the Anthropic adapter with synthesized job semantics.
func NewProvider(cfg config.AnthropicConfig, slots syncjob.SlotStore, opts ...syncjob.Option) *syncjob.Adapter {
	return syncjob.New(name, NewClient(cfg), slots, cfg.SyncTimeout, opts...)
}

// Run implements syncjob.Runner.
func (c *Client) Run(ctx context.Context, req models.SubmitRequest) (models.PollResult, error) {
	body := messagesRequest{
		Model:     req.Model,
		MaxTokens: c.maxTokens,
		Messages:  []message{{Role: "user", Content: req.Prompt}},
	}
	beta := false
	for _, tool := range req.Tools {
		params := provider.Shape(name, tool, req)
		switch tool.Type {
		case "web_search":
			params["type"] = "web_search_20250305"
		case "code_execution":
			params["type"] = "code_execution_20250522"
			beta = true
		}
		params["name"] = tool.Type
		body.Tools = append(body.Tools, params)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return models.PollResult{}, provider.ClassifyError(name, "submit", err)
	}

	b, err := json.Marshal(body)
	if err != nil {
		return models.PollResult{}, fmt.Errorf("encoding request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(b))
	if err != nil {
		return models.PollResult{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	httpReq.Header.Set("Content-Type", "application/json")
	if beta {
		httpReq.Header.Set("anthropic-beta", codeExecutionBeta)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return models.PollResult{}, provider.ClassifyError(name, "submit", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return models.PollResult{}, provider.StatusError(name, "submit", resp.StatusCode, raw)
	}

	var out messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.PollResult{}, fmt.Errorf("%w: %v", provider.ErrInvalidResponse, err)
	}
	return out.result(), nil
}

// --- Anthropic wire types ---

type messagesRequest struct {
	Model     string           `json:"model"`
	MaxTokens int              `json:"max_tokens"`
	Messages  []message        `json:"messages"`
	Tools     []map[string]any `json:"tools,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens   int `json:"input_tokens"`
		OutputTokens  int `json:"output_tokens"`
		ServerToolUse struct {
			WebSearchRequests int `json:"web_search_requests"`
		} `json:"server_tool_use"`
	} `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (r *messagesResponse) result() models.PollResult {
	var parts []string
	toolCalls := 0
	for _, b := range r.Content {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "server_tool_use":
			toolCalls++
		}
	}
	if n := r.Usage.ServerToolUse.WebSearchRequests; n > toolCalls {
		toolCalls = n
	}

	res := models.PollResult{
		Status: models.JobStatusCompleted,
		Output: strings.Join(parts, ""),
		Usage: &models.Usage{
			InputTokens:  r.Usage.InputTokens,
			OutputTokens: r.Usage.OutputTokens,
			ToolCalls:    toolCalls,
		},
	}
	if r.StopReason == "refusal" {
		res.Status = models.JobStatusFailed
		res.Error = "provider refused the request"
	}
	return res
}
