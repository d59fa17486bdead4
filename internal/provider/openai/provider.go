// Package openai adapts the OpenAI background Responses API, which exposes a
// native asynchronous job, to models.ResearchProvider.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kiranshivaraju/researchops/internal/config"
	"github.com/kiranshivaraju/researchops/internal/provider"
	"github.com/kiranshivaraju/researchops/pkg/models"
	"golang.org/x/time/rate"
)

const name = "openai"

// Provider implements models.ResearchProvider using OpenAI background responses.
type Provider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

func NewProvider(cfg config.OpenAIConfig, timeout time.Duration) *Provider {
	return &Provider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		limiter: provider.NewLimiter(cfg.RequestsPerSecond),
	}
}

func (p *Provider) Name() string { return name }

func (p *Provider) Submit(ctx context.Context, req models.SubmitRequest) (string, error) {
	if err := provider.ValidateRequest(name, req); err != nil {
		return "", &provider.SubmissionError{Provider: name, Reason: "invalid configuration", Err: err}
	}

	body := createRequest{
		Model:      req.Model,
		Input:      req.Prompt,
		Background: true,
		Metadata:   req.Metadata,
	}
	for _, tool := range req.Tools {
		params := provider.Shape(name, tool, req)
		if tool.Type == "code_interpreter" && len(req.FileIDs) > 0 {
			attachFiles(params, req.FileIDs)
		}
		params["type"] = tool.Type
		body.Tools = append(body.Tools, params)
	}

	var out response
	if err := p.do(ctx, "submit", http.MethodPost, "/v1/responses", body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &provider.ProviderError{Provider: name, Op: "submit", Err: fmt.Errorf("%w: missing response id", provider.ErrInvalidResponse)}
	}
	return out.ID, nil
}

func (p *Provider) Poll(ctx context.Context, providerJobID string) (models.PollResult, error) {
	var out response
	if err := p.do(ctx, "poll", http.MethodGet, "/v1/responses/"+url.PathEscape(providerJobID), nil, &out); err != nil {
		return models.PollResult{}, err
	}
	status, ok := statusMap[out.Status]
	if !ok {
		return models.PollResult{}, &provider.ProviderError{
			Provider: name,
			Op:       "poll",
			Err:      fmt.Errorf("%w: unknown status %q", provider.ErrInvalidResponse, out.Status),
		}
	}

	res := models.PollResult{Status: status}
	if models.IsTerminalStatus(status) {
		res.Output = out.text()
		res.Usage = out.toUsage()
	}
	switch {
	case out.Error != nil && out.Error.Message != "":
		res.Error = out.Error.Message
	case out.IncompleteDetails != nil && out.IncompleteDetails.Reason != "":
		res.Error = "incomplete: " + out.IncompleteDetails.Reason
	}
	return res, nil
}

// Cancel returns false when the response already finished and can no longer be cancelled.
func (p *Provider) Cancel(ctx context.Context, providerJobID string) (bool, error) {
	var out response
	err := p.do(ctx, "cancel", http.MethodPost, "/v1/responses/"+url.PathEscape(providerJobID)+"/cancel", nil, &out)
	if err != nil {
		var pe *provider.ProviderError
		if errors.As(err, &pe) && (pe.StatusCode == http.StatusBadRequest || pe.StatusCode == http.StatusConflict) {
			return false, nil
		}
		return false, err
	}
	return out.Status == "cancelled", nil
}

func (p *Provider) do(ctx context.Context, op, method, path string, in, out any) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return provider.ClassifyError(name, op, err)
	}

	var reader io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return provider.ClassifyError(name, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return provider.StatusError(name, op, resp.StatusCode, b)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &provider.ProviderError{Provider: name, Op: op, Err: fmt.Errorf("%w: %v", provider.ErrInvalidResponse, err)}
	}
	return nil
}

func attachFiles(params map[string]any, fileIDs []string) {
	container, ok := params[provider.FieldContainer].(map[string]any)
	if !ok {
		return
	}
	if _, set := container["file_ids"]; !set {
		container["file_ids"] = append([]string(nil), fileIDs...)
	}
}

var statusMap = map[string]string{
	"queued":      models.JobStatusSubmitted,
	"in_progress": models.JobStatusProcessing,
	"completed":   models.JobStatusCompleted,
	"failed":      models.JobStatusFailed,
	"cancelled":   models.JobStatusCancelled,
	"incomplete":  models.JobStatusExpired,
}

// --- OpenAI wire types ---

type createRequest struct {
	Model      string            `json:"model"`
	Input      string            `json:"input"`
	Background bool              `json:"background"`
	Tools      []map[string]any  `json:"tools,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type response struct {
	ID                string       `json:"id"`
	Status            string       `json:"status"`
	Output            []outputItem `json:"output"`
	Usage             *usage       `json:"usage"`
	Error             *errorDetail `json:"error"`
	IncompleteDetails *incomplete  `json:"incomplete_details"`
}

type outputItem struct {
	Type    string        `json:"type"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	OutputTokensDetails struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"output_tokens_details"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type incomplete struct {
	Reason string `json:"reason"`
}

func (r *response) text() string {
	var parts []string
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" {
				parts = append(parts, c.Text)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

func (r *response) toUsage() *models.Usage {
	if r.Usage == nil {
		return nil
	}
	u := &models.Usage{
		InputTokens:     r.Usage.InputTokens,
		OutputTokens:    r.Usage.OutputTokens,
		ReasoningTokens: r.Usage.OutputTokensDetails.ReasoningTokens,
	}
	for _, item := range r.Output {
		if strings.HasSuffix(item.Type, "_call") {
			u.ToolCalls++
		}
	}
	return u
}

var _ models.ResearchProvider = (*Provider)(nil)
