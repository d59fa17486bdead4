package provider

import (
	"fmt"
	"sort"

	"github.com/kiranshivaraju/researchops/pkg/models"
)

// ToolSchema declares the parameter shape one provider accepts for one tool type.
type ToolSchema struct {
	Provider  string
	Type      string
	Required  []string
	Forbidden []string
	Optional  []string
	Defaults  map[string]any
	// RequestRefs lists request-level references copied into the tool params
	// when the tool does not set them itself.
	RequestRefs []string
}

const (
	FieldContainer      = "container"
	FieldVectorStoreIDs = "vector_store_ids"
	FieldMaxUses        = "max_uses"
)

type toolKey struct{ provider, tool string }

var toolTable = map[toolKey]ToolSchema{
	{"openai", "web_search_preview"}: {
		Provider:  "openai",
		Type:      "web_search_preview",
		Forbidden: []string{FieldContainer, FieldVectorStoreIDs},
		Optional:  []string{"search_context_size", "user_location"},
	},
	{"openai", "code_interpreter"}: {
		Provider: "openai",
		Type:     "code_interpreter",
		Required: []string{FieldContainer},
		Defaults: map[string]any{FieldContainer: map[string]any{"type": "auto"}},
	},
	{"openai", "file_search"}: {
		Provider:    "openai",
		Type:        "file_search",
		Required:    []string{FieldVectorStoreIDs},
		Forbidden:   []string{FieldContainer},
		Optional:    []string{"max_num_results"},
		RequestRefs: []string{FieldVectorStoreIDs},
	},
	{"anthropic", "web_search"}: {
		Provider:  "anthropic",
		Type:      "web_search",
		Forbidden: []string{FieldContainer, FieldVectorStoreIDs},
		Optional:  []string{FieldMaxUses, "allowed_domains", "blocked_domains"},
	},
	{"anthropic", "code_execution"}: {
		Provider:  "anthropic",
		Type:      "code_execution",
		Forbidden: []string{FieldVectorStoreIDs},
	},
}

// permissive providers accept any tool type with any parameters.
var permissive = map[string]bool{"mock": true}

// LookupTool returns the schema for a (provider, tool type) pair.
func LookupTool(providerName, toolType string) (ToolSchema, bool) {
	if permissive[providerName] {
		return ToolSchema{Provider: providerName, Type: toolType}, true
	}
	s, ok := toolTable[toolKey{providerName, toolType}]
	return s, ok
}

// SupportedTools lists the tool types registered for a provider, sorted.
func SupportedTools(providerName string) []string {
	var out []string
	for k := range toolTable {
		if k.provider == providerName {
			out = append(out, k.tool)
		}
	}
	sort.Strings(out)
	return out
}

// Shape returns the tool parameters after applying table defaults and copying
// request-level references. The input is never modified.
func Shape(providerName string, tool models.ToolConfig, req models.SubmitRequest) map[string]any {
	params := make(map[string]any, len(tool.Params)+2)
	for k, v := range tool.Params {
		params[k] = v
	}
	schema, ok := LookupTool(providerName, tool.Type)
	if !ok {
		return params
	}
	for _, ref := range schema.RequestRefs {
		if _, set := params[ref]; set {
			continue
		}
		if ref == FieldVectorStoreIDs && len(req.VectorStoreIDs) > 0 {
			params[ref] = append([]string(nil), req.VectorStoreIDs...)
		}
	}
	for k, v := range schema.Defaults {
		if _, set := params[k]; !set {
			params[k] = copyDefault(v)
		}
	}
	return params
}

func copyDefault(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		out[k] = val
	}
	return out
}

// ValidateRequest checks an assembled request against the tool table. It
// returns a *ConfigurationError for the first broken rule.
func ValidateRequest(providerName string, req models.SubmitRequest) error {
	if req.Prompt == "" {
		return &ConfigurationError{Provider: providerName, Field: "prompt", Rule: "is required"}
	}
	if req.Model == "" {
		return &ConfigurationError{Provider: providerName, Field: "model", Rule: "is required"}
	}

	seen := make(map[string]bool, len(req.Tools))
	for _, tool := range req.Tools {
		if tool.Type == "" {
			return &ConfigurationError{Provider: providerName, Field: "type", Rule: "is required for every tool"}
		}
		if seen[tool.Type] {
			return &ConfigurationError{Provider: providerName, Tool: tool.Type, Field: "type", Rule: "is declared more than once"}
		}
		seen[tool.Type] = true

		schema, ok := LookupTool(providerName, tool.Type)
		if !ok {
			return &ConfigurationError{
				Provider: providerName,
				Tool:     tool.Type,
				Field:    "type",
				Rule:     fmt.Sprintf("is not supported (supported: %v)", SupportedTools(providerName)),
			}
		}

		params := Shape(providerName, tool, req)
		for _, f := range schema.Forbidden {
			if present(params, f) {
				return &ConfigurationError{Provider: providerName, Tool: tool.Type, Field: f, Rule: "must be omitted"}
			}
		}
		for _, f := range schema.Required {
			if !present(params, f) {
				return &ConfigurationError{Provider: providerName, Tool: tool.Type, Field: f, Rule: "is required"}
			}
		}
		if schema.Type == "web_search" {
			if v, ok := params[FieldMaxUses]; ok && !positiveInt(v) {
				return &ConfigurationError{Provider: providerName, Tool: tool.Type, Field: FieldMaxUses, Rule: "must be a positive integer"}
			}
		}
	}
	return nil
}

// present treats nil values and empty lists as absent.
func present(params map[string]any, field string) bool {
	v, ok := params[field]
	if !ok || v == nil {
		return false
	}
	switch x := v.(type) {
	case []string:
		return len(x) > 0
	case []any:
		return len(x) > 0
	case string:
		return x != ""
	}
	return true
}

func positiveInt(v any) bool {
	switch n := v.(type) {
	case int:
		return n > 0
	case int64:
		return n > 0
	case float64:
		return n > 0 && n == float64(int64(n))
	}
	return false
}
