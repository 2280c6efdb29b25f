// Copyright 2026 Trinity Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/trinity-labs/trinity/pkg/types"
)

const (
	// DefaultMaxTokens caps completion length when the request does not set one.
	DefaultMaxTokens = 4096
)

// defaultAnthropicModels maps cloud tiers to model identifiers. Overridable
// per client via AnthropicConfig.Model.
var defaultAnthropicModels = map[types.ModelTier]string{
	types.TierCloudMini:     "claude-haiku-4-5",
	types.TierCloudStandard: "claude-sonnet-4-5",
	types.TierCloudPremium:  "claude-opus-4-1",
}

// AnthropicConfig configures an Anthropic provider.
type AnthropicConfig struct {
	APIKey  string // Default: ANTHROPIC_API_KEY env var
	Model   string // Default: per-tier model from defaultAnthropicModels
	BaseURL string
	Tier    types.ModelTier // Default: cloud_standard
}

// AnthropicProvider runs completions against the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
	tier   types.ModelTier
}

// NewAnthropicProvider creates a provider for one cloud tier.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.Tier == "" {
		cfg.Tier = types.TierCloudStandard
	}
	if cfg.Tier == types.TierLocal {
		return nil, fmt.Errorf("local tier is served by the ollama provider, not anthropic")
	}
	if !cfg.Tier.Valid() {
		return nil, fmt.Errorf("unknown model tier %q", cfg.Tier)
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModels[cfg.Tier]
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
		tier:   cfg.Tier,
	}, nil
}

// Complete runs one completion via the Messages API.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic completion failed: %w", err)
	}

	var content strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &Response{
		Content: content.String(),
		Model:   string(msg.Model),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Model returns the configured model identifier.
func (p *AnthropicProvider) Model() string { return p.model }

// Tier returns the provider's pricing tier.
func (p *AnthropicProvider) Tier() types.ModelTier { return p.tier }

var _ Provider = (*AnthropicProvider)(nil)
