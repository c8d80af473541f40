// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package providers holds the static catalog of supported model providers.
//
// The catalog is process-wide, immutable metadata: which models a provider
// serves, what they cost, how large their context windows are, and where the
// provider sits in the default fallback order. Routing and cost accounting
// read from here; nothing writes to it after init.
package providers

import (
	"sort"
)

// ID identifies a model provider.
type ID string

const (
	Anthropic ID = "anthropic"
	OpenAI    ID = "openai"
	Google    ID = "google"
	Groq      ID = "groq"
	Cerebras  ID = "cerebras"
	Ollama    ID = "ollama"
	Kimi      ID = "kimi"
	MiniMax   ID = "minimax"
	Custom    ID = "custom"
)

// Capability names used across the catalog and instance metadata.
const (
	CapChat          = "chat"
	CapToolUse       = "tool_use"
	CapStreaming     = "streaming"
	CapVision        = "vision"
	CapCode          = "code"
	CapLongContext   = "long_context"
	CapFastInference = "fast_inference"
	CapLocal         = "local"
)

// Pricing is the USD price per 1k tokens for a model.
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

// Descriptor carries the static metadata for one provider.
type Descriptor struct {
	ID               ID
	DefaultModel     string
	Models           []string
	Capabilities     []string
	DefaultLatencyMs int
	ContextWindow    int
	// QualityScore is a 0-100 relative quality ranking used by the
	// capability_matched routing strategy.
	QualityScore float64
	// FallbackPriority orders providers in the default fallback chain.
	// Lower is preferred.
	FallbackPriority int
	// Pricing maps model id to price. The "{provider}-default" key is the
	// fallback when a model is unknown.
	Pricing       map[string]Pricing
	RequiresAuth  bool
	CredentialKey string
}

// catalog is the process-wide provider table. Keep entries sorted by
// FallbackPriority when editing; FallbackOrder relies on the field, not the
// declaration order.
var catalog = map[ID]*Descriptor{
	Anthropic: {
		ID:               Anthropic,
		DefaultModel:     "claude-sonnet-4-20250514",
		Models:           []string{"claude-sonnet-4-20250514", "claude-opus-4-20250514", "claude-3-5-haiku-20241022"},
		Capabilities:     []string{CapChat, CapToolUse, CapStreaming, CapVision, CapCode, CapLongContext},
		DefaultLatencyMs: 1200,
		ContextWindow:    200_000,
		QualityScore:     95,
		FallbackPriority: 1,
		Pricing: map[string]Pricing{
			"claude-sonnet-4-20250514":  {3.0 / 1000, 15.0 / 1000},
			"claude-opus-4-20250514":    {15.0 / 1000, 75.0 / 1000},
			"claude-3-5-haiku-20241022": {0.8 / 1000, 4.0 / 1000},
			"anthropic-default":         {3.0 / 1000, 15.0 / 1000},
		},
		RequiresAuth:  true,
		CredentialKey: "ANTHROPIC_API_KEY",
	},
	OpenAI: {
		ID:               OpenAI,
		DefaultModel:     "gpt-4o",
		Models:           []string{"gpt-4o", "gpt-4o-mini", "o3-mini"},
		Capabilities:     []string{CapChat, CapToolUse, CapStreaming, CapVision, CapCode},
		DefaultLatencyMs: 1000,
		ContextWindow:    128_000,
		QualityScore:     92,
		FallbackPriority: 2,
		Pricing: map[string]Pricing{
			"gpt-4o":         {2.5 / 1000, 10.0 / 1000},
			"gpt-4o-mini":    {0.15 / 1000, 0.6 / 1000},
			"o3-mini":        {1.1 / 1000, 4.4 / 1000},
			"openai-default": {2.5 / 1000, 10.0 / 1000},
		},
		RequiresAuth:  true,
		CredentialKey: "OPENAI_API_KEY",
	},
	Google: {
		ID:               Google,
		DefaultModel:     "gemini-2.0-flash",
		Models:           []string{"gemini-2.0-flash", "gemini-1.5-pro"},
		Capabilities:     []string{CapChat, CapToolUse, CapStreaming, CapVision, CapLongContext},
		DefaultLatencyMs: 900,
		ContextWindow:    1_000_000,
		QualityScore:     88,
		FallbackPriority: 3,
		Pricing: map[string]Pricing{
			"gemini-2.0-flash": {0.1 / 1000, 0.4 / 1000},
			"gemini-1.5-pro":   {1.25 / 1000, 5.0 / 1000},
			"google-default":   {0.1 / 1000, 0.4 / 1000},
		},
		RequiresAuth:  true,
		CredentialKey: "GEMINI_API_KEY",
	},
	Groq: {
		ID:               Groq,
		DefaultModel:     "llama-3.3-70b-versatile",
		Models:           []string{"llama-3.3-70b-versatile", "llama-3.1-8b-instant"},
		Capabilities:     []string{CapChat, CapToolUse, CapStreaming, CapFastInference},
		DefaultLatencyMs: 300,
		ContextWindow:    128_000,
		QualityScore:     78,
		FallbackPriority: 5,
		Pricing: map[string]Pricing{
			"llama-3.3-70b-versatile": {0.59 / 1000, 0.79 / 1000},
			"llama-3.1-8b-instant":    {0.05 / 1000, 0.08 / 1000},
			"groq-default":            {0.59 / 1000, 0.79 / 1000},
		},
		RequiresAuth:  true,
		CredentialKey: "GROQ_API_KEY",
	},
	Cerebras: {
		ID:               Cerebras,
		DefaultModel:     "llama-3.3-70b",
		Models:           []string{"llama-3.3-70b", "llama-3.1-8b"},
		Capabilities:     []string{CapChat, CapStreaming, CapFastInference},
		DefaultLatencyMs: 250,
		ContextWindow:    128_000,
		QualityScore:     76,
		FallbackPriority: 6,
		Pricing: map[string]Pricing{
			"llama-3.3-70b":    {0.85 / 1000, 1.2 / 1000},
			"llama-3.1-8b":     {0.1 / 1000, 0.1 / 1000},
			"cerebras-default": {0.85 / 1000, 1.2 / 1000},
		},
		RequiresAuth:  true,
		CredentialKey: "CEREBRAS_API_KEY",
	},
	Ollama: {
		ID:               Ollama,
		DefaultModel:     "llama3.2",
		Models:           []string{"llama3.2", "qwen2.5-coder", "mistral"},
		Capabilities:     []string{CapChat, CapToolUse, CapStreaming, CapLocal},
		DefaultLatencyMs: 2500,
		ContextWindow:    32_000,
		QualityScore:     65,
		FallbackPriority: 8,
		Pricing: map[string]Pricing{
			"ollama-default": {0, 0},
		},
		RequiresAuth: false,
	},
	Kimi: {
		ID:               Kimi,
		DefaultModel:     "moonshot-v1-128k",
		Models:           []string{"moonshot-v1-128k", "moonshot-v1-32k"},
		Capabilities:     []string{CapChat, CapToolUse, CapStreaming, CapLongContext},
		DefaultLatencyMs: 1500,
		ContextWindow:    128_000,
		QualityScore:     80,
		FallbackPriority: 4,
		Pricing: map[string]Pricing{
			"moonshot-v1-128k": {0.84 / 1000, 0.84 / 1000},
			"moonshot-v1-32k":  {0.34 / 1000, 0.34 / 1000},
			"kimi-default":     {0.84 / 1000, 0.84 / 1000},
		},
		RequiresAuth:  true,
		CredentialKey: "MOONSHOT_API_KEY",
	},
	MiniMax: {
		ID:               MiniMax,
		DefaultModel:     "abab6.5s-chat",
		Models:           []string{"abab6.5s-chat"},
		Capabilities:     []string{CapChat, CapToolUse, CapStreaming},
		DefaultLatencyMs: 1400,
		ContextWindow:    245_000,
		QualityScore:     74,
		FallbackPriority: 7,
		Pricing: map[string]Pricing{
			"abab6.5s-chat":   {0.2 / 1000, 0.2 / 1000},
			"minimax-default": {0.2 / 1000, 0.2 / 1000},
		},
		RequiresAuth:  true,
		CredentialKey: "MINIMAX_API_KEY",
	},
	Custom: {
		ID:               Custom,
		DefaultModel:     "custom",
		Models:           []string{"custom"},
		Capabilities:     []string{CapChat},
		DefaultLatencyMs: 2000,
		ContextWindow:    32_000,
		QualityScore:     50,
		FallbackPriority: 9,
		Pricing: map[string]Pricing{
			"custom-default": {1.0 / 1000, 2.0 / 1000},
		},
		RequiresAuth: false,
	},
}

// Get returns the descriptor for a provider id.
func Get(id ID) (*Descriptor, bool) {
	d, ok := catalog[id]
	return d, ok
}

// All returns every descriptor, ordered by fallback priority.
func All() []*Descriptor {
	out := make([]*Descriptor, 0, len(catalog))
	for _, d := range catalog {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FallbackPriority < out[j].FallbackPriority
	})
	return out
}

// IsValid reports whether id names a known provider.
func IsValid(id ID) bool {
	_, ok := catalog[id]
	return ok
}

// FallbackOrder returns provider ids sorted by fallback priority.
func FallbackOrder() []ID {
	all := All()
	out := make([]ID, len(all))
	for i, d := range all {
		out[i] = d.ID
	}
	return out
}

// PriceFor resolves the price for a provider/model pair. Unknown models fall
// back to the "{provider}-default" entry, then to (1.0, 2.0) per 1k tokens.
func PriceFor(id ID, model string) Pricing {
	d, ok := catalog[id]
	if !ok {
		return Pricing{1.0, 2.0}
	}
	if p, ok := d.Pricing[model]; ok {
		return p
	}
	if p, ok := d.Pricing[string(id)+"-default"]; ok {
		return p
	}
	return Pricing{1.0, 2.0}
}

// HasCapability reports whether a provider advertises a capability.
func (d *Descriptor) HasCapability(cap string) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}
