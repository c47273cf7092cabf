package provider

import (
	"strings"
	"sync"
)

// ModelCapabilities is the per-model metadata the loop consults when
// shaping a request: whether temperature may be sent, whether reasoning
// content should be replayed on later turns, window sizes, and so on.
// It is plain data keyed by model id; nothing here is type-level.
type ModelCapabilities struct {
	SupportsTemperature     bool `json:"supportsTemperature"`
	SupportsThinkingHistory bool `json:"supportsThinkingHistory"`
	SupportsVision          bool `json:"supportsVision"`
	SupportsWebSearch       bool `json:"supportsWebSearch"`
	IsReasoningModel        bool `json:"isReasoningModel"`
	IsCodexModel            bool `json:"isCodexModel"`
	ContextWindow           int  `json:"contextWindow"`
	MaxOutputTokens         int  `json:"maxOutputTokens"`
}

// OwnedModelDefinition is the read-only shape the host's model listing
// endpoint returns for each known model.
type OwnedModelDefinition struct {
	ID           string            `json:"id"`
	DisplayName  string            `json:"displayName"`
	Provider     string            `json:"provider"`
	Capabilities ModelCapabilities `json:"capabilities"`
}

// conservativeDefaults is the floor for models no table knows anything
// about: assume a small window, no vision, no reasoning replay, and
// temperature allowed.
var conservativeDefaults = ModelCapabilities{
	SupportsTemperature: true,
	ContextWindow:       32000,
	MaxOutputTokens:     4096,
}

// providerDefaults fall between the per-model table and the conservative
// floor, keyed by provider id.
var providerDefaults = map[string]ModelCapabilities{
	"anthropic": {
		SupportsTemperature:     true,
		SupportsThinkingHistory: true,
		SupportsVision:          true,
		ContextWindow:           200000,
		MaxOutputTokens:         8192,
	},
	"openai": {
		SupportsTemperature: true,
		SupportsVision:      true,
		ContextWindow:       128000,
		MaxOutputTokens:     16384,
	},
	"gemini": {
		SupportsTemperature: true,
		SupportsVision:      true,
		SupportsWebSearch:   true,
		ContextWindow:       1000000,
		MaxOutputTokens:     8192,
	},
	"groq": {
		SupportsTemperature: true,
		ContextWindow:       131072,
		MaxOutputTokens:     8192,
	},
	"xai": {
		SupportsTemperature: true,
		SupportsVision:      true,
		ContextWindow:       131072,
		MaxOutputTokens:     8192,
	},
	"openrouter": {
		SupportsTemperature: true,
		ContextWindow:       128000,
		MaxOutputTokens:     8192,
	},
	"ollama": {
		SupportsTemperature: true,
		ContextWindow:       32768,
		MaxOutputTokens:     4096,
	},
	"zai": {
		SupportsTemperature: true,
		ContextWindow:       128000,
		MaxOutputTokens:     8192,
	},
}

// modelCapabilityTable holds the statically known per-model entries.
// Dynamic entries discovered at runtime (e.g. an Ollama /api/tags listing)
// are registered alongside via RegisterDynamicModel.
var modelCapabilityTable = map[string]ModelCapabilities{
	"claude-sonnet-4-20250514": {
		SupportsTemperature:     true,
		SupportsThinkingHistory: true,
		SupportsVision:          true,
		SupportsWebSearch:       true,
		ContextWindow:           200000,
		MaxOutputTokens:         64000,
	},
	"claude-opus-4-20250514": {
		SupportsTemperature:     true,
		SupportsThinkingHistory: true,
		SupportsVision:          true,
		SupportsWebSearch:       true,
		IsReasoningModel:        true,
		ContextWindow:           200000,
		MaxOutputTokens:         32000,
	},
	"claude-3-5-sonnet-20241022": {
		SupportsTemperature: true,
		SupportsVision:      true,
		ContextWindow:       200000,
		MaxOutputTokens:     8192,
	},
	"claude-3-5-haiku-20241022": {
		SupportsTemperature: true,
		SupportsVision:      true,
		ContextWindow:       200000,
		MaxOutputTokens:     8192,
	},
	"claude-haiku-4-5-20251001": {
		SupportsTemperature:     true,
		SupportsThinkingHistory: true,
		SupportsVision:          true,
		ContextWindow:           200000,
		MaxOutputTokens:         8192,
	},
	"gpt-5": {
		SupportsVision:   true,
		IsReasoningModel: true,
		ContextWindow:    272000,
		MaxOutputTokens:  128000,
	},
	"gpt-5-mini": {
		SupportsVision:   true,
		IsReasoningModel: true,
		ContextWindow:    272000,
		MaxOutputTokens:  128000,
	},
	"gpt-5-nano": {
		SupportsVision:  true,
		ContextWindow:   272000,
		MaxOutputTokens: 128000,
	},
	"gpt-5-codex": {
		SupportsVision:   true,
		IsReasoningModel: true,
		IsCodexModel:     true,
		ContextWindow:    272000,
		MaxOutputTokens:  128000,
	},
	"gpt-4o": {
		SupportsTemperature: true,
		SupportsVision:      true,
		ContextWindow:       128000,
		MaxOutputTokens:     16384,
	},
	"gpt-4o-mini": {
		SupportsTemperature: true,
		SupportsVision:      true,
		ContextWindow:       128000,
		MaxOutputTokens:     16384,
	},
	"o1": {
		IsReasoningModel: true,
		ContextWindow:    200000,
		MaxOutputTokens:  100000,
	},
	"o1-mini": {
		IsReasoningModel: true,
		ContextWindow:    128000,
		MaxOutputTokens:  65536,
	},
	"gemini-2.5-pro": {
		SupportsTemperature: true,
		SupportsVision:      true,
		SupportsWebSearch:   true,
		IsReasoningModel:    true,
		ContextWindow:       1048576,
		MaxOutputTokens:     65536,
	},
	"gemini-2.5-flash": {
		SupportsTemperature: true,
		SupportsVision:      true,
		SupportsWebSearch:   true,
		ContextWindow:       1048576,
		MaxOutputTokens:     65536,
	},
	"glm-4.6": {
		SupportsTemperature:     true,
		SupportsThinkingHistory: true,
		ContextWindow:           200000,
		MaxOutputTokens:         128000,
	},
	"glm-4.5-air": {
		SupportsTemperature: true,
		ContextWindow:       128000,
		MaxOutputTokens:     96000,
	},
}

var (
	dynamicMu     sync.RWMutex
	dynamicModels = map[string]map[string]ModelCapabilities{} // providerID -> modelID -> caps
)

// RegisterDynamicModel records capabilities for a model discovered at
// runtime, scoped to the provider that reported it. A later registration
// for the same provider/model pair replaces the earlier one.
func RegisterDynamicModel(providerID, modelID string, caps ModelCapabilities) {
	dynamicMu.Lock()
	defer dynamicMu.Unlock()
	byModel, ok := dynamicModels[providerID]
	if !ok {
		byModel = make(map[string]ModelCapabilities)
		dynamicModels[providerID] = byModel
	}
	byModel[modelID] = caps
}

// DynamicModels returns the runtime-discovered model ids for a provider.
func DynamicModels(providerID string) []string {
	dynamicMu.RLock()
	defer dynamicMu.RUnlock()
	ids := make([]string, 0, len(dynamicModels[providerID]))
	for id := range dynamicModels[providerID] {
		ids = append(ids, id)
	}
	return ids
}

// CapabilitiesFor resolves the capability set for providerID/modelID:
// static table first, then dynamic registrations, then the longest static
// entry that modelID extends with a "-" suffix, then the provider's
// defaults, then the conservative floor.
func CapabilitiesFor(providerID, modelID string) ModelCapabilities {
	if caps, ok := modelCapabilityTable[modelID]; ok {
		return caps
	}

	dynamicMu.RLock()
	if byModel, ok := dynamicModels[providerID]; ok {
		if caps, ok := byModel[modelID]; ok {
			dynamicMu.RUnlock()
			return caps
		}
	}
	dynamicMu.RUnlock()

	// Family heuristics before falling all the way back: a dated
	// snapshot of a known model keeps its family's capabilities.
	best := ""
	for known := range modelCapabilityTable {
		if strings.HasPrefix(modelID, known+"-") && len(known) > len(best) {
			best = known
		}
	}
	if best != "" {
		return modelCapabilityTable[best]
	}

	if caps, ok := providerDefaults[providerID]; ok {
		return caps
	}
	return conservativeDefaults
}
