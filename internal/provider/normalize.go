package provider

import (
	"errors"
	"fmt"
)

// Temperature bounds for providers that reject values at or outside the
// open interval (0, 1).
const (
	minClampedTemperature = 0.01
	maxClampedTemperature = 0.99
)

// APIError is a non-2xx response from an LLM API, surfaced with enough
// structure for the retry layer and the loop's error event to act on.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Body)
}

// Retryable reports whether the failure is transient (5xx or 429) and
// worth retrying with backoff.
func (e *APIError) Retryable() bool {
	return e.Status == 429 || (e.Status >= 500 && e.Status < 600)
}

// AsAPIError unwraps err to an *APIError if one is in its chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// NormalizeRequest applies a model's capability metadata to a request
// before it goes on the wire:
//
//   - reasoning models never receive temperature (the APIs reject it);
//   - for every other model that supports temperature, a non-zero value
//     at or outside the (0, 1) edges is clamped to 0.01 or 0.99;
//   - an unset max-tokens falls back to the model's known output limit.
//
// The input is not mutated; the normalized copy is returned.
func NormalizeRequest(req *CompletionRequest, caps ModelCapabilities) *CompletionRequest {
	out := *req

	if caps.IsReasoningModel || !caps.SupportsTemperature {
		out.Temperature = 0
	} else if out.Temperature != 0 {
		if out.Temperature <= 0 {
			out.Temperature = minClampedTemperature
		} else if out.Temperature >= 1 {
			out.Temperature = maxClampedTemperature
		}
	}

	if out.MaxTokens <= 0 {
		if caps.MaxOutputTokens > 0 {
			out.MaxTokens = caps.MaxOutputTokens
		} else {
			out.MaxTokens = conservativeDefaults.MaxOutputTokens
		}
	} else if caps.MaxOutputTokens > 0 && out.MaxTokens > caps.MaxOutputTokens {
		out.MaxTokens = caps.MaxOutputTokens
	}

	// Documents become leading user messages so providers never need a
	// separate attachment path.
	if len(out.Documents) > 0 {
		docs := make([]Message, 0, len(out.Documents))
		for _, d := range out.Documents {
			docs = append(docs, Message{Role: RoleUser, Content: d})
		}
		out.Messages = append(docs, out.Messages...)
		out.Documents = nil
	}

	return &out
}
