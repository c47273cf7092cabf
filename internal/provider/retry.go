package provider

import (
	"context"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"google.golang.org/genai"

	"github.com/qbit-ai/qbit/internal/logging"
	"github.com/qbit-ai/qbit/pkg/types"
)

// Retry tuning for transient provider failures. The loop itself never
// retries (spec'd open question resolved in DESIGN.md); this layer is
// the only place a 5xx gets a second chance.
const (
	retryInitialInterval = time.Second
	retryMaxInterval     = 30 * time.Second
	retryMaxElapsedTime  = 2 * time.Minute
	retryMaxAttempts     = 3
)

// ClassifyError normalizes a vendor SDK error into *APIError when it
// carries an HTTP status, so callers can branch on status without
// importing vendor packages. Errors with no status pass through.
func ClassifyError(providerID string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsAPIError(err); ok {
		return err
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return &APIError{Provider: providerID, Status: anthropicErr.StatusCode, Body: anthropicErr.Error()}
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return &APIError{Provider: providerID, Status: openaiErr.StatusCode, Body: openaiErr.Error()}
	}
	var genaiErr genai.APIError
	if errors.As(err, &genaiErr) {
		return &APIError{Provider: providerID, Status: genaiErr.Code, Body: genaiErr.Message}
	}
	return err
}

// RetryingProvider decorates a Provider with exponential-backoff retries
// on transient (429/5xx) completion-start failures. Errors once a stream
// is open are not retried here; the loop surfaces those to the turn.
type RetryingProvider struct {
	inner Provider
}

// WithRetry wraps p in a RetryingProvider.
func WithRetry(p Provider) *RetryingProvider {
	return &RetryingProvider{inner: p}
}

// Unwrap returns the decorated provider.
func (r *RetryingProvider) Unwrap() Provider { return r.inner }

// ID returns the inner provider's identifier.
func (r *RetryingProvider) ID() string { return r.inner.ID() }

// Name returns the inner provider's name.
func (r *RetryingProvider) Name() string { return r.inner.Name() }

// Models returns the inner provider's model catalog.
func (r *RetryingProvider) Models() []types.Model { return r.inner.Models() }

// CreateCompletion starts a completion, retrying transient failures with
// exponential backoff and jitter.
func (r *RetryingProvider) CreateCompletion(ctx context.Context, req *CompletionRequest) (Stream, error) {
	log := logging.With().Str("component", "provider").Str("provider", r.inner.ID()).Logger()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = retryMaxElapsedTime
	b.RandomizationFactor = 0.5
	policy := backoff.WithContext(backoff.WithMaxRetries(b, retryMaxAttempts), ctx)

	var stream Stream
	operation := func() error {
		s, err := r.inner.CreateCompletion(ctx, req)
		if err != nil {
			err = ClassifyError(r.inner.ID(), err)
			if apiErr, ok := AsAPIError(err); ok && apiErr.Retryable() {
				log.Warn().Int("status", apiErr.Status).Msg("transient provider error, retrying")
				return err
			}
			return backoff.Permanent(err)
		}
		stream = s
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return stream, nil
}

var _ Provider = (*RetryingProvider)(nil)
