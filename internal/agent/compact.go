package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/qbit-ai/qbit/internal/provider"
	"github.com/qbit-ai/qbit/pkg/types"
)

// CompactionConfig controls when and how history is compacted.
type CompactionConfig struct {
	// ContextThreshold is the fraction of the model's context window at
	// which compaction triggers. Configurable rather than fixed: the
	// source material disagrees with itself on the exact value.
	ContextThreshold float64

	// SummaryMaxTokens bounds the generated summary.
	SummaryMaxTokens int
}

// DefaultCompactionConfig triggers at three quarters of the context
// window.
var DefaultCompactionConfig = CompactionConfig{
	ContextThreshold: 0.75,
	SummaryMaxTokens: 2000,
}

// Summarizer is the collaborator boundary for compaction: the isolated
// summarizer agent lives outside the core, the core only needs one call
// across that line. NewProviderSummarizer supplies a default that drives
// the session's own provider binding, so the core runs end to end without
// the external agent.
type Summarizer interface {
	Summarize(ctx context.Context, history []provider.Message) (string, error)
}

// summarizerSystemPrompt shapes the replacement summary.
const summarizerSystemPrompt = `You are a conversation summarizer. Summarize the conversation so work can continue with only your summary as context.

Preserve:
1. What was accomplished
2. Current work in progress
3. Files involved
4. Next steps
5. Key user requests or constraints

Be concise but complete enough that work continues seamlessly.`

// providerSummarizer is the in-core default Summarizer.
type providerSummarizer struct {
	registry *provider.Registry
}

// NewProviderSummarizer builds a Summarizer that runs a one-shot
// completion on the registry's default model.
func NewProviderSummarizer(registry *provider.Registry) Summarizer {
	return &providerSummarizer{registry: registry}
}

func (s *providerSummarizer) Summarize(ctx context.Context, history []provider.Message) (string, error) {
	model, err := s.registry.DefaultModel()
	if err != nil {
		return "", err
	}
	prov, err := s.registry.Get(model.ProviderID)
	if err != nil {
		return "", err
	}

	var transcript strings.Builder
	for _, m := range history {
		transcript.WriteString(strings.ToUpper(string(m.Role)))
		transcript.WriteString(":\n")
		if m.Content != "" {
			transcript.WriteString(m.Content)
			transcript.WriteString("\n")
		}
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&transcript, "[tool call: %s %s]\n", tc.Name, truncateForSummary(tc.Arguments, 200))
		}
		transcript.WriteString("\n")
	}

	stream, err := prov.CreateCompletion(ctx, &provider.CompletionRequest{
		Model:     model.ID,
		System:    summarizerSystemPrompt,
		Messages:  []provider.Message{{Role: provider.RoleUser, Content: transcript.String()}},
		MaxTokens: DefaultCompactionConfig.SummaryMaxTokens,
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var summary strings.Builder
	for {
		ev, err := stream.Next()
		if err != nil {
			return "", err
		}
		switch e := ev.(type) {
		case provider.TextDeltaEvent:
			summary.WriteString(e.Text)
		case provider.FinishEvent:
			if e.Error != nil {
				return "", e.Error
			}
			return strings.TrimSpace(summary.String()), nil
		}
	}
}

func truncateForSummary(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// estimateTokens is the rough chars/4 heuristic every call site of the
// threshold uses; real tokenizer counts are not worth a dependency here.
func estimateTokens(text string) int {
	return len(text) / 4
}

// shouldCompact reports whether the estimated prompt size exceeds the
// configured fraction of the model's context window.
func (p *Processor) shouldCompact(ctx context.Context, messages []*types.Message, systemPrompt string, model *types.Model) bool {
	if p.summarizer == nil || model.ContextLength <= 0 {
		return false
	}

	total := estimateTokens(systemPrompt)
	for _, msg := range messages {
		parts, err := p.loadParts(ctx, msg.ID)
		if err != nil {
			continue
		}
		for _, part := range parts {
			switch pt := part.(type) {
			case *types.TextPart:
				total += estimateTokens(pt.Text)
			case *types.ReasoningPart:
				total += estimateTokens(pt.Text)
			case *types.ToolPart:
				total += estimateTokens(pt.State.Raw) + estimateTokens(pt.State.Output)
			}
		}
	}

	threshold := p.compaction.ContextThreshold
	if threshold <= 0 {
		threshold = DefaultCompactionConfig.ContextThreshold
	}
	return float64(total) > threshold*float64(model.ContextLength)
}

// compactHistory replaces everything older than the most recent user turn
// with a single system-scoped summary message. The summary message takes
// the creation timestamp of the oldest message it replaced so history
// ordering is preserved.
func (p *Processor) compactHistory(ctx context.Context, sessionID string, messages []*types.Message) error {
	// Find the most recent user message; it and everything after it stay
	// verbatim.
	lastUser := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleUser {
			lastUser = i
			break
		}
	}
	if lastUser <= 0 {
		return nil
	}
	toCompact := messages[:lastUser]

	history := make([]provider.Message, 0, len(toCompact))
	for _, msg := range toCompact {
		parts, err := p.loadParts(ctx, msg.ID)
		if err != nil {
			continue
		}
		if pm, ok := p.convertMessage(msg, parts); ok {
			history = append(history, pm)
		}
	}

	summary, err := p.summarizer.Summarize(ctx, history)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	if summary == "" {
		return fmt.Errorf("summarize: empty summary")
	}

	now := time.Now().UnixMilli()
	summaryMsg := &types.Message{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		Role:      types.RoleSystem,
		IsSummary: true,
		Time:      types.MessageTime{Created: toCompact[0].Time.Created, Updated: &now},
	}
	if err := p.storage.Put(ctx, []string{"message", sessionID, summaryMsg.ID}, summaryMsg); err != nil {
		return err
	}
	if err := p.savePart(ctx, summaryMsg.ID, &types.TextPart{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		MessageID: summaryMsg.ID,
		Type:      "text",
		Text:      "Summary of earlier conversation:\n\n" + summary,
	}); err != nil {
		return err
	}

	for _, msg := range toCompact {
		p.storage.Delete(ctx, []string{"message", sessionID, msg.ID})
	}

	p.emit(sessionID, "compacted", map[string]any{"replaced": len(toCompact)})
	return nil
}
