package agent

import (
	"context"
	"strings"

	"github.com/qbit-ai/qbit/internal/event"
	"github.com/qbit-ai/qbit/internal/provider"
	"github.com/qbit-ai/qbit/pkg/types"
)

const titleSystemPrompt = `You are a title generator. You output ONLY a thread title. Nothing else.

Generate a brief title that would help the user find this conversation later.

Rules:
- A single line, ≤50 characters
- No explanations
- Use -ing verbs for actions (Debugging, Implementing, Analyzing)
- Keep exact: technical terms, numbers, filenames
- Remove: the, this, my, a, an
- Always output something meaningful

Examples:
"debug 500 errors in production" → Debugging production 500 errors
"refactor user service" → Refactoring user service
"implement rate limiting" → Implementing rate limiting`

const defaultTitlePrefix = "New Session"

// isDefaultTitle checks if a title is the default "New Session" title.
func isDefaultTitle(title string) bool {
	return title == defaultTitlePrefix || strings.HasPrefix(title, defaultTitlePrefix)
}

// ensureTitle generates a title for the session if it's still using the
// default title. Best effort: any failure leaves the default title in
// place. Called on every turn; returns at once unless the session still
// has the default title.
func (p *Processor) ensureTitle(ctx context.Context, session *types.Session, userContent string) {
	if session.ParentID != nil && *session.ParentID != "" {
		return
	}
	if !isDefaultTitle(session.Title) || userContent == "" {
		return
	}

	model, err := p.providerRegistry.DefaultModel()
	if err != nil {
		return
	}
	prov, err := p.providerRegistry.Get(model.ProviderID)
	if err != nil {
		return
	}

	stream, err := prov.CreateCompletion(ctx, &provider.CompletionRequest{
		Model:  model.ID,
		System: titleSystemPrompt,
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: "Generate a title for this conversation:\n\n" + userContent},
		},
		MaxTokens: 50,
	})
	if err != nil {
		return
	}
	defer stream.Close()

	var title strings.Builder
loop:
	for {
		ev, err := stream.Next()
		if err != nil {
			return
		}
		switch e := ev.(type) {
		case provider.TextDeltaEvent:
			title.WriteString(e.Text)
		case provider.FinishEvent:
			if e.Error != nil {
				return
			}
			break loop
		}
	}

	titleText := strings.TrimSpace(title.String())
	for _, line := range strings.Split(titleText, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			titleText = line
			break
		}
	}
	if len(titleText) > 100 {
		titleText = titleText[:97] + "..."
	}
	if titleText == "" {
		return
	}

	session.Title = titleText
	p.storage.Put(ctx, []string{"session", session.ProjectID, session.ID}, session)

	event.PublishSync(event.Event{
		Type: event.SessionUpdated,
		Data: event.SessionUpdatedData{Info: session},
	})
}
