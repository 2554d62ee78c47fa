package orchestrator

import (
	"codeloop/internal/store"

	"google.golang.org/genai"
)

// priorHistory rebuilds the AI history from the conversation's earlier
// messages. Only final text is carried over; tool calls of earlier turns
// are already summarized in the assistant's reply.
func (c *conversation) priorHistory() []*genai.Content {
	msgs, err := c.o.store.ListMessages(c.bg, c.req.ConversationID)
	if err != nil {
		c.log.Warn("failed to load conversation history", "error", err)
		return nil
	}
	history := historyFromMessages(msgs)
	if len(history) > 0 {
		c.log.Debug("restored conversation history", "contents", len(history))
	}
	return history
}

func historyFromMessages(msgs []store.Message) []*genai.Content {
	var history []*genai.Content
	for _, m := range msgs {
		if m.Content == "" || m.Metadata["error"] != "" {
			continue
		}
		role := genai.RoleUser
		if m.Role == store.RoleAssistant {
			role = genai.RoleModel
		}
		// Consecutive turns of one role are merged so roles alternate.
		if n := len(history); n > 0 && history[n-1].Role == role {
			history[n-1].Parts = append(history[n-1].Parts, genai.NewPartFromText(m.Content))
			continue
		}
		history = append(history, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{genai.NewPartFromText(m.Content)},
		})
	}
	return history
}
