package ai

import (
	"strings"

	"supportchat/internal/models"
)

// DefaultSystemPrompt is sent ahead of every conversation unless configuration overrides it.
const DefaultSystemPrompt = `You are a helpful support agent for a small e-commerce store.
Store policies:
- Shipping: we ship to India and USA. Delivery takes 3-5 business days.
- Returns: returns are accepted within 7 days of delivery for unused items.
- Support hours: Monday to Friday, 10am to 6pm IST.
Answer clearly, concisely and politely. If you are not sure about something, say that you don't know.`

// FallbackReply is stored and returned in place of a generated reply when generation fails.
const FallbackReply = "Sorry, I'm having trouble responding right now. Please try again later."

// BuildPrompt renders the instructions, the prior transcript and the new user message
// into a single prompt. history must not contain the new message.
func BuildPrompt(system string, history []models.Turn, newUserText string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(system))
	if len(history) > 0 {
		b.WriteString("\n\nConversation so far:\n")
		for i, turn := range history {
			if i > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(string(turn.Sender))
			b.WriteString(": ")
			b.WriteString(turn.Text)
		}
	}
	b.WriteString("\n\nUser: ")
	b.WriteString(newUserText)
	b.WriteString("\nAI:")
	return b.String()
}
