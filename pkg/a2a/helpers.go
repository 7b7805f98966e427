package a2a

import (
	"fmt"
	"strings"
)

// ============================================================================
// MESSAGE HELPER FUNCTIONS
// Utilities for building and inspecting protocol messages
// ============================================================================

// NewTextMessage creates a message with a single text part.
func NewTextMessage(role MessageRole, text string) Message {
	return Message{
		Role:  role,
		Parts: []Part{{Type: PartTypeText, Text: text}},
	}
}

// NewUserMessage creates a user message with text content.
func NewUserMessage(text string) Message {
	return NewTextMessage(MessageRoleUser, text)
}

// ExtractText returns the first text part of a message, or "".
func ExtractText(msg Message) string {
	for _, part := range msg.Parts {
		if part.Type == PartTypeText {
			return part.Text
		}
	}
	return ""
}

// ExtractAllText concatenates every text part of a message with newlines.
func ExtractAllText(msg Message) string {
	var texts []string
	for _, part := range msg.Parts {
		if part.Type == PartTypeText {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// TextOf collects all text content from a task's agent messages and artifacts.
func TextOf(task *Task) string {
	if task == nil {
		return ""
	}

	var texts []string
	for _, msg := range task.Messages {
		if msg.Role != MessageRoleAgent {
			continue
		}
		if t := ExtractAllText(msg); t != "" {
			texts = append(texts, t)
		}
	}
	for _, artifact := range task.Artifacts {
		for _, part := range artifact.Parts {
			if part.Type == PartTypeText && part.Text != "" {
				texts = append(texts, part.Text)
			}
		}
	}
	return strings.Join(texts, "\n")
}

// LastMessageByRole returns the most recent message with the given role.
func LastMessageByRole(messages []Message, role MessageRole) (Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == role {
			return messages[i], true
		}
	}
	return Message{}, false
}

// TailMessages returns up to n trailing messages. Used to carry recent
// conversation context into delegated sub-tasks.
func TailMessages(messages []Message, n int) []Message {
	if n <= 0 || len(messages) == 0 {
		return nil
	}
	if len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}

// MessageToText renders a message as a short single-line string for logging.
func MessageToText(msg Message) string {
	text := ExtractText(msg)
	if text == "" {
		return fmt.Sprintf("[%s: <no text>]", msg.Role)
	}
	if len(text) > 100 {
		return fmt.Sprintf("[%s: %s...]", msg.Role, text[:100])
	}
	return fmt.Sprintf("[%s: %s]", msg.Role, text)
}

// HasCapability reports whether the card advertises a capability by name.
func (c *AgentCard) HasCapability(name string) bool {
	for _, cap := range c.Capabilities {
		if cap.Name == name {
			return true
		}
	}
	return false
}
