package query

import (
	"strings"

	"github.com/OFFIS-RIT/kiwi/graphquery/pkg/ai"
)

// ConversationTurn is one message of a conversation.
type ConversationTurn struct {
	Role string `json:"role" validate:"required,oneof=user assistant"`
	Text string `json:"text"`
}

// ConversationHistory is ordered oldest first.
type ConversationHistory []ConversationTurn

// Recent returns at most maxTurns of the latest turns, optionally only the
// user ones. maxTurns <= 0 returns nothing.
func (h ConversationHistory) Recent(maxTurns int, userOnly bool) ConversationHistory {
	if maxTurns <= 0 {
		return nil
	}
	var out ConversationHistory
	for i := len(h) - 1; i >= 0 && len(out) < maxTurns; i-- {
		if userOnly && h[i].Role != ai.RoleUser {
			continue
		}
		out = append(out, h[i])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// LastUser returns the index of the latest user turn, or -1.
func (h ConversationHistory) LastUser() int {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Role == ai.RoleUser {
			return i
		}
	}
	return -1
}

// UserTexts returns the text of every user turn.
func (h ConversationHistory) UserTexts() []string {
	var out []string
	for _, t := range h {
		if t.Role == ai.RoleUser {
			out = append(out, t.Text)
		}
	}
	return out
}

// Prefix joins the turn texts with newlines, for use in front of a query.
func (h ConversationHistory) Prefix() string {
	parts := make([]string, 0, len(h))
	for _, t := range h {
		if t.Text != "" {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}
