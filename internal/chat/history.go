package chat

import (
	"strings"

	"github.com/user/khappy/internal/types"
	"github.com/user/khappy/pkg/llm"
)

// History converts the newest limit messages of a conversation into kBot
// turns. kBot's own messages become assistant turns; streaming slots and
// attachment-only messages are skipped.
func History(msgs []types.Message, limit int) []llm.Message {
	var out []llm.Message
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if m.Streaming || content == "" {
			continue
		}
		role := "user"
		if m.Sender == types.AssistantUserID {
			role = "assistant"
		}
		out = append(out, llm.Message{Role: role, Content: content})
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
