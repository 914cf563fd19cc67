package engine

import (
	"context"

	"github.com/hollowlog/parley/internal/conversation"
)

// EchoModel is the built-in fallback model used when no real backend is
// configured. It answers with the last user message, which exercises the
// whole pipeline end to end.
type EchoModel struct{}

func (EchoModel) Complete(_ context.Context, msgs []conversation.Message) (Reply, error) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == conversation.RoleUser {
			return Reply{Text: "You said: " + msgs[i].Content}, nil
		}
	}
	return Reply{Text: "I'm listening."}, nil
}
