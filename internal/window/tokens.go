package window

import "github.com/hollowlog/parley/internal/conversation"

// EstimateTokens returns an approximate token count for a string.
// Uses the ~4 characters per token heuristic (accurate within ~10% for English).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// EstimateSliceTokens sums the estimate over a message slice. Only useful for
// logging and metrics; the optimizer itself budgets by message count.
func EstimateSliceTokens(msgs []conversation.Message) int {
	total := 0
	for _, msg := range msgs {
		total += EstimateTokens(msg.Content)
	}
	return total
}
