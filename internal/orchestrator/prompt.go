package orchestrator

import (
	"fmt"

	"github.com/felipepmaragno/inference-trader/internal/domain"
)

const systemPrompt = "You are a trading assistant. Based on the price data, recommend buy, sell or hold. " +
	"Include your reasoning, entry and exit points, and a risk assessment."

// BuildMessages injects the quoted price into the chat prompt.
func BuildMessages(q *domain.Quote) []domain.Message {
	return []domain.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: fmt.Sprintf("Current %s price: $%s. Please give a trading recommendation.", q.Symbol, q.Price.String())},
	}
}
