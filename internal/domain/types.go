package domain

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// ChatRequest is the exact body sent to a provider's /chat/completions endpoint.
// Field order is part of the signed payload, so do not reorder.
type ChatRequest struct {
	Messages []Message `json:"messages"`
	Model    string    `json:"model"`
	Stream   bool      `json:"stream"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	ID      string   `json:"id,omitempty"`
	Object  string   `json:"object,omitempty"`
	Created int64    `json:"created,omitempty"`
	Model   string   `json:"model,omitempty"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatSession is created once per orchestration run and frozen once the request is sent.
type ChatSession struct {
	ChatID     string
	ProviderID string
	Messages   []Message
}

// RequestEnvelope pairs a serialized payload with the headers bound to it.
type RequestEnvelope struct {
	Payload []byte
	Headers http.Header
}

// RawResponse is what came back from a provider before any validation.
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// InferenceResult holds provider output. RawContent must not be surfaced
// unless Valid is true.
type InferenceResult struct {
	RawContent string
	Valid      bool
}

type ProviderMetadata struct {
	ProviderID     string          `json:"provider"`
	Endpoint       string          `json:"endpoint"`
	Models         []string        `json:"models"`
	SigningAddress string          `json:"signing_address"`
	InputPrice     decimal.Decimal `json:"input_price"`
	OutputPrice    decimal.Decimal `json:"output_price"`
	Verifiability  string          `json:"verifiability,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// SupportsModel reports whether model is listed. A provider that lists no
// models is assumed to accept any.
func (m *ProviderMetadata) SupportsModel(model string) bool {
	if len(m.Models) == 0 {
		return true
	}
	for _, candidate := range m.Models {
		if candidate == model {
			return true
		}
	}
	return false
}

type LedgerInfo struct {
	Address   string            `json:"address"`
	Balance   decimal.Decimal   `json:"balance"`
	Locked    decimal.Decimal   `json:"locked"`
	Unit      string            `json:"unit"`
	Providers []ProviderAccount `json:"providers,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ProviderAccount is the per-provider sub-account detail of a ledger.
type ProviderAccount struct {
	ProviderID string          `json:"provider"`
	Balance    decimal.Decimal `json:"balance"`
	Pending    decimal.Decimal `json:"pending"`
}

// Commitment is a provider's signed statement that it produced a given
// response for a chat session.
type Commitment struct {
	ChatID       string `json:"chat_id"`
	ProviderID   string `json:"provider"`
	ResponseHash string `json:"response_hash"`
	Signature    string `json:"signature"`
}

type Quote struct {
	Symbol    string
	Price     decimal.Decimal
	FetchedAt time.Time
}
