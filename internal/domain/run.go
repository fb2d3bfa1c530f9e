package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type RunState string

const (
	StateInit       RunState = "Init"
	StateFunded     RunState = "Funded"
	StateDiscovered RunState = "Discovered"
	StateVerified   RunState = "Verified"
	StateQuoted     RunState = "Quoted"
	StateRequested  RunState = "Requested"
	StateValidated  RunState = "Validated"
	StateDone       RunState = "Done"
	StateFailed     RunState = "Failed"
)

func (s RunState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

type StateChange struct {
	State RunState  `json:"state"`
	At    time.Time `json:"at"`
}

// RunResult is the observable outcome of one orchestration run.
// Recommendation is only ever set when State is Done.
type RunResult struct {
	RunID          string          `json:"run_id"`
	ChatID         string          `json:"chat_id,omitempty"`
	Signer         string          `json:"signer"`
	ProviderID     string          `json:"provider"`
	Model          string          `json:"model,omitempty"`
	Symbol         string          `json:"symbol"`
	Price          decimal.Decimal `json:"price"`
	State          RunState        `json:"state"`
	FailedIn       RunState        `json:"failed_in,omitempty"`
	Error          string          `json:"error,omitempty"`
	Recommendation string          `json:"recommendation,omitempty"`
	Ledger         *LedgerInfo     `json:"ledger,omitempty"`
	History        []StateChange   `json:"history"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
}
