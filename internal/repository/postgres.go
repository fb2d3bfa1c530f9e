package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/felipepmaragno/inference-trader/internal/domain"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Schema creates the run history table. It is safe to apply repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS trading_runs (
	run_id         TEXT PRIMARY KEY,
	chat_id        TEXT,
	signer         TEXT NOT NULL,
	provider       TEXT NOT NULL,
	model          TEXT,
	symbol         TEXT NOT NULL,
	price          NUMERIC,
	state          TEXT NOT NULL,
	failed_in      TEXT,
	error          TEXT,
	recommendation TEXT,
	ledger         JSONB,
	history        JSONB NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trading_runs_started_at_idx ON trading_runs (started_at DESC);
`

type PostgresRunRepository struct {
	db *sql.DB
}

func NewPostgresRunRepository(db *sql.DB) *PostgresRunRepository {
	return &PostgresRunRepository{db: db}
}

func (r *PostgresRunRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (r *PostgresRunRepository) SaveRun(ctx context.Context, run *domain.RunResult) error {
	history, err := json.Marshal(run.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	var ledger sql.NullString
	if run.Ledger != nil {
		data, err := json.Marshal(run.Ledger)
		if err != nil {
			return fmt.Errorf("marshal ledger: %w", err)
		}
		ledger = sql.NullString{String: string(data), Valid: true}
	}

	query := `
		INSERT INTO trading_runs (run_id, chat_id, signer, provider, model, symbol, price, state,
		                          failed_in, error, recommendation, ledger, history, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (run_id) DO UPDATE
		SET state = EXCLUDED.state, failed_in = EXCLUDED.failed_in, error = EXCLUDED.error,
		    recommendation = EXCLUDED.recommendation, ledger = EXCLUDED.ledger,
		    history = EXCLUDED.history, finished_at = EXCLUDED.finished_at
	`

	_, err = r.db.ExecContext(ctx, query,
		run.RunID,
		nullString(run.ChatID),
		run.Signer,
		run.ProviderID,
		nullString(run.Model),
		run.Symbol,
		decimal.NullDecimal{Decimal: run.Price, Valid: !run.Price.IsZero()},
		string(run.State),
		nullString(string(run.FailedIn)),
		nullString(run.Error),
		nullString(run.Recommendation),
		ledger,
		string(history),
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return fmt.Errorf("insert run: %s (%s): %w", pqErr.Code.Name(), pqErr.Table, err)
		}
		return fmt.Errorf("insert run: %w", err)
	}

	return nil
}

const selectRun = `
	SELECT run_id, chat_id, signer, provider, model, symbol, price, state,
	       failed_in, error, recommendation, ledger, history, started_at, finished_at
	FROM trading_runs
`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*domain.RunResult, error) {
	var run domain.RunResult
	var chatID, model, failedIn, errMsg, recommendation sql.NullString
	var price decimal.NullDecimal
	var state string
	var ledger, history []byte

	err := row.Scan(
		&run.RunID,
		&chatID,
		&run.Signer,
		&run.ProviderID,
		&model,
		&run.Symbol,
		&price,
		&state,
		&failedIn,
		&errMsg,
		&recommendation,
		&ledger,
		&history,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	run.ChatID = chatID.String
	run.Model = model.String
	run.Price = price.Decimal
	run.State = domain.RunState(state)
	run.FailedIn = domain.RunState(failedIn.String)
	run.Error = errMsg.String
	run.Recommendation = recommendation.String

	if len(ledger) > 0 {
		run.Ledger = &domain.LedgerInfo{}
		if err := json.Unmarshal(ledger, run.Ledger); err != nil {
			return nil, fmt.Errorf("decode ledger: %w", err)
		}
	}
	if err := json.Unmarshal(history, &run.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}

	return &run, nil
}

func (r *PostgresRunRepository) GetRun(ctx context.Context, runID string) (*domain.RunResult, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx, selectRun+` WHERE run_id = $1`, runID))
	if err == sql.ErrNoRows {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return run, nil
}

func (r *PostgresRunRepository) ListRuns(ctx context.Context, limit int) ([]*domain.RunResult, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := r.db.QueryContext(ctx, selectRun+` ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.RunResult
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
