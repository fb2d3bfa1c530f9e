// Package orchestrator runs the paid inference sequence:
// fund, discover, verify, quote, request, validate.
// Each run is strictly sequential and stops at the first failure.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/felipepmaragno/inference-trader/internal/auth"
	"github.com/felipepmaragno/inference-trader/internal/domain"
	"github.com/felipepmaragno/inference-trader/internal/inference"
	"github.com/felipepmaragno/inference-trader/internal/ledger"
	"github.com/felipepmaragno/inference-trader/internal/metrics"
	"github.com/felipepmaragno/inference-trader/internal/quote"
	"github.com/felipepmaragno/inference-trader/internal/signer"
	"github.com/felipepmaragno/inference-trader/internal/telemetry"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
)

type Ledger interface {
	Open(ctx context.Context, s signer.Signer, initial decimal.Decimal) (*ledger.Account, error)
	Deposit(ctx context.Context, s signer.Signer, amount decimal.Decimal) (*ledger.Account, error)
	Inspect(ctx context.Context, address common.Address) (*domain.LedgerInfo, error)
}

type Registry interface {
	GetMetadata(ctx context.Context, providerID string) (*domain.ProviderMetadata, error)
	Acknowledge(ctx context.Context, s signer.Signer, providerID string) error
	IsAcknowledged(ctx context.Context, s signer.Signer, providerID string) (bool, error)
}

type Authenticator interface {
	BuildHeaders(ctx context.Context, s signer.Signer, providerID string, payload []byte, opts ...auth.Option) (http.Header, error)
}

type InferenceClient interface {
	Send(ctx context.Context, endpoint string, headers http.Header, payload []byte) (*domain.RawResponse, error)
}

type Validator interface {
	Validate(ctx context.Context, providerID, content, chatID string) (bool, error)
}

// Recorder and Notifier are told about every finished run. Their failures
// are logged and never change the run's outcome.
type Recorder interface {
	SaveRun(ctx context.Context, run *domain.RunResult) error
}

type Notifier interface {
	NotifyRun(ctx context.Context, run *domain.RunResult) error
}

type Config struct {
	ProviderID    string
	Model         string
	Symbol        string
	InitialAmount decimal.Decimal
	DepositAmount decimal.Decimal
}

type Deps struct {
	Signer    signer.Signer
	Ledger    Ledger
	Registry  Registry
	Auth      Authenticator
	Quotes    quote.Source
	Inference InferenceClient
	Validator Validator
	IDs       IDGenerator
	Recorder  Recorder
	Notifier  Notifier
	Logger    *slog.Logger
}

type Orchestrator struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

func New(cfg Config, deps Deps) *Orchestrator {
	if deps.IDs == nil {
		deps.IDs = NewIDGenerator()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, deps: deps, now: time.Now}
}

// RunError reports the state a failed run was in when the error occurred.
type RunError struct {
	State domain.RunState
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run failed in state %s: %v", e.State, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// run carries the per-run working state. Provider output stays in output
// until the validator marks it valid and is never copied into the result
// before Done.
type run struct {
	result  *domain.RunResult
	logger  *slog.Logger
	span    trace.Span
	meta    *domain.ProviderMetadata
	quote   *domain.Quote
	output  domain.InferenceResult
}

type step struct {
	to domain.RunState
	fn func(ctx context.Context, r *run) error
}

// Run executes one full sequence. On failure the returned result is in
// state Failed without a recommendation, and the error is a *RunError.
func (o *Orchestrator) Run(ctx context.Context) (*domain.RunResult, error) {
	started := o.now()
	result := &domain.RunResult{
		RunID:      o.deps.IDs.NewID(),
		Signer:     o.deps.Signer.Address().Hex(),
		ProviderID: o.cfg.ProviderID,
		Model:      o.cfg.Model,
		Symbol:     o.cfg.Symbol,
		StartedAt:  started,
	}

	ctx, span := telemetry.StartSpan(ctx, "orchestrator.Run")
	defer span.End()

	r := &run{
		result: result,
		logger: o.deps.Logger.With("run_id", result.RunID, "provider", o.cfg.ProviderID),
		span:   span,
	}
	r.enter(domain.StateInit, started)

	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	steps := []step{
		{domain.StateFunded, o.fund},
		{domain.StateDiscovered, o.discover},
		{domain.StateVerified, o.verify},
		{domain.StateQuoted, o.fetchQuote},
		{domain.StateRequested, o.request},
		{domain.StateValidated, o.validate},
		{domain.StateDone, o.finish},
	}

	var runErr error
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			runErr = o.fail(r, fmt.Errorf("run abandoned: %w", err))
			break
		}

		stepStart := o.now()
		stepCtx, stepSpan := telemetry.StartSpan(ctx, "orchestrator."+string(s.to))
		telemetry.AddRunAttributes(stepSpan, result.RunID, o.cfg.ProviderID, result.ChatID)
		err := s.fn(stepCtx, r)
		if err != nil {
			telemetry.AddErrorAttribute(stepSpan, err)
		}
		stepSpan.End()
		metrics.RecordStep(string(s.to), o.now().Sub(stepStart).Seconds())

		if err != nil {
			runErr = o.fail(r, err)
			break
		}
		r.enter(s.to, o.now())
	}

	result.FinishedAt = o.now()
	duration := result.FinishedAt.Sub(started).Seconds()
	metrics.RecordRun(o.cfg.ProviderID, string(result.State), string(result.FailedIn), duration)
	telemetry.AddStateAttribute(span, string(result.State))
	if runErr != nil {
		telemetry.AddErrorAttribute(span, runErr)
	}

	o.report(ctx, r)

	if runErr != nil {
		return result, runErr
	}
	r.logger.Info("run completed", "chat_id", result.ChatID, "duration_s", duration)
	return result, nil
}

func (r *run) enter(state domain.RunState, at time.Time) {
	r.result.State = state
	r.result.History = append(r.result.History, domain.StateChange{State: state, At: at})
	r.logger.Debug("state entered", "state", state)
}

func (o *Orchestrator) fail(r *run, err error) error {
	failedIn := r.result.State
	runErr := &RunError{State: failedIn, Err: err}

	r.result.FailedIn = failedIn
	r.result.Error = err.Error()
	r.result.Recommendation = ""
	r.output = domain.InferenceResult{}
	r.enter(domain.StateFailed, o.now())

	r.logger.Error("run failed", "state", failedIn, "chat_id", r.result.ChatID, "error", err)
	return runErr
}

// report hands the finished run to the recorder and notifier on a context
// detached from cancellation, so a cancelled run is still recorded.
func (o *Orchestrator) report(ctx context.Context, r *run) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if o.deps.Recorder != nil {
		if err := o.deps.Recorder.SaveRun(ctx, r.result); err != nil {
			r.logger.Warn("failed to record run", "error", err)
		}
	}
	if o.deps.Notifier != nil {
		if err := o.deps.Notifier.NotifyRun(ctx, r.result); err != nil {
			r.logger.Warn("failed to publish run notification", "error", err)
		}
	}
}

// Init -> Funded
func (o *Orchestrator) fund(ctx context.Context, r *run) error {
	s := o.deps.Signer

	if o.cfg.InitialAmount.IsPositive() {
		_, err := o.deps.Ledger.Open(ctx, s, o.cfg.InitialAmount)
		switch {
		case errors.Is(err, domain.ErrLedgerAlreadyOpen):
			r.logger.Info("ledger already open, skipping initial funding")
		case err != nil:
			metrics.RecordFunding("open", "error")
			return err
		default:
			metrics.RecordFunding("open", "ok")
		}
	}

	if o.cfg.DepositAmount.IsPositive() {
		if _, err := o.deps.Ledger.Deposit(ctx, s, o.cfg.DepositAmount); err != nil {
			metrics.RecordFunding("deposit", "error")
			return err
		}
		metrics.RecordFunding("deposit", "ok")
	}

	info, err := o.deps.Ledger.Inspect(ctx, s.Address())
	if err != nil {
		return fmt.Errorf("%w: confirm ledger: %w", domain.ErrFunding, err)
	}
	r.result.Ledger = info

	balance, _ := info.Balance.Float64()
	metrics.SetLedgerBalance(info.Address, info.Unit, balance)
	r.logger.Info("ledger funded",
		"address", info.Address,
		"balance", info.Balance.String(),
		"locked", info.Locked.String(),
		"unit", info.Unit,
		"provider_accounts", len(info.Providers),
	)
	return nil
}

// Funded -> Discovered
func (o *Orchestrator) discover(ctx context.Context, r *run) error {
	meta, err := o.deps.Registry.GetMetadata(ctx, o.cfg.ProviderID)
	if err != nil {
		return err
	}

	model, err := selectModel(meta, o.cfg.Model)
	if err != nil {
		return err
	}

	r.meta = meta
	r.result.Model = model
	telemetry.AddModelAttribute(trace.SpanFromContext(ctx), model, meta.Endpoint)
	r.logger.Info("provider metadata", "endpoint", meta.Endpoint, "models", meta.Models, "model", model)
	return nil
}

// selectModel uses the configured model when the provider serves it, or
// the provider's first model when none is configured.
func selectModel(meta *domain.ProviderMetadata, configured string) (string, error) {
	if configured == "" {
		if len(meta.Models) == 0 {
			return "", fmt.Errorf("%w: provider %s lists no models and none is configured", domain.ErrModelNotSupported, meta.ProviderID)
		}
		return meta.Models[0], nil
	}
	if !meta.SupportsModel(configured) {
		return "", fmt.Errorf("%w: %s does not serve %q (serves %v)", domain.ErrModelNotSupported, meta.ProviderID, configured, meta.Models)
	}
	return configured, nil
}

// Discovered -> Verified
func (o *Orchestrator) verify(ctx context.Context, r *run) error {
	if err := o.deps.Registry.Acknowledge(ctx, o.deps.Signer, o.cfg.ProviderID); err != nil {
		return err
	}

	acked, err := o.deps.Registry.IsAcknowledged(ctx, o.deps.Signer, o.cfg.ProviderID)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("%w: %s not acknowledged after acknowledge call", domain.ErrProviderVerification, o.cfg.ProviderID)
	}

	r.logger.Info("provider verified")
	return nil
}

// Verified -> Quoted
func (o *Orchestrator) fetchQuote(ctx context.Context, r *run) error {
	q, err := o.deps.Quotes.Price(ctx, o.cfg.Symbol)
	if err != nil {
		if !errors.Is(err, domain.ErrQuote) {
			err = fmt.Errorf("%w: %w", domain.ErrQuote, err)
		}
		return err
	}

	r.quote = q
	r.result.Price = q.Price
	telemetry.AddPriceAttribute(trace.SpanFromContext(ctx), q.Symbol, q.Price.String())
	r.logger.Info("price fetched", "symbol", q.Symbol, "price", q.Price.String())
	return nil
}

// Quoted -> Requested
func (o *Orchestrator) request(ctx context.Context, r *run) error {
	chatID := o.deps.IDs.NewID()
	r.result.ChatID = chatID
	r.logger = r.logger.With("chat_id", chatID)

	session := domain.ChatSession{
		ChatID:     chatID,
		ProviderID: o.cfg.ProviderID,
		Messages:   BuildMessages(r.quote),
	}

	payload, err := json.Marshal(domain.ChatRequest{
		Messages: session.Messages,
		Model:    r.result.Model,
		Stream:   false,
	})
	if err != nil {
		return fmt.Errorf("serialize payload: %w", err)
	}

	// Headers are bound to these exact bytes, so nothing may touch payload
	// between here and Send.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("run abandoned before request: %w", err)
	}
	headers, err := o.deps.Auth.BuildHeaders(ctx, o.deps.Signer, session.ProviderID, payload, auth.WithChatID(chatID))
	if err != nil {
		return err
	}
	env := domain.RequestEnvelope{Payload: payload, Headers: headers}

	raw, err := o.deps.Inference.Send(ctx, r.meta.Endpoint, env.Headers, env.Payload)
	if err != nil {
		metrics.RecordInference(o.cfg.ProviderID, r.result.Model, "error")
		return err
	}

	content, err := inference.Content(raw)
	if err != nil {
		metrics.RecordInference(o.cfg.ProviderID, r.result.Model, "malformed")
		return err
	}
	metrics.RecordInference(o.cfg.ProviderID, r.result.Model, "ok")

	r.output = domain.InferenceResult{RawContent: content}
	r.logger.Info("provider responded", "status", raw.StatusCode, "bytes", len(raw.Body))
	return nil
}

// Requested -> Validated
func (o *Orchestrator) validate(ctx context.Context, r *run) error {
	valid, err := o.deps.Validator.Validate(ctx, o.cfg.ProviderID, r.output.RawContent, r.result.ChatID)
	if err != nil {
		return fmt.Errorf("%w: validate response: %w", domain.ErrProviderUnavailable, err)
	}
	metrics.RecordValidation(o.cfg.ProviderID, valid)
	telemetry.AddValidationAttribute(trace.SpanFromContext(ctx), valid)

	if !valid {
		return fmt.Errorf("%w: provider %s chat %s", domain.ErrResponseValidation, o.cfg.ProviderID, r.result.ChatID)
	}
	r.output.Valid = true
	return nil
}

// Validated -> Done
func (o *Orchestrator) finish(ctx context.Context, r *run) error {
	if !r.output.Valid {
		return fmt.Errorf("%w: output was never validated", domain.ErrResponseValidation)
	}
	r.result.Recommendation = r.output.RawContent
	return nil
}
