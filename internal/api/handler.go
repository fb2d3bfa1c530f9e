package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/felipepmaragno/inference-trader/internal/domain"
	"github.com/felipepmaragno/inference-trader/internal/ratelimit"
	"github.com/felipepmaragno/inference-trader/internal/repository"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Version = "0.3.0"

// MaxListLimit caps how many runs one GET /v1/runs may return.
const MaxListLimit = 500

// Runner starts one orchestration run.
type Runner interface {
	Run(ctx context.Context) (*domain.RunResult, error)
}

type LedgerInspector interface {
	Inspect(ctx context.Context, address common.Address) (*domain.LedgerInfo, error)
}

type HandlerConfig struct {
	Runner   Runner
	Runs     repository.RunRepository
	Ledger   LedgerInspector
	Signer   common.Address
	Limiter  *ratelimit.Guard
	Checkers []HealthChecker

	// RunTimeout bounds a single run started over HTTP. Zero means no bound.
	RunTimeout time.Duration
	Logger     *slog.Logger
}

type Handler struct {
	runner     Runner
	runs       repository.RunRepository
	ledger     LedgerInspector
	signer     common.Address
	limiter    *ratelimit.Guard
	checkers   []HealthChecker
	runTimeout time.Duration
	logger     *slog.Logger
	mux        *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		runner:     cfg.Runner,
		runs:       cfg.Runs,
		ledger:     cfg.Ledger,
		signer:     cfg.Signer,
		limiter:    cfg.Limiter,
		checkers:   cfg.Checkers,
		runTimeout: cfg.RunTimeout,
		logger:     logger,
		mux:        http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/runs", h.handleStartRun)
	h.mux.HandleFunc("GET /v1/runs", h.handleListRuns)
	h.mux.HandleFunc("GET /v1/runs/{id}", h.handleGetRun)
	h.mux.HandleFunc("GET /v1/ledger", h.handleLedger)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealth)
	h.mux.HandleFunc("GET /health/ready", h.handleReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handleStartRun runs the full sequence synchronously. A failed run is still
// returned in the body so callers can see where it stopped.
func (h *Handler) handleStartRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.limiter != nil {
		d, err := h.limiter.Check(ctx, h.signer.Hex())
		if d.Limit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", d.ResetAt.Format(time.RFC3339))
		}
		if errors.Is(err, domain.ErrRateLimitExceeded) {
			h.logger.Warn("run rate limit exceeded", "signer", h.signer.Hex())
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		if err != nil {
			h.logger.Error("rate limiter error", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}

	if h.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.runTimeout)
		defer cancel()
	}

	result, err := h.runner.Run(ctx)
	if result == nil || !result.State.Terminal() {
		h.logger.Error("run produced no result", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusOK
	if err != nil {
		status = statusForRunError(err)
	}
	writeJSON(w, status, result)
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.GetRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, domain.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load run", "run_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := repository.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, MaxListLimit)
	}

	runs, err := h.runs.ListRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if runs == nil {
		runs = []*domain.RunResult{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   runs,
	})
}

func (h *Handler) handleLedger(w http.ResponseWriter, r *http.Request) {
	info, err := h.ledger.Inspect(r.Context(), h.signer)
	if errors.Is(err, domain.ErrLedgerNotFound) {
		writeError(w, http.StatusNotFound, "ledger not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to inspect ledger", "error", err)
		writeError(w, http.StatusBadGateway, "ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

// statusForRunError maps the cause of a failed run to an HTTP status.
func statusForRunError(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, domain.ErrFunding),
		errors.Is(err, domain.ErrModelNotSupported):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "error",
			"code":    status,
		},
	})
}
