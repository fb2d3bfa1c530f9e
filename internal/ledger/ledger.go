// Package ledger manages the prepaid account a signer spends on inference.
// Balances only come from the backend's confirmed replies; nothing is
// credited locally.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/felipepmaragno/inference-trader/internal/domain"
	"github.com/felipepmaragno/inference-trader/internal/signer"
	"github.com/shopspring/decimal"
)

// Backend is the system of record for ledgers. broker.Client talks to the
// network; MemoryBackend serves dry runs and tests.
type Backend interface {
	AddLedger(ctx context.Context, s signer.Signer, amount decimal.Decimal) (*domain.LedgerInfo, error)
	DepositFund(ctx context.Context, s signer.Signer, amount decimal.Decimal) (*domain.LedgerInfo, error)
	GetLedger(ctx context.Context, address common.Address) (*domain.LedgerInfo, error)
}

type Account struct {
	Address common.Address
	Balance decimal.Decimal
	Unit    string
	Exists  bool
}

type Service struct {
	backend Backend
	unit    string
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[common.Address]*sync.Mutex
}

func New(backend Backend, unit string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		backend: backend,
		unit:    unit,
		logger:  logger,
		locks:   make(map[common.Address]*sync.Mutex),
	}
}

// lock serializes writes per address so concurrent runs never interleave
// deposits on the same ledger.
func (s *Service) lock(addr common.Address) func() {
	s.mu.Lock()
	l, ok := s.locks[addr]
	if !ok {
		l = &sync.Mutex{}
		s.locks[addr] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Open creates the signer's ledger funded with initial. An existing ledger
// yields ErrLedgerAlreadyOpen and nothing is charged.
func (s *Service) Open(ctx context.Context, sg signer.Signer, initial decimal.Decimal) (*Account, error) {
	if !initial.IsPositive() {
		return nil, fmt.Errorf("%w: initial amount must be positive, got %s", domain.ErrFunding, initial)
	}

	unlock := s.lock(sg.Address())
	defer unlock()

	info, err := s.backend.AddLedger(ctx, sg, initial)
	if err != nil {
		if errors.Is(err, domain.ErrLedgerAlreadyOpen) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: open ledger: %w", domain.ErrFunding, err)
	}

	account, err := s.account(sg.Address(), info)
	if err != nil {
		return nil, err
	}

	s.logger.Info("ledger opened",
		"address", account.Address.Hex(),
		"balance", account.Balance.String(),
		"unit", account.Unit,
	)
	return account, nil
}

func (s *Service) Deposit(ctx context.Context, sg signer.Signer, amount decimal.Decimal) (*Account, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: deposit amount must be positive, got %s", domain.ErrFunding, amount)
	}

	unlock := s.lock(sg.Address())
	defer unlock()

	info, err := s.backend.DepositFund(ctx, sg, amount)
	if err != nil {
		return nil, fmt.Errorf("%w: deposit: %w", domain.ErrFunding, err)
	}

	account, err := s.account(sg.Address(), info)
	if err != nil {
		return nil, err
	}

	s.logger.Info("ledger deposit confirmed",
		"address", account.Address.Hex(),
		"amount", amount.String(),
		"balance", account.Balance.String(),
	)
	return account, nil
}

// Inspect always reads through to the backend.
func (s *Service) Inspect(ctx context.Context, address common.Address) (*domain.LedgerInfo, error) {
	info, err := s.backend.GetLedger(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("inspect ledger %s: %w", address.Hex(), err)
	}
	if info.Unit == "" {
		info.Unit = s.unit
	}
	return info, nil
}

// Exists reports whether the address has an open ledger.
func (s *Service) Exists(ctx context.Context, address common.Address) (bool, error) {
	_, err := s.backend.GetLedger(ctx, address)
	if errors.Is(err, domain.ErrLedgerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) account(addr common.Address, info *domain.LedgerInfo) (*Account, error) {
	if info == nil {
		return nil, fmt.Errorf("%w: backend returned no ledger", domain.ErrFunding)
	}
	if info.Balance.IsNegative() {
		return nil, fmt.Errorf("%w: backend reported negative balance %s", domain.ErrFunding, info.Balance)
	}

	unit := info.Unit
	if unit == "" {
		unit = s.unit
	}
	return &Account{
		Address: addr,
		Balance: info.Balance,
		Unit:    unit,
		Exists:  true,
	}, nil
}
