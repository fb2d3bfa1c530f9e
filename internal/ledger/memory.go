package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/felipepmaragno/inference-trader/internal/domain"
	"github.com/felipepmaragno/inference-trader/internal/signer"
	"github.com/shopspring/decimal"
)

// MemoryBackend keeps ledgers in process. FailFunc, when set, is consulted
// before every write and its error aborts the write untouched.
type MemoryBackend struct {
	mu       sync.Mutex
	ledgers  map[common.Address]*domain.LedgerInfo
	unit     string
	FailFunc func(op string, amount decimal.Decimal) error
}

func NewMemoryBackend(unit string) *MemoryBackend {
	return &MemoryBackend{
		ledgers: make(map[common.Address]*domain.LedgerInfo),
		unit:    unit,
	}
}

func (b *MemoryBackend) AddLedger(ctx context.Context, s signer.Signer, amount decimal.Decimal) (*domain.LedgerInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	addr := s.Address()
	if _, ok := b.ledgers[addr]; ok {
		return nil, domain.ErrLedgerAlreadyOpen
	}
	if b.FailFunc != nil {
		if err := b.FailFunc("add", amount); err != nil {
			return nil, err
		}
	}

	info := &domain.LedgerInfo{
		Address:   addr.Hex(),
		Balance:   amount,
		Locked:    decimal.Zero,
		Unit:      b.unit,
		UpdatedAt: time.Now(),
	}
	b.ledgers[addr] = info
	return copyInfo(info), nil
}

func (b *MemoryBackend) DepositFund(ctx context.Context, s signer.Signer, amount decimal.Decimal) (*domain.LedgerInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	info, ok := b.ledgers[s.Address()]
	if !ok {
		return nil, domain.ErrLedgerNotFound
	}
	if b.FailFunc != nil {
		if err := b.FailFunc("deposit", amount); err != nil {
			return nil, err
		}
	}

	info.Balance = info.Balance.Add(amount)
	info.UpdatedAt = time.Now()
	return copyInfo(info), nil
}

func (b *MemoryBackend) GetLedger(ctx context.Context, address common.Address) (*domain.LedgerInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	info, ok := b.ledgers[address]
	if !ok {
		return nil, domain.ErrLedgerNotFound
	}
	return copyInfo(info), nil
}

func copyInfo(info *domain.LedgerInfo) *domain.LedgerInfo {
	out := *info
	out.Providers = append([]domain.ProviderAccount(nil), info.Providers...)
	return &out
}
