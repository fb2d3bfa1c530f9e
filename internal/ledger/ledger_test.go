package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/felipepmaragno/inference-trader/internal/domain"
	"github.com/felipepmaragno/inference-trader/internal/signer"
	"github.com/shopspring/decimal"
)

func newTestSigner(t *testing.T) *signer.KeySigner {
	t.Helper()
	s, err := signer.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	return s
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestService_OpenAndDeposit(t *testing.T) {
	ctx := context.Background()
	sg := newTestSigner(t)
	svc := New(NewMemoryBackend("A0GI"), "A0GI", nil)

	account, err := svc.Open(ctx, sg, dec("0.01"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !account.Exists || !account.Balance.Equal(dec("0.01")) {
		t.Errorf("Open() = %+v, want existing account with 0.01", account)
	}

	account, err = svc.Deposit(ctx, sg, dec("0.02"))
	if err != nil {
		t.Fatalf("Deposit() error = %v", err)
	}
	if !account.Balance.Equal(dec("0.03")) {
		t.Errorf("Balance = %s, want 0.03", account.Balance)
	}

	info, err := svc.Inspect(ctx, sg.Address())
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if !info.Balance.Equal(dec("0.03")) || info.Unit != "A0GI" {
		t.Errorf("Inspect() = %+v", info)
	}
}

func TestService_OpenTwice(t *testing.T) {
	ctx := context.Background()
	sg := newTestSigner(t)
	svc := New(NewMemoryBackend("A0GI"), "A0GI", nil)

	if _, err := svc.Open(ctx, sg, dec("1")); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	_, err := svc.Open(ctx, sg, dec("1"))
	if !errors.Is(err, domain.ErrLedgerAlreadyOpen) {
		t.Fatalf("second Open() error = %v, want ErrLedgerAlreadyOpen", err)
	}
	if errors.Is(err, domain.ErrFunding) {
		t.Error("already open is not a funding failure")
	}

	info, _ := svc.Inspect(ctx, sg.Address())
	if !info.Balance.Equal(dec("1")) {
		t.Errorf("Balance = %s, second open must not charge", info.Balance)
	}
}

func TestService_DepositWithoutLedger(t *testing.T) {
	svc := New(NewMemoryBackend("A0GI"), "A0GI", nil)

	_, err := svc.Deposit(context.Background(), newTestSigner(t), dec("1"))
	if !errors.Is(err, domain.ErrFunding) || !errors.Is(err, domain.ErrLedgerNotFound) {
		t.Errorf("Deposit() error = %v, want ErrFunding wrapping ErrLedgerNotFound", err)
	}
}

func TestService_RejectsNonPositiveAmounts(t *testing.T) {
	ctx := context.Background()
	sg := newTestSigner(t)
	svc := New(NewMemoryBackend("A0GI"), "A0GI", nil)

	tests := []struct {
		name string
		call func() error
	}{
		{"open zero", func() error { _, err := svc.Open(ctx, sg, decimal.Zero); return err }},
		{"deposit negative", func() error { _, err := svc.Deposit(ctx, sg, dec("-1")); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, domain.ErrFunding) {
				t.Errorf("error = %v, want ErrFunding", err)
			}
		})
	}
}

func TestService_FundingMonotonicity(t *testing.T) {
	ctx := context.Background()
	sg := newTestSigner(t)
	backend := NewMemoryBackend("A0GI")
	svc := New(backend, "A0GI", nil)

	if _, err := svc.Open(ctx, sg, dec("1")); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	transferFailed := errors.New("transfer rejected")
	backend.FailFunc = func(op string, amount decimal.Decimal) error {
		if amount.Equal(dec("5")) {
			return transferFailed
		}
		return nil
	}

	confirmed := dec("1")
	for _, amount := range []string{"0.5", "5", "0.25", "5", "1"} {
		_, err := svc.Deposit(ctx, sg, dec(amount))
		if err == nil {
			confirmed = confirmed.Add(dec(amount))
			continue
		}
		if !errors.Is(err, domain.ErrFunding) || !errors.Is(err, transferFailed) {
			t.Fatalf("Deposit(%s) error = %v", amount, err)
		}
	}

	info, _ := svc.Inspect(ctx, sg.Address())
	if !info.Balance.Equal(confirmed) {
		t.Errorf("Balance = %s, want sum of confirmed deposits %s", info.Balance, confirmed)
	}
}

func TestService_ConcurrentDeposits(t *testing.T) {
	ctx := context.Background()
	sg := newTestSigner(t)
	svc := New(NewMemoryBackend("A0GI"), "A0GI", nil)

	if _, err := svc.Open(ctx, sg, dec("1")); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Deposit(ctx, sg, dec("0.1")); err != nil {
				t.Errorf("Deposit() error = %v", err)
			}
		}()
	}
	wg.Wait()

	info, _ := svc.Inspect(ctx, sg.Address())
	if !info.Balance.Equal(dec("6")) {
		t.Errorf("Balance = %s, want 6", info.Balance)
	}
}

func TestService_Exists(t *testing.T) {
	ctx := context.Background()
	sg := newTestSigner(t)
	svc := New(NewMemoryBackend("A0GI"), "A0GI", nil)

	if ok, err := svc.Exists(ctx, sg.Address()); err != nil || ok {
		t.Fatalf("Exists() = %v, %v; want false", ok, err)
	}
	svc.Open(ctx, sg, dec("1"))
	if ok, err := svc.Exists(ctx, sg.Address()); err != nil || !ok {
		t.Fatalf("Exists() = %v, %v; want true", ok, err)
	}
}

type MockBackend struct {
	AddLedgerFunc   func(ctx context.Context, s signer.Signer, amount decimal.Decimal) (*domain.LedgerInfo, error)
	DepositFundFunc func(ctx context.Context, s signer.Signer, amount decimal.Decimal) (*domain.LedgerInfo, error)
}

func (m *MockBackend) AddLedger(ctx context.Context, s signer.Signer, amount decimal.Decimal) (*domain.LedgerInfo, error) {
	return m.AddLedgerFunc(ctx, s, amount)
}

func (m *MockBackend) DepositFund(ctx context.Context, s signer.Signer, amount decimal.Decimal) (*domain.LedgerInfo, error) {
	return m.DepositFundFunc(ctx, s, amount)
}

func (m *MockBackend) GetLedger(ctx context.Context, _ common.Address) (*domain.LedgerInfo, error) {
	return nil, domain.ErrLedgerNotFound
}

func TestService_RejectsNegativeBalanceReply(t *testing.T) {
	backend := &MockBackend{
		AddLedgerFunc: func(ctx context.Context, s signer.Signer, amount decimal.Decimal) (*domain.LedgerInfo, error) {
			return &domain.LedgerInfo{Balance: dec("-1")}, nil
		},
	}
	svc := New(backend, "A0GI", nil)

	_, err := svc.Open(context.Background(), newTestSigner(t), dec("1"))
	if !errors.Is(err, domain.ErrFunding) {
		t.Errorf("Open() error = %v, want ErrFunding", err)
	}
}
