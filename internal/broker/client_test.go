package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/felipepmaragno/inference-trader/internal/domain"
	"github.com/felipepmaragno/inference-trader/internal/signer"
	"github.com/shopspring/decimal"
)

func newSigner(t *testing.T) *signer.KeySigner {
	t.Helper()
	s, err := signer.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	return s
}

func TestClient_AddLedger_SignsRequest(t *testing.T) {
	s := newSigner(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/ledgers" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}

		body, _ := io.ReadAll(r.Body)
		addr, err := VerifyRequest(r, body)
		if err != nil {
			t.Errorf("VerifyRequest() error = %v", err)
		}
		if addr != s.Address() {
			t.Errorf("recovered %s, want %s", addr.Hex(), s.Address().Hex())
		}

		var req amountRequest
		json.Unmarshal(body, &req)
		if !req.Amount.Equal(decimal.RequireFromString("0.01")) {
			t.Errorf("amount = %s, want 0.01", req.Amount)
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"address": req.Address,
			"balance": "0.01",
			"unit":    "A0GI",
		})
	}))
	defer server.Close()

	c := New(server.URL, server.Client())
	info, err := c.AddLedger(context.Background(), s, decimal.RequireFromString("0.01"))
	if err != nil {
		t.Fatalf("AddLedger() error = %v", err)
	}
	if !info.Balance.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("Balance = %s, want 0.01", info.Balance)
	}
}

func TestClient_StatusErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		target error
	}{
		{"not found", http.StatusNotFound, ErrNotFound},
		{"conflict", http.StatusConflict, ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			c := New(server.URL, server.Client())
			_, err := c.GetService(context.Background(), "0xprovider")

			if !errors.Is(err, tt.target) {
				t.Errorf("GetService() error = %v, want %v", err, tt.target)
			}
			var se *StatusError
			if !errors.As(err, &se) || se.StatusCode != tt.status {
				t.Errorf("error should be a StatusError with status %d", tt.status)
			}
		})
	}
}

func TestClient_GetService(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/services/0xprovider" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get(HeaderSignature) != "" {
			t.Error("reads should not be signed")
		}
		w.Write([]byte(`{"endpoint":"https://provider.example.com/v1","models":["m1","m2"],"input_price":"0.000001"}`))
	}))
	defer server.Close()

	c := New(server.URL, server.Client())
	meta, err := c.GetService(context.Background(), "0xprovider")
	if err != nil {
		t.Fatalf("GetService() error = %v", err)
	}
	if meta.ProviderID != "0xprovider" {
		t.Errorf("ProviderID = %q, want it defaulted from the request", meta.ProviderID)
	}
	if meta.Endpoint != "https://provider.example.com/v1" || len(meta.Models) != 2 {
		t.Errorf("unexpected metadata %+v", meta)
	}
}

func TestClient_Acknowledgement(t *testing.T) {
	s := newSigner(t)
	acked := false

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := "/v1/services/0xprovider/acknowledgements/" + s.Address().Hex()
		if r.URL.Path != want {
			t.Errorf("path = %s, want %s", r.URL.Path, want)
		}
		switch r.Method {
		case http.MethodPut:
			if _, err := VerifyRequest(r, nil); err != nil {
				t.Errorf("VerifyRequest() error = %v", err)
			}
			acked = true
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]bool{"acknowledged": acked})
		}
	}))
	defer server.Close()

	c := New(server.URL, server.Client())
	ctx := context.Background()

	ok, err := c.IsAcknowledged(ctx, s.Address(), "0xprovider")
	if err != nil || ok {
		t.Fatalf("IsAcknowledged() = %v, %v; want false", ok, err)
	}
	if err := c.AcknowledgeProvider(ctx, s, "0xprovider"); err != nil {
		t.Fatalf("AcknowledgeProvider() error = %v", err)
	}
	ok, err = c.IsAcknowledged(ctx, s.Address(), "0xprovider")
	if err != nil || !ok {
		t.Fatalf("IsAcknowledged() = %v, %v; want true", ok, err)
	}
}

func TestClient_TransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := New(url, nil)
	_, err := c.GetCommitment(context.Background(), "0xprovider", "chat-1")
	if err == nil {
		t.Fatal("expected error from closed server")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("network failure must not look like not found")
	}
}

func TestVerifyRequest_RejectsTamperedBody(t *testing.T) {
	s := newSigner(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/ledgers", strings.NewReader(`{"amount":"1"}`))
	if err := SignRequest(req, s, []byte(`{"amount":"1"}`), time.Unix(1700000000, 0)); err != nil {
		t.Fatalf("SignRequest() error = %v", err)
	}

	if _, err := VerifyRequest(req, []byte(`{"amount":"1"}`)); err != nil {
		t.Fatalf("VerifyRequest() error = %v", err)
	}
	if _, err := VerifyRequest(req, []byte(`{"amount":"100"}`)); err == nil {
		t.Error("VerifyRequest() should reject a different body")
	}
}

func TestClient_LedgerErrorMapping(t *testing.T) {
	s := newSigner(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/ledgers":
			http.Error(w, "exists", http.StatusConflict)
		default:
			http.Error(w, "no ledger", http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := New(server.URL, server.Client())
	ctx := context.Background()

	if _, err := c.AddLedger(ctx, s, decimal.NewFromInt(1)); !errors.Is(err, domain.ErrLedgerAlreadyOpen) {
		t.Errorf("AddLedger() error = %v, want ErrLedgerAlreadyOpen", err)
	}
	if _, err := c.DepositFund(ctx, s, decimal.NewFromInt(1)); !errors.Is(err, domain.ErrLedgerNotFound) {
		t.Errorf("DepositFund() error = %v, want ErrLedgerNotFound", err)
	}
	if _, err := c.GetLedger(ctx, s.Address()); !errors.Is(err, domain.ErrLedgerNotFound) {
		t.Errorf("GetLedger() error = %v, want ErrLedgerNotFound", err)
	}
}
