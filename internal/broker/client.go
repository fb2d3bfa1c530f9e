// Package broker is the HTTP client for the compute network's broker, which
// holds prepaid ledgers, provider service listings, acknowledgements and the
// response commitments providers publish per chat session.
package broker

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/felipepmaragno/inference-trader/internal/crypto"
	"github.com/felipepmaragno/inference-trader/internal/domain"
	"github.com/felipepmaragno/inference-trader/internal/httputil"
	"github.com/felipepmaragno/inference-trader/internal/signer"
	"github.com/shopspring/decimal"
)

const (
	HeaderSignerAddress = "X-Signer-Address"
	HeaderTimestamp     = "X-Timestamp"
	HeaderSignature     = "X-Signature"
)

var (
	ErrNotFound = errors.New("broker: not found")
	ErrConflict = errors.New("broker: conflict")
)

// StatusError is a non-2xx broker reply.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("broker %s: status=%d body=%s", e.Op, e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

type Client struct {
	baseURL string
	client  *http.Client
	now     func() time.Time
}

func New(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = httputil.DefaultClient()
	}
	return &Client{
		baseURL: baseURL,
		client:  client,
		now:     time.Now,
	}
}

type amountRequest struct {
	Address string          `json:"address,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
}

// AddLedger opens a prepaid ledger for the signer, funded with amount.
func (c *Client) AddLedger(ctx context.Context, s signer.Signer, amount decimal.Decimal) (*domain.LedgerInfo, error) {
	var info domain.LedgerInfo
	req := amountRequest{Address: s.Address().Hex(), Amount: amount}
	if err := c.do(ctx, "add ledger", http.MethodPost, "/v1/ledgers", s, req, &info); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: %w", domain.ErrLedgerAlreadyOpen, err)
		}
		return nil, err
	}
	return &info, nil
}

func (c *Client) DepositFund(ctx context.Context, s signer.Signer, amount decimal.Decimal) (*domain.LedgerInfo, error) {
	var info domain.LedgerInfo
	path := "/v1/ledgers/" + url.PathEscape(s.Address().Hex()) + "/deposits"
	if err := c.do(ctx, "deposit", http.MethodPost, path, s, amountRequest{Amount: amount}, &info); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", domain.ErrLedgerNotFound, err)
		}
		return nil, err
	}
	return &info, nil
}

func (c *Client) GetLedger(ctx context.Context, address common.Address) (*domain.LedgerInfo, error) {
	var info domain.LedgerInfo
	path := "/v1/ledgers/" + url.PathEscape(address.Hex())
	if err := c.do(ctx, "get ledger", http.MethodGet, path, nil, nil, &info); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", domain.ErrLedgerNotFound, err)
		}
		return nil, err
	}
	return &info, nil
}

func (c *Client) GetService(ctx context.Context, providerID string) (*domain.ProviderMetadata, error) {
	var meta domain.ProviderMetadata
	path := "/v1/services/" + url.PathEscape(providerID)
	if err := c.do(ctx, "get service", http.MethodGet, path, nil, nil, &meta); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", domain.ErrProviderNotFound, err)
		}
		return nil, err
	}
	if meta.ProviderID == "" {
		meta.ProviderID = providerID
	}
	return &meta, nil
}

// AcknowledgeProvider records the signer's acknowledgement of a provider.
// A 409 means it was already acknowledged and is reported as ErrConflict.
func (c *Client) AcknowledgeProvider(ctx context.Context, s signer.Signer, providerID string) error {
	return c.do(ctx, "acknowledge", http.MethodPut, ackPath(providerID, s.Address()), s, nil, nil)
}

func (c *Client) IsAcknowledged(ctx context.Context, address common.Address, providerID string) (bool, error) {
	var out struct {
		Acknowledged bool `json:"acknowledged"`
	}
	if err := c.do(ctx, "acknowledgement status", http.MethodGet, ackPath(providerID, address), nil, nil, &out); err != nil {
		return false, err
	}
	return out.Acknowledged, nil
}

func (c *Client) GetCommitment(ctx context.Context, providerID, chatID string) (*domain.Commitment, error) {
	var commitment domain.Commitment
	path := "/v1/services/" + url.PathEscape(providerID) + "/commitments/" + url.PathEscape(chatID)
	if err := c.do(ctx, "get commitment", http.MethodGet, path, nil, nil, &commitment); err != nil {
		return nil, err
	}
	return &commitment, nil
}

// Ping is used by the readiness check.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/health", nil, nil, nil)
}

func ackPath(providerID string, address common.Address) string {
	return "/v1/services/" + url.PathEscape(providerID) + "/acknowledgements/" + url.PathEscape(address.Hex())
}

// do sends one request. Writes carry a body signed by s; reads pass s == nil.
func (c *Client) do(ctx context.Context, op, method, path string, s signer.Signer, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	if s != nil {
		if err := SignRequest(httpReq, s, body, c.now()); err != nil {
			return fmt.Errorf("sign %s request: %w", op, err)
		}
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("broker %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := httputil.ReadBody(resp.Body, httputil.MaxBodyBytes)
	if err != nil {
		return fmt.Errorf("broker %s: read body: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: httputil.Snippet(data, 512)}
	}

	if out == nil || len(data) == 0 || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

// signingMessage is what a broker write is signed over.
func signingMessage(method, path string, timestamp int64, body []byte) []byte {
	return []byte(fmt.Sprintf("%s\n%s\n%d\n%s", method, path, timestamp, crypto.PayloadHash(body)))
}

// SignRequest attaches signer headers binding the method, path, time and body.
func SignRequest(r *http.Request, s signer.Signer, body []byte, now time.Time) error {
	ts := now.Unix()
	sig, err := signer.SignMessage(s, signingMessage(r.Method, r.URL.EscapedPath(), ts, body))
	if err != nil {
		return err
	}

	r.Header.Set(HeaderSignerAddress, s.Address().Hex())
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	r.Header.Set(HeaderSignature, "0x"+hex.EncodeToString(sig))
	return nil
}

// VerifyRequest is the broker-side check of SignRequest. It returns the
// recovered signer when the headers match the request and body.
func VerifyRequest(r *http.Request, body []byte) (common.Address, error) {
	ts, err := strconv.ParseInt(r.Header.Get(HeaderTimestamp), 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("bad %s header: %w", HeaderTimestamp, err)
	}

	sig, err := hex.DecodeString(trim0x(r.Header.Get(HeaderSignature)))
	if err != nil {
		return common.Address{}, fmt.Errorf("bad %s header: %w", HeaderSignature, err)
	}

	addr, err := signer.RecoverMessage(signingMessage(r.Method, r.URL.EscapedPath(), ts, body), sig)
	if err != nil {
		return common.Address{}, err
	}
	if !signer.SameAddress(addr.Hex(), r.Header.Get(HeaderSignerAddress)) {
		return common.Address{}, fmt.Errorf("signature does not match %s", HeaderSignerAddress)
	}
	return addr, nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
