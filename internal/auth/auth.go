// Package auth builds the per-request headers that authorize a provider to
// bill the signer's ledger for exactly one payload, and verifies them on the
// provider side.
package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/felipepmaragno/inference-trader/internal/crypto"
	"github.com/felipepmaragno/inference-trader/internal/domain"
	"github.com/felipepmaragno/inference-trader/internal/signer"
	"github.com/google/uuid"
)

const (
	HeaderRequester   = "X-Requester-Address"
	HeaderProvider    = "X-Provider-Address"
	HeaderChatID      = "X-Chat-Id"
	HeaderNonce       = "X-Nonce"
	HeaderTimestamp   = "X-Timestamp"
	HeaderPayloadHash = "X-Payload-Hash"
	HeaderSignature   = "X-Request-Signature"
)

type AckChecker interface {
	IsAcknowledged(ctx context.Context, s signer.Signer, providerID string) (bool, error)
}

type LedgerChecker interface {
	Exists(ctx context.Context, address common.Address) (bool, error)
}

type Authenticator struct {
	acks    AckChecker
	ledgers LedgerChecker
	now     func() time.Time
	counter atomic.Uint64
}

// New returns an Authenticator. ledgers may be nil, in which case the
// funded-ledger check is left to the provider.
func New(acks AckChecker, ledgers LedgerChecker) *Authenticator {
	return &Authenticator{
		acks:    acks,
		ledgers: ledgers,
		now:     time.Now,
	}
}

type options struct {
	chatID string
}

type Option func(*options)

// WithChatID binds the headers to a chat session so the provider's
// commitment can later be looked up by the same id.
func WithChatID(chatID string) Option {
	return func(o *options) {
		o.chatID = chatID
	}
}

// BuildHeaders signs payload for providerID. It must be called on the final
// serialized bytes; any later change to the payload invalidates the headers.
func (a *Authenticator) BuildHeaders(ctx context.Context, s signer.Signer, providerID string, payload []byte, opts ...Option) (http.Header, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: no signer key available", domain.ErrAuthentication)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	acked, err := a.acks.IsAcknowledged(ctx, s, providerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrAuthentication, err)
	}
	if !acked {
		return nil, fmt.Errorf("%w: provider %s not acknowledged by %s", domain.ErrAuthentication, providerID, s.Address().Hex())
	}

	if a.ledgers != nil {
		exists, err := a.ledgers.Exists(ctx, s.Address())
		if err != nil {
			return nil, fmt.Errorf("%w: check ledger: %w", domain.ErrAuthentication, err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: no ledger open for %s", domain.ErrAuthentication, s.Address().Hex())
		}
	}

	fields := headerFields{
		nonce:       fmt.Sprintf("%s-%d", uuid.NewString(), a.counter.Add(1)),
		requester:   s.Address().Hex(),
		provider:    providerID,
		chatID:      o.chatID,
		timestamp:   strconv.FormatInt(a.now().UnixMilli(), 10),
		payloadHash: crypto.PayloadHash(payload),
	}

	sig, err := signer.SignMessage(s, fields.message())
	if err != nil {
		return nil, fmt.Errorf("%w: sign request: %w", domain.ErrAuthentication, err)
	}

	h := make(http.Header)
	h.Set(HeaderRequester, fields.requester)
	h.Set(HeaderProvider, fields.provider)
	if fields.chatID != "" {
		h.Set(HeaderChatID, fields.chatID)
	}
	h.Set(HeaderNonce, fields.nonce)
	h.Set(HeaderTimestamp, fields.timestamp)
	h.Set(HeaderPayloadHash, fields.payloadHash)
	h.Set(HeaderSignature, "0x"+hex.EncodeToString(sig))
	return h, nil
}

type headerFields struct {
	nonce       string
	requester   string
	provider    string
	chatID      string
	timestamp   string
	payloadHash string
}

func (f headerFields) message() []byte {
	return []byte(strings.Join([]string{f.nonce, f.requester, f.provider, f.chatID, f.timestamp, f.payloadHash}, "."))
}

// Verify is the provider-side check: the headers must be signed by the
// requester they name and bound to exactly this payload.
func Verify(h http.Header, payload []byte) (common.Address, error) {
	fields := headerFields{
		nonce:       h.Get(HeaderNonce),
		requester:   h.Get(HeaderRequester),
		provider:    h.Get(HeaderProvider),
		chatID:      h.Get(HeaderChatID),
		timestamp:   h.Get(HeaderTimestamp),
		payloadHash: h.Get(HeaderPayloadHash),
	}
	if fields.nonce == "" || fields.requester == "" || fields.payloadHash == "" {
		return common.Address{}, fmt.Errorf("%w: missing authentication headers", domain.ErrAuthentication)
	}

	if !crypto.EqualHash(fields.payloadHash, crypto.PayloadHash(payload)) {
		return common.Address{}, fmt.Errorf("%w: payload does not match signed hash", domain.ErrAuthentication)
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(h.Get(HeaderSignature), "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: bad signature encoding: %w", domain.ErrAuthentication, err)
	}

	addr, err := signer.RecoverMessage(fields.message(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", domain.ErrAuthentication, err)
	}
	if !signer.SameAddress(addr.Hex(), fields.requester) {
		return common.Address{}, errors.Join(domain.ErrAuthentication, fmt.Errorf("signature recovers %s, not %s", addr.Hex(), fields.requester))
	}
	return addr, nil
}
