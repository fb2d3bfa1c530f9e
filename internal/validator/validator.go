// Package validator checks a provider's response against the commitment the
// provider signed for that chat session.
package validator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/felipepmaragno/inference-trader/internal/broker"
	"github.com/felipepmaragno/inference-trader/internal/crypto"
	"github.com/felipepmaragno/inference-trader/internal/domain"
	"github.com/felipepmaragno/inference-trader/internal/signer"
)

type CommitmentSource interface {
	GetCommitment(ctx context.Context, providerID, chatID string) (*domain.Commitment, error)
}

type MetadataSource interface {
	GetMetadata(ctx context.Context, providerID string) (*domain.ProviderMetadata, error)
}

type Validator struct {
	commitments CommitmentSource
	metadata    MetadataSource
	logger      *slog.Logger
}

func New(commitments CommitmentSource, metadata MetadataSource, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		commitments: commitments,
		metadata:    metadata,
		logger:      logger,
	}
}

// Validate returns false when the response legitimately fails the check and
// an error only when the check itself could not be carried out.
func (v *Validator) Validate(ctx context.Context, providerID, content, chatID string) (bool, error) {
	if chatID == "" {
		return v.reject(providerID, chatID, "empty chat id"), nil
	}

	c, err := v.commitments.GetCommitment(ctx, providerID, chatID)
	if errors.Is(err, broker.ErrNotFound) {
		return v.reject(providerID, chatID, "no commitment published"), nil
	}
	if err != nil {
		return false, fmt.Errorf("fetch commitment: %w", err)
	}

	if c.ChatID != chatID {
		return v.reject(providerID, chatID, "commitment is for chat "+c.ChatID), nil
	}
	if !strings.EqualFold(c.ProviderID, providerID) {
		return v.reject(providerID, chatID, "commitment is from provider "+c.ProviderID), nil
	}
	if !crypto.EqualHash(c.ResponseHash, crypto.ContentHash(content)) {
		return v.reject(providerID, chatID, "response hash mismatch"), nil
	}

	meta, err := v.metadata.GetMetadata(ctx, providerID)
	if err != nil {
		return false, fmt.Errorf("resolve signing address: %w", err)
	}
	signingAddress := meta.SigningAddress
	if signingAddress == "" {
		signingAddress = providerID
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(c.Signature, "0x"))
	if err != nil {
		return v.reject(providerID, chatID, "malformed signature"), nil
	}
	addr, err := signer.RecoverMessage(CommitmentMessage(c), sig)
	if err != nil {
		return v.reject(providerID, chatID, err.Error()), nil
	}
	if !signer.SameAddress(addr.Hex(), signingAddress) {
		return v.reject(providerID, chatID, "signed by "+addr.Hex()), nil
	}

	return true, nil
}

func (v *Validator) reject(providerID, chatID, reason string) bool {
	v.logger.Warn("response rejected", "provider", providerID, "chat_id", chatID, "reason", reason)
	return false
}

// CommitmentMessage is the text a provider signs to commit to a response.
func CommitmentMessage(c *domain.Commitment) []byte {
	return []byte(c.ChatID + "." + c.ProviderID + "." + strings.ToLower(c.ResponseHash))
}

// NewCommitment is what a provider publishes after answering chatID with content.
func NewCommitment(s signer.Signer, providerID, chatID, content string) (*domain.Commitment, error) {
	c := &domain.Commitment{
		ChatID:       chatID,
		ProviderID:   providerID,
		ResponseHash: crypto.ContentHash(content),
	}
	sig, err := signer.SignMessage(s, CommitmentMessage(c))
	if err != nil {
		return nil, err
	}
	c.Signature = "0x" + hex.EncodeToString(sig)
	return c, nil
}
