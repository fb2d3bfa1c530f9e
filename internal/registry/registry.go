// Package registry resolves providers to their service metadata and tracks
// whether the signer has acknowledged them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/felipepmaragno/inference-trader/internal/broker"
	"github.com/felipepmaragno/inference-trader/internal/cache"
	"github.com/felipepmaragno/inference-trader/internal/domain"
	"github.com/felipepmaragno/inference-trader/internal/metrics"
	"github.com/felipepmaragno/inference-trader/internal/signer"
)

type Discovery interface {
	GetService(ctx context.Context, providerID string) (*domain.ProviderMetadata, error)
	AcknowledgeProvider(ctx context.Context, s signer.Signer, providerID string) error
	IsAcknowledged(ctx context.Context, address common.Address, providerID string) (bool, error)
}

type Registry struct {
	discovery Discovery
	cache     cache.Cache
	ttl       time.Duration
	logger    *slog.Logger
}

// New builds a Registry. A nil cache or zero ttl disables metadata caching.
// Acknowledgement state is never cached.
func New(discovery Discovery, c cache.Cache, ttl time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		discovery: discovery,
		cache:     c,
		ttl:       ttl,
		logger:    logger,
	}
}

func (r *Registry) GetMetadata(ctx context.Context, providerID string) (*domain.ProviderMetadata, error) {
	key := cache.MetadataKey(providerID)
	if r.cache != nil && r.ttl > 0 {
		if meta, ok := r.cache.Get(ctx, key); ok {
			metrics.RecordMetadataCache(true)
			return meta, nil
		}
		metrics.RecordMetadataCache(false)
	}

	meta, err := r.discovery.GetService(ctx, providerID)
	if err != nil {
		if errors.Is(err, domain.ErrProviderNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
	}
	if meta.Endpoint == "" {
		return nil, fmt.Errorf("%w: provider %s lists no endpoint", domain.ErrProviderUnavailable, providerID)
	}

	if r.cache != nil && r.ttl > 0 {
		if err := r.cache.Set(ctx, key, meta, r.ttl); err != nil {
			r.logger.Warn("metadata cache write failed", "provider", providerID, "error", err)
		}
	}

	return meta, nil
}

// Refresh drops any cached metadata and fetches it again.
func (r *Registry) Refresh(ctx context.Context, providerID string) (*domain.ProviderMetadata, error) {
	if r.cache != nil {
		if err := r.cache.Delete(ctx, cache.MetadataKey(providerID)); err != nil {
			r.logger.Warn("metadata cache delete failed", "provider", providerID, "error", err)
		}
	}
	return r.GetMetadata(ctx, providerID)
}

// Acknowledge is idempotent: an already acknowledged provider is a no-op.
func (r *Registry) Acknowledge(ctx context.Context, s signer.Signer, providerID string) error {
	acked, err := r.discovery.IsAcknowledged(ctx, s.Address(), providerID)
	if err == nil && acked {
		r.logger.Debug("provider already acknowledged", "provider", providerID)
		return nil
	}

	err = r.discovery.AcknowledgeProvider(ctx, s, providerID)
	if err != nil && !errors.Is(err, broker.ErrConflict) {
		return fmt.Errorf("%w: %w", domain.ErrAcknowledgment, err)
	}

	r.logger.Info("provider acknowledged", "provider", providerID, "signer", s.Address().Hex())
	return nil
}

// IsAcknowledged reads the confirmed state from the broker on every call.
func (r *Registry) IsAcknowledged(ctx context.Context, s signer.Signer, providerID string) (bool, error) {
	acked, err := r.discovery.IsAcknowledged(ctx, s.Address(), providerID)
	if err != nil {
		return false, fmt.Errorf("%w: query acknowledgement: %w", domain.ErrAcknowledgment, err)
	}
	return acked, nil
}
