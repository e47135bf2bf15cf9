// internal/usecase/priority.go
package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"inference-horde/internal/domain"
	"inference-horde/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"
)

// PriorityService keeps the queue head cache warm and ages waiting requests.
type PriorityService struct {
	store     domain.Store
	cache     domain.PriorityCache
	size      int
	increment int64
	clock     clock.Clock
	logger    *slog.Logger
	tracer    trace.Tracer
}

func NewPriorityService(store domain.Store, cache domain.PriorityCache, size int, increment int64, clk clock.Clock, logger *slog.Logger) *PriorityService {
	return &PriorityService{
		store:     store,
		cache:     cache,
		size:      size,
		increment: increment,
		clock:     clk,
		logger:    logger.With("component", "priority"),
		tracer:    otel.Tracer("inference-horde-usecase"),
	}
}

// Refresh rebuilds the cached head of every variant's queue and publishes the queue depth.
func (s *PriorityService) Refresh(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "service.RefreshPriority")
	defer span.End()

	now := s.clock.Now().UTC()
	for _, variant := range domain.Variants {
		ids, err := s.store.WaitingPrompts().TopPriority(ctx, variant, now, s.size)
		if err != nil {
			recordErr(span, err, "failed to load queue head")
			return fmt.Errorf("failed to load %s queue head: %w", variant, err)
		}
		if err := s.cache.Set(ctx, variant, ids); err != nil {
			recordErr(span, err, "failed to store queue head")
			return fmt.Errorf("failed to store %s queue head: %w", variant, err)
		}
		totals, err := s.store.WaitingPrompts().QueueTotals(ctx, variant, now)
		if err != nil {
			return err
		}
		metrics.QueueDepth.WithLabelValues(string(variant)).Set(float64(totals.QueuedRequests))
		span.SetAttributes(attribute.Int("head."+string(variant), len(ids)))
	}
	return nil
}

// Age lifts every still-waiting request so older ones overtake newer ones.
func (s *PriorityService) Age(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "service.AgePriority")
	defer span.End()

	n, err := s.store.WaitingPrompts().AgePriority(ctx, s.increment)
	if err != nil {
		recordErr(span, err, "failed to age requests")
		return fmt.Errorf("failed to age requests: %w", err)
	}
	span.SetAttributes(attribute.Int64("aged", n))
	return nil
}
