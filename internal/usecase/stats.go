// internal/usecase/stats.go
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"inference-horde/internal/config"
	"inference-horde/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"
)

const performanceWindow = time.Minute

// StatsService prunes rolling samples and reports horde throughput.
type StatsService struct {
	store  domain.Store
	nodes  domain.NodeDirectory
	cfg    config.StatsConfig
	clock  clock.Clock
	logger *slog.Logger
	tracer trace.Tracer
}

func NewStatsService(store domain.Store, nodes domain.NodeDirectory, cfg config.StatsConfig, clk clock.Clock, logger *slog.Logger) *StatsService {
	return &StatsService{
		store:  store,
		nodes:  nodes,
		cfg:    cfg,
		clock:  clk,
		logger: logger.With("component", "stats"),
		tracer: otel.Tracer("inference-horde-usecase"),
	}
}

// Prune drops samples that fell out of their retention windows.
func (s *StatsService) Prune(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "service.PruneStats")
	defer span.End()

	now := s.clock.Now().UTC()
	fulfilments, err := s.store.Stats().PruneFulfillments(ctx, now.Add(-s.cfg.FulfillmentRetention))
	if err != nil {
		recordErr(span, err, "failed to prune fulfilments")
		return fmt.Errorf("failed to prune fulfilments: %w", err)
	}
	models, err := s.store.Stats().PruneModelPerformances(ctx, now.Add(-s.cfg.ModelRetention))
	if err != nil {
		recordErr(span, err, "failed to prune model performances")
		return fmt.Errorf("failed to prune model performances: %w", err)
	}
	if fulfilments+models > 0 {
		s.logger.Debug("stats pruned", "fulfilments", fulfilments, "model_performances", models)
	}
	return nil
}

// Performance reports queue and worker figures for every variant.
func (s *StatsService) Performance(ctx context.Context) ([]domain.PerformanceReport, error) {
	ctx, span := s.tracer.Start(ctx, "service.Performance")
	defer span.End()

	now := s.clock.Now().UTC()
	nodes, err := s.nodes.CountNodes(ctx)
	if err != nil {
		s.logger.Warn("failed to count nodes", "error", err)
		nodes = 1
	}
	reports := make([]domain.PerformanceReport, 0, len(domain.Variants))
	for _, variant := range domain.Variants {
		totals, err := s.store.WaitingPrompts().QueueTotals(ctx, variant, now)
		if err != nil {
			recordErr(span, err, "failed to read queue totals")
			return nil, err
		}
		online, err := s.store.Workers().ListOnline(ctx, variant, now.Add(-domain.StaleWorkerTTL))
		if err != nil {
			recordErr(span, err, "failed to list online workers")
			return nil, err
		}
		var threads int64
		for _, w := range online {
			threads += int64(max(w.Threads, 1))
		}
		things, fulfils, err := s.store.Stats().ThingsSince(ctx, variant, now.Add(-performanceWindow))
		if err != nil {
			return nil, err
		}
		reports = append(reports, domain.PerformanceReport{
			Variant:           variant,
			QueuedRequests:    totals.QueuedRequests,
			QueuedThings:      totals.QueuedThings / variant.ThingDivisor(),
			WorkerCount:       int64(len(online)),
			ThreadCount:       threads,
			PastMinuteThings:  things / variant.ThingDivisor(),
			PastMinuteFulfils: fulfils,
			Nodes:             nodes,
		})
	}
	return reports, nil
}
