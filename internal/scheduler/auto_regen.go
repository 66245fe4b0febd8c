// Package scheduler provides job scheduling and execution for tvarr.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/tvarr/internal/models"
	"github.com/jmylchreest/tvarr/internal/repository"
)

// AutoRegenService handles auto-regeneration of proxies when sources are updated.
// It implements the AutoRegenerationTrigger interface.
type AutoRegenService struct {
	proxyRepo repository.StreamProxyRepository
	scheduler *Scheduler
	logger    *slog.Logger
}

// NewAutoRegenService creates a new auto-regeneration service.
func NewAutoRegenService(proxyRepo repository.StreamProxyRepository, scheduler *Scheduler) *AutoRegenService {
	return &AutoRegenService{
		proxyRepo: proxyRepo,
		scheduler: scheduler,
		logger:    slog.Default(),
	}
}

// WithLogger sets a custom logger.
func (s *AutoRegenService) WithLogger(logger *slog.Logger) *AutoRegenService {
	s.logger = logger
	return s
}

// SourceKind distinguishes which side of a proxy's source list changed,
// since stream sources and EPG sources are looked up through separate
// repository methods.
type SourceKind string

const (
	// SourceKindStream identifies a stream (channel) source.
	SourceKindStream SourceKind = "stream"
	// SourceKindEpg identifies an EPG (guide data) source.
	SourceKindEpg SourceKind = "epg"
)

func (s *AutoRegenService) proxiesForSource(ctx context.Context, sourceID models.ULID, kind SourceKind) ([]*models.StreamProxy, error) {
	switch kind {
	case SourceKindStream:
		return s.proxyRepo.GetBySourceID(ctx, sourceID)
	case SourceKindEpg:
		return s.proxyRepo.GetByEpgSourceID(ctx, sourceID)
	default:
		return nil, fmt.Errorf("unknown source kind: %s", kind)
	}
}

// TriggerAutoRegeneration queues proxy regeneration jobs for every proxy
// with AutoRegenerate enabled that draws from sourceID. Proxies with
// auto-regeneration disabled are skipped; scheduling failures for one
// proxy do not stop the others.
func (s *AutoRegenService) TriggerAutoRegeneration(ctx context.Context, sourceID models.ULID, sourceType string) error {
	kind := SourceKind(sourceType)
	proxies, err := s.proxiesForSource(ctx, sourceID, kind)
	if err != nil {
		return fmt.Errorf("getting proxies for source %s: %w", sourceID, err)
	}

	if len(proxies) == 0 {
		s.logger.Debug("no proxies use this source",
			slog.String("source_id", sourceID.String()),
			slog.String("source_type", string(kind)))
		return nil
	}

	var triggered, skipped int
	for _, proxy := range proxies {
		if s.triggerOne(ctx, proxy, sourceID, kind) {
			triggered++
		} else {
			skipped++
		}
	}

	s.logger.Info("auto-regeneration trigger completed",
		slog.String("source_id", sourceID.String()),
		slog.String("source_type", string(kind)),
		slog.Int("proxies_found", len(proxies)),
		slog.Int("triggered", triggered),
		slog.Int("skipped", skipped))

	return nil
}

// triggerOne schedules regeneration for a single proxy, returning whether a
// job was queued. A scheduling failure counts as skipped, same as a proxy
// with auto-regeneration disabled, rather than aborting the batch.
func (s *AutoRegenService) triggerOne(ctx context.Context, proxy *models.StreamProxy, sourceID models.ULID, kind SourceKind) bool {
	if !proxy.AutoRegenerate {
		s.logger.Debug("skipping proxy without auto-regenerate",
			slog.String("proxy_id", proxy.ID.String()),
			slog.String("proxy_name", proxy.Name))
		return false
	}

	job, err := s.scheduler.ScheduleImmediate(ctx, models.JobTypeProxyGeneration, proxy.ID, proxy.Name)
	if err != nil {
		s.logger.Error("failed to schedule proxy regeneration",
			slog.String("proxy_id", proxy.ID.String()),
			slog.String("proxy_name", proxy.Name),
			slog.Any("error", err))
		return false
	}

	s.logger.Info("queued auto-regeneration for proxy",
		slog.String("proxy_id", proxy.ID.String()),
		slog.String("proxy_name", proxy.Name),
		slog.String("job_id", job.ID.String()),
		slog.String("source_id", sourceID.String()),
		slog.String("source_type", string(kind)))
	return true
}

// Ensure AutoRegenService implements AutoRegenerationTrigger at compile time.
var _ AutoRegenerationTrigger = (*AutoRegenService)(nil)
