package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/maheshrc27/postflow/internal/clock"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/rs/zerolog"
)

// AnalyticsFetcher reads account metrics for a connection. prev is the last
// stored snapshot, or nil.
type AnalyticsFetcher interface {
	Fetch(ctx context.Context, conn *models.PlatformConnection, prev *models.AnalyticsSnapshot) (*models.AnalyticsSnapshot, error)
}

// SimulatedAnalytics grows the previous snapshot by a small per-connection step.
type SimulatedAnalytics struct{}

func (SimulatedAnalytics) Fetch(_ context.Context, conn *models.PlatformConnection, prev *models.AnalyticsSnapshot) (*models.AnalyticsSnapshot, error) {
	step := conn.ID%7 + 1
	snap := &models.AnalyticsSnapshot{ConnectionID: conn.ID, Platform: conn.Platform}
	if prev != nil {
		snap.Followers = prev.Followers
		snap.Posts = prev.Posts
		snap.Reach = prev.Reach
	}
	snap.Followers += step * 10
	snap.Posts += 1
	snap.Reach += step * 100
	if snap.Followers > 0 {
		snap.Engagement = float64(snap.Reach) / float64(snap.Followers) / 100
	}
	return snap, nil
}

type AnalyticsJob struct {
	conns     repository.ConnectionRepository
	snapshots repository.AnalyticsRepository
	fetchers  map[string]AnalyticsFetcher
	fallback  AnalyticsFetcher
	clock     clock.Clock
	log       zerolog.Logger
}

// NewAnalyticsJob uses fallback for any platform missing from fetchers; fallback may be nil.
func NewAnalyticsJob(conns repository.ConnectionRepository, snapshots repository.AnalyticsRepository,
	fetchers map[string]AnalyticsFetcher, fallback AnalyticsFetcher, c clock.Clock, log zerolog.Logger) *AnalyticsJob {
	return &AnalyticsJob{
		conns:     conns,
		snapshots: snapshots,
		fetchers:  fetchers,
		fallback:  fallback,
		clock:     c,
		log:       log,
	}
}

func (j *AnalyticsJob) Refresh(ctx context.Context) error {
	conns, err := j.conns.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active connections: %w", err)
	}

	stored, failed := 0, 0
	for _, conn := range conns {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetcher, ok := j.fetchers[conn.Platform]
		if !ok {
			fetcher = j.fallback
		}
		if fetcher == nil {
			continue
		}
		if err := j.refreshOne(ctx, fetcher, conn); err != nil {
			failed++
			j.log.Warn().Err(err).Int64("connection_id", conn.ID).Str("platform", conn.Platform).Msg("refresh analytics")
			continue
		}
		stored++
	}
	j.log.Info().Int("stored", stored).Int("failed", failed).Msg("analytics refreshed")
	return nil
}

func (j *AnalyticsJob) refreshOne(ctx context.Context, fetcher AnalyticsFetcher, conn *models.PlatformConnection) error {
	prev, err := j.snapshots.LatestByConnection(ctx, conn.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	snap, err := fetcher.Fetch(ctx, conn, prev)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	snap.ConnectionID = conn.ID
	snap.Platform = conn.Platform
	snap.CapturedAt = j.clock.Now()
	return j.snapshots.Create(ctx, snap)
}
