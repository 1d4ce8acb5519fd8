package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maheshrc27/postflow/internal/clock"
	"github.com/maheshrc27/postflow/internal/credentials"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

const (
	refreshWindow      = 30 * time.Minute
	refreshConcurrency = 10
)

// Refresher exchanges a connection's refresh token for a new token.
type Refresher interface {
	Refresh(ctx context.Context, conn *models.PlatformConnection) (*oauth2.Token, error)
}

// OAuthRefresher refreshes through a standard oauth2 token endpoint.
type OAuthRefresher struct {
	Config *oauth2.Config
}

func (o OAuthRefresher) Refresh(ctx context.Context, conn *models.PlatformConnection) (*oauth2.Token, error) {
	// an expired token forces the source to hit the token endpoint
	stale := &oauth2.Token{
		AccessToken:  conn.AccessToken,
		RefreshToken: conn.RefreshToken,
		Expiry:       time.Unix(1, 0),
	}
	return o.Config.TokenSource(ctx, stale).Token()
}

type TokenRefreshJob struct {
	conns      repository.ConnectionRepository
	refreshers map[string]Refresher
	sealer     *credentials.Sealer
	clock      clock.Clock
	log        zerolog.Logger
}

func NewTokenRefreshJob(
	conns repository.ConnectionRepository,
	refreshers map[string]Refresher,
	sealer *credentials.Sealer,
	c clock.Clock,
	log zerolog.Logger) *TokenRefreshJob {
	return &TokenRefreshJob{
		conns:      conns,
		refreshers: refreshers,
		sealer:     sealer,
		clock:      c,
		log:        log,
	}
}

// RefreshTokens renews every active connection expiring within the next half hour.
// A connection whose grant was revoked is deactivated so later publishes fail fast.
func (j *TokenRefreshJob) RefreshTokens(ctx context.Context) error {
	conns, err := j.conns.ListExpiring(ctx, j.clock.Now().Add(refreshWindow))
	if err != nil {
		return fmt.Errorf("list expiring connections: %w", err)
	}

	var wg sync.WaitGroup
	var failed atomic.Int64
	semaphore := make(chan struct{}, refreshConcurrency)

	for _, conn := range conns {
		refresher, ok := j.refreshers[conn.Platform]
		if !ok {
			continue
		}

		wg.Add(1)
		semaphore <- struct{}{}

		go func(conn *models.PlatformConnection) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if err := j.refresh(ctx, refresher, conn); err != nil {
				failed.Add(1)
				j.log.Warn().Err(err).Int64("connection_id", conn.ID).Str("platform", conn.Platform).Msg("refresh token")
			}
		}(conn)
	}
	wg.Wait()

	if n := failed.Load(); n > 0 {
		return fmt.Errorf("token refresh failed for %d of %d connections", n, len(conns))
	}
	return nil
}

func (j *TokenRefreshJob) refresh(ctx context.Context, refresher Refresher, conn *models.PlatformConnection) error {
	var err error
	if conn.AccessToken, err = j.sealer.Open(conn.AccessToken); err != nil {
		return fmt.Errorf("unseal access token: %w", err)
	}
	if conn.RefreshToken, err = j.sealer.Open(conn.RefreshToken); err != nil {
		return fmt.Errorf("unseal refresh token: %w", err)
	}

	tok, err := refresher.Refresh(ctx, conn)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			if derr := j.conns.Deactivate(ctx, conn.ID); derr != nil {
				return fmt.Errorf("deactivate after %v: %w", err, derr)
			}
			j.log.Info().Int64("connection_id", conn.ID).Str("platform", conn.Platform).Msg("grant rejected, connection deactivated")
			return nil
		}
		return err
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = conn.RefreshToken
	}
	access, err := j.sealer.Seal(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := j.sealer.Seal(refreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		expiresAt = &tok.Expiry
	}
	return j.conns.SetTokens(ctx, conn.ID, access, refresh, expiresAt)
}
