package publisher

import (
	"context"
	"fmt"
	"time"
)

// Simulated stands in for a platform integration: it waits Latency and
// returns "<platform>_<unix millis>" as the platform post id.
type Simulated struct {
	Platform string
	Latency  time.Duration
	Now      func() time.Time
}

func (s *Simulated) Publish(ctx context.Context, req Request) (Result, error) {
	if s.Latency > 0 {
		t := time.NewTimer(s.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Result{}, Transient(s.Platform, ctx.Err())
		case <-t.C:
		}
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return Result{PlatformPostID: fmt.Sprintf("%s_%d", s.Platform, now().UnixMilli())}, nil
}

// RegisterSimulated registers a Simulated publisher for every default
// platform that has no publisher yet.
func RegisterSimulated(r *Registry, latency time.Duration) {
	for platform, caps := range DefaultCapabilities {
		if _, ok := r.lookup(platform); ok {
			continue
		}
		r.Register(platform, caps, &Simulated{Platform: platform, Latency: latency})
	}
}
