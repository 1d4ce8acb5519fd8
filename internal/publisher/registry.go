package publisher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/maheshrc27/postflow/internal/media"
	"golang.org/x/time/rate"
)

var (
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrContentTooLong      = errors.New("content exceeds platform character limit")
	ErrMediaNotSupported   = errors.New("media kind not supported by platform")
)

type Capabilities struct {
	CharacterLimit int
	SupportsImages bool
	SupportsVideos bool
}

// DefaultCapabilities lists the platforms the service knows about.
var DefaultCapabilities = map[string]Capabilities{
	"bilibili": {CharacterLimit: 2000, SupportsImages: true, SupportsVideos: true},
	"weibo":    {CharacterLimit: 140, SupportsImages: true, SupportsVideos: true},
	"douyu":    {CharacterLimit: 500, SupportsImages: true, SupportsVideos: false},
	"twitter":  {CharacterLimit: 280, SupportsImages: true, SupportsVideos: true},
	"youtube":  {CharacterLimit: 5000, SupportsImages: false, SupportsVideos: true},
}

type entry struct {
	publisher Publisher
	caps      Capabilities
	limiter   *rate.Limiter
}

// Registry maps platform ids to publishers. Each platform gets its own
// token bucket so one busy platform cannot starve the others.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	rps     rate.Limit
	burst   int
}

// NewRegistry limits each platform to rps publishes per second. rps <= 0 disables limiting.
func NewRegistry(rps float64, burst int) *Registry {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Registry{entries: make(map[string]*entry), rps: limit, burst: burst}
}

func (r *Registry) Register(platform string, caps Capabilities, p Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[platform] = &entry{
		publisher: p,
		caps:      caps,
		limiter:   rate.NewLimiter(r.rps, r.burst),
	}
}

func (r *Registry) lookup(platform string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[platform]
	return e, ok
}

func (r *Registry) Capabilities(platform string) (Capabilities, bool) {
	e, ok := r.lookup(platform)
	if !ok {
		return Capabilities{}, false
	}
	return e.caps, true
}

func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for p := range r.entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Validate checks content and media against the platform's capabilities.
func (r *Registry) Validate(platform, content string, kinds []media.Kind) error {
	e, ok := r.lookup(platform)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedPlatform, platform)
	}
	if n := utf8.RuneCountInString(content); e.caps.CharacterLimit > 0 && n > e.caps.CharacterLimit {
		return fmt.Errorf("%w: %d > %d", ErrContentTooLong, n, e.caps.CharacterLimit)
	}
	for _, k := range kinds {
		switch {
		case k == media.KindImage && !e.caps.SupportsImages,
			k == media.KindVideo && !e.caps.SupportsVideos:
			return fmt.Errorf("%w: %s on %s", ErrMediaNotSupported, k, platform)
		}
	}
	return nil
}

// Publish waits for the platform's rate limiter and then calls its publisher.
func (r *Registry) Publish(ctx context.Context, req Request) (Result, error) {
	e, ok := r.lookup(req.Platform)
	if !ok {
		return Result{}, Permanent(req.Platform, ErrUnsupportedPlatform)
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return Result{}, Transient(req.Platform, fmt.Errorf("rate limit wait: %w", err))
	}
	return e.publisher.Publish(ctx, req)
}
