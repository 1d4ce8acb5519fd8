package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/maheshrc27/postflow/internal/clock"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/maheshrc27/postflow/internal/notify"
	"github.com/maheshrc27/postflow/internal/publisher"
	"github.com/maheshrc27/postflow/internal/queue"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/rs/zerolog"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

// scriptedPublisher returns script[i] on the i-th call and succeeds past the end.
type scriptedPublisher struct {
	mu       sync.Mutex
	platform string
	script   []error
	calls    []time.Time
	now      func() time.Time
	entered  chan struct{}
	release  chan struct{}
	// waitCtx makes Publish block until ctx ends and return its raw error
	waitCtx  bool
}

func (p *scriptedPublisher) Publish(ctx context.Context, req publisher.Request) (publisher.Result, error) {
	p.mu.Lock()
	i := len(p.calls)
	p.calls = append(p.calls, p.now())
	var err error
	if i < len(p.script) {
		err = p.script[i]
	}
	entered, release, waitCtx := p.entered, p.release, p.waitCtx
	p.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if waitCtx {
		<-ctx.Done()
		return publisher.Result{}, ctx.Err()
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return publisher.Result{}, err
	}
	return publisher.Result{PlatformPostID: fmt.Sprintf("%s_%d", p.platform, i+1)}, nil
}

func (p *scriptedPublisher) callTimes() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Time(nil), p.calls...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	clock *clock.Fake
	repos *repository.Repositories
	reg   *publisher.Registry
	disp  *queue.TimerDispatcher
	notes *recordingNotifier
	pubs  map[string]*scriptedPublisher

	agg   Aggregator
	sched Scheduler
	exec  Executor
}

var testPlatforms = []string{"twitter", "weibo", "bilibili", "douyu"}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		clock: clock.NewFake(t0),
		repos: repository.NewMemory(),
		reg:   publisher.NewRegistry(0, 1),
		notes: &recordingNotifier{},
		pubs:  make(map[string]*scriptedPublisher),
	}
	for _, p := range testPlatforms {
		pub := &scriptedPublisher{platform: p, now: h.clock.Now}
		h.pubs[p] = pub
		h.reg.Register(p, publisher.DefaultCapabilities[p], pub)
		h.connect(1, p, true)
	}

	log := zerolog.Nop()
	h.disp = queue.NewTimerDispatcher(h.clock, 4, log)
	h.agg = NewAggregator(h.repos.Posts, h.repos.Audit, h.notes, h.clock, log)
	h.sched = NewScheduler(h.repos, h.disp, h.agg, h.reg, h.clock,
		JobPolicy{MaxAttempts: 3, Backoff: models.Backoff{Base: 30 * time.Second, Max: 15 * time.Minute}}, log)
	h.exec = NewExecutor(ExecutorDeps{
		Repos:      h.repos,
		Registry:   h.reg,
		Dispatcher: h.disp,
		Aggregator: h.agg,
		Clock:      h.clock,
		Timeout:    timeout,
	}, log)
	if err := h.disp.Start(h.ctx, h.exec.HandleJob); err != nil {
		t.Fatalf("start dispatcher: %v", err)
	}
	t.Cleanup(h.disp.Shutdown)
	return h
}

func (h *harness) connect(userID int64, platform string, active bool) int64 {
	h.t.Helper()
	id, err := h.repos.Connections.Create(h.ctx, &models.PlatformConnection{
		UserID: userID, Platform: platform, PlatformUserID: "u-" + platform, AccessToken: "token", IsActive: active,
	})
	if err != nil {
		h.t.Fatalf("create connection: %v", err)
	}
	return id
}

func (h *harness) createPost(content string, scheduledAt *time.Time, platforms ...string) int64 {
	h.t.Helper()
	id, err := h.repos.Posts.Create(h.ctx, &models.Post{
		UserID: 1, Content: content, Platforms: platforms, ScheduledAt: scheduledAt,
	})
	if err != nil {
		h.t.Fatalf("create post: %v", err)
	}
	return id
}

func (h *harness) post(id int64) *models.Post {
	h.t.Helper()
	p, err := h.repos.Posts.GetByID(h.ctx, id)
	if err != nil {
		h.t.Fatalf("get post %d: %v", id, err)
	}
	return p
}

func (h *harness) latest(postID int64, platform string) *models.PlatformJob {
	h.t.Helper()
	pj, err := h.repos.PlatformJobs.Latest(h.ctx, postID, platform)
	if err != nil {
		h.t.Fatalf("latest %s: %v", platform, err)
	}
	return pj
}

func (h *harness) job(id string) *models.Job {
	h.t.Helper()
	j, err := h.repos.Jobs.GetByID(h.ctx, id)
	if err != nil {
		h.t.Fatalf("get job %s: %v", id, err)
	}
	return j
}

func at(d time.Duration) *time.Time {
	v := t0.Add(d)
	return &v
}

func moveToProcessing(t *testing.T, h *harness, platformJobID int64, jobID string) {
	t.Helper()
	ok, err := h.repos.PlatformJobs.Transition(h.ctx, platformJobID,
		repository.PlatformJobCond{From: []models.PlatformJobStatus{models.PlatformJobScheduled}, JobID: jobID},
		models.PlatformJobUpdate{Status: models.PlatformJobProcessing})
	if err != nil || !ok {
		t.Fatalf("move platform job %d to processing: %v %v", platformJobID, ok, err)
	}
}

func permanentErr(platform, msg string) error {
	return publisher.Permanent(platform, errors.New(msg))
}

func transientErr(platform, msg string) error {
	return publisher.Transient(platform, errors.New(msg))
}
