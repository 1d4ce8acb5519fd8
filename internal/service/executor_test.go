package service

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maheshrc27/postflow/internal/media"
	"github.com/maheshrc27/postflow/internal/models"
	"github.com/rs/zerolog"
)

func TestConcurrentDeliveriesPublishOnce(t *testing.T) {
	h := newHarness(t, 0)
	postID := h.createPost("hello", at(time.Hour), "twitter")
	jobID, err := h.sched.Schedule(h.ctx, postID, "twitter", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.exec.HandleJob(h.ctx, jobID); err != nil {
				t.Errorf("handle job: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := len(h.pubs["twitter"].callTimes()); n != 1 {
		t.Fatalf("expected exactly one publish, got %d", n)
	}
	if got := h.job(jobID).Status; got != models.JobSucceeded {
		t.Fatalf("job status %q", got)
	}

	// a late duplicate delivery is absorbed too
	if err := h.exec.HandleJob(h.ctx, jobID); err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if n := len(h.pubs["twitter"].callTimes()); n != 1 {
		t.Fatalf("duplicate delivery published again")
	}
}

// Scenario: every platform succeeds.
func TestAllPlatformsSucceed(t *testing.T) {
	h := newHarness(t, 0)
	postID := h.createPost("launch", at(time.Minute), "twitter", "weibo", "bilibili")
	if _, err := h.sched.SchedulePost(h.ctx, postID); err != nil {
		t.Fatalf("schedule post: %v", err)
	}
	h.clock.Advance(time.Minute)

	post := h.post(postID)
	if post.Status != models.PostStatusPublished || post.PublishedAt == nil {
		t.Fatalf("expected published post with time, got %+v", post)
	}
	for _, p := range post.Platforms {
		pj := h.latest(postID, p)
		if pj.Status != models.PlatformJobPublished || pj.PlatformPostID != p+"_1" || pj.Attempts != 1 {
			t.Fatalf("%s: unexpected platform job %+v", p, pj)
		}
	}
	if got := h.notes.types(); len(got) != 1 || got[0] != "post.published" {
		t.Fatalf("expected one published notification, got %v", got)
	}
}

// Scenario: one platform succeeds, one fails permanently.
func TestPartialPermanentFailure(t *testing.T) {
	h := newHarness(t, 0)
	h.pubs["weibo"].script = []error{permanentErr("weibo", "account suspended")}
	postID := h.createPost("hello", at(time.Minute), "twitter", "weibo")
	_, _ = h.sched.SchedulePost(h.ctx, postID)
	h.clock.Advance(time.Minute)

	if got := h.latest(postID, "twitter").Status; got != models.PlatformJobPublished {
		t.Fatalf("twitter status %q", got)
	}
	wb := h.latest(postID, "weibo")
	if wb.Status != models.PlatformJobFailed || wb.ErrorMessage != "account suspended" {
		t.Fatalf("unexpected weibo row %+v", wb)
	}
	if n := len(h.pubs["weibo"].callTimes()); n != 1 {
		t.Fatalf("permanent failure must not retry, got %d calls", n)
	}
	if got := h.post(postID).Status; got != models.PostStatusFailed {
		t.Fatalf("expected failed post, got %q", got)
	}

	entries, _ := h.repos.Audit.ListByResource(h.ctx, "post", strconv.FormatInt(postID, 10))
	if len(entries) != 1 || entries[0].Action != "post.failed" {
		t.Fatalf("expected a post.failed audit entry, got %+v", entries)
	}
}

func TestTransientFailureBackoff(t *testing.T) {
	h := newHarness(t, 0)
	pub := h.pubs["twitter"]
	pub.script = []error{
		transientErr("twitter", "503"),
		transientErr("twitter", "503"),
		transientErr("twitter", "503"),
		transientErr("twitter", "503"),
	}
	postID := h.createPost("hello", at(time.Minute), "twitter")
	_, _ = h.sched.SchedulePost(h.ctx, postID)

	h.clock.Advance(time.Minute)
	pj := h.latest(postID, "twitter")
	if pj.Status != models.PlatformJobScheduled || pj.Attempts != 1 || pj.ErrorMessage != "503" {
		t.Fatalf("after first failure expected a rescheduled row, got %+v", pj)
	}
	if got := h.post(postID).Status; got != models.PostStatusScheduled {
		t.Fatalf("post must stay scheduled while retrying, got %q", got)
	}

	h.clock.Advance(time.Hour)
	calls := pub.callTimes()
	if len(calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(calls))
	}
	first, second := calls[1].Sub(calls[0]), calls[2].Sub(calls[1])
	if first != 30*time.Second || second != time.Minute {
		t.Fatalf("unexpected backoff delays %v, %v", first, second)
	}
	if second < first {
		t.Fatalf("backoff must not decrease")
	}

	pj = h.latest(postID, "twitter")
	if pj.Status != models.PlatformJobFailed || pj.Attempts != 3 || !strings.Contains(pj.ErrorMessage, "attempts exhausted") {
		t.Fatalf("expected exhausted failure, got %+v", pj)
	}
	if got := h.post(postID).Status; got != models.PostStatusFailed {
		t.Fatalf("expected failed post, got %q", got)
	}
	stats, _ := h.repos.Jobs.CountByStatus(h.ctx)
	if stats[models.JobRetried] != 2 || stats[models.JobFailed] != 1 {
		t.Fatalf("unexpected job stats %v", stats)
	}
}

func TestTransientThenSuccess(t *testing.T) {
	h := newHarness(t, 0)
	h.pubs["bilibili"].script = []error{transientErr("bilibili", "reset by peer")}
	postID := h.createPost("hello", at(time.Minute), "bilibili")
	_, _ = h.sched.SchedulePost(h.ctx, postID)

	h.clock.Advance(2 * time.Minute)
	pj := h.latest(postID, "bilibili")
	if pj.Status != models.PlatformJobPublished || pj.Attempts != 2 || pj.ErrorMessage != "" {
		t.Fatalf("expected published on second attempt, got %+v", pj)
	}
	if got := h.post(postID).Status; got != models.PostStatusPublished {
		t.Fatalf("expected published, got %q", got)
	}
}

func TestInactiveConnectionFailsWithoutPublishing(t *testing.T) {
	h := newHarness(t, 0)
	h.connect(2, "twitter", false)
	id, _ := h.repos.Posts.Create(h.ctx, &models.Post{UserID: 2, Content: "hi", Platforms: []string{"twitter"}})
	if _, err := h.sched.Schedule(h.ctx, id, "twitter", t0); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	h.clock.Advance(time.Hour)

	pj := h.latest(id, "twitter")
	if pj.Status != models.PlatformJobFailed || pj.ErrorMessage != msgConnectionInactive {
		t.Fatalf("unexpected platform job %+v", pj)
	}
	if n := len(h.pubs["twitter"].callTimes()); n != 0 {
		t.Fatalf("publisher must not be called, got %d", n)
	}
}

func TestMediaChecksFailPermanently(t *testing.T) {
	h := newHarness(t, 0)
	store := media.NewMemoryStore()
	store.Put("clip.mp4", []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm', 0x00, 0x00, 0x02, 0x00})
	exec := NewExecutor(ExecutorDeps{
		Repos:      h.repos,
		Registry:   h.reg,
		Media:      store,
		Dispatcher: h.disp,
		Aggregator: h.agg,
		Clock:      h.clock,
	}, zerolog.Nop())

	cases := []struct {
		name     string
		platform string
		ref      string
	}{
		{"video on an image-only platform", "douyu", "clip.mp4"},
		{"missing object", "twitter", "gone.png"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, _ := h.repos.Posts.Create(h.ctx, &models.Post{
				UserID: 1, Content: "clip", Platforms: []string{tc.platform}, MediaRefs: []string{tc.ref},
			})
			jobID, err := h.sched.Schedule(h.ctx, id, tc.platform, t0.Add(time.Hour))
			if err != nil {
				t.Fatalf("schedule: %v", err)
			}
			if err := exec.HandleJob(h.ctx, jobID); err != nil {
				t.Fatalf("handle job: %v", err)
			}
			if got := h.latest(id, tc.platform).Status; got != models.PlatformJobFailed {
				t.Fatalf("expected failed, got %q", got)
			}
			if got := h.job(jobID).Status; got != models.JobFailed {
				t.Fatalf("permanent media errors must not retry, job %q", got)
			}
		})
	}
	if n := len(h.pubs["douyu"].callTimes()) + len(h.pubs["twitter"].callTimes()); n != 0 {
		t.Fatalf("publishers must not be called, got %d", n)
	}
}

func TestPublishTimeoutIsTransient(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	pub := h.pubs["weibo"]
	release := make(chan struct{})
	pub.release = release
	t.Cleanup(func() { close(release) })

	postID := h.createPost("slow", at(time.Hour), "weibo")
	jobID, _ := h.sched.Schedule(h.ctx, postID, "weibo", t0.Add(time.Hour))

	done := make(chan error, 1)
	go func() { done <- h.exec.HandleJob(h.ctx, jobID) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handle job: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("executor did not give up on a hung publisher")
	}

	pj := h.latest(postID, "weibo")
	if pj.Status != models.PlatformJobScheduled || !strings.Contains(pj.ErrorMessage, "timed out") {
		t.Fatalf("timeout should schedule a retry, got %+v", pj)
	}
	if got := h.job(jobID).Status; got != models.JobRetried {
		t.Fatalf("timed out job status %q", got)
	}
}

func TestDeliveryCancelledMidPublishIsRetried(t *testing.T) {
	for i := 0; i < 10; i++ {
		h := newHarness(t, 0)
		pub := h.pubs["twitter"]
		pub.entered = make(chan struct{}, 1)
		pub.waitCtx = true

		postID := h.createPost("hello", at(time.Hour), "twitter")
		jobID, _ := h.sched.Schedule(h.ctx, postID, "twitter", t0.Add(time.Hour))

		ctx, cancel := context.WithCancel(h.ctx)
		done := make(chan error, 1)
		go func() { done <- h.exec.HandleJob(ctx, jobID) }()
		<-pub.entered
		cancel()
		if err := <-done; err != nil {
			t.Fatalf("handle job: %v", err)
		}

		pj := h.latest(postID, "twitter")
		if pj.Status != models.PlatformJobScheduled {
			t.Fatalf("run %d: cancelled delivery should schedule a retry, got %+v", i, pj)
		}
		if got := h.job(jobID).Status; got != models.JobRetried {
			t.Fatalf("run %d: job status %q", i, got)
		}
	}
}

func TestCancelDuringPublishLetsAttemptFinish(t *testing.T) {
	h := newHarness(t, 0)
	pub := h.pubs["twitter"]
	pub.entered = make(chan struct{}, 1)
	pub.release = make(chan struct{})

	postID := h.createPost("hello", at(time.Hour), "twitter")
	jobID, _ := h.sched.Schedule(h.ctx, postID, "twitter", t0.Add(time.Hour))

	done := make(chan error, 1)
	go func() { done <- h.exec.HandleJob(h.ctx, jobID) }()
	<-pub.entered

	if err := h.sched.Cancel(h.ctx, jobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(pub.release)
	if err := <-done; err != nil {
		t.Fatalf("handle job: %v", err)
	}

	if got := h.latest(postID, "twitter").Status; got != models.PlatformJobPublished {
		t.Fatalf("in-flight attempt should complete, got %q", got)
	}
	if got := h.job(jobID).Status; got != models.JobSucceeded {
		t.Fatalf("job status %q", got)
	}
}

func TestSupersededJobIsDropped(t *testing.T) {
	h := newHarness(t, 0)
	postID := h.createPost("hello", at(time.Hour), "twitter")
	old, _ := h.sched.Schedule(h.ctx, postID, "twitter", t0.Add(time.Hour))
	_, _ = h.sched.Schedule(h.ctx, postID, "twitter", t0.Add(2*time.Hour))

	// force the stale job back to pending, as a lost disarm would leave it
	h.repos.Jobs.Transition(h.ctx, old, models.JobCancelled, models.JobPending)
	if err := h.exec.HandleJob(h.ctx, old); err != nil {
		t.Fatalf("handle job: %v", err)
	}
	if got := h.job(old).Status; got != models.JobCancelled {
		t.Fatalf("superseded job should be cancelled, got %q", got)
	}
	if n := len(h.pubs["twitter"].callTimes()); n != 0 {
		t.Fatalf("superseded job published")
	}
}

func TestJobForDeletedPostIsDropped(t *testing.T) {
	h := newHarness(t, 0)
	postID := h.createPost("hello", at(time.Hour), "twitter")
	jobID, _ := h.sched.Schedule(h.ctx, postID, "twitter", t0.Add(time.Hour))
	_ = h.repos.Posts.Remove(h.ctx, postID)

	if err := h.exec.HandleJob(h.ctx, jobID); err != nil {
		t.Fatalf("handle job: %v", err)
	}
	if got := h.job(jobID).Status; got != models.JobCancelled {
		t.Fatalf("expected cancelled, got %q", got)
	}
}
