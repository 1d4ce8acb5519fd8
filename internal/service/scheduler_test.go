package service

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

func TestScheduleUnknownPost(t *testing.T) {
	h := newHarness(t, 0)
	if _, err := h.sched.Schedule(h.ctx, 404, "twitter", t0); !errors.Is(err, ErrPostNotFound) {
		t.Fatalf("expected ErrPostNotFound, got %v", err)
	}
}

func TestScheduleRejectsUntargetedPlatform(t *testing.T) {
	h := newHarness(t, 0)
	postID := h.createPost("hello", nil, "twitter")
	if _, err := h.sched.Schedule(h.ctx, postID, "weibo", t0); !errors.Is(err, ErrPlatformNotTargeted) {
		t.Fatalf("expected ErrPlatformNotTargeted, got %v", err)
	}
}

func TestScheduleContentTooLong(t *testing.T) {
	h := newHarness(t, 0)
	postID := h.createPost(strings.Repeat("x", 200), nil, "weibo", "twitter")

	if _, err := h.sched.Schedule(h.ctx, postID, "weibo", t0); !errors.Is(err, ErrContentTooLong) {
		t.Fatalf("expected ErrContentTooLong for weibo, got %v", err)
	}
	if _, err := h.sched.Schedule(h.ctx, postID, "twitter", t0); err != nil {
		t.Fatalf("twitter allows 280 characters: %v", err)
	}

	long := h.createPost(strings.Repeat("x", models.MaxContentLength+1), nil, "bilibili")
	if _, err := h.sched.Schedule(h.ctx, long, "bilibili", t0); !errors.Is(err, ErrContentTooLong) {
		t.Fatalf("expected ErrContentTooLong over the global bound, got %v", err)
	}
}

func TestSchedulePastFireTimeRunsImmediately(t *testing.T) {
	h := newHarness(t, 0)
	postID := h.createPost("hello", nil, "twitter")

	jobID, err := h.sched.Schedule(h.ctx, postID, "twitter", t0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got := h.job(jobID).FireAt; !got.Equal(t0) {
		t.Fatalf("fire time should collapse to now, got %v", got)
	}

	h.clock.Advance(0)
	if got := h.latest(postID, "twitter").Status; got != models.PlatformJobPublished {
		t.Fatalf("expected published, got %q", got)
	}
}

func TestScheduleReplacesArmedJob(t *testing.T) {
	h := newHarness(t, 0)
	postID := h.createPost("hello", at(time.Hour), "twitter")

	first, _ := h.sched.Schedule(h.ctx, postID, "twitter", t0.Add(time.Hour))
	second, err := h.sched.Schedule(h.ctx, postID, "twitter", t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if h.job(first).Status != models.JobCancelled {
		t.Fatalf("previous job should be cancelled")
	}
	pj := h.latest(postID, "twitter")
	if pj.JobID != second || pj.Status != models.PlatformJobScheduled {
		t.Fatalf("platform job should point at the new job: %+v", pj)
	}

	h.clock.Advance(90 * time.Minute)
	if n := len(h.pubs["twitter"].callTimes()); n != 0 {
		t.Fatalf("cancelled job fired %d times", n)
	}
	h.clock.Advance(time.Hour)
	if n := len(h.pubs["twitter"].callTimes()); n != 1 {
		t.Fatalf("expected one publish, got %d", n)
	}
}

func TestScheduleWhileProcessing(t *testing.T) {
	h := newHarness(t, 0)
	postID := h.createPost("hello", at(time.Hour), "twitter")
	jobID, _ := h.sched.Schedule(h.ctx, postID, "twitter", t0.Add(time.Hour))

	pj := h.latest(postID, "twitter")
	h.repos.Jobs.Claim(h.ctx, jobID, t0)
	moveToProcessing(t, h, pj.ID, jobID)

	if _, err := h.sched.Schedule(h.ctx, postID, "twitter", t0.Add(2*time.Hour)); !errors.Is(err, ErrPlatformJobInFlight) {
		t.Fatalf("expected ErrPlatformJobInFlight, got %v", err)
	}
}

func TestCancelBeforeFire(t *testing.T) {
	h := newHarness(t, 0)
	postID := h.createPost("hello", at(10*time.Minute), "twitter")
	jobID, err := h.sched.Schedule(h.ctx, postID, "twitter", t0.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got := h.post(postID).Status; got != models.PostStatusScheduled {
		t.Fatalf("expected scheduled post, got %q", got)
	}

	h.clock.Advance(5 * time.Minute)
	if err := h.sched.Cancel(h.ctx, jobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.clock.Advance(15 * time.Minute)

	if n := len(h.pubs["twitter"].callTimes()); n != 0 {
		t.Fatalf("cancelled job published %d times", n)
	}
	if got := h.job(jobID).Status; got != models.JobCancelled {
		t.Fatalf("job status %q", got)
	}
	if got := h.latest(postID, "twitter").Status; got != models.PlatformJobCancelled {
		t.Fatalf("platform job status %q", got)
	}
	if got := h.post(postID).Status; got != models.PostStatusDraft {
		t.Fatalf("fully cancelled post should be draft, got %q", got)
	}
	if h.disp.Armed() != 0 {
		t.Fatalf("cancelled job left a timer armed")
	}
}

func TestCancelIsForgiving(t *testing.T) {
	h := newHarness(t, 0)
	if err := h.sched.Cancel(h.ctx, "does-not-exist"); err != nil {
		t.Fatalf("unknown job: %v", err)
	}

	postID := h.createPost("hello", nil, "twitter")
	jobID, _ := h.sched.Schedule(h.ctx, postID, "twitter", t0)
	h.clock.Advance(0)
	if err := h.sched.Cancel(h.ctx, jobID); err != nil {
		t.Fatalf("finished job: %v", err)
	}
	if got := h.latest(postID, "twitter").Status; got != models.PlatformJobPublished {
		t.Fatalf("cancel must not touch a terminal platform job, got %q", got)
	}
}

func TestCancelAfterClaimIsNoop(t *testing.T) {
	h := newHarness(t, 0)
	postID := h.createPost("hello", at(time.Hour), "twitter")
	jobID, _ := h.sched.Schedule(h.ctx, postID, "twitter", t0.Add(time.Hour))

	if ok, _ := h.repos.Jobs.Claim(h.ctx, jobID, t0); !ok {
		t.Fatalf("claim failed")
	}
	if err := h.sched.Cancel(h.ctx, jobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := h.job(jobID).Status; got != models.JobProcessing {
		t.Fatalf("claimed job must keep running, got %q", got)
	}
	if got := h.latest(postID, "twitter").Status; got != models.PlatformJobScheduled {
		t.Fatalf("platform job must be untouched, got %q", got)
	}
}

func TestCancelAfterStaleRequeue(t *testing.T) {
	h := newHarness(t, 0)
	postID := h.createPost("hello", at(time.Hour), "twitter")
	jobID, _ := h.sched.Schedule(h.ctx, postID, "twitter", t0.Add(time.Hour))

	pj := h.latest(postID, "twitter")
	h.repos.Jobs.Claim(h.ctx, jobID, t0)
	moveToProcessing(t, h, pj.ID, jobID)

	h.clock.Advance(11 * time.Minute)
	requeued, err := h.repos.Jobs.RequeueStale(h.ctx, h.clock.Now().Add(-10*time.Minute))
	if err != nil || len(requeued) != 1 {
		t.Fatalf("requeue stale: %v %v", requeued, err)
	}
	if got := h.latest(postID, "twitter").Status; got != models.PlatformJobScheduled {
		t.Fatalf("requeue should release the platform job, got %q", got)
	}

	if err := h.sched.Cancel(h.ctx, jobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.clock.Advance(2 * time.Hour)
	if got := h.latest(postID, "twitter").Status; got != models.PlatformJobCancelled {
		t.Fatalf("platform job status %q", got)
	}
	if got := h.post(postID).Status; got != models.PostStatusDraft {
		t.Fatalf("fully cancelled post should be draft, got %q", got)
	}
	if n := len(h.pubs["twitter"].callTimes()); n != 0 {
		t.Fatalf("cancelled job published %d times", n)
	}

	if _, err := h.sched.Schedule(h.ctx, postID, "twitter", h.clock.Now().Add(time.Minute)); err != nil {
		t.Fatalf("schedule after cancel: %v", err)
	}
	h.clock.Advance(time.Minute)
	if got := h.post(postID).Status; got != models.PostStatusPublished {
		t.Fatalf("expected published, got %q", got)
	}
}

func TestCancelReleasesRowHeldByUnclaimedJob(t *testing.T) {
	h := newHarness(t, 0)
	postID := h.createPost("hello", at(time.Hour), "twitter")
	jobID, _ := h.sched.Schedule(h.ctx, postID, "twitter", t0.Add(time.Hour))

	// row left processing by an executor that lost its lease
	moveToProcessing(t, h, h.latest(postID, "twitter").ID, jobID)

	if err := h.sched.Cancel(h.ctx, jobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := h.job(jobID).Status; got != models.JobCancelled {
		t.Fatalf("job status %q", got)
	}
	if got := h.latest(postID, "twitter").Status; got != models.PlatformJobCancelled {
		t.Fatalf("platform job status %q", got)
	}
}

func TestConcurrentScheduleKeepsOneRow(t *testing.T) {
	h := newHarness(t, 0)
	postID := h.createPost("hello", at(time.Hour), "twitter")

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.sched.Schedule(h.ctx, postID, "twitter", t0.Add(time.Hour))
			if err != nil && !errors.Is(err, ErrPlatformJobInFlight) {
				t.Errorf("schedule: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if won == 0 {
		t.Fatalf("no schedule call succeeded")
	}

	rows, err := h.repos.PlatformJobs.ListByPostID(h.ctx, postID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one platform job row, got %d", len(rows))
	}

	h.clock.Advance(2 * time.Hour)
	if n := len(h.pubs["twitter"].callTimes()); n != 1 {
		t.Fatalf("expected one publish, got %d", n)
	}
	if got := h.post(postID).Status; got != models.PostStatusPublished {
		t.Fatalf("expected published, got %q", got)
	}
}

// Scenario: delete a post before it fires.
func TestDeletePostBeforeFire(t *testing.T) {
	h := newHarness(t, 0)
	postID := h.createPost("hello", at(time.Hour), "twitter", "weibo")
	ids, err := h.sched.SchedulePost(h.ctx, postID)
	if err != nil || len(ids) != 2 {
		t.Fatalf("schedule post: %v %v", ids, err)
	}

	cancelled, err := h.sched.DeletePost(h.ctx, postID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(cancelled) != 2 {
		t.Fatalf("expected 2 cancelled platform jobs, got %d", len(cancelled))
	}
	for _, pj := range cancelled {
		if pj.Status != models.PlatformJobCancelled {
			t.Fatalf("unexpected status %q", pj.Status)
		}
	}

	h.clock.Advance(2 * time.Hour)
	for _, id := range ids {
		if got := h.job(id).Status; got != models.JobCancelled {
			t.Fatalf("job %s status %q", id, got)
		}
	}
	for _, p := range []string{"twitter", "weibo"} {
		if n := len(h.pubs[p].callTimes()); n != 0 {
			t.Fatalf("%s published after delete", p)
		}
	}
	if _, err := h.sched.PostStatus(h.ctx, postID); !errors.Is(err, ErrPostNotFound) {
		t.Fatalf("post should be gone, got %v", err)
	}
}

// Scenario: reschedule from T1 to T2 and change the platform list.
func TestRescheduleAll(t *testing.T) {
	h := newHarness(t, 0)
	t1, t2 := t0.Add(time.Hour), t0.Add(3*time.Hour)
	postID := h.createPost("hello", &t1, "twitter", "weibo")
	oldIDs, _ := h.sched.SchedulePost(h.ctx, postID)

	if err := h.sched.RescheduleAll(h.ctx, postID, t2, []string{"twitter", "bilibili"}); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	for _, id := range oldIDs {
		if got := h.job(id).Status; got != models.JobCancelled {
			t.Fatalf("old job %s status %q", id, got)
		}
	}
	if got := h.latest(postID, "weibo").Status; got != models.PlatformJobCancelled {
		t.Fatalf("dropped platform should be cancelled, got %q", got)
	}
	post := h.post(postID)
	if post.ScheduledAt == nil || !post.ScheduledAt.Equal(t2) || post.Status != models.PostStatusScheduled {
		t.Fatalf("unexpected post after reschedule %+v", post)
	}

	h.clock.Advance(2 * time.Hour)
	if n := len(h.pubs["twitter"].callTimes()); n != 0 {
		t.Fatalf("nothing may publish at T1, twitter did %d times", n)
	}

	h.clock.Advance(2 * time.Hour)
	for _, p := range []string{"twitter", "bilibili"} {
		calls := h.pubs[p].callTimes()
		if len(calls) != 1 || !calls[0].Equal(t2) {
			t.Fatalf("%s: expected one publish at T2, got %v", p, calls)
		}
	}
	if n := len(h.pubs["weibo"].callTimes()); n != 0 {
		t.Fatalf("dropped platform published")
	}
	if got := h.post(postID).Status; got != models.PostStatusPublished {
		t.Fatalf("expected published, got %q", got)
	}
}

func TestRescheduleSkipsInFlightPlatform(t *testing.T) {
	h := newHarness(t, 0)
	postID := h.createPost("hello", at(time.Hour), "twitter", "weibo")
	_, _ = h.sched.SchedulePost(h.ctx, postID)

	tw := h.latest(postID, "twitter")
	h.repos.Jobs.Claim(h.ctx, tw.JobID, t0)
	moveToProcessing(t, h, tw.ID, tw.JobID)

	if err := h.sched.RescheduleAll(h.ctx, postID, t0.Add(2*time.Hour), []string{"twitter", "weibo"}); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if got := h.latest(postID, "twitter"); got.JobID != tw.JobID || got.Status != models.PlatformJobProcessing {
		t.Fatalf("in-flight platform job must be left alone: %+v", got)
	}
	if got := h.latest(postID, "weibo"); got.FireAt == nil || !got.FireAt.Equal(t0.Add(2*time.Hour)) {
		t.Fatalf("weibo should be rescheduled: %+v", got)
	}
}

func TestRetryFailedCreatesNewRow(t *testing.T) {
	h := newHarness(t, 0)
	h.pubs["weibo"].script = []error{permanentErr("weibo", "content rejected")}
	postID := h.createPost("hello", nil, "twitter", "weibo")
	_, _ = h.sched.SchedulePost(h.ctx, postID)
	h.clock.Advance(0)

	failedRow := h.latest(postID, "weibo")
	if failedRow.Status != models.PlatformJobFailed || h.post(postID).Status != models.PostStatusFailed {
		t.Fatalf("expected failed weibo and post, got %q / %q", failedRow.Status, h.post(postID).Status)
	}

	ids, err := h.sched.RetryFailed(h.ctx, postID, t0)
	if err != nil || len(ids) != 1 {
		t.Fatalf("retry failed: %v %v", ids, err)
	}
	fresh := h.latest(postID, "weibo")
	if fresh.ID == failedRow.ID {
		t.Fatalf("retry must create a new platform job row")
	}
	if got := h.post(postID).Status; got != models.PostStatusScheduled {
		t.Fatalf("post should wait on the retry, got %q", got)
	}

	h.clock.Advance(0)
	if got := h.post(postID).Status; got != models.PostStatusPublished {
		t.Fatalf("expected published after retry, got %q", got)
	}
	old, _ := h.repos.PlatformJobs.GetByID(h.ctx, failedRow.ID)
	if old.Status != models.PlatformJobFailed {
		t.Fatalf("failed row must be kept for audit, got %q", old.Status)
	}

	view, err := h.sched.PostStatus(h.ctx, postID)
	if err != nil {
		t.Fatalf("post status: %v", err)
	}
	for _, ps := range view.Platforms {
		if ps.Status != models.PlatformJobPublished {
			t.Fatalf("%s: expected published, got %q", ps.Platform, ps.Status)
		}
	}
}
