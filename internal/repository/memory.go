package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/maheshrc27/postflow/internal/models"
)

// memoryDB backs every in-memory repository with one lock, so Reconcile sees
// posts and platform jobs consistently.
type memoryDB struct {
	mu sync.Mutex

	posts       map[int64]*models.Post
	platformJob map[int64]*models.PlatformJob
	jobs        map[string]*models.Job
	conns       map[int64]*models.PlatformConnection
	audit       []*models.AuditLog
	snapshots   []*models.AnalyticsSnapshot

	seq int64
}

func (m *memoryDB) nextID() int64 {
	m.seq++
	return m.seq
}

// NewMemory returns repositories that keep state in process memory. Used by
// the timer backend in development and by tests.
func NewMemory() *Repositories {
	m := &memoryDB{
		posts:       make(map[int64]*models.Post),
		platformJob: make(map[int64]*models.PlatformJob),
		jobs:        make(map[string]*models.Job),
		conns:       make(map[int64]*models.PlatformConnection),
	}
	return &Repositories{
		Posts:        &memoryPosts{m},
		PlatformJobs: &memoryPlatformJobs{m},
		Jobs:         &memoryJobs{m},
		Connections:  &memoryConnections{m},
		Audit:        &memoryAudit{m},
		Analytics:    &memoryAnalytics{m},
	}
}

func now() time.Time { return time.Now().UTC() }

func clonePost(p *models.Post) *models.Post {
	c := *p
	c.Platforms = append([]string(nil), p.Platforms...)
	c.MediaRefs = append([]string(nil), p.MediaRefs...)
	c.ScheduledAt = cloneTime(p.ScheduledAt)
	c.PublishedAt = cloneTime(p.PublishedAt)
	return &c
}

func clonePlatformJob(pj *models.PlatformJob) *models.PlatformJob {
	c := *pj
	c.FireAt = cloneTime(pj.FireAt)
	c.ExecutedAt = cloneTime(pj.ExecutedAt)
	return &c
}

func cloneJob(j *models.Job) *models.Job {
	c := *j
	c.ClaimedAt = cloneTime(j.ClaimedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type memoryPosts struct{ m *memoryDB }

func (r *memoryPosts) Create(_ context.Context, post *models.Post) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	c := clonePost(post)
	c.ID = r.m.nextID()
	if c.Status == "" {
		c.Status = models.PostStatusDraft
	}
	c.CreatedAt, c.UpdatedAt = now(), now()
	r.m.posts[c.ID] = c
	return c.ID, nil
}

func (r *memoryPosts) GetByID(_ context.Context, id int64) (*models.Post, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	p, ok := r.m.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePost(p), nil
}

func (r *memoryPosts) UpdateSchedule(_ context.Context, id int64, scheduledAt *time.Time, platforms []string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	p, ok := r.m.posts[id]
	if !ok {
		return ErrNotFound
	}
	p.ScheduledAt = cloneTime(scheduledAt)
	p.Platforms = append([]string(nil), platforms...)
	p.UpdatedAt = now()
	return nil
}

func (r *memoryPosts) Remove(_ context.Context, id int64) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if _, ok := r.m.posts[id]; !ok {
		return ErrNotFound
	}
	delete(r.m.posts, id)
	for pjID, pj := range r.m.platformJob {
		if pj.PostID == id {
			delete(r.m.platformJob, pjID)
		}
	}
	return nil
}

func (r *memoryPosts) Reconcile(_ context.Context, id int64, fn ReconcileFunc) (*ReconcileResult, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	p, ok := r.m.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	jobs := r.m.platformJobsFor(id)

	result := &ReconcileResult{Post: clonePost(p), Previous: p.Status}
	status, publishedAt := fn(clonePost(p), jobs)
	if status == p.Status && sameTime(publishedAt, p.PublishedAt) {
		return result, nil
	}
	p.Status = status
	p.PublishedAt = cloneTime(publishedAt)
	p.UpdatedAt = now()

	result.Post = clonePost(p)
	result.Changed = true
	return result, nil
}

func (m *memoryDB) platformJobsFor(postID int64) []*models.PlatformJob {
	var out []*models.PlatformJob
	for _, pj := range m.platformJob {
		if pj.PostID == postID {
			out = append(out, clonePlatformJob(pj))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type memoryPlatformJobs struct{ m *memoryDB }

func (r *memoryPlatformJobs) Create(_ context.Context, pj *models.PlatformJob) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if _, ok := r.m.posts[pj.PostID]; !ok {
		return 0, ErrNotFound
	}
	c := clonePlatformJob(pj)
	c.ID = r.m.nextID()
	if c.Status == "" {
		c.Status = models.PlatformJobPending
	}
	c.CreatedAt, c.UpdatedAt = now(), now()
	r.m.platformJob[c.ID] = c
	return c.ID, nil
}

func (r *memoryPlatformJobs) GetByID(_ context.Context, id int64) (*models.PlatformJob, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	pj, ok := r.m.platformJob[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePlatformJob(pj), nil
}

func (r *memoryPlatformJobs) ListByPostID(_ context.Context, postID int64) ([]*models.PlatformJob, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	return r.m.platformJobsFor(postID), nil
}

func (r *memoryPlatformJobs) Latest(_ context.Context, postID int64, platform string) (*models.PlatformJob, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	var latest *models.PlatformJob
	for _, pj := range r.m.platformJob {
		if pj.PostID == postID && pj.Platform == platform && (latest == nil || pj.ID > latest.ID) {
			latest = pj
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return clonePlatformJob(latest), nil
}

func (r *memoryPlatformJobs) Ensure(_ context.Context, postID int64, platform string) (*models.PlatformJob, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	if _, ok := r.m.posts[postID]; !ok {
		return nil, ErrNotFound
	}
	var latest *models.PlatformJob
	for _, pj := range r.m.platformJob {
		if pj.PostID == postID && pj.Platform == platform && (latest == nil || pj.ID > latest.ID) {
			latest = pj
		}
	}
	if latest != nil && !latest.Status.Terminal() {
		return clonePlatformJob(latest), nil
	}

	pj := &models.PlatformJob{
		ID:        r.m.nextID(),
		PostID:    postID,
		Platform:  platform,
		Status:    models.PlatformJobPending,
		CreatedAt: now(),
		UpdatedAt: now(),
	}
	r.m.platformJob[pj.ID] = pj
	return clonePlatformJob(pj), nil
}

func (r *memoryPlatformJobs) Transition(_ context.Context, id int64, cond PlatformJobCond, upd models.PlatformJobUpdate) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	pj, ok := r.m.platformJob[id]
	if !ok {
		return false, nil
	}
	if cond.JobID != "" && pj.JobID != cond.JobID {
		return false, nil
	}
	if cond.Unbound && pj.JobID != "" {
		return false, nil
	}
	matched := false
	for _, s := range cond.From {
		if pj.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	pj.Status = upd.Status
	if upd.JobID != nil {
		pj.JobID = *upd.JobID
	}
	if upd.FireAt != nil {
		pj.FireAt = cloneTime(upd.FireAt)
	}
	if upd.ExecutedAt != nil {
		pj.ExecutedAt = cloneTime(upd.ExecutedAt)
	}
	if upd.Attempts != nil {
		pj.Attempts = *upd.Attempts
	}
	if upd.PlatformPostID != nil {
		pj.PlatformPostID = *upd.PlatformPostID
	}
	if upd.ErrorMessage != nil {
		pj.ErrorMessage = *upd.ErrorMessage
	}
	pj.UpdatedAt = now()
	return true, nil
}

type memoryJobs struct{ m *memoryDB }

func (r *memoryJobs) Create(_ context.Context, job *models.Job) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	c := cloneJob(job)
	if c.Status == "" {
		c.Status = models.JobPending
	}
	c.CreatedAt, c.UpdatedAt = now(), now()
	r.m.jobs[c.ID] = c
	return nil
}

func (r *memoryJobs) GetByID(_ context.Context, id string) (*models.Job, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	j, ok := r.m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (r *memoryJobs) Claim(_ context.Context, id string, at time.Time) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	j, ok := r.m.jobs[id]
	if !ok || j.Status != models.JobPending {
		return false, nil
	}
	j.Status = models.JobProcessing
	j.ClaimedAt = &at
	j.UpdatedAt = now()
	return true, nil
}

func (r *memoryJobs) Transition(_ context.Context, id string, from, to models.JobStatus) (bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	j, ok := r.m.jobs[id]
	if !ok || j.Status != from {
		return false, nil
	}
	j.Status = to
	j.UpdatedAt = now()
	return true, nil
}

func (r *memoryJobs) selectJobs(limit int, keep func(*models.Job) bool) []*models.Job {
	var out []*models.Job
	for _, j := range r.m.jobs {
		if keep(j) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].FireAt.Equal(out[k].FireAt) {
			return out[i].FireAt.Before(out[k].FireAt)
		}
		return out[i].ID < out[k].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *memoryJobs) ListDue(_ context.Context, at time.Time, limit int) ([]*models.Job, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	return r.selectJobs(limit, func(j *models.Job) bool {
		return j.Status == models.JobPending && !j.FireAt.After(at)
	}), nil
}

func (r *memoryJobs) ListPending(_ context.Context, limit int) ([]*models.Job, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	return r.selectJobs(limit, func(j *models.Job) bool { return j.Status == models.JobPending }), nil
}

func (r *memoryJobs) ListActiveByPostID(_ context.Context, postID int64) ([]*models.Job, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	return r.selectJobs(0, func(j *models.Job) bool {
		return j.PostID == postID && (j.Status == models.JobPending || j.Status == models.JobProcessing)
	}), nil
}

func (r *memoryJobs) RequeueStale(_ context.Context, claimedBefore time.Time) ([]*models.Job, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	var out []*models.Job
	for _, j := range r.m.jobs {
		if j.Status != models.JobProcessing || j.ClaimedAt == nil || !j.ClaimedAt.Before(claimedBefore) {
			continue
		}
		j.Status = models.JobPending
		j.ClaimedAt = nil
		j.UpdatedAt = now()
		if pj, ok := r.m.platformJob[j.PlatformJobID]; ok && pj.JobID == j.ID && pj.Status == models.PlatformJobProcessing {
			pj.Status = models.PlatformJobScheduled
			pj.UpdatedAt = now()
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (r *memoryJobs) CountByStatus(_ context.Context) (models.JobStats, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	stats := models.JobStats{}
	for _, j := range r.m.jobs {
		stats[j.Status]++
	}
	return stats, nil
}

type memoryConnections struct{ m *memoryDB }

func cloneConnection(c *models.PlatformConnection) *models.PlatformConnection {
	v := *c
	v.ExpiresAt = cloneTime(c.ExpiresAt)
	return &v
}

func (r *memoryConnections) Create(_ context.Context, c *models.PlatformConnection) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	v := cloneConnection(c)
	v.ID = r.m.nextID()
	v.CreatedAt, v.UpdatedAt = now(), now()
	r.m.conns[v.ID] = v
	return v.ID, nil
}

func (r *memoryConnections) GetByUserAndPlatform(_ context.Context, userID int64, platform string) (*models.PlatformConnection, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	var best *models.PlatformConnection
	for _, c := range r.m.conns {
		if c.UserID != userID || c.Platform != platform {
			continue
		}
		if best == nil || (c.IsActive && !best.IsActive) || (c.IsActive == best.IsActive && c.ID > best.ID) {
			best = c
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return cloneConnection(best), nil
}

func (r *memoryConnections) listWhere(keep func(*models.PlatformConnection) bool) []*models.PlatformConnection {
	var out []*models.PlatformConnection
	for _, c := range r.m.conns {
		if keep(c) {
			out = append(out, cloneConnection(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memoryConnections) ListActive(_ context.Context) ([]*models.PlatformConnection, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	return r.listWhere(func(c *models.PlatformConnection) bool { return c.IsActive }), nil
}

func (r *memoryConnections) ListExpiring(_ context.Context, before time.Time) ([]*models.PlatformConnection, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	return r.listWhere(func(c *models.PlatformConnection) bool {
		return c.IsActive && c.ExpiresAt != nil && !c.ExpiresAt.After(before)
	}), nil
}

func (r *memoryConnections) SetTokens(_ context.Context, id int64, accessToken, refreshToken string, expiresAt *time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	c, ok := r.m.conns[id]
	if !ok {
		return ErrNotFound
	}
	c.AccessToken = accessToken
	c.RefreshToken = refreshToken
	c.ExpiresAt = cloneTime(expiresAt)
	c.UpdatedAt = now()
	return nil
}

func (r *memoryConnections) Deactivate(_ context.Context, id int64) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	c, ok := r.m.conns[id]
	if !ok {
		return ErrNotFound
	}
	c.IsActive = false
	c.UpdatedAt = now()
	return nil
}

type memoryAudit struct{ m *memoryDB }

func (r *memoryAudit) Create(_ context.Context, entry *models.AuditLog) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	v := *entry
	v.ID = r.m.nextID()
	v.CreatedAt = now()
	r.m.audit = append(r.m.audit, &v)
	return nil
}

func (r *memoryAudit) ListByResource(_ context.Context, resourceType, resourceID string) ([]*models.AuditLog, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	var out []*models.AuditLog
	for _, e := range r.m.audit {
		if e.ResourceType == resourceType && e.ResourceID == resourceID {
			v := *e
			out = append(out, &v)
		}
	}
	return out, nil
}

type memoryAnalytics struct{ m *memoryDB }

func (r *memoryAnalytics) Create(_ context.Context, snap *models.AnalyticsSnapshot) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	v := *snap
	v.ID = r.m.nextID()
	r.m.snapshots = append(r.m.snapshots, &v)
	return nil
}

func (r *memoryAnalytics) LatestByConnection(_ context.Context, connectionID int64) (*models.AnalyticsSnapshot, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()

	var latest *models.AnalyticsSnapshot
	for _, s := range r.m.snapshots {
		if s.ConnectionID == connectionID && (latest == nil || !s.CapturedAt.Before(latest.CapturedAt)) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	v := *latest
	return &v, nil
}
