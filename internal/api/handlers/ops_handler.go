package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/maheshrc27/postflow/internal/repository"
	"github.com/maheshrc27/postflow/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type OpsHandler struct {
	jobs      repository.JobRepository
	scheduler service.Scheduler
	db        Pinger
	log       zerolog.Logger
}

// NewOpsHandler builds the operator endpoints. db may be nil when the
// process runs on the in-memory store.
func NewOpsHandler(jobs repository.JobRepository, scheduler service.Scheduler, db Pinger, log zerolog.Logger) *OpsHandler {
	return &OpsHandler{jobs: jobs, scheduler: scheduler, db: db, log: log}
}

// Register mounts the ops routes on app.
func (h *OpsHandler) Register(app *fiber.App, gatherer prometheus.Gatherer) {
	app.Get("/healthz", h.Health)
	app.Get("/stats", h.Stats)
	app.Get("/posts/:id/status", h.PostStatus)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

func (h *OpsHandler) Health(c *fiber.Ctx) error {
	if h.db != nil {
		if err := h.db.PingContext(c.Context()); err != nil {
			h.log.Error().Err(err).Msg("health check: database unreachable")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "unavailable",
			})
		}
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "ok",
	})
}

func (h *OpsHandler) Stats(c *fiber.Ctx) error {
	stats, err := h.jobs.CountByStatus(c.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("count jobs by status")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Unable to load job stats",
		})
	}

	var total int64
	for _, n := range stats {
		total += n
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"jobs":  stats,
		"total": total,
	})
}

func (h *OpsHandler) PostStatus(c *fiber.Ctx) error {
	postID, err := c.ParamsInt("id")
	if err != nil || postID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid post id",
		})
	}

	view, err := h.scheduler.PostStatus(c.Context(), int64(postID))
	if errors.Is(err, service.ErrPostNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Post not found",
		})
	}
	if err != nil {
		h.log.Error().Err(err).Int("post_id", postID).Msg("post status")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Unable to load post status",
		})
	}
	return c.Status(fiber.StatusOK).JSON(view)
}
