package queue

import (
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

const TaskTypePublishJob = "publish:job"

type PublishJobPayload struct {
	JobID string `json:"job_id"`
}

// AsynqDispatcher arms jobs as delayed asynq tasks keyed by job id, so
// re-arming an already armed job is a no-op.
type AsynqDispatcher struct {
	client      *asynq.Client
	inspector   *asynq.Inspector
	redis       asynq.RedisClientOpt
	queue       string
	concurrency int
	maxRetry    int
	log         zerolog.Logger

	server *asynq.Server
}

type AsynqConfig struct {
	RedisAddr   string
	Queue       string
	Concurrency int
	// MaxRetry bounds redelivery after a handler returns an infrastructure error.
	MaxRetry int
}

func NewAsynqDispatcher(cfg AsynqConfig, log zerolog.Logger) *AsynqDispatcher {
	opt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	if cfg.Queue == "" {
		cfg.Queue = "publish"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &AsynqDispatcher{
		client:      asynq.NewClient(opt),
		inspector:   asynq.NewInspector(opt),
		redis:       opt,
		queue:       cfg.Queue,
		concurrency: cfg.Concurrency,
		maxRetry:    cfg.MaxRetry,
		log:         log,
	}
}
