package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is pushed to connected clients whenever a branch or merge request
// changes. Consumers subscribe to a single channel and filter by repository.
type Event struct {
	Kind         string    `json:"kind"`
	RepositoryID int64     `json:"repositoryId"`
	BranchID     int64     `json:"branchId,omitempty"`
	MergeRequest int64     `json:"mergeRequestId,omitempty"`
	ActorID      int64     `json:"actorId,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

const (
	EventBranchUpdated      = "branch.updated"
	EventMergeRequestUpdate = "merge_request.updated"
	EventNotification       = "notification.created"
)

// Publisher fans events out over a Redis pub/sub channel. A nil Publisher
// or a Publisher without a client is a no-op, so callers never need to
// guard the optional realtime wiring.
type Publisher struct {
	rdb     redis.UniversalClient
	channel string
	logger  *slog.Logger
}

func NewPublisher(rdb redis.UniversalClient, channel string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{rdb: rdb, channel: channel, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, ev Event) {
	if p == nil || p.rdb == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("realtime event marshal failed", "kind", ev.Kind, "error", err)
		return
	}
	if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		p.logger.Warn("realtime publish failed", "kind", ev.Kind, "channel", p.channel, "error", err)
	}
}

func (p *Publisher) Close() error {
	if p == nil || p.rdb == nil {
		return nil
	}
	return p.rdb.Close()
}
