package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kvforge/kvforge/internal/database"
	"github.com/kvforge/kvforge/internal/jobs"
	"github.com/kvforge/kvforge/internal/models"
	"github.com/kvforge/kvforge/internal/realtime"
)

// notificationCollaborator enqueues the in-app fan-out for a branch change.
type notificationCollaborator struct {
	queue *jobs.Queue
}

func NewNotificationCollaborator(queue *jobs.Queue) Collaborator {
	return &notificationCollaborator{queue: queue}
}

func (c *notificationCollaborator) Name() string { return "notification-fanout" }

func (c *notificationCollaborator) Enqueue(ctx context.Context, change BranchChange) error {
	_, err := c.queue.Enqueue(ctx, change)
	return err
}

// NotificationService writes in-app notifications for repository watchers
// and publishes a live-update event. The actor and muted users are skipped.
type NotificationService struct {
	db        database.DB
	publisher *realtime.Publisher
	logger    *slog.Logger
}

func NewNotificationService(db database.DB, publisher *realtime.Publisher, logger *slog.Logger) *NotificationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationService{db: db, publisher: publisher, logger: logger}
}

func (s *NotificationService) Process(ctx context.Context, job *models.Job) error {
	var change BranchChange
	if err := json.Unmarshal(job.Payload, &change); err != nil {
		return fmt.Errorf("decode notification payload: %w", err)
	}

	branch, err := s.db.GetBranch(ctx, change.BranchID)
	if err != nil {
		if noRows(err) {
			return nil
		}
		return fmt.Errorf("load branch: %w", err)
	}
	repo, err := s.db.GetRepositoryByID(ctx, change.RepositoryID)
	if err != nil {
		return fmt.Errorf("load repository: %w", err)
	}

	for _, userID := range s.recipients(ctx, repo, change.ActorID) {
		n := &models.Notification{
			UserID:  userID,
			ActorID: change.ActorID,
			Type:    notificationEventPush,
			Title:   fmt.Sprintf("Branch %q was updated", branch.Name),
			Body:    fmt.Sprintf("Branch %q in %s moved to %s", branch.Name, repo.Name, branch.LastCommit),
			RepoID:  repo.ID,
		}
		if err := s.db.CreateNotification(ctx, n); err != nil {
			return fmt.Errorf("create notification: %w", err)
		}
	}

	s.publisher.Publish(ctx, realtime.Event{
		Kind:         realtime.EventBranchUpdated,
		RepositoryID: repo.ID,
		BranchID:     branch.ID,
		ActorID:      change.ActorID,
	})
	return nil
}

// recipients lists collaborators and the personal owner, minus the actor
// and anyone who muted the repository.
func (s *NotificationService) recipients(ctx context.Context, repo *models.Repository, actorID int64) []int64 {
	seen := map[int64]bool{actorID: true}
	var out []int64
	add := func(userID int64) {
		if seen[userID] {
			return
		}
		seen[userID] = true
		pref, err := s.db.GetNotificationPreference(ctx, userID, repo.ID)
		if err == nil && pref.Muted {
			return
		}
		out = append(out, userID)
	}

	if repo.OwnerUserID != nil {
		add(*repo.OwnerUserID)
	}
	collabs, err := s.db.ListCollaborators(ctx, repo.ID)
	if err != nil {
		s.logger.Warn("collaborator listing failed", "repo_id", repo.ID, "error", err)
		return out
	}
	for _, c := range collabs {
		add(c.UserID)
	}
	return out
}
