package control

import (
	"context"
	"fmt"
	"strings"

	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// CreateTask validates r and stores an active task. The subscription must be
// live, the account assigned to the owner and the folder owned by them.
func (s *Service) CreateTask(ctx context.Context, r TaskRequest) (storage.Task, error) {
	r.Name = strings.TrimSpace(r.Name)
	r.PrimaryRef = strings.TrimSpace(r.PrimaryRef)
	r.FallbackRef = strings.TrimSpace(r.FallbackRef)
	if err := r.Validate(); err != nil {
		return storage.Task{}, invalid(err)
	}
	if _, err := s.subscriber(ctx, r.Owner); err != nil {
		return storage.Task{}, err
	}
	if _, err := s.account(ctx, r.Owner, r.AccountKey); err != nil {
		return storage.Task{}, err
	}
	if !r.TargetAll {
		if _, err := s.folder(ctx, r.Owner, r.FolderID); err != nil {
			return storage.Task{}, err
		}
	}

	t, err := s.store.CreateTask(ctx, storage.Task{
		Name:            r.Name,
		Owner:           r.Owner,
		AccountKey:      r.AccountKey,
		PrimaryRef:      r.PrimaryRef,
		FallbackRef:     r.FallbackRef,
		StartAt:         r.StartAt,
		EndAt:           r.EndAt,
		IntervalMinutes: r.IntervalMinutes,
		Status:          storage.TaskActive,
		FolderID:        r.FolderID,
		TargetAll:       r.TargetAll,
		CreatedBy:       r.CreatedBy,
		TemplateID:      r.TemplateID,
		ConfigJSON:      r.ConfigJSON,
	})
	if err != nil {
		return storage.Task{}, err
	}
	s.log.Info("task created",
		logx.Int64("task_id", t.ID),
		logx.String("task", t.Name),
		logx.String("owner", t.Owner),
		logx.String("account", t.AccountKey),
	)
	return t, nil
}

// ListTasks returns owner's tasks, or every task when owner is empty.
func (s *Service) ListTasks(ctx context.Context, owner string, status storage.TaskStatus) ([]storage.Task, error) {
	return s.store.ListTasks(ctx, storage.TaskFilter{Owner: owner, Status: status})
}

// Task loads one task, checking ownership unless owner is empty.
func (s *Service) Task(ctx context.Context, owner string, id int64) (storage.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return storage.Task{}, err
	}
	if owner != "" && t.Owner != owner {
		return storage.Task{}, fmt.Errorf("task %d: %w", id, ErrNotOwner)
	}
	return t, nil
}

func (s *Service) PauseTask(ctx context.Context, owner string, id int64) error {
	return s.setStatus(ctx, owner, id, storage.TaskPaused)
}

// ResumeTask reactivates a paused task, or a failed one.
func (s *Service) ResumeTask(ctx context.Context, owner string, id int64) error {
	if owner != "" {
		if _, err := s.subscriber(ctx, owner); err != nil {
			return err
		}
	}
	return s.setStatus(ctx, owner, id, storage.TaskActive)
}

func (s *Service) setStatus(ctx context.Context, owner string, id int64, to storage.TaskStatus) error {
	t, err := s.Task(ctx, owner, id)
	if err != nil {
		return err
	}
	if err := s.store.SetTaskStatus(ctx, id, to); err != nil {
		return err
	}
	s.log.Info("task status changed",
		logx.Int64("task_id", id),
		logx.String("from", string(t.Status)),
		logx.String("to", string(to)),
	)
	return nil
}

func (s *Service) DeleteTask(ctx context.Context, owner string, id int64) error {
	if _, err := s.Task(ctx, owner, id); err != nil {
		return err
	}
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.log.Info("task deleted", logx.Int64("task_id", id), logx.String("owner", owner))
	return nil
}

// TaskSummary is the per-subscriber roll-up.
func (s *Service) TaskSummary(ctx context.Context, owner string) (storage.OwnerStats, error) {
	return s.store.OwnerStats(ctx, owner)
}

func (s *Service) Logs(ctx context.Context, owner string, limit int) ([]storage.LogEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.ListLogs(ctx, owner, limit)
}
