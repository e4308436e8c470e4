package control

import (
	"context"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"relaybot/internal/storage"
	logx "relaybot/pkg/logx"
)

// BulkOp is one of the administrator's fleet-wide task operations.
type BulkOp string

const (
	BulkPauseAll        BulkOp = "pause_all"
	BulkResumeAll       BulkOp = "resume_all"
	BulkDeleteCompleted BulkOp = "delete_completed"
	BulkRestartFailed   BulkOp = "restart_failed"
)

// Bulk runs op and returns how many tasks it touched.
func (s *Service) Bulk(ctx context.Context, adminID int64, op BulkOp) (int64, error) {
	var (
		n   int64
		err error
	)
	switch op {
	case BulkPauseAll:
		n, err = s.store.BulkSetStatus(ctx, storage.TaskActive, storage.TaskPaused)
	case BulkResumeAll:
		n, err = s.store.BulkSetStatus(ctx, storage.TaskPaused, storage.TaskActive)
	case BulkDeleteCompleted:
		n, err = s.store.DeleteTasksByStatus(ctx, storage.TaskCompleted)
	case BulkRestartFailed:
		n, err = s.store.BulkSetStatus(ctx, storage.TaskFailed, storage.TaskActive)
	default:
		return 0, ValidationError{msg: fmt.Sprintf("unknown bulk operation %q", op)}
	}
	if err != nil {
		return 0, err
	}
	s.admin(ctx, adminID, strings.ToUpper(string(op)), "", fmt.Sprintf("%d tasks", n))
	s.log.Info("bulk operation done", logx.String("op", string(op)), logx.Int64("tasks", n), logx.Int64("admin_id", adminID))
	return n, nil
}

// Report is the administrator's fleet summary.
type Report struct {
	Stats storage.TaskStats
	Top   []storage.SubscriberRank
}

// SuccessRate is successful/total runs in percent; 0 without runs.
func SuccessRate(successful, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(successful) * 100 / float64(total)
}

func (s *Service) Report(ctx context.Context, adminID int64) (Report, error) {
	stats, err := s.store.TaskStats(ctx)
	if err != nil {
		return Report{}, err
	}
	top, err := s.store.TopSubscribers(ctx, 10)
	if err != nil {
		return Report{}, err
	}
	s.admin(ctx, adminID, "GENERATE_REPORT", "", "")
	return Report{Stats: stats, Top: top}, nil
}

func (s *Service) Stats(ctx context.Context) (storage.TaskStats, error) {
	return s.store.TaskStats(ctx)
}

// ---- templates ----

type TemplateRequest struct {
	Name        string
	Description string
	ConfigJSON  string
	Public      bool
	CreatedBy   int64
}

func (s *Service) CreateTemplate(ctx context.Context, r TemplateRequest) (storage.Template, error) {
	r.Name = strings.TrimSpace(r.Name)
	if err := validation.Validate(r.Name, validation.Required, validation.Length(1, 64)); err != nil {
		return storage.Template{}, ValidationError{msg: "template name " + err.Error()}
	}
	cfg, err := ParseTemplateConfig(r.ConfigJSON)
	if err != nil {
		return storage.Template{}, err
	}
	if r.Description == "" {
		r.Description = fmt.Sprintf("Template created by admin %d", r.CreatedBy)
	}
	t, err := s.store.CreateTemplate(ctx, storage.Template{
		Name:        r.Name,
		Description: r.Description,
		ConfigJSON:  cfg.JSON(),
		CreatedBy:   r.CreatedBy,
		Public:      r.Public,
	})
	if err != nil {
		return storage.Template{}, err
	}
	s.admin(ctx, r.CreatedBy, "CREATE_TEMPLATE", fmt.Sprint(t.ID), "Created template: "+t.Name)
	return t, nil
}

func (s *Service) Templates(ctx context.Context) ([]storage.Template, error) {
	return s.store.ListTemplates(ctx)
}

// FromTemplate is what a caller adds to a template to get a task.
type FromTemplate struct {
	TemplateID  int64
	Name        string
	Owner       string
	AccountKey  string
	PrimaryRef  string // overrides the template's link when set
	FallbackRef string
	FolderID    int64
	CreatedBy   int64
}

func (s *Service) CreateTaskFromTemplate(ctx context.Context, r FromTemplate) (storage.Task, error) {
	tpl, err := s.store.GetTemplate(ctx, r.TemplateID)
	if err != nil {
		return storage.Task{}, err
	}
	cfg, err := ParseTemplateConfig(tpl.ConfigJSON)
	if err != nil {
		return storage.Task{}, err
	}
	req := TaskRequest{
		Name:            r.Name,
		Owner:           r.Owner,
		AccountKey:      r.AccountKey,
		PrimaryRef:      cfg.PrimaryRef,
		FallbackRef:     cfg.FallbackRef,
		IntervalMinutes: cfg.IntervalMinutes,
		TargetAll:       cfg.TargetAll,
		FolderID:        r.FolderID,
		CreatedBy:       r.CreatedBy,
		TemplateID:      tpl.ID,
		ConfigJSON:      tpl.ConfigJSON,
	}
	if r.PrimaryRef != "" {
		req.PrimaryRef = r.PrimaryRef
	}
	if r.FallbackRef != "" {
		req.FallbackRef = r.FallbackRef
	}
	return s.CreateTask(ctx, req)
}
