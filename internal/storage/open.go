package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "relaybot/pkg/logx"
)

// Store is the durable state of the bot. Every mutation is serialized behind
// one process-wide write lock; reads run concurrently with each other.
type Store interface {
	// accounts
	UpsertAccount(ctx context.Context, a Account) error
	GetAccount(ctx context.Context, key string) (Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	SetAccountStatus(ctx context.Context, key string, status AccountStatus) error
	DeleteAccount(ctx context.Context, key string) error

	// subscribers
	CreateSubscriber(ctx context.Context, s Subscriber, accounts int) (Subscriber, error)
	GetSubscriber(ctx context.Context, key string) (Subscriber, error)
	GetSubscriberByUser(ctx context.Context, userID int64) (Subscriber, error)
	ListSubscribers(ctx context.Context) ([]Subscriber, error)
	ActivateSubscriber(ctx context.Context, key string, userID int64, now time.Time) (Subscriber, error)
	ExtendSubscriber(ctx context.Context, key string, by time.Duration) (Subscriber, error)
	ExpireSubscribers(ctx context.Context, now time.Time) (expired []string, pausedTasks int64, err error)

	// folders & groups
	CreateFolder(ctx context.Context, name, owner string) (Folder, error)
	GetFolder(ctx context.Context, id int64) (Folder, error)
	ListFolders(ctx context.Context, owner string) ([]Folder, error)
	AddTargetGroup(ctx context.Context, g TargetGroup) (inserted bool, err error)
	ListTargetGroups(ctx context.Context, owner string, folderID int64) ([]TargetGroup, error)

	// tasks
	CreateTask(ctx context.Context, t Task) (Task, error)
	GetTask(ctx context.Context, id int64) (Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	ListActiveTasks(ctx context.Context) ([]Task, error)
	SetTaskStatus(ctx context.Context, id int64, to TaskStatus) error
	BulkSetStatus(ctx context.Context, from, to TaskStatus) (int64, error)
	DeleteTask(ctx context.Context, id int64) error
	DeleteTasksByStatus(ctx context.Context, status TaskStatus) (int64, error)
	RecordRun(ctx context.Context, r RunRecord) (Task, error)

	// stats
	TaskStats(ctx context.Context) (TaskStats, error)
	OwnerStats(ctx context.Context, owner string) (OwnerStats, error)
	TopSubscribers(ctx context.Context, limit int) ([]SubscriberRank, error)

	// templates
	CreateTemplate(ctx context.Context, t Template) (Template, error)
	GetTemplate(ctx context.Context, id int64) (Template, error)
	ListTemplates(ctx context.Context) ([]Template, error)

	// audit
	AppendLog(ctx context.Context, e LogEntry) error
	ListLogs(ctx context.Context, owner string, limit int) ([]LogEntry, error)
	RecordAdminAction(ctx context.Context, a AdminAction) error

	Close() error
}

// Open initializes the configured store. An empty driver means sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
