package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("already exists")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrNoFreeAccounts    = errors.New("not enough free accounts")
	ErrAlreadyActivated  = errors.New("invitation already activated")
	ErrExpired           = errors.New("subscription expired")
)

type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration
}

// ---- accounts ----

type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountInactive AccountStatus = "inactive"
)

// Account is one userbot identity. Key is the phone number.
type Account struct {
	Key         string
	APIID       int
	APIHash     string
	SessionFile string
	Status      AccountStatus
	AssignedTo  string // subscriber key, empty when free
	Username    string
	CreatedAt   time.Time
}

// ---- subscribers ----

type SubscriberStatus string

const (
	SubscriberActive   SubscriberStatus = "active"
	SubscriberInactive SubscriberStatus = "inactive"
)

// Subscriber is a paying tenant, keyed by its invitation key.
type Subscriber struct {
	Key        string
	UserID     int64 // 0 until the invitation is activated
	ExpiresAt  time.Time
	Accounts   []string
	FolderName string

	ForwardsCount     int64
	GroupsReached     int64
	TotalMessagesSent int64

	Language  string
	Status    SubscriberStatus
	CreatedBy int64
	CreatedAt time.Time
}

// ---- folders & groups ----

type Folder struct {
	ID        int64
	Name      string
	Owner     string
	CreatedAt time.Time
}

// TargetGroup is unique per (GroupID, Owner).
type TargetGroup struct {
	GroupID   int64
	Name      string
	Link      string
	Owner     string
	FolderID  int64 // 0 when not in a folder
	CreatedAt time.Time
}

// ---- tasks ----

type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskActive, TaskPaused, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// transitions lists every allowed status move. Nothing leaves completed.
var transitions = map[TaskStatus][]TaskStatus{
	TaskActive: {TaskPaused, TaskCompleted, TaskFailed},
	TaskPaused: {TaskActive},
	TaskFailed: {TaskActive},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task is a scheduled forwarding job. Zero times mean "unset"; an
// IntervalMinutes of 0 means the task has no repetition interval.
type Task struct {
	ID          int64
	Name        string
	Owner       string // subscriber key
	AccountKey  string
	PrimaryRef  string
	FallbackRef string

	StartAt         time.Time
	EndAt           time.Time
	IntervalMinutes int

	Status    TaskStatus
	FolderID  int64
	TargetAll bool

	LastRun        time.Time
	TotalRuns      int64
	SuccessfulRuns int64
	FailedRuns     int64

	CreatedBy  int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	TemplateID int64
	ConfigJSON string
}

func (t Task) Interval() time.Duration {
	return time.Duration(t.IntervalMinutes) * time.Minute
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Owner  string
	Status TaskStatus
	Limit  int
}

// RunRecord is one execution attempt folded into the task counters.
type RunRecord struct {
	TaskID  int64
	Success bool
	Sent    int
	Targets int
	At      time.Time
	// TouchLastRun is false for attempts that never reached the network
	// (account unavailable, recovered panic) so the next poll retries.
	TouchLastRun bool
	Detail       string
}

// ---- stats ----

type StatusStats struct {
	Count          int
	TotalRuns      int64
	SuccessfulRuns int64
	FailedRuns     int64
}

type TaskStats struct {
	Total          int
	TotalRuns      int64
	SuccessfulRuns int64
	FailedRuns     int64
	ByStatus       map[TaskStatus]StatusStats
}

type OwnerStats struct {
	Tasks     int
	Active    int
	Successes int64
	Failures  int64
}

type SubscriberRank struct {
	Key            string
	UserID         int64
	Tasks          int
	SuccessfulRuns int64
}

// ---- templates, logs, admin actions ----

type Template struct {
	ID          int64
	Name        string
	Description string
	ConfigJSON  string
	CreatedBy   int64
	CreatedAt   time.Time
	Public      bool
}

// LogEntry is an append-only audit record.
type LogEntry struct {
	ID     int64
	At     time.Time
	Event  string
	Detail string
	Owner  string
	TaskID int64
}

type AdminAction struct {
	ID       int64
	AdminID  int64
	Action   string
	TargetID string
	Details  string
	At       time.Time
}

// Audit event names written to the logs table.
const (
	EventTaskCreated     = "TaskCreated"
	EventTaskSucceeded   = "TaskSucceeded"
	EventTaskFailed      = "TaskFailed"
	EventTaskCompleted   = "TaskCompleted"
	EventTaskPaused      = "TaskPaused"
	EventTaskResumed     = "TaskResumed"
	EventTaskMarkFailed  = "TaskMarkedFailed"
	EventTaskDeleted     = "TaskDeleted"
	EventGroupAdded      = "GroupAdded"
	EventFolderCreated   = "FolderCreated"
	EventAccountSaved    = "AccountSaved"
	EventAccountStatus   = "AccountStatusChanged"
	EventAccountDeleted  = "AccountDeleted"
	EventSubscriberNew   = "SubscriberCreated"
	EventSubscriberBound = "SubscriberActivated"
	EventSubscriberExt   = "SubscriptionExtended"
	EventSubscriberExp   = "SubscriptionExpired"
	EventBatchCompleted  = "TaskBatchCompleted"
)
