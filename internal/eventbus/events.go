package eventbus

// Event types published by the task and membership layers.
const (
	TaskSucceeded  = "task.succeeded"
	TaskFailed     = "task.failed"
	TaskCompleted  = "task.completed"
	TaskAutoPaused = "task.autopaused"
	BatchCompleted = "batch.completed"
	GroupJoined    = "group.joined"
)

// TaskRun is the payload of TaskSucceeded and TaskFailed.
type TaskRun struct {
	TaskID       int64
	TaskName     string
	AccountKey   string
	Sent         int
	Targets      int
	UsedFallback bool
	Err          string
}

// TaskState is the payload of TaskCompleted and TaskAutoPaused.
type TaskState struct {
	TaskID   int64
	TaskName string
	Owner    string
	Reason   string
}

// Batch is the payload of BatchCompleted.
type Batch struct {
	Due       int
	Succeeded int
}

// GroupJoin is the payload of GroupJoined.
type GroupJoin struct {
	AccountKey string
	GroupID    int64
	Title      string
	Owner      string
	Already    bool
}
