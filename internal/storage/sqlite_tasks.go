package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const taskCols = `id, name, owner, account, primary_ref, COALESCE(fallback_ref,''),
	start_at, end_at, COALESCE(interval_minutes,0), status, COALESCE(folder_id,0), target_all,
	last_run, total_runs, successful_runs, failed_runs,
	created_by, created_at, updated_at, COALESCE(template_id,0), COALESCE(config_json,'')`

func scanTask(r rowScanner) (Task, error) {
	var (
		t                      Task
		start, end, last       sql.NullInt64
		status                 string
		targetAll              int
		createdAt, updatedAtTS int64
	)
	err := r.Scan(&t.ID, &t.Name, &t.Owner, &t.AccountKey, &t.PrimaryRef, &t.FallbackRef,
		&start, &end, &t.IntervalMinutes, &status, &t.FolderID, &targetAll,
		&last, &t.TotalRuns, &t.SuccessfulRuns, &t.FailedRuns,
		&t.CreatedBy, &createdAt, &updatedAtTS, &t.TemplateID, &t.ConfigJSON)
	if err != nil {
		return Task{}, err
	}
	t.StartAt = fromNullTime(start)
	t.EndAt = fromNullTime(end)
	t.LastRun = fromNullTime(last)
	t.Status = TaskStatus(status)
	t.TargetAll = targetAll != 0
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAtTS, 0)
	return t, nil
}

func statusEvent(to TaskStatus) string {
	switch to {
	case TaskPaused:
		return EventTaskPaused
	case TaskActive:
		return EventTaskResumed
	case TaskCompleted:
		return EventTaskCompleted
	default:
		return EventTaskMarkFailed
	}
}

func (s *sqliteStore) CreateTask(ctx context.Context, t Task) (Task, error) {
	t.Name = strings.TrimSpace(t.Name)
	switch {
	case t.Name == "" || t.Owner == "" || t.AccountKey == "" || t.PrimaryRef == "":
		return Task{}, errors.New("task name, owner, account and message reference are required")
	case !t.StartAt.IsZero() && !t.EndAt.IsZero() && t.EndAt.Before(t.StartAt):
		return Task{}, errors.New("task end must not be before start")
	case !t.TargetAll && t.FolderID == 0:
		return Task{}, errors.New("task needs a folder or the all-groups selector")
	}
	if t.Status == "" {
		t.Status = TaskActive
	}
	if !t.Status.Valid() {
		return Task{}, fmt.Errorf("invalid task status %q", t.Status)
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now

	err := s.write(ctx, func(tx *sql.Tx) ([]LogEntry, error) {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO tasks(name, owner, account, primary_ref, fallback_ref, start_at, end_at, interval_minutes,
			   status, folder_id, target_all, created_by, created_at, updated_at, template_id, config_json)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			t.Name, t.Owner, t.AccountKey, t.PrimaryRef, nullStr(t.FallbackRef),
			nullTime(t.StartAt), nullTime(t.EndAt), nullInt(int64(t.IntervalMinutes)),
			string(t.Status), nullInt(t.FolderID), boolInt(t.TargetAll),
			t.CreatedBy, now.Unix(), now.Unix(), nullInt(t.TemplateID), nullStr(t.ConfigJSON),
		)
		if err != nil {
			return nil, err
		}
		t.ID, _ = res.LastInsertId()
		return []LogEntry{{Event: EventTaskCreated, Detail: t.Name, Owner: t.Owner, TaskID: t.ID}}, nil
	})
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

func (s *sqliteStore) GetTask(ctx context.Context, id int64) (Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return Task{}, notFound(err, fmt.Sprintf("task %d", id))
	}
	return t, nil
}

func (s *sqliteStore) queryTasks(ctx context.Context, q string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	q := `SELECT ` + taskCols + ` FROM tasks WHERE 1=1`
	var args []any
	if f.Owner != "" {
		q += ` AND owner = ?`
		args = append(args, f.Owner)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryTasks(ctx, q, args...)
}

// ListActiveTasks returns active tasks, least recently run first; never-run
// tasks lead.
func (s *sqliteStore) ListActiveTasks(ctx context.Context) ([]Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE status = 'active' ORDER BY COALESCE(last_run, 0) ASC, id ASC`)
}

// SetTaskStatus moves one task along the transition table.
func (s *sqliteStore) SetTaskStatus(ctx context.Context, id int64, to TaskStatus) error {
	if !to.Valid() {
		return fmt.Errorf("invalid task status %q", to)
	}
	return s.write(ctx, func(tx *sql.Tx) ([]LogEntry, error) {
		var (
			from  string
			owner string
			name  string
		)
		err := tx.QueryRowContext(ctx, `SELECT status, owner, name FROM tasks WHERE id = ?`, id).Scan(&from, &owner, &name)
		if err != nil {
			return nil, notFound(err, fmt.Sprintf("task %d", id))
		}
		if !CanTransition(TaskStatus(from), to) {
			return nil, fmt.Errorf("task %d %s -> %s: %w", id, from, to, ErrIllegalTransition)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(to), s.now().Unix(), id, from); err != nil {
			return nil, err
		}
		return []LogEntry{{Event: statusEvent(to), Detail: name, Owner: owner, TaskID: id}}, nil
	})
}

// BulkSetStatus moves every task in status from to status to.
func (s *sqliteStore) BulkSetStatus(ctx context.Context, from, to TaskStatus) (int64, error) {
	if !CanTransition(from, to) {
		return 0, fmt.Errorf("%s -> %s: %w", from, to, ErrIllegalTransition)
	}
	var n int64
	err := s.write(ctx, func(tx *sql.Tx) ([]LogEntry, error) {
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE status = ?`,
			string(to), s.now().Unix(), string(from))
		if err != nil {
			return nil, err
		}
		n, _ = res.RowsAffected()
		if n == 0 {
			return nil, nil
		}
		return []LogEntry{{Event: statusEvent(to), Detail: fmt.Sprintf("bulk %s -> %s: %d tasks", from, to, n)}}, nil
	})
	return n, err
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id int64) error {
	return s.write(ctx, func(tx *sql.Tx) ([]LogEntry, error) {
		var owner, name string
		err := tx.QueryRowContext(ctx, `SELECT owner, name FROM tasks WHERE id = ?`, id).Scan(&owner, &name)
		if err != nil {
			return nil, notFound(err, fmt.Sprintf("task %d", id))
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return nil, err
		}
		return []LogEntry{{Event: EventTaskDeleted, Detail: name, Owner: owner, TaskID: id}}, nil
	})
}

func (s *sqliteStore) DeleteTasksByStatus(ctx context.Context, status TaskStatus) (int64, error) {
	if !status.Valid() {
		return 0, fmt.Errorf("invalid task status %q", status)
	}
	var n int64
	err := s.write(ctx, func(tx *sql.Tx) ([]LogEntry, error) {
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE status = ?`, string(status))
		if err != nil {
			return nil, err
		}
		n, _ = res.RowsAffected()
		if n == 0 {
			return nil, nil
		}
		return []LogEntry{{Event: EventTaskDeleted, Detail: fmt.Sprintf("bulk delete %s: %d tasks", status, n)}}, nil
	})
	return n, err
}

// RecordRun folds one execution attempt into the task counters and, on
// success, into the owner's usage counters. One audit entry names the task.
func (s *sqliteStore) RecordRun(ctx context.Context, r RunRecord) (Task, error) {
	if r.At.IsZero() {
		r.At = s.now()
	}
	var out Task
	err := s.write(ctx, func(tx *sql.Tx) ([]LogEntry, error) {
		t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, r.TaskID))
		if err != nil {
			return nil, notFound(err, fmt.Sprintf("task %d", r.TaskID))
		}

		t.TotalRuns++
		okInc, failInc := 0, 1
		if r.Success {
			t.SuccessfulRuns++
			okInc, failInc = 1, 0
		} else {
			t.FailedRuns++
		}
		lastRun := nullTime(t.LastRun)
		if r.TouchLastRun {
			t.LastRun = time.Unix(r.At.Unix(), 0)
			lastRun = t.LastRun.Unix()
		}
		t.UpdatedAt = time.Unix(r.At.Unix(), 0)

		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET total_runs = total_runs + 1, successful_runs = successful_runs + ?,
			   failed_runs = failed_runs + ?, last_run = ?, updated_at = ? WHERE id = ?`,
			okInc, failInc, lastRun, r.At.Unix(), r.TaskID); err != nil {
			return nil, err
		}
		if r.Success {
			if _, err := tx.ExecContext(ctx,
				`UPDATE subscribers SET total_messages_sent = total_messages_sent + ?,
				   groups_reached = groups_reached + ?, forwards_count = forwards_count + 1
				 WHERE invitation_key = ?`,
				r.Sent, r.Targets, t.Owner); err != nil {
				return nil, err
			}
		}
		out = t

		event := EventTaskFailed
		if r.Success {
			event = EventTaskSucceeded
		}
		detail := fmt.Sprintf("%s: %d/%d sent", t.Name, r.Sent, r.Targets)
		if r.Detail != "" {
			detail += " (" + r.Detail + ")"
		}
		return []LogEntry{{At: r.At, Event: event, Detail: detail, Owner: t.Owner, TaskID: t.ID}}, nil
	})
	return out, err
}

// ---- stats ----

func (s *sqliteStore) TaskStats(ctx context.Context) (TaskStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(total_runs),0), COALESCE(SUM(successful_runs),0), COALESCE(SUM(failed_runs),0)
		 FROM tasks GROUP BY status`)
	if err != nil {
		return TaskStats{}, err
	}
	defer rows.Close()

	st := TaskStats{ByStatus: map[TaskStatus]StatusStats{}}
	for rows.Next() {
		var (
			status string
			ss     StatusStats
		)
		if err := rows.Scan(&status, &ss.Count, &ss.TotalRuns, &ss.SuccessfulRuns, &ss.FailedRuns); err != nil {
			return TaskStats{}, err
		}
		st.ByStatus[TaskStatus(status)] = ss
		st.Total += ss.Count
		st.TotalRuns += ss.TotalRuns
		st.SuccessfulRuns += ss.SuccessfulRuns
		st.FailedRuns += ss.FailedRuns
	}
	return st, rows.Err()
}

func (s *sqliteStore) OwnerStats(ctx context.Context, owner string) (OwnerStats, error) {
	var st OwnerStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END),0),
		        COALESCE(SUM(successful_runs),0), COALESCE(SUM(failed_runs),0)
		 FROM tasks WHERE owner = ?`, owner).Scan(&st.Tasks, &st.Active, &st.Successes, &st.Failures)
	return st, err
}

// TopSubscribers ranks subscribers by successful runs across their tasks.
func (s *sqliteStore) TopSubscribers(ctx context.Context, limit int) ([]SubscriberRank, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.owner, COALESCE(s.user_id,0), COUNT(t.id), COALESCE(SUM(t.successful_runs),0) AS ok
		 FROM tasks t LEFT JOIN subscribers s ON s.invitation_key = t.owner
		 GROUP BY t.owner ORDER BY ok DESC, t.owner LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SubscriberRank
	for rows.Next() {
		var r SubscriberRank
		if err := rows.Scan(&r.Key, &r.UserID, &r.Tasks, &r.SuccessfulRuns); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- templates ----

func (s *sqliteStore) CreateTemplate(ctx context.Context, t Template) (Template, error) {
	if strings.TrimSpace(t.Name) == "" || strings.TrimSpace(t.ConfigJSON) == "" {
		return Template{}, errors.New("template name and config are required")
	}
	t.CreatedAt = s.now()
	err := s.write(ctx, func(tx *sql.Tx) ([]LogEntry, error) {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO task_templates(name, description, config_json, created_by, created_at, is_public) VALUES(?,?,?,?,?,?)`,
			t.Name, nullStr(t.Description), t.ConfigJSON, t.CreatedBy, t.CreatedAt.Unix(), boolInt(t.Public))
		if err != nil {
			return nil, err
		}
		t.ID, _ = res.LastInsertId()
		return nil, nil
	})
	if err != nil {
		return Template{}, err
	}
	return t, nil
}

const templateCols = `id, name, COALESCE(description,''), config_json, created_by, created_at, is_public`

func scanTemplate(r rowScanner) (Template, error) {
	var (
		t       Template
		created int64
		public  int
	)
	if err := r.Scan(&t.ID, &t.Name, &t.Description, &t.ConfigJSON, &t.CreatedBy, &created, &public); err != nil {
		return Template{}, err
	}
	t.CreatedAt = time.Unix(created, 0)
	t.Public = public != 0
	return t, nil
}

func (s *sqliteStore) GetTemplate(ctx context.Context, id int64) (Template, error) {
	t, err := scanTemplate(s.db.QueryRowContext(ctx, `SELECT `+templateCols+` FROM task_templates WHERE id = ?`, id))
	if err != nil {
		return Template{}, notFound(err, fmt.Sprintf("template %d", id))
	}
	return t, nil
}

func (s *sqliteStore) ListTemplates(ctx context.Context) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateCols+` FROM task_templates ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
