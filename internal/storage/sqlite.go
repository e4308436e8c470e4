package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	logx "relaybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	// writeMu serializes every logical write, including its audit append.
	writeMu sync.Mutex

	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage")), now: time.Now}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// write runs fn in one transaction under the write lock, then appends the
// audit entries it produced. Audit failures never undo the committed write.
func (s *sqliteStore) write(ctx context.Context, fn func(tx *sql.Tx) ([]LogEntry, error)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	entries, err := fn(tx)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, e := range entries {
		if err := s.insertLog(ctx, e); err != nil {
			s.log.Warn("audit append failed", logx.String("event", e.Event), logx.Err(err))
		}
	}
	return nil
}

func (s *sqliteStore) insertLog(ctx context.Context, e LogEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs(at, event, detail, owner, task_id) VALUES(?,?,?,?,?)`,
		e.At.Unix(), e.Event, nullStr(e.Detail), nullStr(e.Owner), nullInt(e.TaskID),
	)
	return err
}

func (s *sqliteStore) AppendLog(ctx context.Context, e LogEntry) error {
	if strings.TrimSpace(e.Event) == "" {
		return errors.New("log event is required")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.insertLog(ctx, e)
}

func (s *sqliteStore) ListLogs(ctx context.Context, owner string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT id, at, event, COALESCE(detail,''), COALESCE(owner,''), COALESCE(task_id,0) FROM logs`
	args := []any{}
	if owner != "" {
		q += ` WHERE owner = ?`
		args = append(args, owner)
	}
	q += ` ORDER BY at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			e  LogEntry
			at int64
		)
		if err := rows.Scan(&e.ID, &at, &e.Event, &e.Detail, &e.Owner, &e.TaskID); err != nil {
			return nil, err
		}
		e.At = time.Unix(at, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecordAdminAction(ctx context.Context, a AdminAction) error {
	if a.At.IsZero() {
		a.At = s.now()
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admin_actions(admin_id, action_type, target_id, details, at) VALUES(?,?,?,?,?)`,
		a.AdminID, a.Action, nullStr(a.TargetID), nullStr(a.Details), a.At.Unix(),
	)
	return err
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func fromNullTime(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
