package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

func (s *sqliteStore) CreateFolder(ctx context.Context, name, owner string) (Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" || owner == "" {
		return Folder{}, errors.New("folder name and owner are required")
	}
	f := Folder{Name: name, Owner: owner, CreatedAt: s.now()}
	err := s.write(ctx, func(tx *sql.Tx) ([]LogEntry, error) {
		res, err := tx.ExecContext(ctx, `INSERT INTO folders(name, owner, created_at) VALUES(?,?,?)`,
			f.Name, f.Owner, f.CreatedAt.Unix())
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("folder %q: %w", name, ErrDuplicate)
		}
		if err != nil {
			return nil, err
		}
		f.ID, _ = res.LastInsertId()
		return []LogEntry{{Event: EventFolderCreated, Detail: f.Name, Owner: owner}}, nil
	})
	if err != nil {
		return Folder{}, err
	}
	return f, nil
}

func (s *sqliteStore) GetFolder(ctx context.Context, id int64) (Folder, error) {
	var (
		f       Folder
		created int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, owner, created_at FROM folders WHERE id = ?`, id).
		Scan(&f.ID, &f.Name, &f.Owner, &created)
	if err != nil {
		return Folder{}, notFound(err, fmt.Sprintf("folder %d", id))
	}
	f.CreatedAt = time.Unix(created, 0)
	return f, nil
}

func (s *sqliteStore) ListFolders(ctx context.Context, owner string) ([]Folder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, owner, created_at FROM folders WHERE owner = ? ORDER BY name`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Folder
	for rows.Next() {
		var (
			f       Folder
			created int64
		)
		if err := rows.Scan(&f.ID, &f.Name, &f.Owner, &created); err != nil {
			return nil, err
		}
		f.CreatedAt = time.Unix(created, 0)
		out = append(out, f)
	}
	return out, rows.Err()
}

// AddTargetGroup records a group for an owner. A group the owner already
// registered is left untouched and reported as not inserted.
func (s *sqliteStore) AddTargetGroup(ctx context.Context, g TargetGroup) (bool, error) {
	if g.GroupID == 0 || g.Owner == "" {
		return false, errors.New("group id and owner are required")
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.now()
	}
	var inserted bool
	err := s.write(ctx, func(tx *sql.Tx) ([]LogEntry, error) {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO target_groups(group_id, name, link, owner, folder_id, created_at) VALUES(?,?,?,?,?,?)`,
			g.GroupID, g.Name, g.Link, g.Owner, nullInt(g.FolderID), g.CreatedAt.Unix(),
		)
		if err != nil {
			return nil, err
		}
		n, _ := res.RowsAffected()
		inserted = n > 0
		if !inserted {
			return nil, nil
		}
		return []LogEntry{{Event: EventGroupAdded, Detail: fmt.Sprintf("%d %s", g.GroupID, g.Name), Owner: g.Owner}}, nil
	})
	return inserted, err
}

// ListTargetGroups returns the owner's groups; folderID > 0 narrows to one folder.
func (s *sqliteStore) ListTargetGroups(ctx context.Context, owner string, folderID int64) ([]TargetGroup, error) {
	q := `SELECT group_id, name, link, owner, COALESCE(folder_id,0), created_at FROM target_groups WHERE owner = ?`
	args := []any{owner}
	if folderID > 0 {
		q += ` AND folder_id = ?`
		args = append(args, folderID)
	}
	q += ` ORDER BY created_at, group_id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TargetGroup
	for rows.Next() {
		var (
			g       TargetGroup
			created int64
		)
		if err := rows.Scan(&g.GroupID, &g.Name, &g.Link, &g.Owner, &g.FolderID, &created); err != nil {
			return nil, err
		}
		g.CreatedAt = time.Unix(created, 0)
		out = append(out, g)
	}
	return out, rows.Err()
}
