package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const accountCols = `phone, api_id, api_hash, session_file, status, COALESCE(assigned_to,''), COALESCE(username,''), created_at`

func scanAccount(r rowScanner) (Account, error) {
	var (
		a       Account
		status  string
		created int64
	)
	if err := r.Scan(&a.Key, &a.APIID, &a.APIHash, &a.SessionFile, &status, &a.AssignedTo, &a.Username, &created); err != nil {
		return Account{}, err
	}
	a.Status = AccountStatus(status)
	a.CreatedAt = time.Unix(created, 0)
	return a, nil
}

// UpsertAccount inserts or refreshes an account. Assignment is kept on update.
func (s *sqliteStore) UpsertAccount(ctx context.Context, a Account) error {
	a.Key = strings.TrimSpace(a.Key)
	if a.Key == "" {
		return errors.New("account key is required")
	}
	if a.Status == "" {
		a.Status = AccountActive
	}
	return s.write(ctx, func(tx *sql.Tx) ([]LogEntry, error) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO accounts(phone, api_id, api_hash, session_file, status, username, created_at)
			 VALUES(?,?,?,?,?,?,?)
			 ON CONFLICT(phone) DO UPDATE SET
			   api_id=excluded.api_id, api_hash=excluded.api_hash,
			   session_file=excluded.session_file, status=excluded.status,
			   username=COALESCE(excluded.username, accounts.username)`,
			a.Key, a.APIID, a.APIHash, a.SessionFile, string(a.Status), nullStr(a.Username), s.now().Unix(),
		)
		if err != nil {
			return nil, err
		}
		return []LogEntry{{Event: EventAccountSaved, Detail: a.Key}}, nil
	})
}

func (s *sqliteStore) GetAccount(ctx context.Context, key string) (Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE phone = ?`, key)
	a, err := scanAccount(row)
	if err != nil {
		return Account{}, notFound(err, "account "+key)
	}
	return a, nil
}

func (s *sqliteStore) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY created_at, phone`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetAccountStatus(ctx context.Context, key string, status AccountStatus) error {
	if status != AccountActive && status != AccountInactive {
		return fmt.Errorf("invalid account status %q", status)
	}
	return s.write(ctx, func(tx *sql.Tx) ([]LogEntry, error) {
		res, err := tx.ExecContext(ctx, `UPDATE accounts SET status = ? WHERE phone = ?`, string(status), key)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("account %s: %w", key, ErrNotFound)
		}
		return []LogEntry{{Event: EventAccountStatus, Detail: key + " -> " + string(status)}}, nil
	})
}

// DeleteAccount removes the account and drops it from its subscriber's list.
func (s *sqliteStore) DeleteAccount(ctx context.Context, key string) error {
	return s.write(ctx, func(tx *sql.Tx) ([]LogEntry, error) {
		var owner sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT assigned_to FROM accounts WHERE phone = ?`, key).Scan(&owner)
		if err != nil {
			return nil, notFound(err, "account "+key)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE phone = ?`, key); err != nil {
			return nil, err
		}
		if owner.Valid && owner.String != "" {
			var list string
			err := tx.QueryRowContext(ctx, `SELECT accounts FROM subscribers WHERE invitation_key = ?`, owner.String).Scan(&list)
			if err == nil {
				kept := removeKey(splitKeys(list), key)
				if _, err := tx.ExecContext(ctx, `UPDATE subscribers SET accounts = ? WHERE invitation_key = ?`,
					strings.Join(kept, ","), owner.String); err != nil {
					return nil, err
				}
			} else if !errors.Is(err, sql.ErrNoRows) {
				return nil, err
			}
		}
		return []LogEntry{{Event: EventAccountDeleted, Detail: key, Owner: owner.String}}, nil
	})
}

func splitKeys(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func removeKey(keys []string, key string) []string {
	out := keys[:0]
	for _, k := range keys {
		if k != key {
			out = append(out, k)
		}
	}
	return out
}
