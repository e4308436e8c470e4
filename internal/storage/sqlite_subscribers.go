package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const subscriberCols = `invitation_key, COALESCE(user_id,0), expires_at, accounts, COALESCE(folder_name,''),
	forwards_count, groups_reached, total_messages_sent, language, status, created_by, created_at`

func scanSubscriber(r rowScanner) (Subscriber, error) {
	var (
		sub      Subscriber
		expires  int64
		accounts string
		status   string
		created  int64
	)
	err := r.Scan(&sub.Key, &sub.UserID, &expires, &accounts, &sub.FolderName,
		&sub.ForwardsCount, &sub.GroupsReached, &sub.TotalMessagesSent,
		&sub.Language, &status, &sub.CreatedBy, &created)
	if err != nil {
		return Subscriber{}, err
	}
	sub.ExpiresAt = time.Unix(expires, 0)
	sub.Accounts = splitKeys(accounts)
	sub.Status = SubscriberStatus(status)
	sub.CreatedAt = time.Unix(created, 0)
	return sub, nil
}

// CreateSubscriber stores a new invitation and assigns it n free active
// accounts. It fails with ErrNoFreeAccounts when fewer are available.
func (s *sqliteStore) CreateSubscriber(ctx context.Context, sub Subscriber, n int) (Subscriber, error) {
	sub.Key = strings.TrimSpace(sub.Key)
	if sub.Key == "" {
		return Subscriber{}, errors.New("invitation key is required")
	}
	if sub.Language == "" {
		sub.Language = "en"
	}
	if sub.Status == "" {
		sub.Status = SubscriberActive
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now()
	}

	err := s.write(ctx, func(tx *sql.Tx) ([]LogEntry, error) {
		var free []string
		if n > 0 {
			rows, err := tx.QueryContext(ctx,
				`SELECT phone FROM accounts
				 WHERE status = 'active' AND (assigned_to IS NULL OR assigned_to = '')
				 ORDER BY created_at, phone LIMIT ?`, n)
			if err != nil {
				return nil, err
			}
			for rows.Next() {
				var k string
				if err := rows.Scan(&k); err != nil {
					rows.Close()
					return nil, err
				}
				free = append(free, k)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return nil, err
			}
			if len(free) < n {
				return nil, fmt.Errorf("%w: need %d, have %d", ErrNoFreeAccounts, n, len(free))
			}
		}
		sub.Accounts = free

		_, err := tx.ExecContext(ctx,
			`INSERT INTO subscribers(invitation_key, expires_at, accounts, folder_name, language, status, created_by, created_at)
			 VALUES(?,?,?,?,?,?,?,?)`,
			sub.Key, sub.ExpiresAt.Unix(), strings.Join(free, ","), nullStr(sub.FolderName),
			sub.Language, string(sub.Status), sub.CreatedBy, sub.CreatedAt.Unix(),
		)
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("invitation %s: %w", sub.Key, ErrDuplicate)
		}
		if err != nil {
			return nil, err
		}
		for _, k := range free {
			if _, err := tx.ExecContext(ctx, `UPDATE accounts SET assigned_to = ? WHERE phone = ?`, sub.Key, k); err != nil {
				return nil, err
			}
		}
		return []LogEntry{{
			Event:  EventSubscriberNew,
			Detail: fmt.Sprintf("expires %s, %d accounts", sub.ExpiresAt.UTC().Format(time.RFC3339), len(free)),
			Owner:  sub.Key,
		}}, nil
	})
	if err != nil {
		return Subscriber{}, err
	}
	return sub, nil
}

func (s *sqliteStore) GetSubscriber(ctx context.Context, key string) (Subscriber, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriberCols+` FROM subscribers WHERE invitation_key = ?`, key)
	sub, err := scanSubscriber(row)
	if err != nil {
		return Subscriber{}, notFound(err, "subscriber")
	}
	return sub, nil
}

func (s *sqliteStore) GetSubscriberByUser(ctx context.Context, userID int64) (Subscriber, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriberCols+` FROM subscribers WHERE user_id = ?`, userID)
	sub, err := scanSubscriber(row)
	if err != nil {
		return Subscriber{}, notFound(err, "subscriber")
	}
	return sub, nil
}

func (s *sqliteStore) ListSubscribers(ctx context.Context) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriberCols+` FROM subscribers ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ActivateSubscriber binds userID to the invitation. An invitation binds once,
// and only before it expires.
func (s *sqliteStore) ActivateSubscriber(ctx context.Context, key string, userID int64, now time.Time) (Subscriber, error) {
	var out Subscriber
	err := s.write(ctx, func(tx *sql.Tx) ([]LogEntry, error) {
		sub, err := scanSubscriber(tx.QueryRowContext(ctx, `SELECT `+subscriberCols+` FROM subscribers WHERE invitation_key = ?`, key))
		if err != nil {
			return nil, notFound(err, "invitation")
		}
		if sub.UserID != 0 {
			return nil, ErrAlreadyActivated
		}
		if !now.Before(sub.ExpiresAt) {
			return nil, ErrExpired
		}
		_, err = tx.ExecContext(ctx, `UPDATE subscribers SET user_id = ?, status = 'active' WHERE invitation_key = ?`, userID, key)
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user %d: %w", userID, ErrDuplicate)
		}
		if err != nil {
			return nil, err
		}
		sub.UserID = userID
		sub.Status = SubscriberActive
		out = sub
		return []LogEntry{{Event: EventSubscriberBound, Detail: fmt.Sprintf("user %d", userID), Owner: key}}, nil
	})
	return out, err
}

// ExtendSubscriber pushes the expiry by the given duration, counting from now
// when the subscription already lapsed, and reactivates it.
func (s *sqliteStore) ExtendSubscriber(ctx context.Context, key string, by time.Duration) (Subscriber, error) {
	var out Subscriber
	err := s.write(ctx, func(tx *sql.Tx) ([]LogEntry, error) {
		sub, err := scanSubscriber(tx.QueryRowContext(ctx, `SELECT `+subscriberCols+` FROM subscribers WHERE invitation_key = ?`, key))
		if err != nil {
			return nil, notFound(err, "subscriber")
		}
		base := sub.ExpiresAt
		if now := s.now(); base.Before(now) {
			base = now
		}
		sub.ExpiresAt = base.Add(by)
		sub.Status = SubscriberActive
		if _, err := tx.ExecContext(ctx, `UPDATE subscribers SET expires_at = ?, status = 'active' WHERE invitation_key = ?`,
			sub.ExpiresAt.Unix(), key); err != nil {
			return nil, err
		}
		out = sub
		return []LogEntry{{Event: EventSubscriberExt, Detail: "until " + sub.ExpiresAt.UTC().Format(time.RFC3339), Owner: key}}, nil
	})
	return out, err
}

// ExpireSubscribers flips lapsed active subscribers to inactive and pauses
// their active tasks.
func (s *sqliteStore) ExpireSubscribers(ctx context.Context, now time.Time) ([]string, int64, error) {
	var (
		keys   []string
		paused int64
	)
	err := s.write(ctx, func(tx *sql.Tx) ([]LogEntry, error) {
		rows, err := tx.QueryContext(ctx,
			`SELECT invitation_key FROM subscribers WHERE status = 'active' AND expires_at <= ?`, now.Unix())
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return nil, err
			}
			keys = append(keys, k)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}

		var entries []LogEntry
		for _, k := range keys {
			if _, err := tx.ExecContext(ctx, `UPDATE subscribers SET status = 'inactive' WHERE invitation_key = ?`, k); err != nil {
				return nil, err
			}
			res, err := tx.ExecContext(ctx,
				`UPDATE tasks SET status = 'paused', updated_at = ? WHERE owner = ? AND status = 'active'`, now.Unix(), k)
			if err != nil {
				return nil, err
			}
			n, _ := res.RowsAffected()
			paused += n
			entries = append(entries, LogEntry{Event: EventSubscriberExp, Detail: fmt.Sprintf("%d tasks paused", n), Owner: k})
		}
		return entries, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return keys, paused, nil
}
