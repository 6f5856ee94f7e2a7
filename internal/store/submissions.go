package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

func (s *sqliteStore) CreateSubmission(ctx context.Context, sub SubmissionRecord, items []SendItem) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO submissions(id, session_id, created_at) VALUES(?,?,?)`,
		sub.ID, sub.SessionID, sub.CreatedAt.UnixMilli(),
	); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	for i, it := range items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO send_items(submission_id, seq, recipient, content, status, updated_at)
			 VALUES(?,?,?,?,?,?)`,
			sub.ID, i, it.Recipient, it.Content, string(ItemPending), now,
		); err != nil {
			if strings.Contains(err.Error(), "UNIQUE") {
				return ErrDuplicateRecipient
			}
			return err
		}
	}

	return tx.Commit()
}

func (s *sqliteStore) GetSubmission(ctx context.Context, id string) (SubmissionRecord, error) {
	var sub SubmissionRecord
	var createdMS int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, created_at FROM submissions WHERE id = ?`, id).
		Scan(&sub.ID, &sub.SessionID, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return SubmissionRecord{}, ErrNotFound
	}
	if err != nil {
		return SubmissionRecord{}, err
	}
	sub.CreatedAt = time.UnixMilli(createdMS)
	return sub, nil
}

func (s *sqliteStore) ListSubmissions(ctx context.Context, sessionID string, limit int) ([]SubmissionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, session_id, created_at FROM submissions`
	args := []any{}
	if sessionID != "" {
		q += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SubmissionRecord
	for rows.Next() {
		var sub SubmissionRecord
		var createdMS int64
		if err := rows.Scan(&sub.ID, &sub.SessionID, &createdMS); err != nil {
			return nil, err
		}
		sub.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ClaimNextItem picks the oldest PENDING item for the given sessions and
// flips it to IN_PROGRESS with a compare-and-swap on status, so two workers
// can never claim the same item. The select-then-update pair is retried a few
// times because a concurrent claim can win the race between the two statements.
func (s *sqliteStore) ClaimNextItem(ctx context.Context, sessionIDs []string) (*SendItem, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}

	ph := make([]string, len(sessionIDs))
	args := make([]any, len(sessionIDs))
	for i, id := range sessionIDs {
		ph[i] = "?"
		args[i] = id
	}
	q := `SELECT i.id, i.submission_id, sub.session_id, i.seq, i.recipient, i.content, i.attempts
	      FROM send_items i
	      JOIN submissions sub ON sub.id = i.submission_id
	      WHERE i.status = 'PENDING' AND sub.session_id IN (` + strings.Join(ph, ",") + `)
	      ORDER BY sub.created_at, i.submission_id, i.seq
	      LIMIT 1`

	for try := 0; try < 3; try++ {
		var it SendItem
		err := s.db.QueryRowContext(ctx, q, args...).
			Scan(&it.ID, &it.SubmissionID, &it.SessionID, &it.Seq, &it.Recipient, &it.Content, &it.Attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		now := time.Now()
		res, err := s.db.ExecContext(ctx,
			`UPDATE send_items
			 SET status = 'IN_PROGRESS', attempts = attempts + 1, claimed_at = ?, updated_at = ?
			 WHERE id = ? AND status = 'PENDING'`,
			now.UnixMilli(), now.UnixMilli(), it.ID)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			it.Status = ItemInProgress
			it.Attempts++
			it.UpdatedAt = now
			return &it, nil
		}
		// lost the race; pick again
	}
	return nil, nil
}

// RequeueItem returns one claimed item to PENDING without recording an
// outcome. Used when the bound session turned out not to be ready: the claim
// is undone, not failed.
func (s *sqliteStore) RequeueItem(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE send_items SET status = 'PENDING', claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'IN_PROGRESS'`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	_, err = res.RowsAffected()
	return err
}

func (s *sqliteStore) MarkItemSent(ctx context.Context, id int64) error {
	return s.execOne(ctx,
		`UPDATE send_items SET status = 'SENT', error = '', claimed_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
}

func (s *sqliteStore) MarkItemFailed(ctx context.Context, id int64, reason string) error {
	return s.execOne(ctx,
		`UPDATE send_items SET status = 'FAILED', error = ?, claimed_at = NULL, updated_at = ? WHERE id = ?`,
		reason, time.Now().UnixMilli(), id)
}

func (s *sqliteStore) MarkSubmissionCompleted(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET completed_at = ? WHERE id = ? AND completed_at IS NULL`,
		at.UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) Progress(ctx context.Context, submissionID string) (ProgressCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM send_items WHERE submission_id = ? GROUP BY status`,
		submissionID)
	if err != nil {
		return ProgressCounts{}, err
	}
	defer rows.Close()

	var p ProgressCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return ProgressCounts{}, err
		}
		p.Total += n
		switch ItemStatus(status) {
		case ItemPending:
			p.Pending += n
		case ItemInProgress:
			p.InProgress += n
		case ItemSent:
			p.Sent += n
		case ItemFailed:
			p.Failed += n
		}
	}
	return p, rows.Err()
}

func (s *sqliteStore) ListItems(ctx context.Context, submissionID string) ([]SendItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, submission_id, seq, recipient, content, status, error, attempts, updated_at
		 FROM send_items WHERE submission_id = ? ORDER BY seq`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SendItem
	for rows.Next() {
		var it SendItem
		var status string
		var updatedMS int64
		if err := rows.Scan(&it.ID, &it.SubmissionID, &it.Seq, &it.Recipient, &it.Content,
			&status, &it.Error, &it.Attempts, &updatedMS); err != nil {
			return nil, err
		}
		it.Status = ItemStatus(status)
		it.UpdatedAt = time.UnixMilli(updatedMS)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RequeueStale(ctx context.Context, claimedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE send_items
		 SET status = 'PENDING', claimed_at = NULL, updated_at = ?
		 WHERE status = 'IN_PROGRESS' AND claimed_at <= ?`,
		time.Now().UnixMilli(), claimedBefore.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) PruneCompleted(ctx context.Context, createdBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM submissions
		 WHERE created_at < ?
		   AND NOT EXISTS (
		       SELECT 1 FROM send_items
		       WHERE submission_id = submissions.id
		         AND status IN ('PENDING','IN_PROGRESS'))`,
		createdBefore.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
