package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vaishcodescape/OpenX-MCP/internal/heal"
)

var _ heal.Archive = (*Store)(nil)

// Save upserts the latest snapshot of a healing session.
func (s *Store) Save(ctx context.Context, sess heal.Session) error {
	snapshot, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = s.conn.ExecContext(ctx, s.q(`
INSERT INTO healing_sessions (session_id, repo, pr_number, stage, result, snapshot, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (session_id) DO UPDATE SET
	stage = excluded.stage,
	result = excluded.result,
	snapshot = excluded.snapshot,
	updated_at = excluded.updated_at`),
		sess.ID, sess.PullRequest.Repo.String(), sess.PullRequest.Number, string(sess.Stage), string(sess.Result),
		string(snapshot), ts(sess.CreatedAt), ts(sess.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Get returns heal.ErrSessionNotFound for unknown ids.
func (s *Store) Get(ctx context.Context, id string) (heal.Session, error) {
	var snapshot string
	err := s.conn.QueryRowContext(ctx,
		s.q(`SELECT snapshot FROM healing_sessions WHERE session_id = $1`), id,
	).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return heal.Session{}, heal.ErrSessionNotFound
	}
	if err != nil {
		return heal.Session{}, fmt.Errorf("get session: %w", err)
	}
	return decodeSession(snapshot)
}

// List returns sessions newest first; limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]heal.Session, error) {
	query := `SELECT snapshot FROM healing_sessions ORDER BY created_at DESC, session_id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.conn.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]heal.Session, 0)
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess, err := decodeSession(snapshot)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func decodeSession(snapshot string) (heal.Session, error) {
	var sess heal.Session
	if err := json.Unmarshal([]byte(snapshot), &sess); err != nil {
		return heal.Session{}, fmt.Errorf("decode session: %w", err)
	}
	return sess, nil
}
