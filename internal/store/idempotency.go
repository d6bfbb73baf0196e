package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vaishcodescape/OpenX-MCP/internal/core"
)

var _ core.IdempotencyLedger = (*Store)(nil)

func (s *Store) Recall(ctx context.Context, tool, key string) (*core.IdempotencyRecord, error) {
	var (
		rec      = core.IdempotencyRecord{Tool: tool, Key: key}
		response string
		created  string
	)
	err := s.conn.QueryRowContext(ctx, s.q(`
SELECT request_hash, response_json, created_at FROM idempotency_keys
WHERE tool_name = $1 AND idempotency_key = $2`), tool, key,
	).Scan(&rec.RequestHash, &response, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recall idempotency key: %w", err)
	}
	rec.Response = []byte(response)
	if rec.CreatedAt, err = parseTS(created); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Remember keeps the first record stored under a key.
func (s *Store) Remember(ctx context.Context, rec core.IdempotencyRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.conn.ExecContext(ctx, s.q(`
INSERT INTO idempotency_keys (tool_name, idempotency_key, request_hash, response_json, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (tool_name, idempotency_key) DO NOTHING`),
		rec.Tool, rec.Key, rec.RequestHash, string(rec.Response), ts(created),
	)
	if err != nil {
		return fmt.Errorf("remember idempotency key: %w", err)
	}
	return nil
}
