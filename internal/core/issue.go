package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	MaxIssueTitleLen = 256
	MaxIssueBodyLen  = 65536
	MaxIssueLabels   = 20
	MaxLabelLen      = 50
	MaxBatchSize     = 50
)

type idempotencyPayload struct {
	Key    string   `json:"key"`
	Tool   string   `json:"tool"`
	Repo   string   `json:"repo"`
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels"`
	Index  *int     `json:"index,omitempty"`
}

func ValidateIssueInput(title, body string, labels []string) error {
	t := strings.TrimSpace(title)
	if t == "" {
		return ValidationErrorf("title is required")
	}
	if len(t) > MaxIssueTitleLen {
		return ValidationErrorf("title exceeds %d characters", MaxIssueTitleLen)
	}
	if len(body) > MaxIssueBodyLen {
		return ValidationErrorf("body exceeds %d characters", MaxIssueBodyLen)
	}
	if len(labels) > MaxIssueLabels {
		return ValidationErrorf("labels exceed %d items", MaxIssueLabels)
	}
	for _, label := range labels {
		if strings.TrimSpace(label) == "" {
			return ValidationErrorf("labels must not contain empty values")
		}
		if len(label) > MaxLabelLen {
			return ValidationErrorf("label exceeds %d characters", MaxLabelLen)
		}
	}
	return nil
}

// IssueRequestHash fingerprints an issue write. The caller's key and the batch index
// are part of it, so one key reused for a different issue is detectable.
func IssueRequestHash(key, tool, repo, title, body string, labels []string, index *int) (string, error) {
	canonical := make([]string, 0, len(labels))
	for _, label := range labels {
		canonical = append(canonical, strings.TrimSpace(label))
	}
	sort.Strings(canonical)

	b, err := json.Marshal(idempotencyPayload{
		Key:    key,
		Tool:   tool,
		Repo:   repo,
		Title:  strings.TrimSpace(title),
		Body:   body,
		Labels: canonical,
		Index:  index,
	})
	if err != nil {
		return "", fmt.Errorf("marshal idempotency payload: %w", err)
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:]), nil
}

// IdempotencyRecord is a completed write remembered under its idempotency key.
type IdempotencyRecord struct {
	Key         string    `json:"key"`
	Tool        string    `json:"tool"`
	RequestHash string    `json:"request_hash"`
	Response    []byte    `json:"response"`
	CreatedAt   time.Time `json:"created_at"`
}

// IdempotencyLedger remembers completed writes. Recall returns nil for unknown keys.
type IdempotencyLedger interface {
	Recall(ctx context.Context, tool, key string) (*IdempotencyRecord, error)
	Remember(ctx context.Context, rec IdempotencyRecord) error
}

type IdempotencyConflictError struct {
	Key    string
	Detail string
}

func (e *IdempotencyConflictError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("idempotency key %q reused with a different request payload", e.Key)
}

func (e *IdempotencyConflictError) ErrorKind() Kind { return KindConflict }

// BatchMode decides whether a batch write stops at its first host failure.
type BatchMode string

const (
	BatchModePartial BatchMode = "partial"
	BatchModeStrict  BatchMode = "strict"
)

// ParseBatchMode reads a mode; empty means partial.
func ParseBatchMode(v string) (BatchMode, error) {
	mode := BatchMode(strings.ToLower(strings.TrimSpace(v)))
	if mode == "" {
		return BatchModePartial, nil
	}
	if mode == BatchModePartial || mode == BatchModeStrict {
		return mode, nil
	}
	return "", ValidationErrorf("invalid batch mode %q, expected partial or strict", v)
}

// DeriveBatchStatus is ok without errors, fail when every non-replayed item failed and
// partial otherwise.
func DeriveBatchStatus(total, replayed, errCount int) string {
	if errCount <= 0 {
		return "ok"
	}
	if errCount == total-replayed {
		return "fail"
	}
	return "partial"
}
