package core

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultLedgerEntries bounds an in-memory ledger.
const DefaultLedgerEntries = 1024

// MemoryLedger keeps the most recent idempotency records of this process.
type MemoryLedger struct {
	mu      sync.Mutex
	records *lru.Cache[string, IdempotencyRecord]
}

var _ IdempotencyLedger = (*MemoryLedger)(nil)

func NewMemoryLedger(size int) *MemoryLedger {
	if size <= 0 {
		size = DefaultLedgerEntries
	}
	records, _ := lru.New[string, IdempotencyRecord](size)
	return &MemoryLedger{records: records}
}

func (l *MemoryLedger) Recall(_ context.Context, tool, key string) (*IdempotencyRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records.Get(tool + "\x00" + key)
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (l *MemoryLedger) Remember(_ context.Context, rec IdempotencyRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records.Add(rec.Tool+"\x00"+rec.Key, rec)
	return nil
}
