// Package store persists transfer records so completed downloads and uploads
// survive a restart and feed the controller's completed-path cache.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/rescale/rescale-xfer/internal/transfer"
)

// MaxRecordAge is how long an unfinished record is kept before Prune drops it.
const MaxRecordAge = 7 * 24 * time.Hour

// Record is the persisted state of one transfer, keyed by its URL.
type Record struct {
	Key              string          `json:"key"`
	TaskID           string          `json:"task_id"`
	URL              string          `json:"url"`
	LocalPath        string          `json:"local_path"`
	Direction        string          `json:"direction"` // "download" or "upload"
	Status           transfer.Status `json:"status"`
	BytesTransferred int64           `json:"bytes_transferred"`
	TotalBytes       int64           `json:"total_bytes"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Store is the record interface the controller reads and writes through.
type Store interface {
	Get(key string) (Record, bool, error)
	Put(rec Record) error
	Delete(key string) error
	List() ([]Record, error)
}

// MemoryStore keeps records in memory only.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Get(key string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	return rec, ok, nil
}

func (m *MemoryStore) Put(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Key] = stamp(rec)
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

func (m *MemoryStore) List() ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedRecords(m.records), nil
}

// Prune deletes unfinished records older than maxAge and returns how many
// were removed. Completed records are kept.
func Prune(s Store, maxAge time.Duration) (int, error) {
	records, err := s.List()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range records {
		if rec.Status == transfer.StatusCompleted || time.Since(rec.UpdatedAt) <= maxAge {
			continue
		}
		if err := s.Delete(rec.Key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func stamp(rec Record) Record {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return rec
}

func sortedRecords(m map[string]Record) []Record {
	out := make([]Record, 0, len(m))
	for _, rec := range m {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
