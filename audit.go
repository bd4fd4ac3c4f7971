package permgraph

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// AUDIT
// ============================================================================

// AuditEntry records one authorization decision
type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Principal *Principal     `json:"principal,omitempty"`
	Action    Action         `json:"action"`
	Entity    string         `json:"entity"`
	RecordID  string         `json:"record_id"`
	Decision  *Decision      `json:"decision"`
	TraceID   string         `json:"trace_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// GetTraceID returns the correlation id, falling back to metadata for
// entries persisted by older stores.
func (e *AuditEntry) GetTraceID() string {
	if e.TraceID != "" {
		return e.TraceID
	}
	if e.Metadata != nil {
		if v, ok := e.Metadata["trace_id"].(string); ok {
			return v
		}
	}
	return ""
}

// AuditFilter selects audit entries
type AuditFilter struct {
	PrincipalID string
	Entity      string
	RecordID    string
	Action      Action
	StartTime   time.Time
	EndTime     time.Time
	Limit       int
}

// AuditStore persists decision logs
type AuditStore interface {
	LogDecision(ctx context.Context, entry *AuditEntry) error
	GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// MemoryAuditStore keeps audit entries in memory
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*AuditEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{entries: make([]*AuditEntry, 0)}
}

func (s *MemoryAuditStore) LogDecision(ctx context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryAuditStore) GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*AuditEntry, 0)
	for _, entry := range s.entries {
		if filter.PrincipalID != "" && (entry.Principal == nil || entry.Principal.ID != filter.PrincipalID) {
			continue
		}
		if filter.Entity != "" && entry.Entity != filter.Entity {
			continue
		}
		if filter.RecordID != "" && entry.RecordID != filter.RecordID {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		if !filter.StartTime.IsZero() && entry.Timestamp.Before(filter.StartTime) {
			continue
		}
		if !filter.EndTime.IsZero() && entry.Timestamp.After(filter.EndTime) {
			continue
		}
		result = append(result, entry)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}
