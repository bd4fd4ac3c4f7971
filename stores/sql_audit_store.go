package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oarkflow/permgraph"
	"github.com/oarkflow/squealx"
)

// SQLAuditStore persists audit entries in SQL
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) (*SQLAuditStore, error) {
	return &SQLAuditStore{db: db}, nil
}

func (s *SQLAuditStore) LogDecision(ctx context.Context, entry *permgraph.AuditEntry) error {
	traceB, _ := json.Marshal(entry.Decision.Trace)
	metaB, _ := json.Marshal(entry.Metadata)
	principal := ""
	if entry.Principal != nil {
		principal = entry.Principal.ID
	}
	q := `INSERT INTO audit_log(id, timestamp, principal_id, action, entity, record_id, allowed, category, reason, rule, trace_id, trace_json, metadata_json) VALUES(:id, :timestamp, :principal_id, :action, :entity, :record_id, :allowed, :category, :reason, :rule, :trace_id, :trace_json, :metadata_json)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            entry.ID,
		"timestamp":     entry.Timestamp,
		"principal_id":  principal,
		"action":        string(entry.Action),
		"entity":        entry.Entity,
		"record_id":     entry.RecordID,
		"allowed":       boolToInt(entry.Decision.Allowed),
		"category":      string(entry.Decision.Category),
		"reason":        string(entry.Decision.Reason),
		"rule":          entry.Decision.Rule,
		"trace_id":      entry.TraceID,
		"trace_json":    string(traceB),
		"metadata_json": string(metaB),
	})
	return err
}

func (s *SQLAuditStore) GetAccessLog(ctx context.Context, filter permgraph.AuditFilter) ([]*permgraph.AuditEntry, error) {
	q := `SELECT id, timestamp, principal_id, action, entity, record_id, allowed, category, reason, rule, trace_id, trace_json, metadata_json FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.PrincipalID != "" {
		q += " AND principal_id = :principal_id"
		params["principal_id"] = filter.PrincipalID
	}
	if filter.Entity != "" {
		q += " AND entity = :entity"
		params["entity"] = filter.Entity
	}
	if filter.RecordID != "" {
		q += " AND record_id = :record_id"
		params["record_id"] = filter.RecordID
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = filter.Action
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = filter.EndTime
	}
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*permgraph.AuditEntry, 0)
	for r.Next() {
		var id, principal, action, entity, recordID, category, reason, rule, traceID, traceJSON, metaJSON string
		var timestampRaw interface{}
		var allowedInt int
		if err := r.Scan(&id, &timestampRaw, &principal, &action, &entity, &recordID, &allowedInt, &category, &reason, &rule, &traceID, &traceJSON, &metaJSON); err != nil {
			return nil, err
		}
		entry := &permgraph.AuditEntry{ID: id}
		switch v := timestampRaw.(type) {
		case time.Time:
			entry.Timestamp = v
		case string:
			if t, err := parseFlexibleTime(v); err == nil {
				entry.Timestamp = t
			}
		case []byte:
			if t, err := parseFlexibleTime(string(v)); err == nil {
				entry.Timestamp = t
			}
		}
		if principal != "" {
			entry.Principal = &permgraph.Principal{ID: principal}
		}
		entry.Action = permgraph.Action(action)
		entry.Entity = entity
		entry.RecordID = recordID
		entry.TraceID = traceID
		entry.Decision = &permgraph.Decision{
			Allowed:  allowedInt != 0,
			Category: permgraph.Category(category),
			Reason:   permgraph.Reason(reason),
			Rule:     rule,
		}
		_ = json.Unmarshal([]byte(traceJSON), &entry.Decision.Trace)
		_ = json.Unmarshal([]byte(metaJSON), &entry.Metadata)
		out = append(out, entry)
	}
	return out, nil
}
