package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kenneth/secure-image-vault/internal/database"
)

// PostgresSink appends entries to the audit_entries table. Rows are only ever
// inserted; a retried entry is ignored by its primary key.
type PostgresSink struct {
	db database.DBTX
}

// NewPostgresSink constructs a sink bound to db.
func NewPostgresSink(db database.DBTX) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Write(ctx context.Context, e *Entry) error {
	extra := e.AdditionalData
	if extra == nil {
		extra = map[string]interface{}{}
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("marshal additional data: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO audit_entries (entry_id, occurred_at, action, resource_id, user_id, ip_address, user_agent, session_id, additional_data, compliance_version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (entry_id) DO NOTHING
	`, e.EntryID, e.Timestamp.UTC(), string(e.Action), e.ResourceID, e.UserID, e.IPAddress, e.UserAgent, e.SessionID, data, e.ComplianceVersion)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Query returns matching entries oldest first.
func (s *PostgresSink) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("occurred_at <= $%d", f.To.UTC())
	}

	q := `SELECT entry_id, occurred_at, action, resource_id, user_id, ip_address, user_agent, session_id, additional_data, compliance_version FROM audit_entries`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY occurred_at ASC, entry_id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select audit entries: %w", err)
	}
	defer rows.Close()

	out := make([]*Entry, 0)
	for rows.Next() {
		var (
			e      Entry
			action string
			extra  []byte
		)
		if err := rows.Scan(&e.EntryID, &e.Timestamp, &action, &e.ResourceID, &e.UserID, &e.IPAddress, &e.UserAgent, &e.SessionID, &extra, &e.ComplianceVersion); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = Action(action)
		if len(extra) > 0 {
			if err := json.Unmarshal(extra, &e.AdditionalData); err != nil {
				return nil, fmt.Errorf("decode additional data: %w", err)
			}
			if len(e.AdditionalData) == 0 {
				e.AdditionalData = nil
			}
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}
