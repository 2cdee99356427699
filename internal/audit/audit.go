// Package audit records access-sensitive actions to append-only sinks.
package audit

import (
	"context"
	"time"
)

// Action is the kind of access being recorded.
type Action string

const (
	ActionView     Action = "view"
	ActionDownload Action = "download"
	ActionUpload   Action = "upload"
	ActionDelete   Action = "delete"
	ActionDecrypt  Action = "decrypt"
)

// DefaultComplianceVersion tags every entry unless configured otherwise.
const DefaultComplianceVersion = "HIPAA-2024"

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionView, ActionDownload, ActionUpload, ActionDelete, ActionDecrypt:
		return true
	}
	return false
}

// Entry is one immutable audit record.
type Entry struct {
	EntryID           string                 `json:"entryId"`
	Timestamp         time.Time              `json:"timestamp"`
	Action            Action                 `json:"action"`
	ResourceID        string                 `json:"resourceId"`
	UserID            string                 `json:"userId"`
	IPAddress         string                 `json:"ipAddress"`
	UserAgent         string                 `json:"userAgent"`
	SessionID         string                 `json:"sessionId"`
	AdditionalData    map[string]interface{} `json:"additionalData,omitempty"`
	ComplianceVersion string                 `json:"complianceVersion"`
}

// Logger is what the pipeline depends on. LogAccess never fails and never blocks
// on sink I/O.
type Logger interface {
	LogAccess(ctx context.Context, action Action, resourceID, userID string, extra map[string]interface{})
}

// Sink is an append-only destination for entries. Write may be retried with the
// same entry, so sinks should treat EntryID as an idempotency key.
type Sink interface {
	Name() string
	Write(ctx context.Context, entry *Entry) error
}

// Filter selects entries. Zero fields match everything.
type Filter struct {
	ResourceID string
	UserID     string
	Action     Action
	From       time.Time
	To         time.Time
	Limit      int
}

// Match reports whether e passes the filter. From and To are inclusive.
func (f Filter) Match(e *Entry) bool {
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Querier is implemented by sinks that can be read back.
type Querier interface {
	Query(ctx context.Context, filter Filter) ([]*Entry, error)
}

// Nop discards everything.
type Nop struct{}

func (Nop) LogAccess(context.Context, Action, string, string, map[string]interface{}) {}
