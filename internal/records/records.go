// Package records keeps the upload log: one row per upload attempt that got
// as far as hashing the file.
package records

import (
	"context"
	"errors"
	"time"
)

// Status is the terminal state of an upload attempt.
type Status string

const (
	StatusUploaded Status = "uploaded"
	StatusFailed   Status = "failed"
	// StatusDeleted marks an uploaded file that was later removed from
	// storage. Records are never created in this state.
	StatusDeleted Status = "deleted"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusUploaded || s == StatusFailed || s == StatusDeleted
}

// validAtCreate reports whether a new record may start in s.
func (s Status) validAtCreate() bool {
	return s == StatusUploaded || s == StatusFailed
}

var (
	// ErrNotFound is returned for unknown record ids.
	ErrNotFound = errors.New("upload record not found")
	// ErrInvalidStatus rejects unknown statuses.
	ErrInvalidStatus = errors.New("invalid upload status")
)

// UploadRecord is one entry of the upload log.
type UploadRecord struct {
	ID           string    `json:"id"`
	FileID       string    `json:"fileId,omitempty"`
	FileName     string    `json:"fileName"`
	UserEmail    string    `json:"userEmail"`
	UploadTime   time.Time `json:"uploadTime"`
	Status       Status    `json:"status"`
	OriginalSize int64     `json:"originalSize"`
	OriginalHash string    `json:"originalHash"`
	MimeType     string    `json:"mimeType"`
	Message      string    `json:"message,omitempty"`
}

// Page selects a slice of the log. Page numbers start at 1.
type Page struct {
	Page  int
	Limit int
}

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}

func (p Page) offset() int {
	return (p.Page - 1) * p.Limit
}

// List is one page of records plus the total number of matches.
type List struct {
	Records []*UploadRecord `json:"records"`
	Total   int             `json:"total"`
	Page    int             `json:"page"`
	Limit   int             `json:"limit"`
}

// Stats counts records by status.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"byStatus"`
}

// Store persists upload records. Records are created once and afterwards
// only their terminal status may change.
type Store interface {
	Create(ctx context.Context, rec *UploadRecord) error
	Get(ctx context.Context, id string) (*UploadRecord, error)
	// GetByFileID returns the record of the upload that stored fileID.
	GetByFileID(ctx context.Context, fileID string) (*UploadRecord, error)
	// UpdateStatus sets the terminal status, file id and message.
	UpdateStatus(ctx context.Context, id string, status Status, fileID, message string) error
	// List returns records newest first.
	List(ctx context.Context, page Page) (*List, error)
	// Search matches query against file name, user email and file id,
	// case-insensitively, newest first.
	Search(ctx context.Context, query string, page Page) (*List, error)
	Stats(ctx context.Context) (*Stats, error)
}
