// Package syncrun drives incremental ingestion: it pages through a source
// adapter, isolates per-record failures, retries transient adapter errors and
// records each attempt in the run ledger.
package syncrun

import (
	"fmt"
	"time"

	"contactsync/internal/core/id"
	"contactsync/internal/domain/source"
)

// Status of a sync run. Every run ends in exactly one terminal status.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// IsTerminal reports whether s is a sealed status.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusPartial || s == StatusFailed
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusRunning, StatusSuccess, StatusPartial, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown run status %q", s)
}

// Run is one ledger entry. It is created as running and sealed exactly once.
type Run struct {
	ID              id.ID       `db:"run_id" json:"run_id"`
	SourceType      source.Type `db:"source_type" json:"source_type"`
	Mode            source.Mode `db:"mode" json:"mode"`
	Status          Status      `db:"status" json:"status"`
	StartedAt       time.Time   `db:"started_at" json:"started_at"`
	CompletedAt     *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
	RowsProcessed   int         `db:"rows_processed" json:"rows_processed"`
	RowsFailed      int         `db:"rows_failed" json:"rows_failed"`
	RowsSkipped     int         `db:"rows_skipped" json:"rows_skipped"`
	PagesFetched    int         `db:"pages_fetched" json:"pages_fetched"`
	Retries         int         `db:"retries" json:"retries"`
	ErrorSummary    *string     `db:"error_summary" json:"error_summary,omitempty"`
	WatermarkBefore *string     `db:"watermark_before" json:"watermark_before,omitempty"`
	WatermarkAfter  *string     `db:"watermark_after" json:"watermark_after,omitempty"`
}

// Duration is the wall time of a sealed run, zero while running.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// DefaultScope is used when a source keeps a single cursor.
const DefaultScope = "default"

// Watermark is the persisted resume cursor of a source scope.
type Watermark struct {
	SourceType source.Type `db:"source_type" json:"source_type"`
	Scope      string      `db:"scope" json:"scope"`
	Cursor     string      `db:"cursor" json:"cursor"`
	UpdatedAt  time.Time   `db:"updated_at" json:"updated_at"`
}

// RowError is a per-record failure that did not abort the run.
type RowError struct {
	SourceID string
	Err      error
}

func (e RowError) Error() string {
	return fmt.Sprintf("record %q: %v", e.SourceID, e.Err)
}

func strPtr(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
