package dto

import (
	"time"

	"contactsync/internal/domain/syncrun"
)

// RunListQuery filters GET /runs.
type RunListQuery struct {
	SourceType string    `form:"source_type"`
	Status     string    `form:"status"`
	From       time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To         time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit      int       `form:"limit" binding:"omitempty,min=1,max=500"`
}

// TriggerSyncRequest is the optional body of POST /sources/:type/sync.
type TriggerSyncRequest struct {
	Mode string `json:"mode" binding:"omitempty,oneof=full incremental"`
	// Wait blocks until the run is sealed and returns it.
	Wait bool `json:"wait"`
}

// TriggerSyncResponse acknowledges an asynchronous sync.
type TriggerSyncResponse struct {
	SourceType string `json:"source_type"`
	Mode       string `json:"mode"`
	Accepted   bool   `json:"accepted"`
}

// RunResponse is a ledger entry with its derived duration.
type RunResponse struct {
	syncrun.Run
	DurationMS int64 `json:"duration_ms"`
}

// FromRun converts a ledger entry.
func FromRun(r *syncrun.Run) RunResponse {
	return RunResponse{Run: *r, DurationMS: r.Duration().Milliseconds()}
}

// FromRuns converts ledger entries.
func FromRuns(runs []syncrun.Run) []RunResponse {
	out := make([]RunResponse, len(runs))
	for i := range runs {
		out[i] = FromRun(&runs[i])
	}
	return out
}

// WatermarkResponse describes a stored cursor. Cursor is empty when the
// source has never been synced.
type WatermarkResponse struct {
	SourceType string     `json:"source_type"`
	Scope      string     `json:"scope"`
	Cursor     string     `json:"cursor"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
}

// ResetWatermarkRequest overwrites a cursor. An empty cursor forces the next
// incremental run to start from the beginning.
type ResetWatermarkRequest struct {
	Cursor string `json:"cursor"`
}
