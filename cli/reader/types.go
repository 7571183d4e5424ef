// Package reader provides the read-side data access layer for the ferry CLI.
//
// Every payload here is rendered the same way by json, yaml, table and TUI
// output. Payloads are built either from a download target (list, inspect)
// or from a finished export (report).
package reader

import "time"

// ListDownloadItem is one stored download.
type ListDownloadItem struct {
	Name string `json:"name"`
}

// ListOptions filters list downloads.
type ListOptions struct {
	Prefix string
	Limit  int
}

// InspectDownloadResponse describes one stored download.
type InspectDownloadResponse struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
	Size    int64  `json:"size"`
	SHA256  string `json:"sha256"`
	Segment int    `json:"segment"`
}

// DownloadRow is one triggered download of an export.
type DownloadRow struct {
	Session  string    `json:"session"`
	Transfer string    `json:"transfer"`
	StoredAs string    `json:"stored_as"`
	Ordinal  int       `json:"ordinal"`
	Final    bool      `json:"final"`
	Size     int64     `json:"size"`
	State    string    `json:"state"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Download row states.
const (
	StateSaved  = "saved"
	StateFailed = "failed"
)

// ExportStats summarizes an export run.
type ExportStats struct {
	Files           int   `json:"files"`
	Sessions        int   `json:"sessions"`
	BytesReceived   int64 `json:"bytes_received"`
	ChunksReceived  int64 `json:"chunks_received"`
	SegmentsFlushed int64 `json:"segments_flushed"`
	DownloadSuccess int64 `json:"download_success"`
	DownloadFailure int64 `json:"download_failure"`
	MessagesDropped int64 `json:"messages_dropped"`
	BacklogHolds    int64 `json:"backlog_holds"`
	BacklogWakes    int64 `json:"backlog_wakes"`
	NotifyFailure   int64 `json:"notify_failure"`
}

// ExportReport is the result of ferry export.
type ExportReport struct {
	CoordinatorID string        `json:"coordinator_id"`
	Backend       string        `json:"backend"`
	Duration      string        `json:"duration"`
	Stats         ExportStats   `json:"stats"`
	Downloads     []DownloadRow `json:"downloads"`
}
