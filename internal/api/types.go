package api

import "time"

// FileInfo is one entry in the server's file listing.
type FileInfo struct {
	Name          string    `json:"name"`
	LastModified  time.Time `json:"last_modified"`
	Size          int64     `json:"size"`
	Version       int       `json:"version"`
	ClientID      string    `json:"client_id"`
	TotalVersions int       `json:"total_versions"`
	Checksum      string    `json:"checksum"`
}

// Version is one version record in a file's history.
type Version struct {
	FileID       string    `json:"file_id"`
	FileName     string    `json:"file_name"`
	Version      int       `json:"version"`
	Size         int64     `json:"size"`
	Checksum     string    `json:"checksum"`
	ClientID     string    `json:"client_id"`
	LastModified time.Time `json:"last_modified"`
	CreatedAt    time.Time `json:"created_at"`
	RestoredFrom int       `json:"restored_from,omitempty"`
}

// UploadResult is the outcome of a successful upload or restore.
type UploadResult struct {
	Message    string   `json:"message"`
	Version    int      `json:"version"`
	Duplicate  bool     `json:"duplicate"`
	File       *Version `json:"file"`
	ConflictID string   `json:"conflict_id"`
}

// Conflict is one conflict document from the server.
type Conflict struct {
	ID           string     `json:"id"`
	FileName     string     `json:"file_name"`
	Reason       string     `json:"reason"`
	ConflictType string     `json:"conflict_type"`
	Winner       *Version   `json:"winner"`
	Losers       []Version  `json:"losers"`
	AllClients   []string   `json:"all_clients"`
	Timestamp    time.Time  `json:"timestamp"`
	Status       string     `json:"status"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// Resolution is an operator's settlement of a conflict.
type Resolution struct {
	Method      string `json:"method"`
	KeepVersion int    `json:"keep_version,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
}
