package store

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Conflict status values for the Conflict.Status field.
const (
	ConflictUnresolved = "unresolved"
	ConflictResolved   = "resolved"
)

// Conflict type classifications recorded in Conflict.ConflictType.
const (
	TypeConcurrentModification            = "concurrent_modification"
	TypeMultiClientConcurrentModification = "multi_client_concurrent_modification"
)

// Record is the immutable metadata for one stored file version. A record is
// created by a successful upload and never mutated afterward; the JSON shape
// is both the on-disk document format and the API response shape.
type Record struct {
	FileID       string    `json:"file_id"`
	FileName     string    `json:"file_name"`
	Version      int       `json:"version"`
	Size         int64     `json:"size"`
	Checksum     string    `json:"checksum"`
	ClientID     string    `json:"client_id"`
	LastModified time.Time `json:"last_modified"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// RestoredFrom is set when this version was created by restoring an
	// earlier version; it holds the source version number.
	RestoredFrom int `json:"restored_from,omitempty"`

	// Conflict marks records stored under a conflict copy name
	// (<base>_conflicted_by_<client><ext>). ConflictedWith names the
	// original file the losing upload targeted.
	Conflict       bool   `json:"conflict,omitempty"`
	ConflictedWith string `json:"conflicted_with,omitempty"`

	// ConflictFileName is populated on loser records embedded in a
	// Conflict document: the name the losing bytes were diverted to.
	ConflictFileName string `json:"conflict_file_name,omitempty"`
}

// Resolution records how a conflict was settled by the operator.
type Resolution struct {
	Method      string `json:"method"`
	KeepVersion int    `json:"keep_version,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
}

// Conflict is the durable record of one detected simultaneous-modification
// event. It is mutable only to append a resolution: Status transitions from
// unresolved to resolved exactly once and never back.
type Conflict struct {
	ID           string      `json:"id"`
	FileName     string      `json:"file_name"`
	Reason       string      `json:"reason"`
	ConflictType string      `json:"conflict_type"`
	Winner       *Record     `json:"winner"`
	Losers       []Record    `json:"losers"`
	AllClients   []string    `json:"all_clients"`
	Timestamp    time.Time   `json:"timestamp"`
	Status       string      `json:"status"`
	Resolution   *Resolution `json:"resolution,omitempty"`
	ResolvedAt   *time.Time  `json:"resolved_at,omitempty"`
}

// Checksum returns the content fingerprint of blob: the SHA-256 digest as
// 64 lowercase hex characters.
func Checksum(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}
