// Package store implements the server-side persistence layer: the on-disk
// content store (current blobs plus per-version copies) and the metadata
// store (one JSON document per version record and per conflict record).
// All state lives under a shared root so every supervised worker process
// observes identical data.
package store

import "errors"

// Sentinel errors shared by the content and metadata stores. The HTTP layer
// maps these to status codes; use errors.Is to check.
var (
	ErrNotFound   = errors.New("store: not found")
	ErrBadRequest = errors.New("store: bad request")
	ErrConflict   = errors.New("store: conflict")
	ErrCorrupt    = errors.New("store: corrupt data")
)
