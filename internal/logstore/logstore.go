// Package logstore archives build output. Workers append stdout/stderr
// chunks while a build runs and finalize the log when the job reaches a
// terminal status. Backends: local filesystem (default) and Cloudflare R2.
package logstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by GetLogs when no log exists for a job.
var ErrNotFound = errors.New("logstore: log not found")

// LogEntry is one line of build output in NDJSON form. Keys are kept
// short since a chatty build can emit tens of thousands of entries.
type LogEntry struct {
	Timestamp int64  `json:"t"` // unix millis
	Stream    string `json:"s"` // "stdout" or "stderr"
	Data      string `json:"d"`
}

// LogStore persists build logs keyed by job id.
type LogStore interface {
	// AppendChunk records a piece of build output for a running job.
	AppendChunk(ctx context.Context, jobID, stream string, data []byte) error

	// Finalize seals the log for a finished job and returns its
	// compressed size in bytes. Appends after Finalize are rejected.
	Finalize(ctx context.Context, jobID string) (int64, error)

	// GetLogs returns the decompressed NDJSON log for a job.
	GetLogs(ctx context.Context, jobID string) (io.ReadCloser, error)

	// Delete removes all stored log data for a job.
	Delete(ctx context.Context, jobID string) error

	Close() error
}
