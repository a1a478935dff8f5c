package logstore

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FilesystemLogStore writes one NDJSON file per job under a local
// directory. Finalize gzips the file in place; active logs are plain
// text so they can be tailed during a build.
type FilesystemLogStore struct {
	dir string
	log *slog.Logger

	mu    sync.Mutex
	files map[string]*os.File
}

// NewFilesystemLogStore creates the log directory if needed.
func NewFilesystemLogStore(dir string, log *slog.Logger) (*FilesystemLogStore, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &FilesystemLogStore{
		dir:   dir,
		log:   log,
		files: make(map[string]*os.File),
	}, nil
}

func (s *FilesystemLogStore) activePath(jobID string) string {
	return filepath.Join(s.dir, jobID+".log")
}

func (s *FilesystemLogStore) finalPath(jobID string) string {
	return filepath.Join(s.dir, jobID+".log.gz")
}

// AppendChunk writes one NDJSON entry to the job's active log file.
func (s *FilesystemLogStore) AppendChunk(ctx context.Context, jobID, stream string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[jobID]
	if !ok {
		var err error
		f, err = os.OpenFile(s.activePath(jobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		s.files[jobID] = f
	}

	entry := LogEntry{
		Timestamp: time.Now().UnixMilli(),
		Stream:    stream,
		Data:      string(data),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write log entry: %w", err)
	}
	return nil
}

// Finalize compresses the active log to .log.gz and removes the plain
// file. Returns the compressed size. A job with no output finalizes to
// an empty archive.
func (s *FilesystemLogStore) Finalize(ctx context.Context, jobID string) (int64, error) {
	s.mu.Lock()
	if f, ok := s.files[jobID]; ok {
		f.Close()
		delete(s.files, jobID)
	}
	s.mu.Unlock()

	src, err := os.Open(s.activePath(jobID))
	if os.IsNotExist(err) {
		src = nil
	} else if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}

	dst, err := os.Create(s.finalPath(jobID))
	if err != nil {
		if src != nil {
			src.Close()
		}
		return 0, fmt.Errorf("create archive: %w", err)
	}

	gz := gzip.NewWriter(dst)
	if src != nil {
		if _, err := io.Copy(gz, src); err != nil {
			src.Close()
			dst.Close()
			return 0, fmt.Errorf("compress log: %w", err)
		}
		src.Close()
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		return 0, fmt.Errorf("compress log: %w", err)
	}
	if err := dst.Close(); err != nil {
		return 0, fmt.Errorf("close archive: %w", err)
	}

	if err := os.Remove(s.activePath(jobID)); err != nil && !os.IsNotExist(err) {
		s.log.Warn("could not remove active log", "job_id", jobID, "error", err)
	}

	info, err := os.Stat(s.finalPath(jobID))
	if err != nil {
		return 0, fmt.Errorf("stat archive: %w", err)
	}
	return info.Size(), nil
}

// GetLogs returns the archived log if finalized, otherwise the active
// log of a still-running job.
func (s *FilesystemLogStore) GetLogs(ctx context.Context, jobID string) (io.ReadCloser, error) {
	if f, err := os.Open(s.finalPath(jobID)); err == nil {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open archive: %w", err)
		}
		return &gzipReadCloser{gz: gz, file: f}, nil
	}

	f, err := os.Open(s.activePath(jobID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

// Delete removes both the active and archived forms of a job's log.
func (s *FilesystemLogStore) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	if f, ok := s.files[jobID]; ok {
		f.Close()
		delete(s.files, jobID)
	}
	s.mu.Unlock()

	for _, path := range []string{s.activePath(jobID), s.finalPath(jobID)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	return nil
}

// Close closes any still-open active log files.
func (s *FilesystemLogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, f := range s.files {
		f.Close()
		delete(s.files, id)
	}
	return nil
}

type gzipReadCloser struct {
	gz   *gzip.Reader
	file *os.File
}

func (r *gzipReadCloser) Read(p []byte) (int, error) { return r.gz.Read(p) }

func (r *gzipReadCloser) Close() error {
	gzErr := r.gz.Close()
	fileErr := r.file.Close()
	if gzErr != nil {
		return gzErr
	}
	return fileErr
}
