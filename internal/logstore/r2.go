package logstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// flushThreshold is how much buffered NDJSON a job may accumulate
// before it is spilled to a chunk object.
const flushThreshold = 256 * 1024

// R2Options carries the credentials for a Cloudflare R2 bucket. R2
// speaks the S3 API, so the store is a thin layer over the S3 client
// pointed at the account endpoint.
type R2Options struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
}

// R2LogStore archives build logs in an R2 bucket. Output is buffered in
// memory per job and spilled to numbered chunk objects; Finalize
// concatenates the chunks, gzips them into a single archive object, and
// deletes the chunks.
type R2LogStore struct {
	client *s3.Client
	bucket string
	log    *slog.Logger

	mu      sync.Mutex
	buffers map[string]*jobBuffer
}

type jobBuffer struct {
	data      bytes.Buffer
	nextChunk int
}

// NewR2LogStore builds an S3 client against the account's R2 endpoint.
func NewR2LogStore(ctx context.Context, opts R2Options, log *slog.Logger) (*R2LogStore, error) {
	if log == nil {
		log = slog.Default()
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", opts.AccountID)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &R2LogStore{
		client:  client,
		bucket:  opts.Bucket,
		log:     log,
		buffers: make(map[string]*jobBuffer),
	}, nil
}

func jobPrefix(jobID string) string { return "build-logs/" + jobID + "/" }

func chunkKey(jobID string, n int) string {
	return fmt.Sprintf("%schunk_%03d.ndjson", jobPrefix(jobID), n)
}

func finalKey(jobID string) string { return jobPrefix(jobID) + "build.log.gz" }

// AppendChunk buffers one NDJSON entry, spilling to a chunk object when
// the buffer crosses the flush threshold.
func (s *R2LogStore) AppendChunk(ctx context.Context, jobID, stream string, data []byte) error {
	entry := LogEntry{
		Timestamp: time.Now().UnixMilli(),
		Stream:    stream,
		Data:      string(data),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal log entry: %w", err)
	}

	s.mu.Lock()
	buf, ok := s.buffers[jobID]
	if !ok {
		buf = &jobBuffer{}
		s.buffers[jobID] = buf
	}
	buf.data.Write(line)
	buf.data.WriteByte('\n')

	var spill []byte
	var chunk int
	if buf.data.Len() >= flushThreshold {
		spill = append([]byte(nil), buf.data.Bytes()...)
		chunk = buf.nextChunk
		buf.nextChunk++
		buf.data.Reset()
	}
	s.mu.Unlock()

	if spill == nil {
		return nil
	}
	return s.putObject(ctx, chunkKey(jobID, chunk), spill, "")
}

// Finalize gathers every chunk plus the in-memory tail into a single
// gzipped archive, then removes the chunks.
func (s *R2LogStore) Finalize(ctx context.Context, jobID string) (int64, error) {
	s.mu.Lock()
	var tail []byte
	if buf, ok := s.buffers[jobID]; ok {
		tail = append([]byte(nil), buf.data.Bytes()...)
		delete(s.buffers, jobID)
	}
	s.mu.Unlock()

	chunkKeys, err := s.listChunks(ctx, jobID)
	if err != nil {
		return 0, err
	}

	var combined bytes.Buffer
	for _, key := range chunkKeys {
		data, err := s.getObject(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("read chunk %s: %w", key, err)
		}
		combined.Write(data)
	}
	combined.Write(tail)

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(combined.Bytes()); err != nil {
		return 0, fmt.Errorf("compress log: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("compress log: %w", err)
	}

	if err := s.putObject(ctx, finalKey(jobID), compressed.Bytes(), "gzip"); err != nil {
		return 0, fmt.Errorf("upload archive: %w", err)
	}

	for _, key := range chunkKeys {
		if err := s.deleteObject(ctx, key); err != nil {
			s.log.Warn("could not delete log chunk", "key", key, "error", err)
		}
	}
	return int64(compressed.Len()), nil
}

// GetLogs returns the finalized archive if present, otherwise the
// chunks and buffer of a still-running job stitched together.
func (s *R2LogStore) GetLogs(ctx context.Context, jobID string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(finalKey(jobID)),
	})
	if err == nil {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("open archive: %w", err)
		}
		return &gzipBodyCloser{gz: gz, body: resp.Body}, nil
	}

	chunkKeys, err := s.listChunks(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var combined bytes.Buffer
	for _, key := range chunkKeys {
		data, err := s.getObject(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("read chunk %s: %w", key, err)
		}
		combined.Write(data)
	}
	s.mu.Lock()
	if buf, ok := s.buffers[jobID]; ok {
		combined.Write(buf.data.Bytes())
	}
	s.mu.Unlock()

	if combined.Len() == 0 {
		return nil, ErrNotFound
	}
	return io.NopCloser(&combined), nil
}

// Delete removes every object under the job's prefix.
func (s *R2LogStore) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	delete(s.buffers, jobID)
	s.mu.Unlock()

	keys, err := s.listKeys(ctx, jobPrefix(jobID))
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.deleteObject(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// Close drops any unflushed buffers. Jobs should be finalized before
// shutdown; anything left here belongs to interrupted builds.
func (s *R2LogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.buffers {
		s.log.Warn("discarding unflushed build log", "job_id", id)
		delete(s.buffers, id)
	}
	return nil
}

func (s *R2LogStore) listChunks(ctx context.Context, jobID string) ([]string, error) {
	keys, err := s.listKeys(ctx, jobPrefix(jobID))
	if err != nil {
		return nil, err
	}
	var chunks []string
	for _, key := range keys {
		if strings.HasSuffix(key, ".ndjson") {
			chunks = append(chunks, key)
		}
	}
	sort.Strings(chunks)
	return chunks, nil
}

func (s *R2LogStore) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *R2LogStore) putObject(ctx context.Context, key string, data []byte, contentEncoding string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentEncoding != "" {
		input.ContentEncoding = aws.String(contentEncoding)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *R2LogStore) getObject(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (s *R2LogStore) deleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return err
}

type gzipBodyCloser struct {
	gz   *gzip.Reader
	body io.ReadCloser
}

func (r *gzipBodyCloser) Read(p []byte) (int, error) { return r.gz.Read(p) }

func (r *gzipBodyCloser) Close() error {
	gzErr := r.gz.Close()
	bodyErr := r.body.Close()
	if gzErr != nil {
		return gzErr
	}
	return bodyErr
}
