// Package worker manages the embedded Asynq task worker.
//
// The worker runs as a goroutine inside the PocketBase process, connecting to
// Redis for persistent async task processing. It owns transcript maintenance:
// compressing finished session transcripts and pruning archives past their
// retention window.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/klauspost/compress/gzip"
	"github.com/pocketbase/pocketbase/core"

	"github.com/termgate/termgate/internal/settings"
)

const (
	TaskTranscriptArchive = "transcript:archive"
	TaskTranscriptPrune   = "transcript:prune"
)

// ArchivePayload identifies the transcript file to compress.
type ArchivePayload struct {
	Path string `json:"path"`
}

// NewArchiveTask builds the archive task for a finished transcript.
func NewArchiveTask(path string) (*asynq.Task, error) {
	payload, err := json.Marshal(ArchivePayload{Path: path})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTranscriptArchive, payload, asynq.Queue("low")), nil
}

// Worker manages the Asynq server, scheduler, and a shared client for
// enqueuing tasks.
type Worker struct {
	app       core.App
	server    *asynq.Server
	client    *asynq.Client
	scheduler *asynq.Scheduler
	redisOpt  asynq.RedisClientOpt
}

// New creates a Worker bound to the given app.
// Call Start() to begin processing and Shutdown() to stop.
func New(app core.App) *Worker {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	opt := asynq.RedisClientOpt{Addr: redisAddr}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
	})

	scheduler := asynq.NewScheduler(opt, nil)

	return &Worker{
		app:       app,
		server:    srv,
		client:    asynq.NewClient(opt),
		scheduler: scheduler,
		redisOpt:  opt,
	}
}

// Start begins processing tasks in background goroutines.
// Call once during the application lifecycle.
func (w *Worker) Start() {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTranscriptArchive, w.handleTranscriptArchive)
	mux.HandleFunc(TaskTranscriptPrune, w.handleTranscriptPrune)

	if _, err := w.scheduler.Register("@daily", asynq.NewTask(TaskTranscriptPrune, nil, asynq.Queue("low"))); err != nil {
		log.Printf("asynq scheduler register error: %v", err)
	}

	go func() {
		if err := w.server.Run(mux); err != nil {
			log.Printf("asynq worker error: %v", err)
		}
	}()
	go func() {
		if err := w.scheduler.Run(); err != nil {
			log.Printf("asynq scheduler error: %v", err)
		}
	}()
}

// Client returns the shared Asynq client for enqueuing tasks.
func (w *Worker) Client() *asynq.Client {
	return w.client
}

// Shutdown gracefully stops the worker and closes the client connection.
func (w *Worker) Shutdown() {
	w.scheduler.Shutdown()
	w.server.Shutdown()
	_ = w.client.Close()
}

// handleTranscriptArchive gzips a finished transcript and removes the
// original. A missing source file is not an error: the task may have been
// retried after a partial success.
func (w *Worker) handleTranscriptArchive(ctx context.Context, t *asynq.Task) error {
	var payload ArchivePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("transcript archive: bad payload: %w", err)
	}
	if payload.Path == "" || strings.HasSuffix(payload.Path, ".gz") {
		return fmt.Errorf("transcript archive: invalid path %q", payload.Path)
	}

	src, err := os.Open(payload.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("transcript archive: %w", err)
	}
	defer src.Close()

	dstPath := payload.Path + ".gz"
	dst, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("transcript archive: %w", err)
	}

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		dst.Close()
		os.Remove(dstPath)
		return fmt.Errorf("transcript archive: compress %s: %w", payload.Path, err)
	}
	if err := gz.Close(); err != nil {
		dst.Close()
		os.Remove(dstPath)
		return fmt.Errorf("transcript archive: finalize %s: %w", dstPath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("transcript archive: %w", err)
	}

	if err := os.Remove(payload.Path); err != nil {
		return fmt.Errorf("transcript archive: remove original: %w", err)
	}
	return nil
}

// handleTranscriptPrune removes archived transcripts older than the
// configured retention window.
func (w *Worker) handleTranscriptPrune(ctx context.Context, t *asynq.Task) error {
	storage, _ := settings.GetGroup(w.app, "transcripts", "storage", map[string]any{
		"dir":           "transcripts",
		"retentionDays": 30,
	})
	dir := settings.String(storage, "dir", "transcripts")
	retentionDays := settings.Int(storage, "retentionDays", 30)
	if retentionDays < 1 {
		return nil // retention disabled
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("transcript prune: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".gz") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			log.Printf("transcript prune: remove %s: %v", entry.Name(), err)
		}
	}
	return nil
}
