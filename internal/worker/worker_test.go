package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/klauspost/compress/gzip"
	"github.com/pocketbase/pocketbase/tests"

	"github.com/termgate/termgate/internal/settings"

	_ "github.com/termgate/termgate/internal/migrations"
)

func archiveTaskFor(t *testing.T, path string) *asynq.Task {
	t.Helper()
	task, err := NewArchiveTask(path)
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestTranscriptArchiveCompressesAndRemovesOriginal(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "session-abc.log")
	content := []byte("$ uname -a\r\nLinux devbox 6.8.0\r\n")
	if err := os.WriteFile(srcPath, content, 0o600); err != nil {
		t.Fatal(err)
	}

	w := &Worker{}
	if err := w.handleTranscriptArchive(context.Background(), archiveTaskFor(t, srcPath)); err != nil {
		t.Fatalf("archive: %v", err)
	}

	if _, err := os.Stat(srcPath); !os.IsNotExist(err) {
		t.Error("original transcript should be removed")
	}

	f, err := os.Open(srcPath + ".gz")
	if err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	decompressed, err := io.ReadAll(gz)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decompressed, content) {
		t.Errorf("decompressed content mismatch: got %q", decompressed)
	}
}

func TestTranscriptArchiveMissingSourceIsNoop(t *testing.T) {
	w := &Worker{}
	path := filepath.Join(t.TempDir(), "gone.log")
	if err := w.handleTranscriptArchive(context.Background(), archiveTaskFor(t, path)); err != nil {
		t.Fatalf("expected nil for missing source, got %v", err)
	}
}

func TestTranscriptArchiveRejectsBadPayload(t *testing.T) {
	w := &Worker{}

	task := asynq.NewTask(TaskTranscriptArchive, []byte("{not json"))
	if err := w.handleTranscriptArchive(context.Background(), task); err == nil {
		t.Error("expected error for malformed payload")
	}

	payload, _ := json.Marshal(ArchivePayload{Path: "already.gz"})
	task = asynq.NewTask(TaskTranscriptArchive, payload)
	if err := w.handleTranscriptArchive(context.Background(), task); err == nil {
		t.Error("expected error for .gz path")
	}
}

func TestTranscriptPruneRemovesExpiredArchives(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	dir := t.TempDir()
	if err := settings.SetGroup(app, "transcripts", "storage", map[string]any{
		"dir":           dir,
		"retentionDays": 7,
	}); err != nil {
		t.Fatal(err)
	}

	oldPath := filepath.Join(dir, "session-old.log.gz")
	newPath := filepath.Join(dir, "session-new.log.gz")
	plainPath := filepath.Join(dir, "session-live.log")
	for _, p := range []string{oldPath, newPath, plainPath} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	stale := time.Now().AddDate(0, 0, -8)
	if err := os.Chtimes(oldPath, stale, stale); err != nil {
		t.Fatal(err)
	}

	w := &Worker{app: app}
	if err := w.handleTranscriptPrune(context.Background(), asynq.NewTask(TaskTranscriptPrune, nil)); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("expired archive should be removed")
	}
	if _, err := os.Stat(newPath); err != nil {
		t.Error("recent archive should be kept")
	}
	if _, err := os.Stat(plainPath); err != nil {
		t.Error("uncompressed transcript should be untouched")
	}
}
