package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/boblangley/blockrecon/internal/config"
	"github.com/boblangley/blockrecon/internal/reconcile"
)

const referenceJSONL = `{"id":"r1","page":0,"text":"Chapter 1","bbox":[10,10,100,20]}
{"id":"r2","page":0,"text":"Introduction","bbox":[10,40,120,20]}
`

const tesseractJSONL = `{"id":"t1","page":0,"text":"Chapter 1","bbox":[10,10,110,30]}
{"id":"t2","page":0,"text":"Intr0duction","bbox":[10,40,130,60]}
`

func createTempDir(t *testing.T) string {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "watcher-test-dir-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	writeFile(t, tmpDir, "reference.jsonl", referenceJSONL)
	writeFile(t, tmpDir, "tesseract.jsonl", tesseractJSONL)
	return tmpDir
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// runRecorder collects OnRun callbacks.
type runRecorder struct {
	mu   sync.Mutex
	runs []reconcile.RunResult
	ch   chan struct{}
}

func newRunRecorder() *runRecorder {
	return &runRecorder{ch: make(chan struct{}, 16)}
}

func (r *runRecorder) record(res reconcile.RunResult) {
	r.mu.Lock()
	r.runs = append(r.runs, res)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *runRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func (r *runRecorder) last() reconcile.RunResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[len(r.runs)-1]
}

func newTestWatcher(t *testing.T, dir string, rec *runRecorder) *Watcher {
	t.Helper()
	svc := reconcile.New(reconcile.Config{Engine: config.Default()})
	w, err := New(Config{
		Dir:      dir,
		Service:  svc,
		Debounce: 50 * time.Millisecond,
		OnRun:    rec.record,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w
}

// ==================== Construction Tests ====================

func TestNewWatcher(t *testing.T) {
	dir := createTempDir(t)
	svc := reconcile.New(reconcile.Config{Engine: config.Default()})

	w, err := New(Config{Dir: dir, Service: svc})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer w.Stop()

	if w.dir != dir {
		t.Errorf("dir = %s, want %s", w.dir, dir)
	}
	if w.debounce != 500*time.Millisecond {
		t.Errorf("debounce = %v, want 500ms", w.debounce)
	}
}

func TestNewWatcherRequiresService(t *testing.T) {
	if _, err := New(Config{Dir: createTempDir(t)}); err == nil {
		t.Error("New() without a service should fail")
	}
}

func TestWatcherStartStop(t *testing.T) {
	w := newTestWatcher(t, createTempDir(t), newRunRecorder())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := w.Stop(); err != nil {
		t.Errorf("Stop() failed: %v", err)
	}
}

// ==================== Run Tests ====================

func TestInitialRun(t *testing.T) {
	rec := newRunRecorder()
	w := newTestWatcher(t, createTempDir(t), rec)

	result, err := w.InitialRun(context.Background())
	if err != nil {
		t.Fatalf("InitialRun() failed: %v", err)
	}
	if result.Baselined != 2 || len(result.Engines) != 1 {
		t.Errorf("unexpected result %+v", result)
	}
	if rec.count() != 1 {
		t.Errorf("OnRun called %d times, want 1", rec.count())
	}
	if len(w.fileHashes) != 2 {
		t.Errorf("expected 2 cached hashes, got %d", len(w.fileHashes))
	}
}

func TestInitialRunWithoutReference(t *testing.T) {
	dir := createTempDir(t)
	os.Remove(filepath.Join(dir, "reference.jsonl"))
	w := newTestWatcher(t, dir, newRunRecorder())

	if _, err := w.InitialRun(context.Background()); err == nil {
		t.Error("InitialRun() without reference.jsonl should fail")
	}
}

func TestUnchangedFileSkipped(t *testing.T) {
	dir := createTempDir(t)
	rec := newRunRecorder()
	w := newTestWatcher(t, dir, rec)
	ctx := context.Background()

	if _, err := w.InitialRun(ctx); err != nil {
		t.Fatalf("InitialRun() failed: %v", err)
	}
	// Touching the file without changing it must not rerun
	writeFile(t, dir, "tesseract.jsonl", tesseractJSONL)
	w.handleChanges(ctx, []string{filepath.Join(dir, "tesseract.jsonl")})

	if rec.count() != 1 {
		t.Errorf("unchanged content triggered a run: %d runs", rec.count())
	}
}

func TestChangedFileReruns(t *testing.T) {
	dir := createTempDir(t)
	rec := newRunRecorder()
	w := newTestWatcher(t, dir, rec)
	ctx := context.Background()

	if _, err := w.InitialRun(ctx); err != nil {
		t.Fatalf("InitialRun() failed: %v", err)
	}
	path := writeFile(t, dir, "docling.jsonl", `{"id":"d1","page":0,"text":"Chapter 1","bbox":[10,10,110,30]}`+"\n")
	w.handleChanges(ctx, []string{path})

	if rec.count() != 2 {
		t.Fatalf("new engine file should rerun, got %d runs", rec.count())
	}
	last := rec.last()
	if len(last.Engines) != 2 || last.Baselined != 0 {
		t.Errorf("unexpected rerun result %+v", last)
	}
}

func TestFileDeletion(t *testing.T) {
	dir := createTempDir(t)
	rec := newRunRecorder()
	w := newTestWatcher(t, dir, rec)
	ctx := context.Background()

	if _, err := w.InitialRun(ctx); err != nil {
		t.Fatalf("InitialRun() failed: %v", err)
	}
	path := filepath.Join(dir, "tesseract.jsonl")
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	w.handleChanges(ctx, []string{path})

	if rec.count() != 2 {
		t.Fatalf("deletion should rerun, got %d runs", rec.count())
	}
	if n := len(rec.last().Engines); n != 0 {
		t.Errorf("deleted engine still matched: %d engines", n)
	}
	if _, ok := w.fileHashes[path]; ok {
		t.Error("hash of deleted file should be cleared")
	}
}

// ==================== Event Tests ====================

func TestWatchTriggersRun(t *testing.T) {
	dir := createTempDir(t)
	rec := newRunRecorder()
	w := newTestWatcher(t, dir, rec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := w.InitialRun(ctx); err != nil {
		t.Fatalf("InitialRun() failed: %v", err)
	}
	<-rec.ch
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	// Ignored: hidden and backup files
	writeFile(t, dir, ".scratch.jsonl", tesseractJSONL)
	writeFile(t, dir, "tesseract.jsonl~", tesseractJSONL)
	writeFile(t, dir, "notes.txt", "not engine output")
	writeFile(t, dir, "easyocr.jsonl", `{"id":"e1","page":0,"text":"Chapter 1","bbox":[10,10,110,30]}`+"\n")

	select {
	case <-rec.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a run")
	}
	engines := rec.last().Engines
	if len(engines) != 2 {
		t.Fatalf("expected tesseract and easyocr, got %+v", engines)
	}
	for _, e := range engines {
		if e.Engine != "easyocr" && e.Engine != "tesseract" {
			t.Errorf("unexpected engine %s", e.Engine)
		}
	}
}
