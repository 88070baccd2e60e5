// Package watcher re-runs reconciliation when engine output in an extraction
// directory changes.
package watcher

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/blake3"

	"github.com/boblangley/blockrecon/internal/parser"
	"github.com/boblangley/blockrecon/internal/reconcile"
)

// Watcher watches one extraction directory for file changes.
type Watcher struct {
	dir     string
	service *reconcile.Service
	onRun   func(reconcile.RunResult)
	logger  *slog.Logger

	watcher  *fsnotify.Watcher
	debounce time.Duration
	pending  map[string]time.Time
	mu       sync.Mutex

	// Hash tracking to avoid rerunning on unchanged files
	fileHashes map[string]string
	hashMu     sync.RWMutex

	// Runs are serialized; a change arriving mid-run is requeued
	runMu sync.Mutex
}

// Config holds watcher configuration.
type Config struct {
	Dir      string
	Service  *reconcile.Service
	Debounce time.Duration

	// OnRun is called after every successful run.
	OnRun func(reconcile.RunResult)

	Logger *slog.Logger
}

// New creates a new directory watcher.
func New(cfg Config) (*Watcher, error) {
	if cfg.Service == nil {
		return nil, errors.New("watcher: service is required")
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	debounce := cfg.Debounce
	if debounce == 0 {
		debounce = 500 * time.Millisecond
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		dir:        cfg.Dir,
		service:    cfg.Service,
		onRun:      cfg.OnRun,
		logger:     logger,
		watcher:    fsWatcher,
		debounce:   debounce,
		pending:    make(map[string]time.Time),
		fileHashes: make(map[string]string),
	}, nil
}

// Start begins watching the extraction directory. Engine files live at the
// top level only, so subdirectories are not watched.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return err
	}

	w.logger.Info("started watching directory", "path", w.dir)

	go w.processEvents(ctx)
	go w.processDebounced(ctx)

	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !parser.IsExtractionFile(event.Name) {
				continue
			}
			w.queue(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) queue(path string) {
	w.mu.Lock()
	w.pending[path] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processDebounced(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			w.mu.Lock()
			now := time.Now()
			var ready []string
			for path, queueTime := range w.pending {
				if now.Sub(queueTime) >= w.debounce {
					ready = append(ready, path)
				}
			}
			for _, path := range ready {
				delete(w.pending, path)
			}
			w.mu.Unlock()

			if len(ready) > 0 {
				w.handleChanges(ctx, ready)
			}
		}
	}
}

// computeFileHash computes the BLAKE3 hash of file contents.
func computeFileHash(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hasContentChanged checks if file content has changed since the last run.
func (w *Watcher) hasContentChanged(filePath string) bool {
	currentHash, err := computeFileHash(filePath)
	if err != nil {
		return true
	}

	w.hashMu.RLock()
	storedHash, exists := w.fileHashes[filePath]
	w.hashMu.RUnlock()

	return !exists || currentHash != storedHash
}

func (w *Watcher) clearFileHash(filePath string) {
	w.hashMu.Lock()
	delete(w.fileHashes, filePath)
	w.hashMu.Unlock()
}

// refreshHashes records the hash of every extraction file in the directory.
func (w *Watcher) refreshHashes() int {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("failed to list directory", "path", w.dir, "error", err)
		return 0
	}

	hashes := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !parser.IsExtractionFile(e.Name()) {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		if hash, err := computeFileHash(path); err == nil {
			hashes[path] = hash
		}
	}

	w.hashMu.Lock()
	w.fileHashes = hashes
	w.hashMu.Unlock()
	return len(hashes)
}

func (w *Watcher) handleChanges(ctx context.Context, paths []string) {
	changed := false
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			// Removed engine output: forget its candidates
			w.clearFileHash(path)
			if engine := parser.EngineName(path); engine != parser.ReferenceEngine {
				if err := w.service.DropEngine(ctx, engine); err != nil {
					w.logger.Error("failed to drop engine", "engine", engine, "error", err)
				}
			}
			changed = true
			continue
		}
		if w.hasContentChanged(path) {
			changed = true
		} else {
			w.logger.Debug("file content unchanged, skipping", "path", path)
		}
	}
	if !changed {
		return
	}

	if !w.runMu.TryLock() {
		w.logger.Debug("run in progress, requeueing", "files", len(paths))
		for _, path := range paths {
			w.queue(path)
		}
		return
	}
	defer w.runMu.Unlock()

	w.logger.Info("processing directory change", "files", len(paths))
	if _, err := w.run(ctx); err != nil {
		w.logger.Error("reconcile run failed", "path", w.dir, "error", err)
	}
}

func (w *Watcher) run(ctx context.Context) (reconcile.RunResult, error) {
	doc, err := parser.LoadDirectory(w.dir)
	if err != nil {
		return reconcile.RunResult{}, err
	}

	result, err := w.service.Run(ctx, doc)
	if err != nil {
		return result, err
	}

	files := w.refreshHashes()
	w.logger.Debug("cached file hashes", "count", files)

	if w.onRun != nil {
		w.onRun(result)
	}
	return result, nil
}

// InitialRun loads the directory and reconciles it once.
func (w *Watcher) InitialRun(ctx context.Context) (reconcile.RunResult, error) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	w.logger.Info("starting initial run", "path", w.dir)
	result, err := w.run(ctx)
	if err != nil {
		return result, err
	}
	w.logger.Info("initial run complete",
		"engines", len(result.Engines),
		"baselined", result.Baselined)
	return result, nil
}
