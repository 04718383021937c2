// Package watcher discovers files under the watch root and turns them
// into ingest jobs. Polling is the source of truth; fsnotify events only
// pull the next scan forward.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Vortrix5/echogarden/pkg/logger"
	"github.com/Vortrix5/echogarden/pkg/observability"
	"github.com/Vortrix5/echogarden/pkg/orchestrator"
	"github.com/Vortrix5/echogarden/pkg/storage"
)

const (
	defaultPollInterval = 2 * time.Second
	hashChunkBytes      = 64 * 1024
)

// ignoredDirs are skipped entirely during a scan.
var ignoredDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
	"Caches":       true,
	"$RECYCLE.BIN": true,
	"target":       true,
}

// Watcher polls a directory tree and enqueues ingest_blob jobs for new
// or changed files.
type Watcher struct {
	store    *storage.Store
	root     string
	interval time.Duration
	metrics  *observability.Metrics
	logger   *slog.Logger

	scanning atomic.Bool
	nudge    chan struct{}
}

// New creates a watcher over root. interval <= 0 falls back to the
// default poll period.
func New(store *storage.Store, root string, interval time.Duration, metrics *observability.Metrics) *Watcher {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Watcher{
		store:    store,
		root:     root,
		interval: interval,
		metrics:  metrics,
		logger:   logger.GetLogger("watcher"),
		nudge:    make(chan struct{}, 1),
	}
}

// Run scans on a ticker until ctx is cancelled. An fsnotify event on the
// watched tree triggers an early scan; polling still guarantees every
// change is eventually seen even when events are dropped.
func (w *Watcher) Run(ctx context.Context) error {
	if w.root == "" {
		return fmt.Errorf("watch root is not configured")
	}
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return fmt.Errorf("failed to create watch root: %w", err)
	}

	notify := w.startNotify(ctx)
	if notify != nil {
		defer notify.Close()
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("Watcher started", "root", w.root, "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Watcher stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-w.nudge:
		}
		if n, err := w.Scan(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("Scan failed", "error", err)
		} else if n > 0 {
			w.logger.Info("Scan enqueued files", "count", n)
		}
	}
}

// startNotify wires fsnotify onto the root and its subdirectories. Any
// event just pokes the nudge channel; failures leave polling in charge.
func (w *Watcher) startNotify(ctx context.Context) *fsnotify.Watcher {
	notify, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, relying on polling", "error", err)
		return nil
	}
	_ = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if skipName(d.Name()) && path != w.root {
			return filepath.SkipDir
		}
		_ = notify.Add(path)
		return nil
	})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-notify.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Create) {
					// New directories need their own watch.
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						_ = notify.Add(ev.Name)
					}
				}
				select {
				case w.nudge <- struct{}{}:
				default:
				}
			case _, ok := <-notify.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return notify
}

// Scan walks the tree once and enqueues a job for every new or changed
// file. Safe to call while a previous scan is still running; the second
// call returns immediately.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	if !w.scanning.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer w.scanning.Store(false)

	src, err := w.store.UpsertSource(ctx, "filesystem", w.root)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert filesystem source: %w", err)
	}

	enqueued := 0
	walkErr := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("Walk error", "path", path, "error", err)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != w.root && skipName(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if skipName(d.Name()) {
			return nil
		}
		changed, err := w.checkFile(ctx, src.SourceID, path, d)
		if err != nil {
			w.logger.Warn("Failed to process file", "path", path, "error", err)
			return nil
		}
		if changed {
			enqueued++
		}
		return nil
	})
	if walkErr != nil {
		return enqueued, walkErr
	}
	return enqueued, nil
}

// checkFile compares the on-disk state against the recorded FileState
// and, when the file is new or changed, records a blob and enqueues an
// ingest job. Returns true when a job was enqueued.
func (w *Watcher) checkFile(ctx context.Context, sourceID, path string, d fs.DirEntry) (bool, error) {
	info, err := d.Info()
	if err != nil {
		return false, err
	}
	mtimeNS := info.ModTime().UnixNano()
	size := info.Size()

	prev, err := w.store.GetFileState(ctx, path)
	if err == nil && prev.MtimeNS == mtimeNS && prev.SizeBytes == size {
		return false, nil
	}

	sha, err := hashFile(path)
	if err != nil {
		return false, err
	}
	if prev != nil && prev.SHA256 == sha {
		// Touched but not changed. Remember the new mtime so the next
		// scan skips the stat mismatch.
		return false, w.store.UpsertFileState(ctx, &storage.FileState{
			Path: path, MtimeNS: mtimeNS, SizeBytes: size, SHA256: sha,
		})
	}

	blob := &storage.Blob{
		BlobID:    storage.NewID(),
		SHA256:    sha,
		Path:      path,
		Mime:      detectMime(path),
		SizeBytes: size,
		SourceID:  sourceID,
	}
	if err := w.store.InsertBlob(ctx, blob); err != nil {
		return false, fmt.Errorf("failed to insert blob: %w", err)
	}
	if err := w.store.UpsertFileState(ctx, &storage.FileState{
		Path: path, MtimeNS: mtimeNS, SizeBytes: size, SHA256: sha,
	}); err != nil {
		return false, err
	}

	traceID := storage.NewID()
	if _, err := w.store.EnqueueJob(ctx, orchestrator.JobIngestBlob, orchestrator.IngestBlobPayload{
		BlobID:    blob.BlobID,
		SHA256:    sha,
		Mime:      blob.Mime,
		SizeBytes: size,
		TraceID:   traceID,
	}); err != nil {
		return false, fmt.Errorf("failed to enqueue ingest job: %w", err)
	}

	w.metrics.RecordFileDiscovered(ctx)
	w.logger.Debug("Enqueued file", "path", path, "blob_id", blob.BlobID, "size", size)
	return true, nil
}

// hashFile streams the file through sha256 in fixed-size chunks.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkBytes)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// knownMimes covers the ingest-relevant extensions the platform mime
// table may not know about.
var knownMimes = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".log":  "text/plain",
	".csv":  "text/csv",
	".json": "application/json",
	".html": "text/html",
	".htm":  "text/html",
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
}

// detectMime resolves a content type from the extension, falling back
// to a small content sniff for extensionless files.
func detectMime(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if mt, ok := knownMimes[ext]; ok {
		return mt
	}
	if mt := mime.TypeByExtension(ext); mt != "" {
		if i := strings.IndexByte(mt, ';'); i > 0 {
			mt = mt[:i]
		}
		return mt
	}
	f, err := os.Open(path)
	if err != nil {
		return "application/octet-stream"
	}
	defer f.Close()
	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	return sniffMime(buf[:n])
}

func sniffMime(head []byte) string {
	if len(head) == 0 {
		return "application/octet-stream"
	}
	for _, b := range head {
		if b == 0 {
			return "application/octet-stream"
		}
	}
	return "text/plain"
}

func skipName(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	return ignoredDirs[name]
}
