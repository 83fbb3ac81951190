// Package filewatch moves documents through plain directories: an inbox
// watched with fsnotify and an outbox of JSON results.
package filewatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/couchcryptid/place2polygon/internal/domain"
)

// ProcessedDir is the inbox subdirectory committed documents are moved to.
const ProcessedDir = "processed"

var contentTypes = map[string]string{
	".txt":  domain.ContentTypeText,
	".html": domain.ContentTypeHTML,
	".htm":  domain.ContentTypeHTML,
	".json": "",
}

// Inbox implements pipeline.BatchExtractor over a directory. Files already
// present are queued at startup; new ones are picked up as they appear.
type Inbox struct {
	dir     string
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu      sync.Mutex
	pending []string
	queued  map[string]bool
}

// NewInbox creates dir and its processed/ subdirectory if needed and starts
// watching it.
func NewInbox(dir string, logger *slog.Logger) (*Inbox, error) {
	if err := os.MkdirAll(filepath.Join(dir, ProcessedDir), 0o755); err != nil {
		return nil, fmt.Errorf("create inbox: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	in := &Inbox{dir: dir, watcher: w, logger: logger, queued: map[string]bool{}}
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, n := range names {
		in.enqueue(filepath.Join(dir, n))
	}
	return in, nil
}

// ExtractBatch returns up to batchSize queued documents, blocking until at
// least one is available or ctx is done.
func (in *Inbox) ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawDocument, error) {
	for {
		if batch := in.take(batchSize); len(batch) > 0 {
			return batch, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-in.watcher.Events:
			if !ok {
				return nil, fmt.Errorf("inbox watcher closed")
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				in.enqueue(ev.Name)
			}
			in.drainEvents()
		case err, ok := <-in.watcher.Errors:
			if !ok {
				return nil, fmt.Errorf("inbox watcher closed")
			}
			in.logger.Warn("inbox watcher error", "error", err)
		}
	}
}

// drainEvents queues whatever else the watcher already has buffered.
func (in *Inbox) drainEvents() {
	for {
		select {
		case ev, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				in.enqueue(ev.Name)
			}
		default:
			return
		}
	}
}

func (in *Inbox) enqueue(path string) {
	if _, ok := contentTypes[strings.ToLower(filepath.Ext(path))]; !ok {
		return
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.queued[path] {
		return
	}
	in.queued[path] = true
	in.pending = append(in.pending, path)
}

// take reads up to n pending files. Empty files stay unqueued until a later
// write event brings them back.
func (in *Inbox) take(n int) []domain.RawDocument {
	in.mu.Lock()
	defer in.mu.Unlock()

	var batch []domain.RawDocument
	for len(in.pending) > 0 && len(batch) < n {
		path := in.pending[0]
		in.pending = in.pending[1:]

		raw, err := in.read(path)
		if err != nil {
			delete(in.queued, path)
			if !os.IsNotExist(err) {
				in.logger.Warn("read inbox file failed", "path", path, "error", err)
			}
			continue
		}
		if raw == nil {
			delete(in.queued, path)
			continue
		}
		batch = append(batch, *raw)
	}
	return batch
}

func (in *Inbox) read(path string) (*domain.RawDocument, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, nil
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	name := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(name))
	id := strings.TrimSuffix(name, filepath.Ext(name))

	value := body
	if ct := contentTypes[ext]; ct != "" {
		value, err = json.Marshal(domain.DocumentPayload{ID: id, Text: string(body), ContentType: ct})
		if err != nil {
			return nil, err
		}
	}

	return &domain.RawDocument{
		Key:       []byte(id),
		Value:     value,
		Headers:   map[string]string{"path": path},
		Topic:     in.dir,
		Timestamp: info.ModTime(),
		Commit: func(context.Context) error {
			return in.commit(path)
		},
	}, nil
}

// commit moves a handled file into processed/.
func (in *Inbox) commit(path string) error {
	in.mu.Lock()
	delete(in.queued, path)
	in.mu.Unlock()

	dst := filepath.Join(in.dir, ProcessedDir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("move %s to %s: %w", path, ProcessedDir, err)
	}
	return nil
}

func (in *Inbox) Close() error {
	return in.watcher.Close()
}
