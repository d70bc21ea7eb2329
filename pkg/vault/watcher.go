package vault

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/solvberg/kinsync/pkg/logging"
)

// EventOp classifies a document change notification.
type EventOp int

const (
	DocOpened EventOp = iota // document appeared (create or rename-in)
	DocChanged
	DocRemoved
)

// Event is one batched document change.
type Event struct {
	Doc       string
	Op        EventOp
	Timestamp time.Time
}

// Watcher turns filesystem notifications on the vault tree into per-document
// change events. Rapid events for the same document within the flush window
// collapse to one.
type Watcher struct {
	vault   *Vault
	watcher *fsnotify.Watcher
	events  chan Event
}

// NewWatcher creates a watcher over the vault's directory tree.
func NewWatcher(v *Vault) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		vault:   v,
		watcher: fsw,
		events:  make(chan Event, 100),
	}, nil
}

// Start registers the vault directories and begins emitting events until the
// context is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	count := 0
	err := filepath.WalkDir(w.vault.Root(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if !d.IsDir() {
			return nil
		}
		if name := d.Name(); strings.HasPrefix(name, ".") && path != w.vault.Root() {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			logging.Warn("failed to watch directory", "path", path, "error", err)
			return nil
		}
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk vault: %w", err)
	}

	logging.Info("watching vault", "root", w.vault.Root(), "directories", count)
	go w.processEvents(ctx)
	return nil
}

// Events returns the channel of batched document events.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// processEvents batches raw fsnotify events per document and flushes on a
// short quiet timer, so editors that write in multiple syscalls produce one
// event.
func (w *Watcher) processEvents(ctx context.Context) {
	pending := make(map[string]Event)

	flushTimer := time.NewTimer(0)
	if !flushTimer.Stop() {
		<-flushTimer.C
	}

	flush := func() {
		for _, ev := range pending {
			select {
			case w.events <- ev:
			default:
				logging.Warn("event channel full, dropping event", "doc", ev.Doc)
			}
		}
		pending = make(map[string]Event)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			w.watcher.Close()
			close(w.events)
			return

		case raw, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if raw.Op.Has(fsnotify.Create) {
				// New directories need to be watched too.
				if st, err := os.Stat(raw.Name); err == nil && st.IsDir() {
					if !strings.HasPrefix(st.Name(), ".") {
						_ = w.watcher.Add(raw.Name)
					}
					continue
				}
			}
			if filepath.Ext(raw.Name) != ".md" {
				continue
			}
			doc, err := filepath.Rel(w.vault.Root(), raw.Name)
			if err != nil {
				continue
			}
			doc = filepath.ToSlash(doc)

			op := DocChanged
			switch {
			case raw.Op.Has(fsnotify.Create):
				op = DocOpened
			case raw.Op.Has(fsnotify.Remove) || raw.Op.Has(fsnotify.Rename):
				op = DocRemoved
			}
			// Latest op for a document wins within a batch.
			pending[doc] = Event{Doc: doc, Op: op, Timestamp: time.Now()}
			flushTimer.Reset(100 * time.Millisecond)

		case <-flushTimer.C:
			flush()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("watcher error", "error", err)
		}
	}
}
