// Package vault is the document store: markdown files with YAML front matter
// under a root directory, plus the identity/naming index and the filesystem
// watcher the sync engine consumes.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/solvberg/kinsync/pkg/graph"
	"github.com/solvberg/kinsync/pkg/logging"
	"github.com/solvberg/kinsync/pkg/rel"
)

// ErrWriteConflict is returned when a document changed on disk between the
// read that produced a rewrite and the write itself.
var ErrWriteConflict = errors.New("document changed since read")

// Identity field names in a document's front matter.
const (
	FieldUID    = "UID"
	FieldName   = "FN"
	FieldGender = "GENDER"
)

// docInfo caches a document's parsed front matter keyed by modtime.
type docInfo struct {
	fields  map[string]string
	modTime int64
}

// Vault is a filesystem-backed document vault. Paths are relative to the
// vault root. Safe for concurrent use.
type Vault struct {
	root string

	mu     sync.RWMutex
	docs   map[string]*docInfo
	byName map[string][]string // lowercased display name -> sorted paths
	byID   map[string]string   // identity ref key -> path
}

// Open creates a vault over a root directory. Call Scan before using the
// index.
func Open(root string) (*Vault, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("vault root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault root %s is not a directory", root)
	}
	return &Vault{
		root:   root,
		docs:   make(map[string]*docInfo),
		byName: make(map[string][]string),
		byID:   make(map[string]string),
	}, nil
}

// Root returns the vault root directory.
func (v *Vault) Root() string { return v.root }

// ListDocuments walks the vault and returns all markdown documents, sorted.
// Hidden directories are skipped.
func (v *Vault) ListDocuments() ([]string, error) {
	var docs []string
	err := filepath.WalkDir(v.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if name := d.Name(); strings.HasPrefix(name, ".") && path != v.root {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".md" {
			return nil
		}
		relPath, err := filepath.Rel(v.root, path)
		if err != nil {
			return err
		}
		docs = append(docs, filepath.ToSlash(relPath))
		return nil
	})
	sort.Strings(docs)
	return docs, err
}

// Scan loads every document's structured fields concurrently and rebuilds
// the identity and name indexes. This is the startup graph-rebuild source.
func (v *Vault) Scan(ctx context.Context) error {
	docs, err := v.ListDocuments()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	var mu sync.Mutex
	loaded := make(map[string]*docInfo, len(docs))
	for _, doc := range docs {
		doc := doc
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			info, err := v.load(doc)
			if err != nil {
				logging.Warn("skipping unreadable document", "doc", doc, "error", err)
				return nil
			}
			mu.Lock()
			loaded[doc] = info
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.docs = loaded
	v.rebuildIndexLocked()
	logging.Info("vault scanned", "documents", len(loaded))
	return nil
}

// ReadDocument returns a document's current text.
func (v *Vault) ReadDocument(doc string) (string, error) {
	data, err := os.ReadFile(filepath.Join(v.root, filepath.FromSlash(doc)))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteDocument writes new text for a document, atomically via a temp file.
// prev must be the text the caller last read; if the file changed in the
// meantime the write is refused with ErrWriteConflict so the caller can
// re-read and re-merge.
func (v *Vault) WriteDocument(doc, prev, next string) error {
	full := filepath.Join(v.root, filepath.FromSlash(doc))

	current, err := os.ReadFile(full)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if prev != "" {
			return ErrWriteConflict
		}
	case err != nil:
		return err
	case string(current) != prev:
		return ErrWriteConflict
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".kinsync-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(next); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return err
	}

	// Keep the cache and indexes current for the written document.
	fm, _ := SplitFrontmatter(next)
	info, statErr := os.Stat(full)
	var mod int64
	if statErr == nil {
		mod = info.ModTime().UnixNano()
	}
	v.mu.Lock()
	v.docs[doc] = &docInfo{fields: fm, modTime: mod}
	v.rebuildIndexLocked()
	v.mu.Unlock()
	return nil
}

// StructuredFields returns a document's front-matter fields, cached by
// modtime.
func (v *Vault) StructuredFields(doc string) (map[string]string, error) {
	full := filepath.Join(v.root, filepath.FromSlash(doc))
	info, err := os.Stat(full)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	cached, ok := v.docs[doc]
	v.mu.RUnlock()
	if ok && cached.modTime == info.ModTime().UnixNano() {
		return cached.fields, nil
	}

	loaded, err := v.load(doc)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.docs[doc] = loaded
	v.rebuildIndexLocked()
	v.mu.Unlock()
	return loaded.fields, nil
}

// Identity returns a document's contact identity from its UID field.
func (v *Vault) Identity(doc string) (graph.ContactRef, bool) {
	fm, err := v.StructuredFields(doc)
	if err != nil {
		return graph.ContactRef{}, false
	}
	return graph.ParseIdentity(fm[FieldUID])
}

// DisplayName returns a document's FN field.
func (v *Vault) DisplayName(doc string) string {
	fm, err := v.StructuredFields(doc)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(fm[FieldName])
}

// Gender returns a document's GENDER field.
func (v *Vault) Gender(doc string) rel.Gender {
	fm, err := v.StructuredFields(doc)
	if err != nil {
		return rel.GenderUnknown
	}
	return rel.ParseGender(fm[FieldGender])
}

// FindByDisplayName returns the paths of all documents whose FN matches the
// name, case-insensitively, in lexical order. More than one match means the
// name is ambiguous.
func (v *Vault) FindByDisplayName(name string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	matches := v.byName[strings.ToLower(strings.TrimSpace(name))]
	out := make([]string, len(matches))
	copy(out, matches)
	return out
}

// FindByIdentity returns the document carrying the given identity ref.
func (v *Vault) FindByIdentity(ref graph.ContactRef) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	doc, ok := v.byID[ref.Key()]
	return doc, ok
}

// Forget drops a removed document from the cache and indexes.
func (v *Vault) Forget(doc string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.docs, doc)
	v.rebuildIndexLocked()
}

func (v *Vault) load(doc string) (*docInfo, error) {
	full := filepath.Join(v.root, filepath.FromSlash(doc))
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, err
	}
	fm, _ := SplitFrontmatter(string(data))
	return &docInfo{fields: fm, modTime: info.ModTime().UnixNano()}, nil
}

// rebuildIndexLocked recomputes the name and identity indexes from the
// document cache. Callers hold v.mu.
func (v *Vault) rebuildIndexLocked() {
	v.byName = make(map[string][]string, len(v.docs))
	v.byID = make(map[string]string, len(v.docs))
	for doc, info := range v.docs {
		if name := strings.TrimSpace(info.fields[FieldName]); name != "" {
			key := strings.ToLower(name)
			v.byName[key] = append(v.byName[key], doc)
		}
		if ref, ok := graph.ParseIdentity(info.fields[FieldUID]); ok {
			if prev, dup := v.byID[ref.Key()]; dup {
				logging.Warn("duplicate identity", "ref", ref.String(), "doc", doc, "other", prev)
				if doc > prev {
					continue
				}
			}
			v.byID[ref.Key()] = doc
		}
	}
	for _, docs := range v.byName {
		sort.Strings(docs)
	}
}
