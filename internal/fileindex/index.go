// Package fileindex lists shared folders on demand and remembers which
// content id maps to which file on disk.
package fileindex

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/sync/singleflight"

	"peershare/internal/apperr"
	"peershare/internal/metrics"
	"peershare/pkg/types"
)

// ContentID is the stable 16 hex char id of an absolute path.
func ContentID(absPath string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(filepath.Clean(absPath)))
}

// Item is what the lookup table remembers about a scanned entry.
type Item struct {
	Path   string // absolute
	Folder types.SharedFolder
	Entry  types.MediaEntry
}

type Index struct {
	table cmap.ConcurrentMap[string, Item]
	scans singleflight.Group
}

func New() *Index {
	return &Index{table: cmap.New[Item]()}
}

func (ix *Index) Lookup(id string) (Item, bool) { return ix.table.Get(id) }

func (ix *Index) Forget(id string) {
	ix.table.Remove(id)
	metrics.SetIndexedEntries(ix.table.Count())
}

func (ix *Index) Len() int { return ix.table.Count() }

// Resolve looks id up and checks the file is still there; stale ids are
// evicted and reported as not found.
func (ix *Index) Resolve(id string) (Item, error) {
	it, ok := ix.table.Get(id)
	if !ok {
		return Item{}, fmt.Errorf("content %s: %w", id, apperr.ErrNotFound)
	}
	if _, err := os.Stat(it.Path); err != nil {
		ix.Forget(id)
		return Item{}, fmt.Errorf("content %s gone: %w", id, apperr.ErrNotFound)
	}
	return it, nil
}

// Dir resolves subpath inside folder, refusing anything that escapes the
// folder root.
func Dir(folder types.SharedFolder, subpath string) (string, error) {
	root := filepath.Clean(folder.Path)
	rel := filepath.FromSlash(strings.Trim(subpath, "/"))
	full := filepath.Clean(filepath.Join(root, rel))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q outside %s: %w", subpath, folder.Alias, apperr.ErrNotFound)
	}
	return full, nil
}

// FolderEntry renders a shared folder as a listing entry.
func FolderEntry(f types.SharedFolder) types.MediaEntry {
	e := types.MediaEntry{
		ID:        f.ID,
		Name:      f.Alias,
		Kind:      types.KindFolder,
		MediaKind: types.MediaOther,
	}
	if st, err := os.Stat(f.Path); err == nil {
		e.ModifiedAt = st.ModTime()
	}
	return e
}

// Scan lists the immediate children of folder.Path/subpath. Concurrent scans
// of the same directory share one read, which does not stop when the caller
// that started it goes away.
func (ix *Index) Scan(ctx context.Context, folder types.SharedFolder, subpath string) ([]types.MediaEntry, error) {
	dir, err := Dir(folder, subpath)
	if err != nil {
		return nil, err
	}
	shared := context.WithoutCancel(ctx)
	v, err, _ := ix.scans.Do(dir, func() (any, error) {
		return ix.scan(shared, folder, dir)
	})
	if err != nil {
		return nil, err
	}
	list := v.([]types.MediaEntry)
	out := make([]types.MediaEntry, len(list))
	copy(out, list)
	return out, nil
}

func (ix *Index) scan(ctx context.Context, folder types.SharedFolder, dir string) ([]types.MediaEntry, error) {
	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		return nil, fmt.Errorf("directory %s: %w", dir, apperr.ErrNotFound)
	}
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w: %v", dir, apperr.ErrFilesystem, err)
	}

	root := filepath.Clean(folder.Path)
	parentID := ContentID(dir)
	if dir == root {
		parentID = folder.ID
	}

	entries := make([]types.MediaEntry, 0, len(des))
	for _, de := range des {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := de.Name()
		if hidden(name) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue // removed mid-scan
		}
		abs := filepath.Join(dir, name)
		rel, _ := filepath.Rel(root, abs)

		e := types.MediaEntry{
			ID:             ContentID(abs),
			Name:           name,
			RelativePath:   filepath.ToSlash(rel),
			ModifiedAt:     info.ModTime(),
			ParentFolderID: parentID,
		}
		if info.IsDir() {
			e.Kind = types.KindFolder
			e.MediaKind = types.MediaOther
		} else {
			size := info.Size()
			e.Kind = types.KindFile
			e.SizeBytes = &size
			e.MimeType, e.MediaKind = Classify(name)
		}
		entries = append(entries, e)
		ix.table.Set(e.ID, Item{Path: abs, Folder: folder, Entry: e})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsFolder() != entries[j].IsFolder() {
			return entries[i].IsFolder()
		}
		return NaturalLess(entries[i].Name, entries[j].Name)
	})
	metrics.SetIndexedEntries(ix.table.Count())
	log.Printf("[files] scanned %s/%s: %d entries", folder.Alias, relOrDot(root, dir), len(entries))
	return entries, nil
}

// Siblings returns the files that share id's containing directory, id
// included, in listing order.
func (ix *Index) Siblings(ctx context.Context, id string) ([]types.MediaEntry, error) {
	it, err := ix.Resolve(id)
	if err != nil {
		return nil, err
	}
	parentRel := filepath.ToSlash(filepath.Dir(filepath.FromSlash(it.Entry.RelativePath)))
	if parentRel == "." {
		parentRel = ""
	}
	all, err := ix.Scan(ctx, it.Folder, parentRel)
	if err != nil {
		return nil, err
	}
	files := all[:0]
	for _, e := range all {
		if !e.IsFolder() {
			files = append(files, e)
		}
	}
	return files, nil
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "$")
}

func relOrDot(root, dir string) string {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return dir
	}
	return filepath.ToSlash(rel)
}
