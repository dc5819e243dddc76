// Package index is an in-memory directory index keyed by folded file name.
package index

import (
	"fmt"
	"sort"
	"sync"

	"github.com/deploymenttheory/go-ntfs/internal/interfaces"
	"github.com/deploymenttheory/go-ntfs/internal/parsers/names"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

type directory struct {
	root    *types.IndexRootT
	entries map[string]interfaces.IndexEntry
}

// Index stores the $I30 entries of every directory of a volume.
type Index struct {
	mu    sync.RWMutex
	dirs  map[uint64]*directory
	codec *names.Codec
	// capacity bounds the entries per directory; zero means unbounded.
	capacity int
}

var _ interfaces.DirectoryIndex = (*Index)(nil)

// New creates an empty index. A positive capacity makes Insert fail with
// types.ErrNoSpace once a directory holds that many entries.
func New(codec *names.Codec, capacity int) *Index {
	if codec == nil {
		codec = names.NewCodec()
	}
	return &Index{
		dirs:     make(map[uint64]*directory),
		codec:    codec,
		capacity: capacity,
	}
}

func (x *Index) key(name string) string {
	if x.codec.CaseSensitive {
		return name
	}
	return names.Fold(name)
}

func (x *Index) dir(ref types.MFTRef, create bool) *directory {
	d, ok := x.dirs[ref.Number()]
	if !ok && create {
		d = &directory{entries: make(map[string]interfaces.IndexEntry)}
		x.dirs[ref.Number()] = d
	}
	return d
}

// Insert adds an entry to dir.
func (x *Index) Insert(dir types.MFTRef, entry interfaces.IndexEntry) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	d := x.dir(dir, true)
	k := x.key(entry.Name)
	if _, ok := d.entries[k]; ok {
		return fmt.Errorf("insert %q into %s: %w", entry.Name, dir, types.ErrExist)
	}
	if x.capacity > 0 && len(d.entries) >= x.capacity {
		return fmt.Errorf("insert %q into %s: %w", entry.Name, dir, types.ErrNoSpace)
	}
	entry.FileName = append([]byte(nil), entry.FileName...)
	d.entries[k] = entry
	return nil
}

// Delete removes the entry called name from dir.
func (x *Index) Delete(dir types.MFTRef, name string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	d := x.dir(dir, false)
	k := x.key(name)
	if d == nil {
		return fmt.Errorf("delete %q from %s: %w", name, dir, types.ErrNotFound)
	}
	if _, ok := d.entries[k]; !ok {
		return fmt.Errorf("delete %q from %s: %w", name, dir, types.ErrNotFound)
	}
	delete(d.entries, k)
	return nil
}

// Lookup returns the entry called name in dir.
func (x *Index) Lookup(dir types.MFTRef, name string) (interfaces.IndexEntry, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if d := x.dir(dir, false); d != nil {
		if e, ok := d.entries[x.key(name)]; ok {
			return e, nil
		}
	}
	return interfaces.IndexEntry{}, fmt.Errorf("lookup %q in %s: %w", name, dir, types.ErrNotFound)
}

// IsEmpty reports whether dir has no entries.
func (x *Index) IsEmpty(dir types.MFTRef) (bool, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	d := x.dir(dir, false)
	return d == nil || len(d.entries) == 0, nil
}

// Entries returns the entries of dir in collation order.
func (x *Index) Entries(dir types.MFTRef) []interfaces.IndexEntry {
	x.mu.RLock()
	defer x.mu.RUnlock()

	d := x.dir(dir, false)
	if d == nil {
		return nil
	}
	keys := make([]string, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]interfaces.IndexEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, d.entries[k])
	}
	return out
}

// AttachRoot records the $INDEX_ROOT of a directory.
func (x *Index) AttachRoot(dir types.MFTRef, root *types.IndexRootT) error {
	if root == nil {
		return fmt.Errorf("attach nil root to %s: %w", dir, types.ErrInvalidArgument)
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	r := *root
	x.dir(dir, true).root = &r
	return nil
}

// LookupRoot returns the $INDEX_ROOT attached to dir.
func (x *Index) LookupRoot(dir types.MFTRef) (*types.IndexRootT, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	d := x.dir(dir, false)
	if d == nil || d.root == nil {
		return nil, fmt.Errorf("no index root for %s: %w", dir, types.ErrNotFound)
	}
	r := *d.root
	return &r, nil
}
