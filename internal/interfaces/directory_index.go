// File: internal/interfaces/directory_index.go
package interfaces

import (
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// IndexEntry is one $I30 entry: a $FILE_NAME key and the record it names.
type IndexEntry struct {
	// Name is the decoded file name used for collation.
	Name string
	// Ref is the record the name resolves to.
	Ref types.MFTRef
	// FileName is the raw $FILE_NAME body stored as the key.
	FileName []byte
}

// DirectoryIndex stores the name entries of directories.
type DirectoryIndex interface {
	// Insert adds an entry to dir. It fails with types.ErrExist for a
	// duplicate name and types.ErrNoSpace when the index cannot grow.
	Insert(dir types.MFTRef, entry IndexEntry) error

	// Delete removes the entry called name from dir. It fails with
	// types.ErrNotFound when there is no such entry.
	Delete(dir types.MFTRef, name string) error

	// Lookup returns the entry called name in dir.
	Lookup(dir types.MFTRef, name string) (IndexEntry, error)

	// IsEmpty reports whether dir has no entries.
	IsEmpty(dir types.MFTRef) (bool, error)

	// AttachRoot hands the decoded $INDEX_ROOT of a directory to the index.
	AttachRoot(dir types.MFTRef, root *types.IndexRootT) error

	// LookupRoot returns the $INDEX_ROOT attached to dir.
	LookupRoot(dir types.MFTRef) (*types.IndexRootT, error)
}
