// File: internal/interfaces/dirty_tracker.go
package interfaces

// DirtyTracker is told when an in-memory inode needs write-back.
type DirtyTracker interface {
	// MarkDirty schedules write-back of the inode with the given record number
	MarkDirty(number uint64)
}

// VolumeStateWriter persists the volume dirty flag.
type VolumeStateWriter interface {
	// SetVolumeDirty marks the volume as needing a consistency check
	SetVolumeDirty() error
}
