package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/deploymenttheory/go-ntfs/internal/interfaces"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// badgerChunkSize is the granularity blocks are stored at.
const badgerChunkSize = 4096

// blockKeyPrefix namespaces block keys in the database.
var blockKeyPrefix = []byte("blk/")

// BadgerConfig configures a badger-backed device
type BadgerConfig struct {
	// Dir is the database directory; empty keeps the database in memory.
	Dir string
	// Size is the volume size in bytes.
	Size int64
	// ReadOnly opens the database without write access.
	ReadOnly bool
}

// BadgerDevice stores a sparse volume in a badger database. Chunks that were
// never written read as zero.
type BadgerDevice struct {
	db       *badger.DB
	size     int64
	readOnly bool
	inMemory bool

	// mu serializes read-modify-write of partial chunks.
	mu sync.Mutex
}

var _ interfaces.BlockDevice = (*BadgerDevice)(nil)

// OpenBadger opens or creates a badger-backed device
func OpenBadger(config BadgerConfig) (*BadgerDevice, error) {
	if config.Size <= 0 {
		return nil, fmt.Errorf("badger device size %d: %w", config.Size, types.ErrInvalidArgument)
	}

	opts := badger.DefaultOptions(config.Dir)
	if config.Dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)
	opts = opts.WithReadOnly(config.ReadOnly && config.Dir != "")

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", config.Dir, err)
	}
	return &BadgerDevice{db: db, size: config.Size, readOnly: config.ReadOnly, inMemory: config.Dir == ""}, nil
}

func blockKey(chunk uint64) []byte {
	key := make([]byte, len(blockKeyPrefix)+8)
	copy(key, blockKeyPrefix)
	binary.BigEndian.PutUint64(key[len(blockKeyPrefix):], chunk)
	return key
}

// readChunk copies a stored chunk into dst, or zeroes dst when absent.
func readChunk(txn *badger.Txn, chunk uint64, dst []byte) error {
	item, err := txn.Get(blockKey(chunk))
	if errors.Is(err, badger.ErrKeyNotFound) {
		clear(dst)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get chunk %d: %w", chunk, err)
	}
	return item.Value(func(val []byte) error {
		n := copy(dst, val)
		clear(dst[n:])
		return nil
	})
}

// ReadAt implements io.ReaderAt
func (d *BadgerDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, fmt.Errorf("read %d bytes at %d beyond volume: %w", len(p), off, types.ErrIO)
	}

	err := d.db.View(func(txn *badger.Txn) error {
		chunk := make([]byte, badgerChunkSize)
		for done := 0; done < len(p); {
			pos := off + int64(done)
			idx := uint64(pos / badgerChunkSize)
			in := int(pos % badgerChunkSize)
			if err := readChunk(txn, idx, chunk); err != nil {
				return err
			}
			done += copy(p[done:], chunk[in:])
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("read at %d: %v: %w", off, err, types.ErrIO)
	}
	return len(p), nil
}

// WriteAt implements io.WriterAt
func (d *BadgerDevice) WriteAt(p []byte, off int64) (int, error) {
	if d.readOnly {
		return 0, types.ErrReadOnly
	}
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, fmt.Errorf("write %d bytes at %d beyond volume: %w", len(p), off, types.ErrIO)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.db.Update(func(txn *badger.Txn) error {
		for done := 0; done < len(p); {
			pos := off + int64(done)
			idx := uint64(pos / badgerChunkSize)
			in := int(pos % badgerChunkSize)

			chunk := make([]byte, badgerChunkSize)
			if in != 0 || len(p)-done < badgerChunkSize {
				if err := readChunk(txn, idx, chunk); err != nil {
					return err
				}
			}
			done += copy(chunk[in:], p[done:])
			if err := txn.Set(blockKey(idx), chunk); err != nil {
				return fmt.Errorf("failed to set chunk %d: %w", idx, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("write at %d: %v: %w", off, err, types.ErrIO)
	}
	return len(p), nil
}

// StoredChunks returns how many chunks hold data
func (d *BadgerDevice) StoredChunks() (int, error) {
	count := 0
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = blockKeyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Size returns the volume size
func (d *BadgerDevice) Size() int64 {
	return d.size
}

// Flush syncs the database to disk
func (d *BadgerDevice) Flush() error {
	if d.readOnly || d.inMemory {
		return nil
	}
	return d.db.Sync()
}

// IsReadOnly reports whether writes are refused
func (d *BadgerDevice) IsReadOnly() bool {
	return d.readOnly
}

// Close closes the database
func (d *BadgerDevice) Close() error {
	return d.db.Close()
}
