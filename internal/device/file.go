// Package device provides the block device backends the metadata engine
// reads records and clusters from.
package device

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/deploymenttheory/go-ntfs/internal/interfaces"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// ntfsOEMID is the OEM id of an NTFS boot sector, at offset 3.
var ntfsOEMID = []byte("NTFS    ")

// candidateOffsets are where NTFS volumes commonly start in a disk image.
var candidateOffsets = []int64{
	0,       // raw volume
	32256,   // MBR sector 63
	1048576, // sector 2048
}

// FileDevice provides access to an NTFS volume inside an image file
type FileDevice struct {
	file     *os.File
	size     int64
	offset   int64 // Offset of the volume within the image
	readOnly bool
}

var _ interfaces.BlockDevice = (*FileDevice)(nil)

// OpenFile opens an image file. A negative offset detects the volume start
// from the boot sector.
func OpenFile(path string, offset int64, readOnly bool) (*FileDevice, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat image file: %w", err)
	}

	d := &FileDevice{
		file:     file,
		size:     stat.Size(),
		readOnly: readOnly,
	}

	if offset < 0 {
		if offset, err = d.detectVolumeOffset(); err != nil {
			file.Close()
			return nil, err
		}
	}
	if offset > d.size {
		file.Close()
		return nil, fmt.Errorf("volume offset %d beyond image of %d bytes: %w", offset, d.size, types.ErrInvalidArgument)
	}
	d.offset = offset
	return d, nil
}

// CreateFile creates a zero-filled image of the given size.
func CreateFile(path string, size int64) (*FileDevice, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create image file: %w", err)
	}
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to size image file: %w", err)
	}
	return &FileDevice{file: file, size: size}, nil
}

// detectVolumeOffset looks for an NTFS boot sector at the usual offsets
func (d *FileDevice) detectVolumeOffset() (int64, error) {
	buf := make([]byte, 11)
	for _, offset := range candidateOffsets {
		if offset+int64(len(buf)) > d.size {
			continue
		}
		if _, err := d.file.ReadAt(buf, offset); err != nil && err != io.EOF {
			return 0, fmt.Errorf("failed to read boot sector at %d: %w", offset, types.ErrIO)
		}
		if bytes.Equal(buf[3:11], ntfsOEMID) {
			return offset, nil
		}
	}
	return 0, fmt.Errorf("NTFS boot sector not found in image: %w", types.ErrNotFound)
}

// ReadAt implements io.ReaderAt for the volume within the image
func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.Size() {
		return 0, fmt.Errorf("read %d bytes at %d beyond volume: %w", len(p), off, types.ErrIO)
	}
	n, err := d.file.ReadAt(p, d.offset+off)
	if err != nil {
		return n, fmt.Errorf("read at %d: %v: %w", off, err, types.ErrIO)
	}
	return n, nil
}

// WriteAt implements io.WriterAt for the volume within the image
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if d.readOnly {
		return 0, types.ErrReadOnly
	}
	if off < 0 || off+int64(len(p)) > d.Size() {
		return 0, fmt.Errorf("write %d bytes at %d beyond volume: %w", len(p), off, types.ErrIO)
	}
	n, err := d.file.WriteAt(p, d.offset+off)
	if err != nil {
		return n, fmt.Errorf("write at %d: %v: %w", off, err, types.ErrIO)
	}
	return n, nil
}

// Size returns the size of the volume
func (d *FileDevice) Size() int64 {
	return d.size - d.offset
}

// Offset returns where the volume starts in the image
func (d *FileDevice) Offset() int64 {
	return d.offset
}

// Flush commits written data to stable storage
func (d *FileDevice) Flush() error {
	if d.readOnly {
		return nil
	}
	return d.file.Sync()
}

// IsReadOnly reports whether the image was opened read-only
func (d *FileDevice) IsReadOnly() bool {
	return d.readOnly
}

// Close closes the image file
func (d *FileDevice) Close() error {
	if d.file != nil {
		return d.file.Close()
	}
	return nil
}
