// File: internal/interfaces/reparse_index.go
package interfaces

import (
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// ReparseIndex is the volume-wide $Extend/$Reparse index of reparse points.
type ReparseIndex interface {
	// InsertReparse records that ref carries a reparse point with tag
	InsertReparse(tag uint32, ref types.MFTRef) error

	// DeleteReparse removes the entry for ref
	DeleteReparse(tag uint32, ref types.MFTRef) error
}
