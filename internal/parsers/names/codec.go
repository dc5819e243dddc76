// Package names converts NTFS file and attribute names between Go strings and
// their on-disk UTF-16LE form and compares them the way directory lookups do.
package names

import (
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/encoding/unicode"

	"github.com/deploymenttheory/go-ntfs/internal/types"
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Codec converts names to and from UTF-16LE.
type Codec struct {
	// CaseSensitive disables folding in Equal.
	CaseSensitive bool
}

// NewCodec creates a new name codec
func NewCodec() *Codec {
	return &Codec{}
}

// Encode returns the UTF-16LE bytes of name. The name must be valid UTF-8
// and fit in MaxNameLen code units.
func (c *Codec) Encode(name string) ([]byte, error) {
	if !utf8.ValidString(name) {
		return nil, fmt.Errorf("name %q is not valid UTF-8: %w", name, types.ErrInvalidArgument)
	}
	b, err := utf16le.NewEncoder().Bytes([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("failed to encode name %q: %w", name, err)
	}
	if len(b)/2 > types.MaxNameLen {
		return nil, fmt.Errorf("name %q longer than %d units: %w", name, types.MaxNameLen, types.ErrInvalidArgument)
	}
	return b, nil
}

// Decode converts UTF-16LE bytes to a string.
func (c *Codec) Decode(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", fmt.Errorf("odd UTF-16 length %d: %w", len(b), types.ErrFormat)
	}
	out, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("failed to decode name: %w", err)
	}
	return string(out), nil
}

// Units returns the number of UTF-16 code units of name.
func (c *Codec) Units(name string) int {
	n := 0
	for _, r := range name {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// Equal compares two names, folding case unless the codec is case sensitive.
func (c *Codec) Equal(a, b string) bool {
	if a == b {
		return true
	}
	if c.CaseSensitive {
		return false
	}
	return Fold(a) == Fold(b)
}

// Fold returns the case-folded key used for directory index ordering.
func Fold(name string) string {
	return cases.Fold().String(name)
}

// MustEncode encodes a constant name. It panics on invalid input.
func MustEncode(name string) []byte {
	b, err := NewCodec().Encode(name)
	if err != nil {
		panic(err)
	}
	return b
}
