// File: internal/interfaces/name_codec.go
package interfaces

// NameCodec converts file names to and from their on-disk UTF-16LE form
type NameCodec interface {
	// Encode returns the UTF-16LE bytes of name
	Encode(name string) ([]byte, error)

	// Decode converts UTF-16LE bytes to a string
	Decode(b []byte) (string, error)

	// Equal compares two names with the volume's case rules
	Equal(a, b string) bool
}
