package runlist

import (
	"fmt"

	"github.com/deploymenttheory/go-ntfs/internal/types"
)

// Limits bounds decoded cluster arithmetic.
type Limits struct {
	// ClusterWidth is the cluster addressing width in bits, 32 or 64.
	ClusterWidth uint
	// MaxClusters is the number of clusters on the volume, 0 for unbounded.
	MaxClusters uint64
}

// DefaultLimits matches a volume addressed with 32-bit cluster numbers.
var DefaultLimits = Limits{ClusterWidth: 32}

func (l Limits) maxVCN() uint64 {
	if l.ClusterWidth == 0 || l.ClusterWidth >= 64 {
		return SparseLCN
	}
	return uint64(1) << l.ClusterWidth
}

func formatErr(format string, args ...any) error {
	return fmt.Errorf("run-list: %s: %w", fmt.Sprintf(format, args...), types.ErrFormat)
}

// readSigned reads an n-byte little-endian two's complement value.
func readSigned(b []byte) int64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	shift := uint(64 - 8*len(b))
	return int64(v<<shift) >> shift
}

// readUnsigned reads an n-byte little-endian value.
func readUnsigned(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// signedSize returns the minimal number of bytes holding v as two's complement.
func signedSize(v int64) int {
	n := 1
	for ; n < 8; n++ {
		lim := int64(1) << (8*n - 1)
		if v >= -lim && v < lim {
			break
		}
	}
	return n
}

func putSigned(b []byte, v int64) {
	for i := range b {
		b[i] = byte(v)
		v >>= 8
	}
}

// Decode parses packed mapping pairs that start at startVCN and must cover
// exactly [firstVCN, lastVCN]. An attribute with lastVCN == firstVCN-1
// (evcn of -1 for svcn 0) has no runs. Decoding stops at a zero header byte
// or at the end of buf.
func Decode(buf []byte, startVCN, firstVCN, lastVCN uint64, lim Limits) ([]Run, error) {
	if lastVCN+1 == firstVCN {
		return nil, nil
	}
	if lastVCN < firstVCN {
		return nil, formatErr("last vcn %d before first vcn %d", lastVCN, firstVCN)
	}
	if startVCN != firstVCN {
		return nil, formatErr("segment starts at vcn %d, attribute at %d", startVCN, firstVCN)
	}

	maxVCN := lim.maxVCN()
	var runs []Run
	vcn := startVCN
	var prevLCN int64

	for pos := 0; pos < len(buf) && buf[pos] != 0; {
		lenSize := int(buf[pos] & 0x0F)
		offSize := int(buf[pos] >> 4)
		pos++

		if lenSize == 0 || lenSize > 8 {
			return nil, formatErr("bad length field size %d", lenSize)
		}
		if offSize > 8 {
			return nil, formatErr("bad offset field size %d", offSize)
		}
		if pos+lenSize+offSize > len(buf) {
			return nil, formatErr("pair at %d runs past buffer", pos-1)
		}

		length := readSigned(buf[pos : pos+lenSize])
		pos += lenSize
		if length <= 0 {
			return nil, formatErr("non-positive run length %d", length)
		}

		next := vcn + uint64(length)
		if next < vcn || next > maxVCN {
			return nil, formatErr("vcn %d+%d overflows cluster width", vcn, length)
		}

		lcn := SparseLCN
		if offSize > 0 {
			delta := readSigned(buf[pos : pos+offSize])
			pos += offSize
			cur := prevLCN + delta
			if (delta > 0 && cur < prevLCN) || (delta < 0 && cur > prevLCN) || cur < 0 {
				return nil, formatErr("lcn delta %d from %d out of range", delta, prevLCN)
			}
			prevLCN = cur
			lcn = uint64(cur)

			if lcn+uint64(length) < lcn || lcn+uint64(length) > maxVCN {
				return nil, formatErr("lcn %d+%d overflows cluster width", lcn, length)
			}
			if lim.MaxClusters != 0 && lcn+uint64(length) > lim.MaxClusters {
				return nil, formatErr("lcn %d+%d beyond volume", lcn, length)
			}
		}

		runs = append(runs, Run{VCN: vcn, Len: uint64(length), LCN: lcn})
		vcn = next
	}

	if vcn != lastVCN+1 {
		return nil, formatErr("decoded coverage ends at vcn %d, want %d", vcn, lastVCN+1)
	}
	return runs, nil
}

// Span returns the number of clusters the mapping pairs in buf cover,
// without resolving any LCN.
func Span(buf []byte) (uint64, error) {
	var total uint64
	for pos := 0; pos < len(buf) && buf[pos] != 0; {
		lenSize := int(buf[pos] & 0x0F)
		offSize := int(buf[pos] >> 4)
		if lenSize == 0 || lenSize > 8 || offSize > 8 || pos+1+lenSize+offSize > len(buf) {
			return 0, formatErr("bad pair header 0x%02x at %d", buf[pos], pos)
		}
		length := readSigned(buf[pos+1 : pos+1+lenSize])
		if length <= 0 {
			return 0, formatErr("non-positive run length %d", length)
		}
		if total+uint64(length) < total {
			return 0, formatErr("run lengths overflow")
		}
		total += uint64(length)
		pos += 1 + lenSize + offSize
	}
	return total, nil
}

// Encode packs runs into at most maxBytes bytes, including the terminating
// zero byte. When not every run fits it packs as many leading runs as
// possible; the caller continues from runs[n] in a successor segment.
// Runs must be ordered and contiguous in VCN space.
func Encode(runs []Run, maxBytes int) (data []byte, n int, err error) {
	if maxBytes < 1 {
		return nil, 0, fmt.Errorf("run-list: no room for terminator: %w", types.ErrNoSpace)
	}
	buf := make([]byte, 0, maxBytes)
	var prevLCN int64

	for i, r := range runs {
		if r.Len == 0 || int64(r.Len) < 0 {
			return nil, 0, fmt.Errorf("run-list: bad run length %d: %w", r.Len, types.ErrInvalidArgument)
		}
		if i > 0 && runs[i-1].End() != r.VCN {
			return nil, 0, fmt.Errorf("run-list: gap before vcn %d: %w", r.VCN, types.ErrInvalidArgument)
		}

		lenSize := signedSize(int64(r.Len))
		offSize := 0
		var delta int64
		if !r.IsSparse() {
			delta = int64(r.LCN) - prevLCN
			offSize = signedSize(delta)
		}

		need := 1 + lenSize + offSize
		if len(buf)+need+1 > maxBytes {
			break
		}

		pair := make([]byte, need)
		pair[0] = byte(offSize<<4 | lenSize)
		putSigned(pair[1:1+lenSize], int64(r.Len))
		if offSize > 0 {
			putSigned(pair[1+lenSize:], delta)
			prevLCN = int64(r.LCN)
		}
		buf = append(buf, pair...)
		n++
	}

	if n == 0 && len(runs) > 0 {
		return nil, 0, fmt.Errorf("run-list: first pair does not fit in %d bytes: %w", maxBytes, types.ErrNoSpace)
	}
	buf = append(buf, 0)
	return buf, n, nil
}

// PackedSize returns the encoded size of runs including the terminator.
func PackedSize(runs []Run) int {
	size := 1
	var prevLCN int64
	for _, r := range runs {
		size += 1 + signedSize(int64(r.Len))
		if !r.IsSparse() {
			size += signedSize(int64(r.LCN) - prevLCN)
			prevLCN = int64(r.LCN)
		}
	}
	return size
}

// Unpack decodes a segment and merges it into the list.
func (rl *RunList) Unpack(buf []byte, firstVCN, lastVCN uint64, lim Limits) error {
	runs, err := Decode(buf, firstVCN, firstVCN, lastVCN, lim)
	if err != nil {
		return err
	}
	for _, r := range runs {
		rl.Add(r.VCN, r.LCN, r.Len)
	}
	return nil
}

// Pack encodes the clusters [vcn, vcn+length) into at most maxBytes bytes.
// It returns the number of clusters packed, which is less than length when
// the buffer filled up.
func (rl *RunList) Pack(vcn, length uint64, maxBytes int) (data []byte, packed uint64, err error) {
	seg := rl.Segment(vcn, length)
	if !rl.IsContiguous(vcn, length) {
		return nil, 0, fmt.Errorf("run-list: range vcn %d+%d not fully mapped: %w", vcn, length, types.ErrFormat)
	}
	data, n, err := Encode(seg, maxBytes)
	if err != nil {
		return nil, 0, err
	}
	for _, r := range seg[:n] {
		packed += r.Len
	}
	return data, packed, nil
}
