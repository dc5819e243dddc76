package runlist

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/deploymenttheory/go-ntfs/internal/types"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		buf      []byte
		svcn     uint64
		evcn     uint64
		expected []Run
	}{
		{
			name:     "Single run",
			buf:      []byte{0x11, 0x10, 0x20, 0x00},
			svcn:     0,
			evcn:     0x0F,
			expected: []Run{{VCN: 0, Len: 0x10, LCN: 0x20}},
		},
		{
			name: "Negative delta",
			// 8 clusters at 0x1000, then 4 clusters at 0x1000-0x10
			buf:  []byte{0x21, 0x08, 0x00, 0x10, 0x11, 0x04, 0xF0, 0x00},
			svcn: 0,
			evcn: 11,
			expected: []Run{
				{VCN: 0, Len: 8, LCN: 0x1000},
				{VCN: 8, Len: 4, LCN: 0x0FF0},
			},
		},
		{
			name: "Sparse run keeps previous lcn",
			buf:  []byte{0x11, 0x02, 0x40, 0x01, 0x04, 0x11, 0x02, 0x02, 0x00},
			svcn: 0,
			evcn: 7,
			expected: []Run{
				{VCN: 0, Len: 2, LCN: 0x40},
				{VCN: 2, Len: 4, LCN: SparseLCN},
				{VCN: 6, Len: 2, LCN: 0x42},
			},
		},
		{
			name:     "Segment starting past zero",
			buf:      []byte{0x11, 0x04, 0x08, 0x00},
			svcn:     0x10,
			evcn:     0x13,
			expected: []Run{{VCN: 0x10, Len: 4, LCN: 8}},
		},
		{
			name:     "Empty attribute",
			buf:      []byte{0x00},
			svcn:     0,
			evcn:     ^uint64(0),
			expected: nil,
		},
		{
			name:     "Cluster zero is not sparse",
			buf:      []byte{0x11, 0x01, 0x00, 0x00},
			svcn:     0,
			evcn:     0,
			expected: []Run{{VCN: 0, Len: 1, LCN: 0}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := Decode(tt.buf, tt.svcn, tt.svcn, tt.evcn, DefaultLimits)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !reflect.DeepEqual(runs, tt.expected) {
				t.Errorf("Decode() = %v, want %v", runs, tt.expected)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name   string
		buf    []byte
		svcn   uint64
		evcn   uint64
		limits Limits
	}{
		{name: "Coverage short", buf: []byte{0x11, 0x04, 0x10, 0x00}, evcn: 7, limits: DefaultLimits},
		{name: "Coverage long", buf: []byte{0x11, 0x10, 0x10, 0x00}, evcn: 7, limits: DefaultLimits},
		{name: "Zero length field size", buf: []byte{0x10, 0x10, 0x00}, evcn: 0, limits: DefaultLimits},
		{name: "Zero run length", buf: []byte{0x11, 0x00, 0x10, 0x00}, evcn: 0, limits: DefaultLimits},
		{name: "Negative run length", buf: []byte{0x11, 0xF0, 0x10, 0x00}, evcn: 0, limits: DefaultLimits},
		{name: "Two-byte length with top bit set", buf: []byte{0x12, 0x00, 0x80, 0x10, 0x00}, evcn: 0x7FFF, limits: DefaultLimits},
		{name: "Offset field too wide", buf: []byte{0x91, 0x01, 0, 0, 0, 0, 0, 0, 0, 0, 1}, evcn: 0, limits: DefaultLimits},
		{name: "Pair past buffer", buf: []byte{0x31, 0x01, 0x00}, evcn: 0, limits: DefaultLimits},
		{name: "Negative lcn", buf: []byte{0x11, 0x01, 0xFF, 0x00}, evcn: 0, limits: DefaultLimits},
		{name: "Last before first", buf: []byte{0x00}, svcn: 4, evcn: 1, limits: DefaultLimits},
		{
			name:   "Lcn beyond 32-bit width",
			buf:    []byte{0x51, 0x01, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00},
			evcn:   0,
			limits: DefaultLimits,
		},
		{
			name:   "Lcn beyond volume",
			buf:    []byte{0x11, 0x08, 0x7C, 0x00},
			evcn:   7,
			limits: Limits{ClusterWidth: 64, MaxClusters: 0x80},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.buf, tt.svcn, tt.svcn, tt.evcn, tt.limits)
			if err == nil {
				t.Fatal("Decode() expected error, got nil")
			}
			if !errors.Is(err, types.ErrFormat) {
				t.Errorf("Decode() error = %v, want ErrFormat", err)
			}
		})
	}
}

func TestSpan(t *testing.T) {
	tests := []struct {
		name    string
		buf     []byte
		want    uint64
		wantErr bool
	}{
		{name: "Empty", buf: []byte{0x00}, want: 0},
		{name: "Single run", buf: []byte{0x11, 0x10, 0x20, 0x00}, want: 0x10},
		{name: "Sparse run", buf: []byte{0x21, 0x08, 0x00, 0x10, 0x01, 0x04, 0x00}, want: 12},
		{name: "No terminator", buf: []byte{0x11, 0x02, 0x05}, want: 2},
		{name: "Pair past buffer", buf: []byte{0x31, 0x01, 0x00}, wantErr: true},
		{name: "Zero run length", buf: []byte{0x11, 0x00, 0x10, 0x00}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Span(tt.buf)
			if tt.wantErr {
				if !errors.Is(err, types.ErrFormat) {
					t.Fatalf("Span() error = %v, want ErrFormat", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Span() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Span() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDecodeWideClusters(t *testing.T) {
	buf := []byte{0x51, 0x01, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00}
	runs, err := Decode(buf, 0, 0, 0, Limits{ClusterWidth: 64})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(runs) != 1 || runs[0].LCN != 0x100000000 {
		t.Errorf("Decode() = %v, want lcn 0x100000000", runs)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		runs []Run
	}{
		{name: "Single", runs: []Run{{VCN: 0, Len: 1, LCN: 0x1234}}},
		{name: "Length needing sign byte", runs: []Run{{VCN: 0, Len: 0x80, LCN: 0x7F}}},
		{
			name: "Mixed",
			runs: []Run{
				{VCN: 0, Len: 16, LCN: 0x100000},
				{VCN: 16, Len: 300, LCN: SparseLCN},
				{VCN: 316, Len: 2, LCN: 0x10},
				{VCN: 318, Len: 0x12345, LCN: 0xFFFFF000},
			},
		},
		{
			name: "Segment at non-zero vcn",
			runs: []Run{{VCN: 100, Len: 5, LCN: 7}, {VCN: 105, Len: 5, LCN: 3}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, n, err := Encode(tt.runs, 256)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if n != len(tt.runs) {
				t.Fatalf("Encode() packed %d runs, want %d", n, len(tt.runs))
			}
			if len(data) != PackedSize(tt.runs) {
				t.Errorf("len(data) = %d, PackedSize() = %d", len(data), PackedSize(tt.runs))
			}

			first := tt.runs[0].VCN
			last := tt.runs[len(tt.runs)-1].End() - 1
			runs, err := Decode(data, first, first, last, Limits{ClusterWidth: 64})
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !reflect.DeepEqual(runs, tt.runs) {
				t.Errorf("round trip = %v, want %v", runs, tt.runs)
			}
		})
	}
}

func TestEncodeKnownBytes(t *testing.T) {
	runs := []Run{
		{VCN: 0, Len: 8, LCN: 0x1000},
		{VCN: 8, Len: 4, LCN: SparseLCN},
		{VCN: 12, Len: 4, LCN: 0x0FF0},
	}
	want := []byte{0x21, 0x08, 0x00, 0x10, 0x01, 0x04, 0x11, 0x04, 0xF0, 0x00}

	data, _, err := Encode(runs, 64)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !bytes.Equal(data, want) {
		t.Errorf("Encode() = % X, want % X", data, want)
	}
}

func TestEncodePartial(t *testing.T) {
	runs := []Run{
		{VCN: 0, Len: 1, LCN: 10},
		{VCN: 1, Len: 1, LCN: 20},
		{VCN: 2, Len: 1, LCN: 30},
	}

	// Each pair is 3 bytes; 7 bytes hold two pairs and the terminator.
	data, n, err := Encode(runs, 7)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("Encode() packed %d runs, want 2", n)
	}
	if len(data) > 7 {
		t.Errorf("len(data) = %d exceeds limit", len(data))
	}

	rest, m, err := Encode(runs[n:], 7)
	if err != nil {
		t.Fatalf("Encode() continuation error = %v", err)
	}
	if m != 1 {
		t.Errorf("continuation packed %d runs, want 1", m)
	}
	decoded, err := Decode(rest, 2, 2, 2, DefaultLimits)
	if err != nil {
		t.Fatalf("Decode() continuation error = %v", err)
	}
	if decoded[0].LCN != 30 {
		t.Errorf("continuation lcn = %d, want 30", decoded[0].LCN)
	}

	if _, _, err := Encode(runs, 3); !errors.Is(err, types.ErrNoSpace) {
		t.Errorf("Encode() into 3 bytes error = %v, want ErrNoSpace", err)
	}
}

func TestPackSegment(t *testing.T) {
	rl := FromRuns([]Run{
		{VCN: 0, Len: 10, LCN: 100},
		{VCN: 10, Len: 10, LCN: SparseLCN},
	})

	data, packed, err := rl.Pack(5, 10, 64)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	if packed != 10 {
		t.Errorf("Pack() packed %d clusters, want 10", packed)
	}

	other := New()
	if err := other.Unpack(data, 5, 14, DefaultLimits); err != nil {
		t.Fatalf("Unpack() error = %v", err)
	}
	want := []Run{{VCN: 5, Len: 5, LCN: 105}, {VCN: 10, Len: 5, LCN: SparseLCN}}
	if !reflect.DeepEqual(other.Runs(), want) {
		t.Errorf("Unpack() = %v, want %v", other.Runs(), want)
	}

	if _, _, err := rl.Pack(15, 10, 64); !errors.Is(err, types.ErrFormat) {
		t.Errorf("Pack() past coverage error = %v, want ErrFormat", err)
	}
}
