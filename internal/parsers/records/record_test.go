package records

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/deploymenttheory/go-ntfs/internal/parsers/runlist"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

const testRecordSize = 1024

// buildTestRecord creates a record with a standard info and a data attribute.
func buildTestRecord(t *testing.T, number uint64, seq uint16) *Record {
	t.Helper()
	rec := NewRecord(number, seq, testRecordSize, types.RecordFlagInUse)
	if err := rec.Insert(NewResident(types.AttrData, "", []byte("hello world"))); err != nil {
		t.Fatalf("Insert(data) error = %v", err)
	}
	if err := rec.Insert(NewResident(types.AttrStd, "", make([]byte, types.SizeofStdInfo5))); err != nil {
		t.Fatalf("Insert(std) error = %v", err)
	}
	return rec
}

func TestRecordRoundTrip(t *testing.T) {
	rec := buildTestRecord(t, 42, 7)
	if err := rec.Insert(NewNonResident(types.AttrAlloc, types.I30Name, 0, []byte{0x11, 0x01, 0x20, 0x00}, 0, 4096, 4096, 4096)); err != nil {
		t.Fatalf("Insert(alloc) error = %v", err)
	}

	raw, err := rec.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if len(raw) != testRecordSize {
		t.Fatalf("len(Marshal()) = %d, want %d", len(raw), testRecordSize)
	}
	if !bytes.Equal(raw[0:4], []byte("FILE")) {
		t.Errorf("signature = %q", raw[0:4])
	}

	parsed, err := ParseRecord(raw, testRecordSize, 42)
	if err != nil {
		t.Fatalf("ParseRecord() error = %v", err)
	}
	if parsed.Header.Seq != 7 || !parsed.InUse() || !parsed.IsBase() {
		t.Errorf("header = %+v", parsed.Header)
	}
	if len(parsed.Attrs) != 3 {
		t.Fatalf("len(Attrs) = %d, want 3", len(parsed.Attrs))
	}

	wantOrder := []types.AttrType{types.AttrStd, types.AttrData, types.AttrAlloc}
	for i, a := range parsed.Attrs {
		if a.Type != wantOrder[i] {
			t.Errorf("Attrs[%d].Type = %s, want %s", i, a.Type, wantOrder[i])
		}
	}

	data := parsed.Find(types.AttrData, "")
	if data == nil || string(data.Data) != "hello world" {
		t.Fatalf("Find(data) = %+v", data)
	}
	alloc := parsed.Find(types.AttrAlloc, types.I30Name)
	if alloc == nil || !alloc.NonResident {
		t.Fatalf("Find(alloc) = %+v", alloc)
	}
	runs, err := alloc.Decode(runlist.DefaultLimits)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(runs) != 1 || runs[0].LCN != 0x20 {
		t.Errorf("runs = %v", runs)
	}
	if alloc.NameString() != types.I30Name {
		t.Errorf("NameString() = %q", alloc.NameString())
	}

	// A second write bumps the update sequence number.
	again, err := parsed.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	usn1 := binary.LittleEndian.Uint16(raw[types.RecordHeaderSize:])
	usn2 := binary.LittleEndian.Uint16(again[types.RecordHeaderSize:])
	if usn2 != usn1+1 {
		t.Errorf("usn after rewrite = %d, want %d", usn2, usn1+1)
	}
}

func TestParseRecordErrors(t *testing.T) {
	good, err := buildTestRecord(t, 5, 5).Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(b []byte)
		size   int
	}{
		{
			name:   "Bad signature",
			mutate: func(b []byte) { copy(b, "BAAD") },
			size:   testRecordSize,
		},
		{
			name:   "Total does not match record size",
			mutate: func(b []byte) {},
			size:   512,
		},
		{
			name:   "Torn sector",
			mutate: func(b []byte) { b[1022] ^= 0xFF },
			size:   testRecordSize,
		},
		{
			name:   "Used beyond total",
			mutate: func(b []byte) { binary.LittleEndian.PutUint32(b[0x18:], 2048) },
			size:   testRecordSize,
		},
		{
			name: "Attribute larger than used",
			mutate: func(b []byte) {
				attrOff := binary.LittleEndian.Uint16(b[0x14:])
				binary.LittleEndian.PutUint32(b[int(attrOff)+4:], 0x3F8)
			},
			size: testRecordSize,
		},
		{
			name: "Resident data past attribute",
			mutate: func(b []byte) {
				attrOff := binary.LittleEndian.Uint16(b[0x14:])
				binary.LittleEndian.PutUint32(b[int(attrOff)+0x10:], 0x400)
			},
			size: testRecordSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := append([]byte(nil), good...)
			tt.mutate(raw)
			_, err := ParseRecord(raw, tt.size, 5)
			if err == nil {
				t.Fatal("ParseRecord() expected error, got nil")
			}
			if !errors.Is(err, types.ErrCorruptRecord) {
				t.Errorf("ParseRecord() error = %v, want ErrCorruptRecord", err)
			}
		})
	}
}

func TestInsertNoSpace(t *testing.T) {
	rec := NewRecord(30, 1, testRecordSize, types.RecordFlagInUse)
	big := NewResident(types.AttrData, "", make([]byte, testRecordSize))
	err := rec.Insert(big)
	if !errors.Is(err, types.ErrNoSpace) {
		t.Fatalf("Insert() error = %v, want ErrNoSpace", err)
	}
	if len(rec.Attrs) != 0 {
		t.Errorf("failed insert left %d attributes", len(rec.Attrs))
	}
}

func TestRemove(t *testing.T) {
	rec := buildTestRecord(t, 17, 1)
	data := rec.Find(types.AttrData, "")
	before := rec.UsedBytes()
	if !rec.Remove(data) {
		t.Fatal("Remove() = false")
	}
	if rec.Remove(data) {
		t.Error("second Remove() = true")
	}
	if rec.UsedBytes() != before-data.Size() {
		t.Errorf("UsedBytes() = %d, want %d", rec.UsedBytes(), before-data.Size())
	}
}
