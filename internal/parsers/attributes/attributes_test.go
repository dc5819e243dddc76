package attributes

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/deploymenttheory/go-ntfs/internal/parsers/names"
	"github.com/deploymenttheory/go-ntfs/internal/types"
)

func TestStdInfoRoundTrip(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	tests := []struct {
		name   string
		legacy bool
		size   int
	}{
		{name: "NTFS 3.x body", legacy: false, size: types.SizeofStdInfo5},
		{name: "Legacy body", legacy: true, size: types.SizeofStdInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := StdInfo{
				CrTime:     now,
				MTime:      now.Add(time.Hour),
				CTime:      now.Add(2 * time.Hour),
				ATime:      now.Add(3 * time.Hour),
				FA:         types.FileAttributeArchive | types.FileAttributeReadonly,
				SecurityID: 0x105,
				Legacy:     tt.legacy,
			}
			raw, err := in.Marshal()
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if len(raw) != tt.size {
				t.Fatalf("Marshal() size = %d, want %d", len(raw), tt.size)
			}

			r, err := NewStdInfoReader(raw)
			if err != nil {
				t.Fatalf("NewStdInfoReader() error = %v", err)
			}
			if !r.CreationTime().Equal(in.CrTime) {
				t.Errorf("CreationTime() = %v, want %v", r.CreationTime(), in.CrTime)
			}
			if !r.ModificationTime().Equal(in.MTime) {
				t.Errorf("ModificationTime() = %v, want %v", r.ModificationTime(), in.MTime)
			}
			if !r.ChangeTime().Equal(in.CTime) {
				t.Errorf("ChangeTime() = %v, want %v", r.ChangeTime(), in.CTime)
			}
			if !r.AccessTime().Equal(in.ATime) {
				t.Errorf("AccessTime() = %v, want %v", r.AccessTime(), in.ATime)
			}
			if r.FileAttributes() != in.FA {
				t.Errorf("FileAttributes() = 0x%X, want 0x%X", r.FileAttributes(), in.FA)
			}
			id, ok := r.SecurityID()
			if ok == tt.legacy {
				t.Errorf("SecurityID() ok = %v for legacy=%v", ok, tt.legacy)
			}
			if ok && id != in.SecurityID {
				t.Errorf("SecurityID() = 0x%X, want 0x%X", id, in.SecurityID)
			}
		})
	}
}

func TestStdInfoTooSmall(t *testing.T) {
	_, err := NewStdInfoReader(make([]byte, types.SizeofStdInfo-1))
	if !errors.Is(err, types.ErrCorruptRecord) {
		t.Fatalf("NewStdInfoReader() error = %v, want ErrCorruptRecord", err)
	}
}

func TestFileNameRoundTrip(t *testing.T) {
	in := &FileName{
		Parent: types.NewMFTRef(types.MftRecRoot, 5),
		Dup:    types.DupInfoT{DataSize: 10, AllocSize: 16, FA: uint32(types.FileAttributeArchive)},
		Type:   types.FileNamePosix,
		Name:   names.MustEncode("hello.txt"),
	}
	raw, err := in.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if len(raw) != in.Size() {
		t.Fatalf("Marshal() size = %d, want %d", len(raw), in.Size())
	}

	out, err := ParseFileName(raw)
	if err != nil {
		t.Fatalf("ParseFileName() error = %v", err)
	}
	if out.Parent != in.Parent {
		t.Errorf("Parent = %v, want %v", out.Parent, in.Parent)
	}
	if out.Dup != in.Dup {
		t.Errorf("Dup = %+v, want %+v", out.Dup, in.Dup)
	}
	if string(out.Name) != string(in.Name) {
		t.Errorf("Name = % X, want % X", out.Name, in.Name)
	}
	if out.IsDos() || out.InExtend() {
		t.Errorf("IsDos() = %v, InExtend() = %v, want false", out.IsDos(), out.InExtend())
	}
}

func TestParseFileNameErrors(t *testing.T) {
	valid, err := (&FileName{Name: names.MustEncode("ab")}).Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	zeroLen := append([]byte(nil), valid...)
	zeroLen[0x40] = 0

	longName := append([]byte(nil), valid...)
	longName[0x40] = 9

	tests := []struct {
		name string
		data []byte
	}{
		{name: "Too small", data: valid[:types.SizeofFileNameMin-1]},
		{name: "Zero length name", data: zeroLen},
		{name: "Name past body", data: longName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseFileName(tt.data); !errors.Is(err, types.ErrCorruptRecord) {
				t.Errorf("ParseFileName() error = %v, want ErrCorruptRecord", err)
			}
		})
	}
}

func TestFileNameInExtend(t *testing.T) {
	tests := []struct {
		name   string
		parent types.MFTRef
		want   bool
	}{
		{name: "Extend directory", parent: types.NewMFTRef(types.MftRecExtend, 11), want: true},
		{name: "Reused extend slot", parent: types.NewMFTRef(types.MftRecExtend, 12), want: false},
		{name: "Root directory", parent: types.NewMFTRef(types.MftRecRoot, 5), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn := &FileName{Parent: tt.parent}
			if got := fn.InExtend(); got != tt.want {
				t.Errorf("InExtend() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEmptyDirRoot(t *testing.T) {
	raw, err := NewEmptyDirRoot(4096, 1)
	if err != nil {
		t.Fatalf("NewEmptyDirRoot() error = %v", err)
	}
	if len(raw) != types.SizeofIndexRoot+types.SizeofNtfsDe {
		t.Fatalf("NewEmptyDirRoot() size = %d", len(raw))
	}

	root, err := ParseIndexRoot(raw)
	if err != nil {
		t.Fatalf("ParseIndexRoot() error = %v", err)
	}
	if !IsFileNameIndex(root) {
		t.Errorf("IsFileNameIndex() = false for type 0x%X rule %d", root.Type, root.Rule)
	}
	if root.IndexBlockSize != 4096 || root.IndexBlockClst != 1 {
		t.Errorf("index block = %d/%d, want 4096/1", root.IndexBlockSize, root.IndexBlockClst)
	}
	if flags := binary.LittleEndian.Uint16(raw[types.SizeofIndexRoot+12:]); flags != types.NtfsIELast {
		t.Errorf("end entry flags = %d, want %d", flags, types.NtfsIELast)
	}
}

func TestParseIndexRootCorrupt(t *testing.T) {
	raw, err := NewEmptyDirRoot(4096, 1)
	if err != nil {
		t.Fatalf("NewEmptyDirRoot() error = %v", err)
	}
	// used beyond total
	binary.LittleEndian.PutUint32(raw[0x14:], 0x100)
	if _, err := ParseIndexRoot(raw); !errors.Is(err, types.ErrCorruptRecord) {
		t.Errorf("ParseIndexRoot() error = %v, want ErrCorruptRecord", err)
	}
	if _, err := ParseIndexRoot(raw[:8]); !errors.Is(err, types.ErrCorruptRecord) {
		t.Errorf("ParseIndexRoot() short error = %v, want ErrCorruptRecord", err)
	}
}

func TestDefaultSecurityDescriptor(t *testing.T) {
	sd := DefaultSecurityDescriptor()
	if len(sd) != 0x30 {
		t.Fatalf("descriptor size = %d, want 48", len(sd))
	}
	if dacl := binary.LittleEndian.Uint32(sd[16:]); dacl != 0x14 {
		t.Errorf("dacl offset = 0x%X, want 0x14", dacl)
	}
	sd[0] = 0xFF
	if DefaultSecurityDescriptor()[0] != 0x01 {
		t.Error("DefaultSecurityDescriptor() returned shared storage")
	}
}

func reparseBuffer(tag uint32, payload []byte) []byte {
	buf := make([]byte, types.SizeofReparseHeader+len(payload))
	binary.LittleEndian.PutUint32(buf[0:], tag)
	binary.LittleEndian.PutUint16(buf[4:], uint16(len(payload)))
	copy(buf[types.SizeofReparseHeader:], payload)
	return buf
}

func wofPayload(version, provider, providerVersion uint32) []byte {
	p := make([]byte, 16)
	binary.LittleEndian.PutUint32(p[0:], version)
	binary.LittleEndian.PutUint32(p[4:], provider)
	binary.LittleEndian.PutUint32(p[8:], providerVersion)
	return p
}

func TestClassifyReparse(t *testing.T) {
	codec := names.NewCodec()
	symlink, err := BuildSymlink(codec, "target", 0x4000)
	if err != nil {
		t.Fatalf("BuildSymlink() error = %v", err)
	}

	tests := []struct {
		name string
		head []byte
		tag  uint32
		kind ReparseKind
	}{
		{name: "Symlink", head: symlink, tag: types.IOReparseTagSymlink, kind: ReparseLink},
		{name: "Mount point", head: reparseBuffer(types.IOReparseTagMountPoint, make([]byte, 16)), tag: types.IOReparseTagMountPoint, kind: ReparseLink},
		{name: "WOF compressed", head: reparseBuffer(types.IOReparseTagWof, wofPayload(1, 2, 1)), tag: types.IOReparseTagWof, kind: ReparseCompressed},
		{name: "WOF unknown provider", head: reparseBuffer(types.IOReparseTagWof, wofPayload(1, 1, 1)), tag: types.IOReparseTagWof, kind: ReparseNone},
		{name: "Dedup", head: reparseBuffer(types.IOReparseTagDedup, make([]byte, 16)), tag: types.IOReparseTagDedup, kind: ReparseDeduplicated},
		{name: "User name surrogate", head: reparseBuffer(0x20000001, make([]byte, 16)), tag: 0x20000001, kind: ReparseLink},
		{name: "Plain user tag", head: reparseBuffer(0x00000001, make([]byte, 16)), tag: 0x00000001, kind: ReparseNone},
		{name: "Too short", head: make([]byte, 8), tag: 0, kind: ReparseNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tag, kind := ClassifyReparse(tt.head)
			if tag != tt.tag || kind != tt.kind {
				t.Errorf("ClassifyReparse() = 0x%X/%v, want 0x%X/%v", tag, kind, tt.tag, tt.kind)
			}
		})
	}
}

func TestBuildSymlinkLayout(t *testing.T) {
	codec := names.NewCodec()
	buf, err := BuildSymlink(codec, "a/b", 0x4000)
	if err != nil {
		t.Fatalf("BuildSymlink() error = %v", err)
	}
	if len(buf) != SymlinkBufferSize(3) || len(buf) != 40 {
		t.Fatalf("BuildSymlink() size = %d, want 40", len(buf))
	}
	if got := binary.LittleEndian.Uint16(buf[4:]); got != 32 {
		t.Errorf("ReparseDataLength = %d, want 32", got)
	}
	if got := binary.LittleEndian.Uint16(buf[8:]); got != 6 {
		t.Errorf("SubstituteNameOffset = %d, want 6", got)
	}
	if got := binary.LittleEndian.Uint16(buf[10:]); got != 14 {
		t.Errorf("SubstituteNameLength = %d, want 14", got)
	}
	if got := binary.LittleEndian.Uint16(buf[14:]); got != 6 {
		t.Errorf("PrintNameLength = %d, want 6", got)
	}
	subst, err := codec.Decode(buf[types.SymlinkPathBufferOffset+6:])
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if subst != `\??\a\b` {
		t.Errorf("substitute name = %q, want %q", subst, `\??\a\b`)
	}
}

func TestBuildSymlinkTooBig(t *testing.T) {
	_, err := BuildSymlink(names.NewCodec(), "some/long/target", 32)
	if !errors.Is(err, types.ErrFileTooBig) {
		t.Fatalf("BuildSymlink() error = %v, want ErrFileTooBig", err)
	}
}

func TestDecodeLinkTarget(t *testing.T) {
	codec := names.NewCodec()
	symlink, err := BuildSymlink(codec, "dir/file", 0x4000)
	if err != nil {
		t.Fatalf("BuildSymlink() error = %v", err)
	}

	// mount point: subst "\??\C:\x" then print "C:\x" with a trailing NUL
	printName := append(names.MustEncode(`C:\x`), 0, 0)
	subst := names.MustEncode(`\??\C:\x`)
	mp := make([]byte, 8)
	binary.LittleEndian.PutUint16(mp[0:], 0)
	binary.LittleEndian.PutUint16(mp[2:], uint16(len(subst)))
	binary.LittleEndian.PutUint16(mp[4:], uint16(len(subst)))
	binary.LittleEndian.PutUint16(mp[6:], uint16(len(printName)))
	mp = append(mp, subst...)
	mp = append(mp, printName...)

	// user tags count the name as ReparseDataLength less 0x18
	user := append(make([]byte, 16), names.MustEncode(`srv\share`)...)
	user = append(user, make([]byte, 8)...)

	tests := []struct {
		name    string
		buf     []byte
		want    string
		wantErr error
	}{
		{name: "Symlink", buf: symlink, want: "dir/file"},
		{name: "Mount point", buf: reparseBuffer(types.IOReparseTagMountPoint, mp), want: "C:/x"},
		{name: "Cloud", buf: reparseBuffer(0x9000101A, make([]byte, 8)), want: "OneDrive"},
		{name: "User name surrogate", buf: reparseBuffer(0x20000001, user), want: "srv/share"},
		{name: "Unknown Microsoft tag", buf: reparseBuffer(0x80000099, make([]byte, 8)), wantErr: types.ErrNotSupported},
		{name: "Not a link", buf: reparseBuffer(0x00000001, user), wantErr: types.ErrInvalidArgument},
		{name: "Too small", buf: make([]byte, 4), wantErr: types.ErrInvalidArgument},
		{name: "Print name out of bounds", buf: symlink[:types.SymlinkPathBufferOffset+2], wantErr: types.ErrFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeLinkTarget(codec, tt.buf, 0x4000)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("DecodeLinkTarget() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeLinkTarget() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DecodeLinkTarget() = %q, want %q", got, tt.want)
			}
		})
	}
}
