// Package tiles holds the primitives shared by every container reader,
// writer, and pipeline stage: byte-accurate binary helpers and tile grid
// math.
package tiles

import "unicode/utf8"

// Blob is an owned, immutable-by-convention byte buffer. It carries no
// internal offsets; a Blob is always "from the start".
type Blob struct {
	data []byte
}

// NewBlob wraps data as a Blob. The caller must not mutate data afterwards.
func NewBlob(data []byte) Blob {
	return Blob{data: data}
}

// Bytes returns the underlying byte slice.
func (b Blob) Bytes() []byte {
	return b.data
}

// Len returns the blob length in bytes.
func (b Blob) Len() int {
	return len(b.data)
}

// SizeBytes satisfies cache.Sized so Blobs can be held directly in a
// LimitedCache without a wrapper type.
func (b Blob) SizeBytes() int {
	return len(b.data)
}

// AsUTF8 returns the blob contents as a string and whether it is valid UTF-8.
func (b Blob) AsUTF8() (string, bool) {
	if !utf8.Valid(b.data) {
		return "", false
	}
	return string(b.data), true
}

// ByteRange addresses a contiguous region of a file: (offset, length).
type ByteRange struct {
	Offset uint64
	Length uint64
}

// IsEmpty reports whether the range covers zero bytes.
func (r ByteRange) IsEmpty() bool {
	return r.Length == 0
}

// ShiftForward returns the range translated forward by base bytes.
func (r ByteRange) ShiftForward(base uint64) ByteRange {
	return ByteRange{Offset: r.Offset + base, Length: r.Length}
}

// ShiftBackward returns the range translated backward by base bytes.
// The caller must ensure base <= r.Offset.
func (r ByteRange) ShiftBackward(base uint64) ByteRange {
	return ByteRange{Offset: r.Offset - base, Length: r.Length}
}

// End returns Offset+Length, the first byte past the range.
func (r ByteRange) End() uint64 {
	return r.Offset + r.Length
}
