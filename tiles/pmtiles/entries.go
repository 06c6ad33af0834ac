package pmtiles

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// EntryV3 is one directory entry: a Hilbert tile_id plus its byte range in
// the tile data section, and a run_length of identical consecutive tiles.
// A run_length of 0 marks the entry as a pointer into the leaf directory
// section instead of tile data, following the upstream convention.
type EntryV3 struct {
	TileID    uint64
	Offset    uint64
	Length    uint32
	RunLength uint32
}

type nopWriteCloser struct {
	*bytes.Buffer
}

func (w *nopWriteCloser) Close() error { return nil }

// SerializeEntries packs entries column-wise: delta-encoded tile_id,
// run_length, length, then offset (0 meaning "contiguous with the
// previous entry's end", else offset+1). Grounded bit-exact on the
// teacher's SerializeEntries.
func SerializeEntries(entries []EntryV3, compression PMTilesCompression) ([]byte, error) {
	var b bytes.Buffer
	var w io.WriteCloser
	switch compression {
	case PMCompressionNone:
		w = &nopWriteCloser{&b}
	case PMCompressionGzip:
		w, _ = gzip.NewWriterLevel(&b, gzip.BestCompression)
	default:
		return nil, fmt.Errorf("pmtiles: entries compression %d not supported", compression)
	}

	tmp := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(tmp, uint64(len(entries)))
	w.Write(tmp[:n])

	lastID := uint64(0)
	for _, e := range entries {
		n = binary.PutUvarint(tmp, e.TileID-lastID)
		w.Write(tmp[:n])
		lastID = e.TileID
	}
	for _, e := range entries {
		n = binary.PutUvarint(tmp, uint64(e.RunLength))
		w.Write(tmp[:n])
	}
	for _, e := range entries {
		n = binary.PutUvarint(tmp, uint64(e.Length))
		w.Write(tmp[:n])
	}
	for i, e := range entries {
		if i > 0 && e.Offset == entries[i-1].Offset+uint64(entries[i-1].Length) {
			n = binary.PutUvarint(tmp, 0)
		} else {
			n = binary.PutUvarint(tmp, e.Offset+1)
		}
		w.Write(tmp[:n])
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// DeserializeEntries reverses SerializeEntries.
func DeserializeEntries(data []byte, compression PMTilesCompression) ([]EntryV3, error) {
	var r io.Reader
	switch compression {
	case PMCompressionNone:
		r = bytes.NewReader(data)
	case PMCompressionGzip:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	default:
		return nil, fmt.Errorf("pmtiles: entries compression %d not supported", compression)
	}
	br := bufio.NewReader(r)

	numEntries, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, err
	}
	entries := make([]EntryV3, 0, numEntries)

	lastID := uint64(0)
	for i := uint64(0); i < numEntries; i++ {
		delta, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, err
		}
		lastID += delta
		entries = append(entries, EntryV3{TileID: lastID})
	}
	for i := range entries {
		rl, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, err
		}
		entries[i].RunLength = uint32(rl)
	}
	for i := range entries {
		l, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, err
		}
		entries[i].Length = uint32(l)
	}
	for i := range entries {
		off, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, err
		}
		if i > 0 && off == 0 {
			entries[i].Offset = entries[i-1].Offset + uint64(entries[i-1].Length)
		} else {
			entries[i].Offset = off - 1
		}
	}
	return entries, nil
}

// FindTile binary-searches entries for tileID, falling back to the
// run-length span of the entry immediately preceding it. Entries must be
// sorted ascending by TileID.
func FindTile(entries []EntryV3, tileID uint64) (EntryV3, bool) {
	m, n := 0, len(entries)-1
	for m <= n {
		k := (n + m) >> 1
		switch {
		case tileID > entries[k].TileID:
			m = k + 1
		case tileID < entries[k].TileID:
			n = k - 1
		default:
			return entries[k], true
		}
	}
	if n >= 0 {
		if entries[n].RunLength == 0 {
			return entries[n], true
		}
		if tileID-entries[n].TileID < uint64(entries[n].RunLength) {
			return entries[n], true
		}
	}
	return EntryV3{}, false
}
