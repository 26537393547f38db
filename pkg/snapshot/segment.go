package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Entry header is key_len (4) + value_len (4).
const entryHeaderSize = 8

// Entry payloads are padded to 8-byte alignment.
const segmentAlignment = 8

// Maximum key or value size accepted when reading (16 MB).
const MaxEntrySize = 16 * 1024 * 1024

// DefaultSegmentSize is the size at which a segment is closed and a new one started.
const DefaultSegmentSize = 4 * 1024 * 1024

// Entry is one key/value pair.
type Entry struct {
	Key   []byte
	Value []byte
}

// SegmentWriter buffers entries into one segment file body.
type SegmentWriter struct {
	buf     bytes.Buffer
	entries int
}

// Append adds an entry to the segment.
func (w *SegmentWriter) Append(key, value []byte) {
	var hdr [entryHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(key)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(value)))
	w.buf.Write(hdr[:])
	w.buf.Write(key)
	w.buf.Write(value)
	n := int64(len(key) + len(value))
	if pad := alignUp(n, segmentAlignment) - n; pad > 0 {
		w.buf.Write(make([]byte, pad))
	}
	w.entries++
}

// Len returns the encoded size in bytes.
func (w *SegmentWriter) Len() int { return w.buf.Len() }

// Entries returns the number of buffered entries.
func (w *SegmentWriter) Entries() int { return w.entries }

// Bytes returns the encoded segment.
func (w *SegmentWriter) Bytes() []byte { return w.buf.Bytes() }

// Reset empties the writer for the next segment.
func (w *SegmentWriter) Reset() {
	w.buf.Reset()
	w.entries = 0
}

// SegmentReader reads entries from a segment file body.
type SegmentReader struct {
	reader   io.Reader
	size     int64
	position int64
}

// NewSegmentReader creates a reader over a segment of known size.
func NewSegmentReader(r io.Reader, size int64) *SegmentReader {
	return &SegmentReader{reader: r, size: size}
}

// Position returns the current read position.
func (r *SegmentReader) Position() int64 {
	return r.position
}

// HasMore returns true if there are more entries to read.
func (r *SegmentReader) HasMore() bool {
	return r.position < r.size
}

// ReadEntry reads the next entry.
// Returns io.EOF when the segment is exhausted.
func (r *SegmentReader) ReadEntry() (*Entry, error) {
	if r.position == r.size {
		return nil, io.EOF
	}
	if r.position+entryHeaderSize > r.size {
		return nil, fmt.Errorf("%w: truncated entry header at %d", ErrCorruptedData, r.position)
	}

	var hdr [entryHeaderSize]byte
	if _, err := io.ReadFull(r.reader, hdr[:]); err != nil {
		return nil, fmt.Errorf("read entry header: %w", err)
	}
	r.position += entryHeaderSize

	keyLen := int64(binary.LittleEndian.Uint32(hdr[0:4]))
	valueLen := int64(binary.LittleEndian.Uint32(hdr[4:8]))
	if keyLen == 0 {
		return nil, fmt.Errorf("%w: empty key at %d", ErrCorruptedData, r.position)
	}
	if keyLen > MaxEntrySize || valueLen > MaxEntrySize {
		return nil, fmt.Errorf("%w: entry of %d+%d bytes exceeds maximum %d",
			ErrCorruptedData, keyLen, valueLen, MaxEntrySize)
	}
	payload := alignUp(keyLen+valueLen, segmentAlignment)
	if r.position+payload > r.size {
		return nil, fmt.Errorf("%w: entry overruns segment", ErrCorruptedData)
	}

	data := make([]byte, keyLen+valueLen)
	if _, err := io.ReadFull(r.reader, data); err != nil {
		return nil, fmt.Errorf("read entry: %w", err)
	}

	// Skip padding to align to 8 bytes
	if padding := payload - keyLen - valueLen; padding > 0 {
		if _, err := io.CopyN(io.Discard, r.reader, padding); err != nil {
			return nil, fmt.Errorf("skip padding: %w", err)
		}
	}
	r.position += payload

	return &Entry{Key: data[:keyLen:keyLen], Value: data[keyLen:]}, nil
}

// alignUp rounds n up to the given alignment.
func alignUp(n, alignment int64) int64 {
	return (n + alignment - 1) &^ (alignment - 1)
}

// IterateSegment calls fn for each entry in the segment.
func IterateSegment(reader *SegmentReader, fn func(*Entry) error) error {
	for {
		entry, err := reader.ReadEntry()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
}
