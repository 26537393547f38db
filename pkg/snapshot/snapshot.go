package snapshot

import (
	"archive/tar"
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/evikser/spin-node/internal/types"
	"github.com/evikser/spin-node/pkg/chain"
	"github.com/evikser/spin-node/pkg/codec"
	"github.com/evikser/spin-node/pkg/storage"
)

// Archive member names.
const (
	versionName  = "version"
	manifestName = "manifest"
	segmentDir   = "state/"
)

// Snapshot filename pattern: snapshot-HEIGHT-HASH.tar.zst or snapshot-HEIGHT-HASH.tar
var snapshotPattern = regexp.MustCompile(`^snapshot-(\d+)-([a-zA-Z0-9]+)\.(tar\.zst|tar)$`)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var logger = log.New("module", "snapshot")

// Options tunes Export.
type Options struct {
	// SegmentSize closes a segment once it reaches this many bytes.
	SegmentSize int

	// Uncompressed writes a plain tar archive.
	Uncompressed bool
}

// DefaultOptions returns zstd-compressed output with 4 MB segments.
func DefaultOptions() Options {
	return Options{SegmentSize: DefaultSegmentSize}
}

// Filename returns the canonical file name for a snapshot.
func Filename(height uint64, hash types.Hash, compressed bool) string {
	name := fmt.Sprintf("snapshot-%d-%s.tar", height, hash.String())
	if compressed {
		name += ".zst"
	}
	return name
}

// FindSnapshots discovers available snapshots in a directory.
// Returns snapshots sorted by height (newest first).
func FindSnapshots(dir string) ([]SnapshotInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}

	var snapshots []SnapshotInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := snapshotPattern.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		height, err := strconv.ParseUint(matches[1], 10, 64)
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		snapshots = append(snapshots, SnapshotInfo{
			Path:         filepath.Join(dir, entry.Name()),
			Height:       height,
			Hash:         matches[2],
			IsCompressed: strings.HasSuffix(entry.Name(), ".zst"),
			Size:         info.Size(),
		})
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Height > snapshots[j].Height
	})
	return snapshots, nil
}

// FindLatestSnapshot finds the most recent snapshot in a directory.
func FindLatestSnapshot(dir string) (*SnapshotInfo, error) {
	snapshots, err := FindSnapshots(dir)
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, ErrSnapshotNotFound
	}
	return &snapshots[0], nil
}

// Export writes every entry of store to w.
func Export(store storage.Store, w io.Writer, opts Options) (*Result, error) {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	start := time.Now()

	manifest := Manifest{Version: FormatVersion}
	if raw, err := store.Get(storage.LatestBlockKey); err == nil {
		head, err := chain.DecodeBlock(raw)
		if err != nil {
			return nil, fmt.Errorf("decode latest block: %w", err)
		}
		manifest.Height = head.Height
		manifest.LatestHash = head.Hash
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("read latest block: %w", err)
	}

	out := w
	var encoder *zstd.Encoder
	if !opts.Uncompressed {
		var err error
		encoder, err = zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		out = encoder
	}
	tw := tar.NewWriter(out)

	var version [4]byte
	binary.LittleEndian.PutUint32(version[:], FormatVersion)
	if err := writeMember(tw, versionName, version[:]); err != nil {
		return nil, err
	}

	hasher := newStateHasher()
	var seg SegmentWriter
	var written uint64
	flush := func() error {
		if seg.Entries() == 0 {
			return nil
		}
		name := fmt.Sprintf("%s%06d.seg", segmentDir, manifest.Segments)
		if err := writeMember(tw, name, seg.Bytes()); err != nil {
			return err
		}
		logger.Debug("wrote segment", "name", name, "entries", seg.Entries(), "bytes", seg.Len())
		written += uint64(seg.Len())
		manifest.Segments++
		seg.Reset()
		return nil
	}

	err := store.Iterate(nil, func(key, value []byte) error {
		seg.Append(key, value)
		hasher.add(key, value)
		manifest.Entries++
		if seg.Len() >= opts.SegmentSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate store: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}

	manifest.StateHash = hasher.sum()
	if err := writeMember(tw, manifestName, manifest.Encode()); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if encoder != nil {
		if err := encoder.Close(); err != nil {
			return nil, fmt.Errorf("close zstd encoder: %w", err)
		}
	}

	logger.Info("snapshot exported", "height", manifest.Height, "entries", manifest.Entries,
		"segments", manifest.Segments, "elapsed", time.Since(start))

	return &Result{
		Height:     manifest.Height,
		LatestHash: manifest.LatestHash,
		Entries:    manifest.Entries,
		Bytes:      written,
		StateHash:  manifest.StateHash,
	}, nil
}

// ExportFile writes a snapshot of store into dir under its canonical name
// and returns the written path. The file appears only once complete.
func ExportFile(store storage.Store, dir string, opts Options) (string, *Result, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	result, err := Export(store, bw, opts)
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", nil, err
	}

	path := filepath.Join(dir, Filename(result.Height, result.LatestHash, !opts.Uncompressed))
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", nil, fmt.Errorf("rename snapshot: %w", err)
	}
	return path, result, nil
}

// Import restores an archive written by Export into an empty store.
// Compression is detected from the stream. Entries are applied one segment
// at a time, so a failed import leaves a partially written store that the
// caller should discard.
func Import(store storage.Store, r io.Reader) (*Result, error) {
	empty := true
	err := store.Iterate(nil, func(_, _ []byte) error {
		empty = false
		return io.EOF
	})
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("inspect store: %w", err)
	}
	if !empty {
		return nil, ErrStoreNotEmpty
	}

	br := bufio.NewReader(r)
	var in io.Reader = br
	if magic, err := br.Peek(len(zstdMagic)); err == nil && bytes.Equal(magic, zstdMagic) {
		decoder, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
		}
		defer decoder.Close()
		in = decoder
	}

	start := time.Now()
	tr := tar.NewReader(in)
	hasher := newStateHasher()
	var (
		entries    uint64
		segments   uint32
		total      uint64
		sawVersion bool
		manifest   *Manifest
	)

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read tar header: %v", ErrInvalidSnapshot, err)
		}
		if manifest != nil {
			return nil, fmt.Errorf("%w: %s after manifest", ErrInvalidSnapshot, header.Name)
		}

		switch {
		case header.Name == versionName:
			data, err := readMember(tr, header, 4)
			if err != nil {
				return nil, err
			}
			if len(data) != 4 {
				return nil, fmt.Errorf("%w: version file", ErrInvalidSnapshot)
			}
			if v := binary.LittleEndian.Uint32(data); v != FormatVersion {
				return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
			}
			sawVersion = true

		case strings.HasPrefix(header.Name, segmentDir):
			if !sawVersion {
				return nil, fmt.Errorf("%w: segment before version", ErrInvalidSnapshot)
			}
			var changes []storage.Change
			err := IterateSegment(NewSegmentReader(tr, header.Size), func(e *Entry) error {
				hasher.add(e.Key, e.Value)
				changes = append(changes, storage.Change{Key: e.Key, Value: e.Value})
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("segment %s: %w", header.Name, err)
			}
			if err := store.Apply(changes); err != nil {
				return nil, fmt.Errorf("apply segment %s: %w", header.Name, err)
			}
			entries += uint64(len(changes))
			total += uint64(header.Size)
			segments++

		case header.Name == manifestName:
			data, err := readMember(tr, header, 1<<10)
			if err != nil {
				return nil, err
			}
			manifest, err = DecodeManifest(data)
			if err != nil {
				return nil, err
			}

		default:
			return nil, fmt.Errorf("%w: unexpected member %s", ErrInvalidSnapshot, header.Name)
		}
	}

	if manifest == nil {
		return nil, ErrMissingManifest
	}
	if manifest.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, manifest.Version)
	}
	if manifest.Entries != entries || manifest.Segments != segments {
		return nil, fmt.Errorf("%w: manifest lists %d entries in %d segments, archive has %d in %d",
			ErrInvalidSnapshot, manifest.Entries, manifest.Segments, entries, segments)
	}
	if sum := hasher.sum(); sum != manifest.StateHash {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, manifest.StateHash, sum)
	}

	logger.Info("snapshot imported", "height", manifest.Height, "entries", entries,
		"segments", segments, "elapsed", time.Since(start))

	return &Result{
		Height:     manifest.Height,
		LatestHash: manifest.LatestHash,
		Entries:    entries,
		Bytes:      total,
		StateHash:  manifest.StateHash,
	}, nil
}

// ImportFile restores the snapshot at path into store.
func ImportFile(store storage.Store, path string) (*Result, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer file.Close()
	return Import(store, file)
}

// Encode serializes the manifest.
func (m *Manifest) Encode() []byte {
	w := codec.NewWriter(96)
	w.WriteU32(m.Version)
	w.WriteU64(m.Height)
	w.WriteFixed(m.LatestHash[:])
	w.WriteU64(m.Entries)
	w.WriteU32(m.Segments)
	w.WriteFixed(m.StateHash[:])
	return w.Bytes()
}

// DecodeManifest parses a manifest member.
func DecodeManifest(data []byte) (*Manifest, error) {
	r := codec.NewReader(data)
	m := &Manifest{}
	m.Version = r.ReadU32()
	m.Height = r.ReadU64()
	copy(m.LatestHash[:], r.ReadFixed(types.HashSize))
	m.Entries = r.ReadU64()
	m.Segments = r.ReadU32()
	copy(m.StateHash[:], r.ReadFixed(types.HashSize))
	if err := r.Finish(); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrInvalidSnapshot, err)
	}
	return m, nil
}

func writeMember(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write %s header: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func readMember(tr *tar.Reader, header *tar.Header, limit int64) ([]byte, error) {
	if header.Size > limit {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrInvalidSnapshot, header.Name, header.Size)
	}
	data := make([]byte, header.Size)
	if _, err := io.ReadFull(tr, data); err != nil {
		return nil, fmt.Errorf("read %s: %w", header.Name, err)
	}
	return data, nil
}

// StateHash digests every entry of store the same way Export fills the
// manifest, and returns the digest with the entry count.
func StateHash(store storage.Store) (types.Hash, uint64, error) {
	hasher := newStateHasher()
	var entries uint64
	err := store.Iterate(nil, func(key, value []byte) error {
		hasher.add(key, value)
		entries++
		return nil
	})
	if err != nil {
		return types.Hash{}, 0, fmt.Errorf("iterate store: %w", err)
	}
	return hasher.sum(), entries, nil
}

// stateHasher folds entries into a blake3 digest in iteration order.
type stateHasher struct {
	h *blake3.Hasher
}

func newStateHasher() *stateHasher {
	return &stateHasher{h: blake3.New()}
}

func (s *stateHasher) add(key, value []byte) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(key)))
	s.h.Write(n[:])
	s.h.Write(key)
	binary.LittleEndian.PutUint32(n[:], uint32(len(value)))
	s.h.Write(n[:])
	s.h.Write(value)
}

func (s *stateHasher) sum() types.Hash {
	var out types.Hash
	copy(out[:], s.h.Sum(nil))
	return out
}
