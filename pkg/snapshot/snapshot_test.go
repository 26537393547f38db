package snapshot

import (
	"archive/tar"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/evikser/spin-node/pkg/chain"
	"github.com/evikser/spin-node/pkg/storage"
)

// TestSegmentReader tests parsing of segment data.
func TestSegmentReader(t *testing.T) {
	var w SegmentWriter
	w.Append([]byte("accounts.alice"), []byte("hello data"))
	w.Append([]byte("k"), nil)
	w.Append([]byte("12345678"), bytes.Repeat([]byte{7}, 16))

	// Every entry is padded to 8 bytes
	if w.Len()%segmentAlignment != 0 {
		t.Fatalf("segment length %d is not aligned", w.Len())
	}

	reader := NewSegmentReader(bytes.NewReader(w.Bytes()), int64(w.Len()))

	var got []*Entry
	for reader.HasMore() {
		entry, err := reader.ReadEntry()
		if err != nil {
			t.Fatalf("failed to read entry %d: %v", len(got), err)
		}
		got = append(got, entry)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if string(got[0].Key) != "accounts.alice" || string(got[0].Value) != "hello data" {
		t.Errorf("entry 0 mismatch: %q=%q", got[0].Key, got[0].Value)
	}
	if string(got[1].Key) != "k" || len(got[1].Value) != 0 {
		t.Errorf("entry 1 mismatch: %q=%q", got[1].Key, got[1].Value)
	}
	if len(got[2].Value) != 16 {
		t.Errorf("entry 2: expected 16 value bytes, got %d", len(got[2].Value))
	}

	// Should be at EOF now
	if _, err := reader.ReadEntry(); err != io.EOF {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

// TestSegmentReaderCorrupt tests rejection of malformed segments.
func TestSegmentReaderCorrupt(t *testing.T) {
	var w SegmentWriter
	w.Append([]byte("key"), []byte("value"))
	valid := w.Bytes()

	zeroKey := make([]byte, 16)
	binary.LittleEndian.PutUint32(zeroKey[4:8], 8)

	huge := make([]byte, 8)
	binary.LittleEndian.PutUint32(huge[0:4], MaxEntrySize+1)

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated header", valid[:4]},
		{"truncated payload", valid[:10]},
		{"empty key", zeroKey},
		{"oversized", huge},
	}

	for _, tc := range tests {
		reader := NewSegmentReader(bytes.NewReader(tc.data), int64(len(tc.data)))
		_, err := reader.ReadEntry()
		if !errors.Is(err, ErrCorruptedData) {
			t.Errorf("%s: expected ErrCorruptedData, got %v", tc.name, err)
		}
	}
}

// TestExportImport tests a full round trip through a compressed archive.
func TestExportImport(t *testing.T) {
	src := populatedStore(t, 50)

	var buf bytes.Buffer
	exported, err := Export(src, &buf, Options{SegmentSize: 128})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), zstdMagic) {
		t.Error("expected zstd framed output")
	}
	if exported.Height != 3 {
		t.Errorf("expected height 3, got %d", exported.Height)
	}
	if exported.Entries != uint64(src.Len()) {
		t.Errorf("expected %d entries, got %d", src.Len(), exported.Entries)
	}

	dst := storage.NewMemoryStore()
	imported, err := Import(dst, &buf)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if imported.StateHash != exported.StateHash || imported.LatestHash != exported.LatestHash {
		t.Error("import result does not match export")
	}
	if imported.Bytes != exported.Bytes {
		t.Errorf("expected %d segment bytes, got %d", exported.Bytes, imported.Bytes)
	}
	assertSameStore(t, src, dst)

	hash, entries, err := StateHash(dst)
	if err != nil {
		t.Fatalf("StateHash failed: %v", err)
	}
	if hash != exported.StateHash || entries != exported.Entries {
		t.Errorf("StateHash = %s/%d, want %s/%d", hash, entries, exported.StateHash, exported.Entries)
	}

	raw, err := dst.Get(storage.LatestBlockKey)
	if err != nil {
		t.Fatalf("latest block missing: %v", err)
	}
	head, err := chain.DecodeBlock(raw)
	if err != nil {
		t.Fatalf("decode latest block: %v", err)
	}
	if head.Hash != exported.LatestHash {
		t.Error("latest block hash mismatch")
	}
}

// TestExportImportUncompressed tests plain tar archives.
func TestExportImportUncompressed(t *testing.T) {
	src := populatedStore(t, 5)

	var buf bytes.Buffer
	if _, err := Export(src, &buf, Options{Uncompressed: true}); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if bytes.HasPrefix(buf.Bytes(), zstdMagic) {
		t.Error("expected plain tar output")
	}

	dst := storage.NewMemoryStore()
	if _, err := Import(dst, &buf); err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	assertSameStore(t, src, dst)
}

// TestExportEmptyStore tests that a store without a chain still exports.
func TestExportEmptyStore(t *testing.T) {
	var buf bytes.Buffer
	result, err := Export(storage.NewMemoryStore(), &buf, DefaultOptions())
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if result.Height != 0 || result.Entries != 0 {
		t.Errorf("expected empty result, got %+v", result)
	}

	dst := storage.NewMemoryStore()
	if _, err := Import(dst, &buf); err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if dst.Len() != 0 {
		t.Errorf("expected empty store, got %d keys", dst.Len())
	}
}

// TestImportRejectsNonEmptyStore tests that Import never merges into existing state.
func TestImportRejectsNonEmptyStore(t *testing.T) {
	var buf bytes.Buffer
	if _, err := Export(populatedStore(t, 1), &buf, DefaultOptions()); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	dst := storage.NewMemoryStore()
	if err := storage.Put(dst, []byte("existing"), []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := Import(dst, &buf); !errors.Is(err, ErrStoreNotEmpty) {
		t.Errorf("expected ErrStoreNotEmpty, got %v", err)
	}
}

// TestImportDetectsTampering tests the manifest state hash.
func TestImportDetectsTampering(t *testing.T) {
	var buf bytes.Buffer
	if _, err := Export(populatedStore(t, 10), &buf, Options{Uncompressed: true}); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	data := buf.Bytes()
	i := bytes.Index(data, []byte("value-0007"))
	if i < 0 {
		t.Fatal("value not found in archive")
	}
	data[i] = 'V'

	_, err := Import(storage.NewMemoryStore(), bytes.NewReader(data))
	if !errors.Is(err, ErrHashMismatch) {
		t.Errorf("expected ErrHashMismatch, got %v", err)
	}
}

// TestImportMissingManifest tests truncated archives.
func TestImportMissingManifest(t *testing.T) {
	var seg SegmentWriter
	seg.Append([]byte("key"), []byte("value"))

	var version [4]byte
	binary.LittleEndian.PutUint32(version[:], FormatVersion)

	archive := buildTar(t, map[string][]byte{
		versionName:               version[:],
		segmentDir + "000000.seg": seg.Bytes(),
	}, []string{versionName, segmentDir + "000000.seg"})

	_, err := Import(storage.NewMemoryStore(), bytes.NewReader(archive))
	if !errors.Is(err, ErrMissingManifest) {
		t.Errorf("expected ErrMissingManifest, got %v", err)
	}
}

// TestImportUnsupportedVersion tests version checking.
func TestImportUnsupportedVersion(t *testing.T) {
	var version [4]byte
	binary.LittleEndian.PutUint32(version[:], FormatVersion+1)

	archive := buildTar(t, map[string][]byte{versionName: version[:]}, []string{versionName})

	_, err := Import(storage.NewMemoryStore(), bytes.NewReader(archive))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}
}

// TestExportFile tests writing, discovering and loading a snapshot file.
func TestExportFile(t *testing.T) {
	tmpDir := t.TempDir()
	src := populatedStore(t, 20)

	path, result, err := ExportFile(src, tmpDir, DefaultOptions())
	if err != nil {
		t.Fatalf("ExportFile failed: %v", err)
	}
	if filepath.Base(path) != Filename(result.Height, result.LatestHash, true) {
		t.Errorf("unexpected file name %s", filepath.Base(path))
	}

	latest, err := FindLatestSnapshot(tmpDir)
	if err != nil {
		t.Fatalf("FindLatestSnapshot failed: %v", err)
	}
	if latest.Path != path || latest.Height != 3 || !latest.IsCompressed {
		t.Errorf("unexpected snapshot info: %+v", latest)
	}

	// No temp files left behind
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 file, got %d", len(entries))
	}

	dst := storage.NewMemoryStore()
	if _, err := ImportFile(dst, path); err != nil {
		t.Fatalf("ImportFile failed: %v", err)
	}
	assertSameStore(t, src, dst)

	if _, err := ImportFile(dst, filepath.Join(tmpDir, "missing.tar")); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound, got %v", err)
	}
}

// TestFindSnapshots tests snapshot discovery.
func TestFindSnapshots(t *testing.T) {
	// Create temp directory with mock snapshot files
	tmpDir := t.TempDir()

	files := []string{
		"snapshot-100-abc123def.tar.zst",
		"snapshot-200-xyz789.tar",
		"snapshot-50-old123.tar.zst",
		"random-file.txt",
		"snapshot-invalid.tar.zst",
	}

	for _, f := range files {
		path := filepath.Join(tmpDir, f)
		if err := os.WriteFile(path, []byte("test"), 0644); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}
	}

	snapshots, err := FindSnapshots(tmpDir)
	if err != nil {
		t.Fatalf("FindSnapshots failed: %v", err)
	}

	if len(snapshots) != 3 {
		t.Errorf("expected 3 snapshots, got %d", len(snapshots))
		for _, s := range snapshots {
			t.Logf("  found: height=%d path=%s", s.Height, s.Path)
		}
	}

	// Should be sorted by height (newest first)
	for i := 1; i < len(snapshots); i++ {
		if snapshots[i-1].Height < snapshots[i].Height {
			t.Error("snapshots should be sorted by height (newest first)")
		}
	}

	if len(snapshots) > 0 {
		newest := snapshots[0]
		if newest.Height != 200 || newest.Hash != "xyz789" || newest.IsCompressed {
			t.Errorf("unexpected newest snapshot: %+v", newest)
		}
	}
}

// TestFindSnapshotsEmpty tests with empty and missing directories.
func TestFindSnapshotsEmpty(t *testing.T) {
	tmpDir := t.TempDir()

	snapshots, err := FindSnapshots(tmpDir)
	if err != nil {
		t.Fatalf("FindSnapshots failed: %v", err)
	}
	if len(snapshots) != 0 {
		t.Errorf("expected 0 snapshots, got %d", len(snapshots))
	}

	if _, err := FindLatestSnapshot(filepath.Join(tmpDir, "nope")); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound, got %v", err)
	}
}

// TestAlignUp tests the alignment function.
func TestAlignUp(t *testing.T) {
	tests := []struct {
		n         int64
		alignment int64
		expected  int64
	}{
		{0, 8, 0},
		{1, 8, 8},
		{7, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{17, 8, 24},
	}

	for _, tc := range tests {
		result := alignUp(tc.n, tc.alignment)
		if result != tc.expected {
			t.Errorf("alignUp(%d, %d) = %d, expected %d", tc.n, tc.alignment, result, tc.expected)
		}
	}
}

// Helper functions

// populatedStore returns a store holding a three-block chain and n contract values.
func populatedStore(t *testing.T, n int) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore()

	block := chain.Genesis(1_700_000_000)
	block.Seal()
	for block.Height < 3 {
		writeBlock(t, store, block)
		block = chain.NewBlock(block, block.Timestamp+1)
		block.Seal()
	}
	writeBlock(t, store, block)

	for i := 0; i < n; i++ {
		key := storage.ContractKey("counter", []byte(fmt.Sprintf("k%04d", i)))
		if err := storage.Put(store, key, []byte(fmt.Sprintf("value-%04d", i))); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

func writeBlock(t *testing.T, store storage.Store, block *chain.Block) {
	t.Helper()
	raw, err := block.Encode()
	if err != nil {
		t.Fatal(err)
	}
	err = store.Apply([]storage.Change{
		{Key: storage.BlockKey(block.Height), Value: raw},
		{Key: storage.LatestBlockKey, Value: raw},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func assertSameStore(t *testing.T, want, got storage.Store) {
	t.Helper()
	count := 0
	err := want.Iterate(nil, func(key, value []byte) error {
		count++
		v, err := got.Get(key)
		if err != nil {
			return fmt.Errorf("key %q: %w", key, err)
		}
		if !bytes.Equal(v, value) {
			return fmt.Errorf("key %q: value mismatch", key)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	gotCount := 0
	got.Iterate(nil, func(_, _ []byte) error {
		gotCount++
		return nil
	})
	if gotCount != count {
		t.Errorf("expected %d keys, got %d", count, gotCount)
	}
}

func buildTar(t *testing.T, members map[string][]byte, order []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range order {
		if err := writeMember(tw, name, members[name]); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
