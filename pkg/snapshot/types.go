// Package snapshot exports and restores the node's whole key-value state.
//
// A snapshot is a tar archive, zstd-compressed by default, laid out as:
//
//	version
//	state/000000.seg
//	state/000001.seg
//	...
//	manifest
//
// Segment files hold the store's entries in key order. Each entry is:
//   - key_len (u32), value_len (u32)
//   - key, then value
//   - zero padding to 8-byte alignment
//
// The manifest comes last and carries the chain head at export time, the
// entry count and a blake3 hash over every entry, so Import can verify that
// the archive arrived whole.
package snapshot

import (
	"errors"

	"github.com/evikser/spin-node/internal/types"
)

// Errors returned by the snapshot package.
var (
	// ErrInvalidSnapshot indicates the archive is malformed.
	ErrInvalidSnapshot = errors.New("invalid snapshot")

	// ErrUnsupportedVersion indicates the snapshot version is not supported.
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")

	// ErrCorruptedData indicates a segment could not be parsed.
	ErrCorruptedData = errors.New("corrupted snapshot data")

	// ErrMissingManifest indicates the archive ended without a manifest.
	ErrMissingManifest = errors.New("missing snapshot manifest")

	// ErrHashMismatch indicates the restored entries do not hash to the manifest's value.
	ErrHashMismatch = errors.New("snapshot hash mismatch")

	// ErrSnapshotNotFound indicates no snapshot was found at the path.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrDecompressionFailed indicates zstd decompression failed.
	ErrDecompressionFailed = errors.New("decompression failed")

	// ErrStoreNotEmpty is returned when importing into a store that already holds data.
	ErrStoreNotEmpty = errors.New("target store is not empty")
)

// FormatVersion is written to the version file.
const FormatVersion uint32 = 1

// SnapshotInfo contains metadata about a discovered snapshot file.
type SnapshotInfo struct {
	// Path is the full path to the snapshot file.
	Path string

	// Height is the chain height at which the snapshot was taken.
	Height uint64

	// Hash is the base58 block hash from the filename.
	Hash string

	// IsCompressed indicates if the snapshot is zstd compressed.
	IsCompressed bool

	// Size is the file size in bytes.
	Size int64
}

// Manifest describes the archive contents.
type Manifest struct {
	Version    uint32
	Height     uint64
	LatestHash types.Hash
	Entries    uint64
	Segments   uint32
	StateHash  types.Hash
}

// Result summarizes an export or an import.
type Result struct {
	Height     uint64
	LatestHash types.Hash
	Entries    uint64
	Bytes      uint64 // segment payload, before compression
	StateHash  types.Hash
}
