// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package replay

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/devit-dev/devitd/lib/clock"
	"github.com/devit-dev/devitd/lib/codec"
)

// snapshotMagic tags a persisted cache file so a stale or foreign file
// is rejected instead of silently misparsed.
const snapshotMagic = "devitd-replay-v1"

// flagCompressed/flagStored mark whether the body following the header
// is LZ4-compressed or stored raw. A near-empty cache (a handful of
// nonces after a quick restart) often does not shrink under LZ4;
// storing it raw avoids compressLZ4's incompressible-input error.
const (
	flagStored     byte = 0
	flagCompressed byte = 1
)

// SaveFile writes cache's unexpired entries to path, CBOR-encoded and
// LZ4-block-compressed, so a restart does not require the full skew
// window to re-elapse before nonce protection is live again. The
// write is staged to a temp file and renamed into place, matching the
// atomic-replace pattern the rest of devitd's persistence uses.
func SaveFile(path string, cache *Cache) error {
	entries := cache.Snapshot()

	encoded, err := codec.Marshal(entries)
	if err != nil {
		return fmt.Errorf("replay: encoding snapshot: %w", err)
	}

	flag := flagCompressed
	body, err := compressLZ4(encoded)
	if err != nil {
		flag = flagStored
		body = encoded
	}

	header := make([]byte, len(snapshotMagic)+1+8)
	copy(header, snapshotMagic)
	header[len(snapshotMagic)] = flag
	binary.BigEndian.PutUint64(header[len(snapshotMagic)+1:], uint64(len(encoded)))

	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, ".replay-snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("replay: staging snapshot: %w", err)
	}
	if _, err := tempFile.Write(header); err != nil {
		tempFile.Close()
		os.Remove(tempFile.Name())
		return fmt.Errorf("replay: writing snapshot header: %w", err)
	}
	if _, err := tempFile.Write(body); err != nil {
		tempFile.Close()
		os.Remove(tempFile.Name())
		return fmt.Errorf("replay: writing snapshot body: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempFile.Name())
		return fmt.Errorf("replay: closing snapshot: %w", err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil {
		os.Remove(tempFile.Name())
		return fmt.Errorf("replay: committing snapshot: %w", err)
	}
	return nil
}

// LoadFile restores a Cache from a snapshot written by SaveFile.
// A missing file is not an error: it returns an empty cache, the same
// state a first-ever startup has. window and margin are the runtime's
// own configured skew window, not whatever the snapshot was written
// under, since restarting with a shorter window should not extend
// protection beyond what the current configuration promises.
func LoadFile(path string, window, margin time.Duration, clk clock.Clock) (*Cache, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewCache(window, margin, clk), nil
	}
	if err != nil {
		return nil, fmt.Errorf("replay: reading snapshot %s: %w", path, err)
	}

	headerLen := len(snapshotMagic) + 1 + 8
	if len(data) < headerLen || string(data[:len(snapshotMagic)]) != snapshotMagic {
		return nil, fmt.Errorf("replay: %s is not a devitd replay snapshot", path)
	}
	flag := data[len(snapshotMagic)]
	uncompressedSize := binary.BigEndian.Uint64(data[len(snapshotMagic)+1 : headerLen])
	body := data[headerLen:]

	var encoded []byte
	switch flag {
	case flagStored:
		encoded = body
	case flagCompressed:
		encoded, err = decompressLZ4(body, int(uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("replay: decompressing snapshot %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("replay: %s has unknown encoding flag %d", path, flag)
	}

	var entries []Entry
	if err := codec.Unmarshal(encoded, &entries); err != nil {
		return nil, fmt.Errorf("replay: decoding snapshot %s: %w", path, err)
	}

	return Load(entries, window, margin, clk), nil
}

// compressLZ4 block-compresses data, erroring if the result would not
// be smaller than the input so the caller can fall back to storing it
// raw.
func compressLZ4(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	bound := lz4.CompressBlockBound(len(data))
	destination := make([]byte, bound)
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, err
	}
	if written == 0 || written >= len(data) {
		return nil, fmt.Errorf("replay: snapshot did not compress")
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, uncompressedSize int) ([]byte, error) {
	if uncompressedSize == 0 {
		return nil, nil
	}
	destination := make([]byte, uncompressedSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, err
	}
	if read != uncompressedSize {
		return nil, fmt.Errorf("replay: decompressed %d bytes, expected %d", read, uncompressedSize)
	}
	return destination, nil
}
