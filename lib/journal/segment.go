// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

const (
	segmentSuffix    = ".journal"
	compressedSuffix = ".journal.zst"
	sidecarSuffix    = ".prev"
)

var segmentNamePattern = regexp.MustCompile(`^(\d{8})\.journal$`)

func segmentPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%08d%s", index, segmentSuffix))
}

func compressedSegmentPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%08d%s", index, compressedSuffix))
}

func sidecarPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("%08d%s", index, sidecarSuffix))
}

// listActiveSegments returns the indices of every uncompressed segment
// file in dir, sorted ascending. Compressed (rotated-out) segments are
// not returned; only the active segment (the highest index) is ever
// opened for append.
func listActiveSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var indices []int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := segmentNamePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		index, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		indices = append(indices, index)
	}

	sort.Ints(indices)
	return indices, nil
}

// writeSidecar records the previous-digest that anchors segment index,
// so a restart can verify the segment's first record without having
// to decompress every prior segment.
func writeSidecar(dir string, index int, previousDigest []byte) error {
	path := sidecarPath(dir, index)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("journal: creating sidecar %q: %w", path, err)
	}
	defer file.Close()

	if _, err := file.Write(previousDigest); err != nil {
		return fmt.Errorf("journal: writing sidecar %q: %w", path, err)
	}
	return file.Sync()
}

func readSidecar(dir string, index int) ([]byte, error) {
	path := sidecarPath(dir, index)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("journal: reading sidecar %q: %w", path, err)
	}
	if len(data) != DigestSize {
		return nil, fmt.Errorf("journal: sidecar %q has %d bytes, want %d", path, len(data), DigestSize)
	}
	return data, nil
}
