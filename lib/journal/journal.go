// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/hkdf"

	"github.com/devit-dev/devitd/lib/clock"
	"github.com/devit-dev/devitd/lib/codec"
	"github.com/devit-dev/devitd/lib/secret"
)

// hkdfInfoSubkey domain-separates the journal's authentication subkey
// from every other subkey the daemon derives from the same shared
// secret (envelope tags use a different info string).
const hkdfInfoSubkey = "devitd.journal.v1"

// VerifyMode controls how Open reacts to a broken chain in the active
// segment.
type VerifyMode int

const (
	// VerifyStrict refuses to open a journal whose active segment does
	// not verify. This is the default per spec §8.
	VerifyStrict VerifyMode = iota

	// VerifyWarn opens the journal anyway, reporting the break through
	// Options.OnVerifyWarning if set.
	VerifyWarn
)

// DefaultMaxSegmentBytes is the segment size at which Append rotates
// to a fresh segment file.
const DefaultMaxSegmentBytes = 64 << 20 // 64 MiB

// defaultSyncMaxElapsed bounds how long Append retries a failing
// fsync before giving up and returning an error.
const defaultSyncMaxElapsed = 5 * time.Second

// Options configures Open.
type Options struct {
	// MaxSegmentBytes overrides DefaultMaxSegmentBytes. Zero means use
	// the default.
	MaxSegmentBytes int64

	// VerifyMode selects strict or warn startup verification.
	VerifyMode VerifyMode

	// OnVerifyWarning, if set, receives the break found in the active
	// segment when VerifyMode is VerifyWarn. Ignored under
	// VerifyStrict, where a break is a fatal Open error instead.
	OnVerifyWarning func(error)
}

// Journal is a durable, tamper-evident, append-only event log. A
// Journal is safe for concurrent use; Append serializes writers.
type Journal struct {
	mu sync.Mutex

	dir             string
	clock           clock.Clock
	subkey          *secret.Buffer
	maxSegmentBytes int64

	file           *os.File
	activeSegment  int
	activeSize     int64
	dirSynced      bool

	sequence   uint64
	lastDigest []byte
}

// Open attaches to the journal directory, creating it and its first
// segment if empty, and verifies the active segment's chain before
// returning. sharedSecret is never copied out of protected memory:
// the subkey derived from it is itself held in a secret.Buffer for
// the lifetime of the Journal.
func Open(dir string, sharedSecret *secret.Buffer, clk clock.Clock, opts Options) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("journal: creating directory %q: %w", dir, err)
	}

	subkey, err := deriveSubkey(sharedSecret)
	if err != nil {
		return nil, fmt.Errorf("journal: deriving subkey: %w", err)
	}

	maxSegmentBytes := opts.MaxSegmentBytes
	if maxSegmentBytes <= 0 {
		maxSegmentBytes = DefaultMaxSegmentBytes
	}

	j := &Journal{
		dir:             dir,
		clock:           clk,
		subkey:          subkey,
		maxSegmentBytes: maxSegmentBytes,
	}

	indices, err := listActiveSegments(dir)
	if err != nil {
		subkey.Close()
		return nil, fmt.Errorf("journal: listing segments in %q: %w", dir, err)
	}

	if len(indices) == 0 {
		if err := j.createSegment(1, GenesisDigest[:]); err != nil {
			subkey.Close()
			return nil, err
		}
		j.sequence = 0
		j.lastDigest = append([]byte(nil), GenesisDigest[:]...)
		return j, nil
	}

	index := indices[len(indices)-1]
	expectedFirstPrevious, err := readSidecar(dir, index)
	if err != nil {
		subkey.Close()
		return nil, err
	}

	records, size, err := readSegment(segmentPath(dir, index))
	if err != nil {
		subkey.Close()
		return nil, err
	}

	if verifyErr := VerifyChain(subkey.Bytes(), expectedFirstPrevious, records); verifyErr != nil {
		if opts.VerifyMode == VerifyStrict {
			subkey.Close()
			return nil, fmt.Errorf("journal: refusing to open segment %d: %w", index, verifyErr)
		}
		if opts.OnVerifyWarning != nil {
			opts.OnVerifyWarning(verifyErr)
		}
	}

	file, err := os.OpenFile(segmentPath(dir, index), os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		subkey.Close()
		return nil, fmt.Errorf("journal: reopening segment %d for append: %w", index, err)
	}

	j.file = file
	j.activeSegment = index
	j.activeSize = size

	if len(records) == 0 {
		j.sequence = 0
		j.lastDigest = append([]byte(nil), expectedFirstPrevious...)
	} else {
		last := records[len(records)-1]
		j.sequence = last.Sequence
		j.lastDigest = last.digest()
	}

	return j, nil
}

func deriveSubkey(sharedSecret *secret.Buffer) (*secret.Buffer, error) {
	reader := hkdf.New(sha256.New, sharedSecret.Bytes(), nil, []byte(hkdfInfoSubkey))
	derived := make([]byte, DigestSize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, err
	}
	defer secret.Zero(derived)

	return secret.NewFromBytes(derived)
}

// readSegment decodes every record in an uncompressed segment file in
// order, returning them along with the file's current size.
func readSegment(path string) ([]Record, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("journal: opening segment %q: %w", path, err)
	}
	defer file.Close()

	var records []Record
	decoder := codec.NewDecoder(file)
	for {
		var record Record
		if err := decoder.Decode(&record); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, 0, fmt.Errorf("journal: decoding segment %q: %w", path, err)
		}
		records = append(records, record)
	}

	info, err := file.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("journal: stat segment %q: %w", path, err)
	}
	return records, info.Size(), nil
}

// createSegment writes the sidecar anchor for index and creates its
// (initially empty) segment file, making index the active segment.
func (j *Journal) createSegment(index int, previousDigest []byte) error {
	if err := writeSidecar(j.dir, index, previousDigest); err != nil {
		return err
	}

	file, err := os.OpenFile(segmentPath(j.dir, index), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("journal: creating segment %d: %w", index, err)
	}

	j.file = file
	j.activeSegment = index
	j.activeSize = 0
	return nil
}

// Append appends a new record with the given actor, event kind, and
// payload. It does not return until the record is fsync'd to disk.
// Append is safe for concurrent use.
func (j *Journal) Append(actor, kind string, payload any) (Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	payloadRaw, err := codec.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("journal: marshaling payload: %w", err)
	}

	sequence := j.sequence + 1
	timestamp := j.clock.Now().Unix()
	previousDigest := append([]byte(nil), j.lastDigest...)

	tag, err := computeTag(j.subkey.Bytes(), sequence, timestamp, actor, kind, payloadRaw, previousDigest)
	if err != nil {
		return Record{}, fmt.Errorf("journal: computing tag: %w", err)
	}

	record := Record{
		Sequence:       sequence,
		Timestamp:      timestamp,
		Actor:          actor,
		Kind:           kind,
		Payload:        payloadRaw,
		PreviousDigest: previousDigest,
		Tag:            tag,
	}

	encoded, err := codec.Marshal(record)
	if err != nil {
		return Record{}, fmt.Errorf("journal: marshaling record: %w", err)
	}

	if _, err := j.file.Write(encoded); err != nil {
		return Record{}, fmt.Errorf("journal: writing record %d: %w", sequence, err)
	}

	if err := j.syncWithRetry(); err != nil {
		return Record{}, fmt.Errorf("journal: fsync record %d: %w", sequence, err)
	}

	if !j.dirSynced {
		if err := j.syncDir(); err != nil {
			return Record{}, fmt.Errorf("journal: fsync directory: %w", err)
		}
		j.dirSynced = true
	}

	j.sequence = sequence
	j.lastDigest = record.digest()
	j.activeSize += int64(len(encoded))

	if j.activeSize >= j.maxSegmentBytes {
		if err := j.rotate(); err != nil {
			return record, fmt.Errorf("journal: rotating after record %d: %w", sequence, err)
		}
	}

	return record, nil
}

// syncWithRetry fsyncs the active segment file, retrying on transient
// failure with a bounded exponential backoff. A synchronous append
// that never returns would stall every caller waiting on it; a
// permanent failure (disk full, filesystem gone) still surfaces as an
// error once the backoff gives up.
func (j *Journal) syncWithRetry() error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = defaultSyncMaxElapsed

	return backoff.Retry(func() error {
		return j.file.Sync()
	}, policy)
}

func (j *Journal) syncDir() error {
	dir, err := os.Open(j.dir)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

// rotate compresses the current segment and starts a new one chained
// to it. Callers must hold j.mu.
func (j *Journal) rotate() error {
	closedIndex := j.activeSegment
	closedPath := segmentPath(j.dir, closedIndex)
	lastDigest := append([]byte(nil), j.lastDigest...)

	if err := j.file.Close(); err != nil {
		return fmt.Errorf("closing segment %d: %w", closedIndex, err)
	}

	if err := compressSegment(closedPath, compressedSegmentPath(j.dir, closedIndex)); err != nil {
		return fmt.Errorf("compressing segment %d: %w", closedIndex, err)
	}
	if err := os.Remove(closedPath); err != nil {
		return fmt.Errorf("removing compressed segment %d source: %w", closedIndex, err)
	}

	return j.createSegment(closedIndex+1, lastDigest)
}

// compressSegment reads src, writes a zstd-compressed copy to dst,
// and fsyncs dst before returning, so a crash mid-rotation never
// leaves a segment that exists in neither form.
func compressSegment(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	defer out.Close()

	encoder, err := zstd.NewWriter(out)
	if err != nil {
		return err
	}

	if _, err := io.Copy(encoder, in); err != nil {
		encoder.Close()
		return err
	}
	if err := encoder.Close(); err != nil {
		return err
	}
	return out.Sync()
}

// Tail returns up to n of the most recent records in the active
// segment. It does not read compressed, rotated-out segments.
func (j *Journal) Tail(n int) ([]Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	records, _, err := readSegment(segmentPath(j.dir, j.activeSegment))
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(records) {
		return records, nil
	}
	return records[len(records)-n:], nil
}

// Verify re-checks the active segment's chain against the journal's
// subkey, independent of whatever Open already verified at startup.
func (j *Journal) Verify() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	expectedFirstPrevious, err := readSidecar(j.dir, j.activeSegment)
	if err != nil {
		return err
	}
	records, _, err := readSegment(segmentPath(j.dir, j.activeSegment))
	if err != nil {
		return err
	}
	return VerifyChain(j.subkey.Bytes(), expectedFirstPrevious, records)
}

// Close releases the journal's subkey and closes the active segment
// file. It does not fsync; the last Append already did.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.subkey.Close()
	if j.file != nil {
		return j.file.Close()
	}
	return nil
}
