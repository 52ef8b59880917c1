package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dexloom/lloom/internal/wire"
)

// UsageQueue is the durable FIFO between the request handler and the
// on-chain submitter. Appends are fsynced before the enqueue returns; a
// record leaves the file only after confirmed submission or
// dead-lettering. Compaction rewrites the file without acked entries.
type UsageQueue struct {
	path string

	mu      sync.Mutex
	file    *os.File
	entries []queueEntry
	nextSeq uint64
}

type queueEntry struct {
	seq uint64
	rec UsageRecord
}

// Queued pairs a record with its queue sequence for later acking.
type Queued struct {
	Seq    uint64
	Record UsageRecord
}

// OpenUsageQueue opens (or creates) the queue file and replays every
// surviving record into memory.
func OpenUsageQueue(path string) (*UsageQueue, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("store: open usage queue %s: %w", path, err)
	}
	q := &UsageQueue{path: path, file: f}
	if err := q.replay(); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("store: seek usage queue: %w", err)
	}
	return q, nil
}

func (q *UsageQueue) replay() error {
	if _, err := q.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("store: seek usage queue: %w", err)
	}
	for {
		data, err := wire.ReadFrame(q.file)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// A torn tail frame from a crash mid-append is dropped; every
				// complete frame before it survives.
				return nil
			}
			return fmt.Errorf("store: replay usage queue: %w", err)
		}
		var rec UsageRecord
		if err := wire.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("store: decode queued record: %w", err)
		}
		q.entries = append(q.entries, queueEntry{seq: q.nextSeq, rec: rec})
		q.nextSeq++
	}
}

// Append persists a record and makes it visible to Peek. The fsync is the
// durability point: once Append returns, a crash cannot lose the record.
func (q *UsageQueue) Append(rec UsageRecord) (uint64, error) {
	data, err := wire.Marshal(&rec)
	if err != nil {
		return 0, fmt.Errorf("store: marshal usage record: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := wire.WriteFrame(q.file, data); err != nil {
		return 0, fmt.Errorf("store: append usage record: %w", err)
	}
	if err := q.file.Sync(); err != nil {
		return 0, fmt.Errorf("store: sync usage queue: %w", err)
	}
	seq := q.nextSeq
	q.nextSeq++
	q.entries = append(q.entries, queueEntry{seq: seq, rec: rec})
	return seq, nil
}

// Peek returns up to n records from the head in enqueue order without
// removing them.
func (q *UsageQueue) Peek(n int) []Queued {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.entries) {
		n = len(q.entries)
	}
	out := make([]Queued, n)
	for i := 0; i < n; i++ {
		out[i] = Queued{Seq: q.entries[i].seq, Record: q.entries[i].rec}
	}
	return out
}

// Len returns the number of unacked records.
func (q *UsageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Ack removes the given sequences and compacts the file. Called after a
// record is either confirmed on-chain or dead-lettered.
func (q *UsageQueue) Ack(seqs ...uint64) error {
	if len(seqs) == 0 {
		return nil
	}
	gone := make(map[uint64]struct{}, len(seqs))
	for _, s := range seqs {
		gone[s] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.entries[:0]
	for _, e := range q.entries {
		if _, ok := gone[e.seq]; !ok {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	return q.compactLocked()
}

// compactLocked rewrites the file with the surviving entries via a temp
// file and atomic rename.
func (q *UsageQueue) compactLocked() error {
	dir := filepath.Dir(q.path)
	tmp, err := os.CreateTemp(dir, ".usage_queue-*")
	if err != nil {
		return fmt.Errorf("store: compact temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	for _, e := range q.entries {
		data, err := wire.Marshal(&e.rec)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("store: marshal during compact: %w", err)
		}
		if err := wire.WriteFrame(tmp, data); err != nil {
			tmp.Close()
			return fmt.Errorf("store: write during compact: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: sync compacted queue: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close compacted queue: %w", err)
	}
	if err := os.Rename(tmpName, q.path); err != nil {
		return fmt.Errorf("store: swap compacted queue: %w", err)
	}

	old := q.file
	f, err := os.OpenFile(q.path, os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("store: reopen usage queue: %w", err)
	}
	q.file = f
	old.Close()
	return nil
}

// Close releases the file handle. Pending records stay on disk.
func (q *UsageQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.file.Close()
}
