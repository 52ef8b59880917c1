package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dexloom/lloom/internal/wire"
)

// DeadLetter is one record that exhausted its submission retries, kept as
// operator-visible evidence.
type DeadLetter struct {
	Record    UsageRecord `cbor:"1,keyasint"`
	Reason    string      `cbor:"2,keyasint"`
	Attempts  int         `cbor:"3,keyasint"`
	Timestamp int64       `cbor:"4,keyasint"`
}

// DeadLetterLog is an append-only CBOR file of dead-lettered records. It
// is never compacted automatically; entries leave only by operator action.
type DeadLetterLog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenDeadLetterLog opens (or creates) the dead-letter file.
func OpenDeadLetterLog(path string) (*DeadLetterLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("store: open dead-letter log %s: %w", path, err)
	}
	return &DeadLetterLog{path: path, file: f}, nil
}

// Append records a dead-lettered entry. Returns only after fsync.
func (l *DeadLetterLog) Append(rec UsageRecord, reason string, attempts int) error {
	dl := DeadLetter{
		Record:    rec,
		Reason:    reason,
		Attempts:  attempts,
		Timestamp: time.Now().Unix(),
	}
	data, err := wire.Marshal(&dl)
	if err != nil {
		return fmt.Errorf("store: marshal dead letter: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := wire.WriteFrame(l.file, data); err != nil {
		return fmt.Errorf("store: append dead letter: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("store: sync dead-letter log: %w", err)
	}
	return nil
}

// List reads every dead-lettered entry for operator inspection.
func (l *DeadLetterLog) List() ([]DeadLetter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("store: open dead-letter log: %w", err)
	}
	defer f.Close()

	var out []DeadLetter
	for {
		data, err := wire.ReadFrame(f)
		if err != nil {
			if isEOF(err) {
				return out, nil
			}
			return nil, fmt.Errorf("store: read dead letter: %w", err)
		}
		var dl DeadLetter
		if err := wire.Unmarshal(data, &dl); err != nil {
			return nil, fmt.Errorf("store: decode dead letter: %w", err)
		}
		out = append(out, dl)
	}
}

// Close releases the file handle.
func (l *DeadLetterLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
