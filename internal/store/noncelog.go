package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceStatus tracks one nonce's lifecycle in the client nonce book.
type NonceStatus string

const (
	// NoncePending is written before the signed commitment leaves the node.
	NoncePending NonceStatus = "pending"
	// NonceCommitted marks a nonce consumed by a verified response.
	NonceCommitted NonceStatus = "committed"
	// NonceReusable marks a nonce freed by a failed or cancelled attempt.
	NonceReusable NonceStatus = "reusable"
)

// NonceEvent is one append-only transition in the nonce book.
type NonceEvent struct {
	Client   common.Address `json:"client"`
	ChainID  int64          `json:"chain_id"`
	Contract common.Address `json:"contract"`
	Nonce    uint64         `json:"nonce"`
	Status   NonceStatus    `json:"status"`
}

// NonceLog is the durable backing of the nonce book: a JSON-lines log
// replayed at open. Writes are fsynced; the matchmaker persists a pending
// entry before any commitment is sent.
type NonceLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenNonceLog opens (or creates) the log and returns it with the replayed
// events in order.
func OpenNonceLog(path string) (*NonceLog, []NonceEvent, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("store: open nonce log %s: %w", path, err)
	}

	var events []NonceEvent
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev NonceEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// torn tail line from a crash; everything before it is intact
			break
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("store: replay nonce log: %w", err)
	}
	return &NonceLog{file: f}, events, nil
}

// Append persists one transition. Returns only after fsync.
func (l *NonceLog) Append(ev NonceEvent) error {
	data, err := json.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("store: marshal nonce event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("store: append nonce event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("store: sync nonce log: %w", err)
	}
	return nil
}

// Close releases the file handle.
func (l *NonceLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
