// Package journal provides a tamper-evident, append-only delivery journal
// whose entries are SHA-256 hash-chained. Each entry records a monotonically
// increasing sequence number, a timestamp, a delivery event, the previous
// entry's hash (prev_hash), and the SHA-256 hash of the entry's own content
// (event_hash).
//
// # Hash chain
//
// The event_hash for entry N is computed as:
//
//	SHA-256( JSON({seq, ts, event, prev_hash}) )
//
// where the JSON encoding of those four fields is treated as a canonical
// byte sequence. The genesis entry (seq=1) uses a prev_hash of 64 ASCII zero
// characters ("000...0").
//
// # Append semantics
//
// Each entry is encoded as a single JSON line terminated by '\n'. The
// underlying file is opened with os.O_APPEND | os.O_CREATE | os.O_WRONLY so
// that every write is appended atomically by the OS.
//
// # Thread safety
//
// Journal is safe for concurrent use. A mutex serialises all appends to
// maintain a consistent sequence number and prev_hash. A nil *Journal is a
// no-op, which is how the daemon runs when no journal file is configured.
package journal

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// GenesisHash is the all-zero SHA-256 hex digest used as the prev_hash of
// the very first (genesis) entry in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event is one delivery journal record. Kind names what happened; the other
// fields are filled as applicable and omitted otherwise.
type Event struct {
	// Kind is one of "accepted", "sent", "dropped_expired", "dropped_lag",
	// "send_failed", or "rejected".
	Kind string `json:"kind"`

	// IDs lists the notification identifiers of an accepted batch.
	IDs []uint32 `json:"ids,omitempty"`

	// ID is the notification identifier of a per-notification outcome.
	ID uint32 `json:"id,omitempty"`

	// Token is the formatted device token, when known.
	Token string `json:"token,omitempty"`

	// Status carries the gateway status code of a "rejected" event.
	Status uint8 `json:"status,omitempty"`

	// Detail is free-form context, e.g. a lag measurement.
	Detail string `json:"detail,omitempty"`
}

// entry is the wire format for one journal line.
type entry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Event     Event     `json:"event"`
	PrevHash  string    `json:"prev_hash"`
	EventHash string    `json:"event_hash"`
}

// entryContent is the subset of entry fields that are hashed to produce
// EventHash. It deliberately excludes EventHash itself.
type entryContent struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Event     Event     `json:"event"`
	PrevHash  string    `json:"prev_hash"`
}

// hashContent returns the hex SHA-256 digest of the canonical JSON encoding
// of c.
func hashContent(c entryContent) string {
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Journal is a tamper-evident, append-only delivery journal writer. Create
// one with Open; do not copy after first use.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
}

// Open opens (or creates) the journal file at path and prepares the Journal
// for appending. If the file already contains entries, Open reads them all
// to restore the current sequence number and prev_hash so that the chain
// continues correctly. Returns an error if the file cannot be opened, any
// existing entry is malformed, or the existing chain is broken.
func Open(path string) (*Journal, error) {
	prevHash := GenesisHash
	seq := int64(0)

	if _, err := os.Stat(path); err == nil {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("journal: open for reading %q: %w", path, err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var e entry
			if err := json.Unmarshal(line, &e); err != nil {
				f.Close()
				return nil, fmt.Errorf("journal: malformed entry at seq %d: %w", seq+1, err)
			}
			computed := hashContent(entryContent{
				Seq:       e.Seq,
				Timestamp: e.Timestamp,
				Event:     e.Event,
				PrevHash:  e.PrevHash,
			})
			if computed != e.EventHash {
				f.Close()
				return nil, fmt.Errorf("journal: hash mismatch at seq %d: stored %q, computed %q",
					e.Seq, e.EventHash, computed)
			}
			if e.PrevHash != prevHash {
				f.Close()
				return nil, fmt.Errorf("journal: chain break at seq %d: expected prev_hash %q, got %q",
					e.Seq, prevHash, e.PrevHash)
			}
			prevHash = e.EventHash
			seq = e.Seq
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("journal: scanning existing journal %q: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("journal: open for appending %q: %w", path, err)
	}

	return &Journal{
		file:     f,
		prevHash: prevHash,
		seq:      seq,
	}, nil
}

// Append writes a new tamper-evident entry recording ev. Append on a nil
// Journal is a no-op.
func (j *Journal) Append(ev Event) error {
	if j == nil {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	seq := j.seq + 1
	ts := time.Now().UTC()

	content := entryContent{
		Seq:       seq,
		Timestamp: ts,
		Event:     ev,
		PrevHash:  j.prevHash,
	}
	eventHash := hashContent(content)

	e := entry{
		Seq:       seq,
		Timestamp: ts,
		Event:     ev,
		PrevHash:  j.prevHash,
		EventHash: eventHash,
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("journal: write entry: %w", err)
	}

	j.seq = seq
	j.prevHash = eventHash
	return nil
}

// Close flushes any OS-level buffers and closes the underlying file. Close
// on a nil Journal is a no-op.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.file.Sync(); err != nil {
		_ = j.file.Close()
		return fmt.Errorf("journal: sync: %w", err)
	}
	return j.file.Close()
}
