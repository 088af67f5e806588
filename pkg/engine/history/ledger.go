// Package history keeps the usage-history ledger: one JSON snapshot per
// monitor cycle, appended to a blob store, plus the trend analysis the
// status view renders.
package history

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/flexwatch/flexwatch/pkg/storage"
)

// DefaultKey is the ledger object name inside the blob store.
const DefaultKey = "history.jsonl"

// Counts holds one host's license counters at snapshot time.
type Counts struct {
	Used  int `json:"used"`
	Total int `json:"total"`
}

// Snapshot represents the fleet state after one monitor cycle.
type Snapshot struct {
	Timestamp      int64             `json:"timestamp"`
	Hosts          map[string]Counts `json:"hosts"`
	ActiveUsers    int               `json:"active_users"`
	FreePercentage float64           `json:"free_percentage"`
	BannedUsers    []string          `json:"banned_users,omitempty"`
}

// UsedTotal sums the per-host counters.
func (s Snapshot) UsedTotal() (used, total int) {
	for _, c := range s.Hosts {
		used += c.Used
		total += c.Total
	}
	return used, total
}

// Ledger appends and loads snapshots through a blob store, local file or
// S3 alike. The ledger object is line-delimited JSON.
type Ledger struct {
	store storage.BlobStore
	key   string
}

func NewLedger(store storage.BlobStore) *Ledger {
	return &Ledger{store: store, key: DefaultKey}
}

// Append adds one snapshot to the ledger. A missing ledger object starts
// a fresh one.
func (l *Ledger) Append(ctx context.Context, s Snapshot) error {
	line, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	prev, err := l.store.Get(ctx, l.key)
	if err != nil {
		prev = nil
	}
	data := append(prev, append(line, '\n')...)
	if err := l.store.Put(ctx, l.key, data); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Load returns up to n most recent snapshots, oldest first. n <= 0 loads
// everything. A missing ledger yields an empty history.
func (l *Ledger) Load(ctx context.Context, n int) ([]Snapshot, error) {
	raw, err := l.store.Get(ctx, l.key)
	if err != nil {
		return nil, nil
	}

	var all []Snapshot
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		var s Snapshot
		if err := json.Unmarshal(scanner.Bytes(), &s); err != nil {
			// Skip torn or foreign lines; the ledger is append-only and a
			// bad line must not hide the rest.
			continue
		}
		all = append(all, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan history: %w", err)
	}

	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}
