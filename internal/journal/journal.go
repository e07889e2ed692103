// Package journal records the relayer's decisions as JSONL so a run can be
// audited after the fact.
package journal

import (
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names a journal event.
type Kind string

const (
	KindOrderReceived Kind = "order_received"
	KindOrderRejected Kind = "order_rejected"
	KindInvalidated   Kind = "invalidated"
	KindExecutable    Kind = "executable"
	KindSubmitted     Kind = "submitted"
	KindReverted      Kind = "reverted"
	KindDryRun        Kind = "dry_run"
	KindSubmitError   Kind = "submit_error"
	KindConfirmed     Kind = "confirmed"
)

// Event is one journal line. Amounts are decimal strings so they survive
// JSON consumers that parse numbers as float64.
type Event struct {
	TS         time.Time `json:"ts"`
	RunID      string    `json:"runId"`
	Kind       Kind      `json:"kind"`
	Pair       string    `json:"pair,omitempty"`
	Side       string    `json:"side,omitempty"`
	Digest     string    `json:"digest,omitempty"`
	Maker      string    `json:"maker,omitempty"`
	TxHash     string    `json:"txHash,omitempty"`
	Nonce      *uint64   `json:"nonce,omitempty"`
	InAmount   string    `json:"inAmount,omitempty"`
	OutAmount  string    `json:"outAmount,omitempty"`
	OutDiff    string    `json:"outDiff,omitempty"`
	ProfitGwei string    `json:"profitGwei,omitempty"`
	Partial    bool      `json:"partial,omitempty"`
	Status     *uint64   `json:"status,omitempty"`
	Count      int       `json:"count,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Journal stamps events with the time and the process run id and appends
// them to a file, one JSON object per line. The file is opened on the first
// event. A nil *Journal discards everything.
type Journal struct {
	path  string
	runID string
	now   func() time.Time

	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// New returns a journal appending to path, or nil when path is blank.
func New(path string) *Journal {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return &Journal{path: path, runID: uuid.NewString(), now: time.Now}
}

// RunID identifies this process in every line it writes.
func (j *Journal) RunID() string {
	if j == nil {
		return ""
	}
	return j.runID
}

// Record writes e; failures are logged, never returned.
func (j *Journal) Record(e Event) {
	if j == nil {
		return
	}
	if e.TS.IsZero() {
		e.TS = j.now().UTC()
	}
	e.RunID = j.runID
	if err := j.append(e); err != nil {
		log.Printf("[warn] journal: write %s: %v", e.Kind, err)
	}
}

func (j *Journal) append(e Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.enc == nil {
		if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", j.path, err)
		}
		j.file = f
		j.enc = json.NewEncoder(f)
	}
	// Encode issues a single write per event, so a tailer never sees half a line.
	return j.enc.Encode(e)
}

// Close releases the file. Recording after Close reopens it.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file, j.enc = nil, nil
	return err
}

// Amount formats a nullable amount for an Event field.
func Amount(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

// Uint returns a pointer for the optional numeric fields.
func Uint(v uint64) *uint64 { return &v }
