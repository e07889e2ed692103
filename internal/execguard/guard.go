package execguard

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultCooldown is how long a submitted digest blocks resubmission.
const DefaultCooldown = 180 * time.Second

// Guard is a cooldown cache of recently submitted order digests. It
// guarantees at most one submission attempt per digest per cooldown window
// within the process.
type Guard struct {
	mu       sync.Mutex
	cooldown time.Duration
	now      func() time.Time
	entries  map[common.Hash]time.Time
}

// NewGuard returns a guard with the given cooldown (DefaultCooldown when
// zero). now defaults to time.Now.
func NewGuard(cooldown time.Duration, now func() time.Time) *Guard {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if now == nil {
		now = time.Now
	}
	return &Guard{cooldown: cooldown, now: now, entries: make(map[common.Hash]time.Time)}
}

// TryReserve reports whether digest was already submitted within the
// cooldown. When it was not, the digest is recorded and false is returned:
// the caller owns the submission.
func (g *Guard) TryReserve(digest common.Hash) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.pruneLocked(now)
	if _, ok := g.entries[digest]; ok {
		return true
	}
	g.entries[digest] = now
	return false
}

// Release forgets digest so the next batch may retry it.
func (g *Guard) Release(digest common.Hash) {
	g.mu.Lock()
	delete(g.entries, digest)
	g.mu.Unlock()
}

// Len is the number of live reservations.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(g.now())
	return len(g.entries)
}

// pruneLocked drops entries whose submittedAt+cooldown is strictly before
// now; an entry exactly at the boundary still blocks.
func (g *Guard) pruneLocked(now time.Time) {
	for d, at := range g.entries {
		if at.Add(g.cooldown).Before(now) {
			delete(g.entries, d)
		}
	}
}

type snapshotEntry struct {
	Digest      string    `json:"digest"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type snapshot struct {
	CooldownSeconds int64           `json:"cooldown_seconds"`
	Entries         []snapshotEntry `json:"entries"`
}

// Save writes the live reservations to path atomically (tmp + rename) so a
// restart inside the cooldown window does not resubmit. An empty path is a
// no-op.
func (g *Guard) Save(path string) error {
	if path == "" {
		return nil
	}

	g.mu.Lock()
	g.pruneLocked(g.now())
	snap := snapshot{CooldownSeconds: int64(g.cooldown / time.Second)}
	for d, at := range g.entries {
		snap.Entries = append(snap.Entries, snapshotEntry{Digest: d.Hex(), SubmittedAt: at})
	}
	g.mu.Unlock()
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].Digest < snap.Entries[j].Digest })

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load merges reservations from a snapshot written by Save. A missing file
// is not an error; expired entries are dropped.
func (g *Guard) Load(path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return 0, fmt.Errorf("parse guard snapshot %s: %w", path, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range snap.Entries {
		g.entries[common.HexToHash(e.Digest)] = e.SubmittedAt
	}
	g.pruneLocked(g.now())
	return len(g.entries), nil
}
