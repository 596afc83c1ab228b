// Package store provides crash-safe persistence of policy metrics snapshots
// using JSON files.
//
// Each exchange's snapshot is stored as a separate file:
// metrics_<exchange>.json. Writes use atomic file replacement (write to .tmp,
// then rename) to prevent corruption from partial writes or crashes mid-save.
// Snapshots are for operators and post-mortems only; limiter and breaker
// state is never restored from them.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"fundingbot/internal/resilience"
)

const (
	filePrefix = "metrics_"
	fileSuffix = ".json"
)

// ErrClosed is returned by every operation on a closed store.
var ErrClosed = errors.New("store: closed")

// Snapshot is the persisted view of one policy at a point in time.
type Snapshot struct {
	Exchange        string             `json:"exchange"`
	Metrics         resilience.Metrics `json:"metrics"`
	CircuitState    string             `json:"circuit_state"`
	AvailableTokens map[string]int     `json:"available_tokens"`
	TakenAt         time.Time          `json:"taken_at"`
}

// Capture builds a snapshot of p.
func Capture(p *resilience.Policy, now time.Time) Snapshot {
	lim := p.Limiter()
	tokens := make(map[string]int, len(lim.Categories()))
	for _, cat := range lim.Categories() {
		tokens[cat] = lim.Bucket(cat).Available()
	}
	return Snapshot{
		Exchange:        p.Name(),
		Metrics:         p.Metrics(),
		CircuitState:    p.CircuitState().String(),
		AvailableTokens: tokens,
		TakenAt:         now.UTC(),
	}
}

// Store persists snapshots to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir    string     // directory containing metrics_*.json files
	mu     sync.Mutex // serializes all file operations
	closed bool
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close marks the store closed. Files on disk are left in place.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SaveSnapshot atomically persists snap, replacing any earlier snapshot for
// the same exchange.
func (s *Store) SaveSnapshot(snap Snapshot) error {
	path, err := s.path(snap.Exchange)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadSnapshot reads the last snapshot for an exchange.
// Returns nil, nil if none has been saved.
func (s *Store) LoadSnapshot(exchange string) (*Snapshot, error) {
	path, err := s.path(exchange)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Exchanges lists the exchanges that have a saved snapshot, sorted.
func (s *Store) Exchanges() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		out = append(out, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) path(exchange string) (string, error) {
	if exchange == "" || strings.ContainsAny(exchange, `/\`) || strings.Contains(exchange, "..") {
		return "", fmt.Errorf("invalid exchange name %q", exchange)
	}
	return filepath.Join(s.dir, filePrefix+exchange+fileSuffix), nil
}
