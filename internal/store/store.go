// Package store implements the concurrency-safe working-memory store for
// per-symbol session state and the durable brain aggregate store. Snapshots
// are gzipped JSON written with temp-file-plus-rename; writes can be guarded
// by a bounded-wait advisory file lock.
package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"tradepilot/config"
)

// Store owns the rolling per-symbol working memory for a trading session.
// It is the single logical writer of its snapshot file.
type Store struct {
	mu     sync.RWMutex
	nodes  map[string]*SymbolNode
	cfg    config.StoreConfig
	path   string
	lock   *flock.Flock
	logger zerolog.Logger
}

// New creates a rolling state store backed by the configured snapshot file.
func New(cfg config.StoreConfig, logger zerolog.Logger) *Store {
	path := filepath.Join(cfg.DataDir, cfg.RollingFile)
	s := &Store{
		nodes:  make(map[string]*SymbolNode),
		cfg:    cfg,
		path:   path,
		logger: logger,
	}
	if cfg.LockEnabled {
		s.lock = flock.New(path + ".lock")
	}
	return s
}

// NewEphemeral creates a store with no backing file, used by replay to rebuild
// session state from scratch without touching live rolling state.
func NewEphemeral(cfg config.StoreConfig, logger zerolog.Logger) *Store {
	return &Store{
		nodes:  make(map[string]*SymbolNode),
		cfg:    cfg,
		logger: logger,
	}
}

// Read returns the current node map. It never fails: a missing or corrupt
// backing file yields whatever is in memory (possibly empty), with the
// anomaly logged.
func (s *Store) Read() map[string]*SymbolNode {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*SymbolNode, len(s.nodes))
	for k, v := range s.nodes {
		out[k] = v
	}
	return out
}

// Load hydrates the in-memory map from the snapshot file. Missing or corrupt
// files leave the store empty and log the anomaly; Load never fails.
func (s *Store) Load() {
	if s.path == "" {
		return
	}

	var snapshot map[string]*SymbolNode
	if err := ReadGzJSON(s.path, &snapshot); err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("rolling state unreadable, starting empty")
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = snapshot
	if s.nodes == nil {
		s.nodes = make(map[string]*SymbolNode)
	}
}

// Write atomically replaces the in-memory map and persists it. On lock
// timeout the persist step is skipped for this cycle and logged.
func (s *Store) Write(nodes map[string]*SymbolNode) error {
	s.mu.Lock()
	s.nodes = nodes
	s.mu.Unlock()
	return s.Flush()
}

// Flush persists the current snapshot. Respects the advisory lock when
// enabled; on timeout the write is skipped, never blocked indefinitely.
func (s *Store) Flush() error {
	if s.path == "" {
		return nil
	}

	if s.lock != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LockTimeout)
		locked, err := s.lock.TryLockContext(ctx, s.cfg.LockRetry)
		cancel()
		if err != nil || !locked {
			s.logger.Warn().
				Str("path", s.path).
				Dur("timeout", s.cfg.LockTimeout).
				Msg("advisory lock not acquired, snapshot write skipped")
			return ErrLockTimeout
		}
		defer s.lock.Unlock()
	}

	s.mu.RLock()
	snapshot := make(map[string]*SymbolNode, len(s.nodes))
	for k, v := range s.nodes {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	if err := WriteGzJSON(s.path, snapshot, s.cfg.WriteRetries, s.cfg.WriteBackoff); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("rolling state write failed")
		return err
	}
	return nil
}

// EnsureNode returns the node for symbol, creating the canonical sub-structure
// on first touch. Idempotent.
func (s *Store) EnsureNode(symbol string) *SymbolNode {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[symbol]
	if !ok {
		node = newNode(symbol)
		s.nodes[symbol] = node
	}
	if node.Features == nil {
		node.Features = make(map[string]float64)
	}
	return node
}

// Node returns the node for symbol if it exists.
func (s *Store) Node(symbol string) (*SymbolNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[symbol]
	return node, ok
}

// Symbols returns all symbols currently in working memory.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.nodes))
	for sym := range s.nodes {
		out = append(out, sym)
	}
	return out
}

// ClearSession clears the working memory at session end, migrating durable
// per-symbol aggregates into the brain store first. The node map is cleared,
// not destroyed.
func (s *Store) ClearSession(brain *Brain) error {
	s.mu.Lock()
	migrated := 0
	for sym, node := range s.nodes {
		if brain != nil && !node.Audit.LastFillAt.IsZero() {
			brain.MergeAggregate(sym, "last_execution", node.Audit)
			migrated++
		}
	}
	s.nodes = make(map[string]*SymbolNode)
	s.mu.Unlock()

	s.logger.Info().Int("migrated", migrated).Msg("session cleared")

	if brain != nil {
		if err := brain.Flush(); err != nil {
			return err
		}
	}
	return s.Flush()
}

// Touch updates a node's modification timestamp.
func (s *Store) Touch(symbol string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if node, ok := s.nodes[symbol]; ok {
		node.Updated = now
	}
}
