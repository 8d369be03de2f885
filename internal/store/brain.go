package store

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"tradepilot/config"
)

// brainSchemaVersion tags the snapshot layout so future migrations can detect
// older documents.
const brainSchemaVersion = 2

// Brain is the durable longer-horizon aggregate store. It survives session
// clears and is only ever additive/overwrite on specific sub-keys.
type Brain struct {
	mu     sync.RWMutex
	doc    brainDoc
	cfg    config.StoreConfig
	path   string
	logger zerolog.Logger
}

type brainDoc struct {
	SchemaVersion int                               `json:"schema_version"`
	Aggregates    map[string]map[string]interface{} `json:"aggregates"` // symbol -> key -> value
}

// NewBrain creates the brain store backed by the configured snapshot file.
func NewBrain(cfg config.StoreConfig, logger zerolog.Logger) *Brain {
	return &Brain{
		doc: brainDoc{
			SchemaVersion: brainSchemaVersion,
			Aggregates:    make(map[string]map[string]interface{}),
		},
		cfg:    cfg,
		path:   filepath.Join(cfg.DataDir, cfg.BrainFile),
		logger: logger,
	}
}

// Load hydrates the brain from disk. Missing or corrupt files leave it empty;
// Load never fails.
func (b *Brain) Load() {
	var doc brainDoc
	if err := ReadGzJSON(b.path, &doc); err != nil {
		if !os.IsNotExist(err) {
			b.logger.Warn().Err(err).Str("path", b.path).Msg("brain snapshot unreadable, starting empty")
		}
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if doc.Aggregates == nil {
		doc.Aggregates = make(map[string]map[string]interface{})
	}
	doc.SchemaVersion = brainSchemaVersion
	b.doc = doc
}

// MergeAggregate sets one sub-key for a symbol, leaving other keys untouched.
func (b *Brain) MergeAggregate(symbol, key string, value interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	agg, ok := b.doc.Aggregates[symbol]
	if !ok {
		agg = make(map[string]interface{})
		b.doc.Aggregates[symbol] = agg
	}
	agg[key] = value
}

// Aggregate returns one sub-key for a symbol.
func (b *Brain) Aggregate(symbol, key string) (interface{}, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	agg, ok := b.doc.Aggregates[symbol]
	if !ok {
		return nil, false
	}
	v, ok := agg[key]
	return v, ok
}

// Read returns a copy of the whole aggregate map.
func (b *Brain) Read() map[string]map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]map[string]interface{}, len(b.doc.Aggregates))
	for sym, agg := range b.doc.Aggregates {
		cp := make(map[string]interface{}, len(agg))
		for k, v := range agg {
			cp[k] = v
		}
		out[sym] = cp
	}
	return out
}

// Flush persists the brain snapshot atomically.
func (b *Brain) Flush() error {
	b.mu.RLock()
	doc := brainDoc{
		SchemaVersion: b.doc.SchemaVersion,
		Aggregates:    make(map[string]map[string]interface{}, len(b.doc.Aggregates)),
	}
	for sym, agg := range b.doc.Aggregates {
		cp := make(map[string]interface{}, len(agg))
		for k, v := range agg {
			cp[k] = v
		}
		doc.Aggregates[sym] = cp
	}
	b.mu.RUnlock()

	if err := WriteGzJSON(b.path, doc, b.cfg.WriteRetries, b.cfg.WriteBackoff); err != nil {
		b.logger.Error().Err(err).Str("path", b.path).Msg("brain snapshot write failed")
		return err
	}
	return nil
}
