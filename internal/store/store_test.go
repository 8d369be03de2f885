package store

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"tradepilot/config"
	"tradepilot/internal/logging"
)

func testStoreConfig(dir string) config.StoreConfig {
	return config.StoreConfig{
		DataDir:       dir,
		RollingFile:   "rolling_state.json.gz",
		BrainFile:     "brain.json.gz",
		BarWindowSize: 5,
		WriteRetries:  2,
		WriteBackoff:  time.Millisecond,
	}
}

// TestEnsureNodeIdempotent verifies repeated EnsureNode returns the same node
// with its sub-structure intact.
func TestEnsureNodeIdempotent(t *testing.T) {
	s := NewEphemeral(testStoreConfig(""), logging.Nop())

	a := s.EnsureNode("AAPL")
	a.Features["rsi_14"] = 55.0

	b := s.EnsureNode("AAPL")
	if a != b {
		t.Fatal("EnsureNode must return the existing node")
	}
	if b.Features["rsi_14"] != 55.0 {
		t.Error("Existing node state was reset")
	}
	if b.Bars == nil || b.Features == nil {
		t.Error("Canonical sub-structure missing")
	}
}

// TestAppendBarWindow verifies the sliding window stays bounded.
func TestAppendBarWindow(t *testing.T) {
	node := newNode("AAPL")
	for i := 0; i < 10; i++ {
		node.AppendBar(Bar{Close: float64(i)}, 5)
	}
	if len(node.Bars) != 5 {
		t.Fatalf("Expected window of 5, got %d", len(node.Bars))
	}
	if node.LastClose() != 9 {
		t.Errorf("Expected last close 9, got %f", node.LastClose())
	}
}

// TestIntentValidation verifies out-of-range intents are never constructed.
func TestIntentValidation(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name string
		side Side
		size float64
		conf float64
		ok   bool
	}{
		{"valid buy", SideBuy, 0.5, 0.7, true},
		{"valid flat", SideFlat, 0, 0, true},
		{"bad side", Side("SHORT"), 0.5, 0.7, false},
		{"size above one", SideBuy, 1.5, 0.7, false},
		{"negative size", SideBuy, -0.1, 0.7, false},
		{"confidence above one", SideBuy, 0.5, 1.2, false},
	}

	for _, tc := range cases {
		_, err := NewIntent(tc.side, tc.size, tc.conf, false, time.Minute, now)
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

// TestIntentExpiry verifies the validity window boundary.
func TestIntentExpiry(t *testing.T) {
	now := time.Now()
	intent, err := NewIntent(SideBuy, 0.5, 0.7, false, 10*time.Minute, now)
	if err != nil {
		t.Fatalf("NewIntent failed: %v", err)
	}

	if intent.Expired(now.Add(5 * time.Minute)) {
		t.Error("Intent expired inside its window")
	}
	if !intent.Expired(now.Add(11 * time.Minute)) {
		t.Error("Intent should be expired past its window")
	}
}

// TestAuditCooldown verifies cooldown reaches back to the last fill only.
func TestAuditCooldown(t *testing.T) {
	now := time.Now()
	audit := ExecutionAudit{LastFillAt: now.Add(-10 * time.Minute)}

	if !audit.InCooldown(now, 30*time.Minute) {
		t.Error("Expected active cooldown 10m after fill")
	}
	if audit.InCooldown(now, 5*time.Minute) {
		t.Error("Cooldown should have elapsed")
	}
	if (ExecutionAudit{}).InCooldown(now, 30*time.Minute) {
		t.Error("No fill means no cooldown")
	}
}

// TestFlushAndLoadRoundTrip verifies rolling state survives a restart.
func TestFlushAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := testStoreConfig(dir)

	s := New(cfg, logging.Nop())
	node := s.EnsureNode("AAPL")
	node.AppendBar(Bar{Close: 187.5, Volume: 1000}, cfg.BarWindowSize)
	node.Audit.LastFillAt = time.Now().UTC().Truncate(time.Second)
	node.Audit.LastResult = "filled"

	if err := s.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	restarted := New(cfg, logging.Nop())
	restarted.Load()

	reloaded, ok := restarted.Node("AAPL")
	if !ok {
		t.Fatal("Node lost across restart")
	}
	if reloaded.LastClose() != 187.5 {
		t.Errorf("Expected last close 187.5, got %f", reloaded.LastClose())
	}
	if reloaded.Audit.LastResult != "filled" {
		t.Errorf("Audit lost across restart: %+v", reloaded.Audit)
	}
}

// TestLoadMissingFileStartsFresh verifies hydration never fails on a missing
// snapshot.
func TestLoadMissingFileStartsFresh(t *testing.T) {
	s := New(testStoreConfig(t.TempDir()), logging.Nop())
	s.Load()
	if len(s.Symbols()) != 0 {
		t.Errorf("Expected empty store, got %d symbols", len(s.Symbols()))
	}
}

// TestEphemeralFlushIsNoop verifies replay stores never touch disk.
func TestEphemeralFlushIsNoop(t *testing.T) {
	s := NewEphemeral(testStoreConfig(""), logging.Nop())
	s.EnsureNode("AAPL")
	if err := s.Flush(); err != nil {
		t.Fatalf("Ephemeral flush must be a no-op, got %v", err)
	}
}

// TestClearSessionMigratesAudit verifies session teardown folds the audit
// into the brain before clearing nodes.
func TestClearSessionMigratesAudit(t *testing.T) {
	dir := t.TempDir()
	cfg := testStoreConfig(dir)

	s := New(cfg, logging.Nop())
	node := s.EnsureNode("AAPL")
	node.Audit.LastSide = SideBuy
	node.Audit.LastResult = "filled"
	node.Audit.LastFillAt = time.Now().UTC()

	brain := NewBrain(cfg, logging.Nop())
	brain.Load()

	if err := s.ClearSession(brain); err != nil {
		t.Fatalf("ClearSession failed: %v", err)
	}

	if len(s.Symbols()) != 0 {
		t.Error("Nodes should be cleared after session end")
	}
	if _, ok := brain.Aggregate("AAPL", "last_execution"); !ok {
		t.Error("Audit was not migrated into the brain")
	}
}

// TestBrainRoundTrip verifies brain aggregates survive a flush/load cycle.
func TestBrainRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := testStoreConfig(dir)

	brain := NewBrain(cfg, logging.Nop())
	brain.Load()
	brain.MergeAggregate("AAPL", "sessions", 3.0)
	if err := brain.Flush(); err != nil {
		t.Fatalf("Brain flush failed: %v", err)
	}

	reloaded := NewBrain(cfg, logging.Nop())
	reloaded.Load()
	v, ok := reloaded.Aggregate("AAPL", "sessions")
	if !ok {
		t.Fatal("Aggregate lost across restart")
	}
	if v != 3.0 {
		t.Errorf("Expected sessions=3, got %v", v)
	}
}

// TestAtomicWriteReplacesWholeFile verifies partial old content never
// survives a rewrite.
func TestAtomicWriteReplacesWholeFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/doc.json"

	long := []byte(`{"v": "this is the much longer first document body"}`)
	short := []byte(`{"v": 2}`)

	if err := AtomicWrite(path, long, 0644); err != nil {
		t.Fatalf("First write failed: %v", err)
	}
	if err := AtomicWrite(path, short, 0644); err != nil {
		t.Fatalf("Second write failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Read back failed: %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got["v"] != 2.0 {
		t.Errorf("Expected v=2, got %v", got["v"])
	}
}

// TestGzJSONRoundTrip covers the compressed snapshot codec.
func TestGzJSONRoundTrip(t *testing.T) {
	path := t.TempDir() + "/snap.json.gz"
	in := map[string][]Bar{"AAPL": {{Close: 100}, {Close: 101}}}

	if err := WriteGzJSON(path, in, 1, time.Millisecond); err != nil {
		t.Fatalf("WriteGzJSON failed: %v", err)
	}

	var out map[string][]Bar
	if err := ReadGzJSON(path, &out); err != nil {
		t.Fatalf("ReadGzJSON failed: %v", err)
	}
	if len(out["AAPL"]) != 2 || out["AAPL"][1].Close != 101 {
		t.Errorf("Round trip mismatch: %+v", out)
	}
}
