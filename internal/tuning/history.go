package tuning

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Decision is the audit record for one attempted parameter change. One line
// is appended per attempt whether or not the change was applied.
type Decision struct {
	Timestamp          time.Time          `json:"timestamp"`
	BotKey             string             `json:"bot_key"`
	Regime             string             `json:"regime"`
	Parameter          string             `json:"parameter"`
	OldValue           float64            `json:"old_value"`
	NewValue           float64            `json:"new_value"`
	SharpeOld          float64            `json:"sharpe_old"`
	SharpeNew          float64            `json:"sharpe_new"`
	ImprovementPct     float64            `json:"improvement_pct"`
	ConfidenceInterval ConfidenceInterval `json:"confidence_interval"`
	TradesAnalyzed     int                `json:"trades_analyzed"`
	Applied            bool               `json:"applied"`
	Reason             string             `json:"reason"`
	RolledBackAt       *time.Time         `json:"rolled_back_at,omitempty"`
}

// History is the append-only tuning decision journal (line-delimited JSON).
type History struct {
	mu   sync.Mutex
	path string
}

func NewHistory(dataDir, file string) *History {
	return &History{path: filepath.Join(dataDir, file)}
}

// Append writes one decision line. History is never rewritten.
func (h *History) Append(d Decision) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(h.path), 0755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open tuning history: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append tuning history: %w", err)
	}
	return nil
}

// Load returns all decisions for a bot+regime, oldest first. Empty filters
// match everything; malformed lines are skipped.
func (h *History) Load(botKey, regime string) ([]Decision, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.Open(h.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open tuning history: %w", err)
	}
	defer f.Close()

	out := make([]Decision, 0)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var d Decision
		if err := json.Unmarshal(scanner.Bytes(), &d); err != nil {
			continue
		}
		if botKey != "" && d.BotKey != botKey {
			continue
		}
		if regime != "" && d.Regime != regime {
			continue
		}
		out = append(out, d)
	}
	return out, scanner.Err()
}
