package tuning

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"tradepilot/config"
	"tradepilot/internal/store"
)

// BotParams is the tunable risk parameter set for one bot in one regime,
// persisted as its own document so tuning never rewrites the main config.
type BotParams struct {
	BotKey              string  `json:"bot_key"`
	Regime              string  `json:"regime"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	StarterFraction     float64 `json:"starter_fraction"`
	MaxWeightPerName    float64 `json:"max_weight_per_name"`
	StopLossPct         float64 `json:"stop_loss_pct"`
	TakeProfitPct       float64 `json:"take_profit_pct"`
}

func defaultParams(botKey, regime string) BotParams {
	return BotParams{
		BotKey:              botKey,
		Regime:              regime,
		ConfidenceThreshold: 0.60,
		StarterFraction:     0.25,
		MaxWeightPerName:    0.10,
		StopLossPct:         0.03,
		TakeProfitPct:       0.08,
	}
}

// Get returns the value of a parameter by identifier.
func (p BotParams) Get(parameter string) (float64, bool) {
	switch parameter {
	case ParamConfidenceThreshold:
		return p.ConfidenceThreshold, true
	case ParamStarterFraction:
		return p.StarterFraction, true
	case ParamMaxWeightPerName:
		return p.MaxWeightPerName, true
	case ParamStopLossPct:
		return p.StopLossPct, true
	case ParamTakeProfitPct:
		return p.TakeProfitPct, true
	}
	return 0, false
}

// Set assigns a parameter by identifier.
func (p *BotParams) Set(parameter string, value float64) bool {
	switch parameter {
	case ParamConfidenceThreshold:
		p.ConfidenceThreshold = value
	case ParamStarterFraction:
		p.StarterFraction = value
	case ParamMaxWeightPerName:
		p.MaxWeightPerName = value
	case ParamStopLossPct:
		p.StopLossPct = value
	case ParamTakeProfitPct:
		p.TakeProfitPct = value
	default:
		return false
	}
	return true
}

// ParamStore loads and atomically persists per-bot, per-regime parameter
// documents under the tuning config directory.
type ParamStore struct {
	dir      string
	storeCfg config.StoreConfig
}

func NewParamStore(cfg config.TuningConfig, storeCfg config.StoreConfig) *ParamStore {
	return &ParamStore{
		dir:      filepath.Join(storeCfg.DataDir, cfg.ConfigDir),
		storeCfg: storeCfg,
	}
}

// Load reads the parameter document for a bot+regime, falling back to
// documented defaults when none exists yet.
func (s *ParamStore) Load(botKey, regime string) (BotParams, error) {
	raw, err := os.ReadFile(s.path(botKey, regime))
	if err != nil {
		if os.IsNotExist(err) {
			return defaultParams(botKey, regime), nil
		}
		return BotParams{}, fmt.Errorf("read params %s/%s: %w", botKey, regime, err)
	}
	var p BotParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return BotParams{}, fmt.Errorf("parse params %s/%s: %w", botKey, regime, err)
	}
	return p, nil
}

// Save writes the parameter document atomically.
func (s *ParamStore) Save(p BotParams) error {
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	return store.AtomicWriteRetry(s.path(p.BotKey, p.Regime), raw, 0644, s.storeCfg.WriteRetries, s.storeCfg.WriteBackoff)
}

func (s *ParamStore) path(botKey, regime string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.json", botKey, regime))
}
