package tuning

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"tradepilot/config"
	"tradepilot/internal/events"
	"tradepilot/internal/outcome"
	"tradepilot/internal/pipeline"
)

// Rollout phases, strictly additive: each phase enables everything the
// previous one did plus one more family of applied changes.
const (
	PhaseDisabled    = "disabled"
	PhaseLoggingOnly = "logging_only"
	PhaseCalibration = "calibration"
	PhaseThreshold   = "threshold"
	PhasePosition    = "position"
	PhaseExit        = "exit"
	PhaseFull        = "full"
)

var phaseOrder = map[string]int{
	PhaseDisabled:    0,
	PhaseLoggingOnly: 1,
	PhaseCalibration: 2,
	PhaseThreshold:   3,
	PhasePosition:    4,
	PhaseExit:        5,
	PhaseFull:        6,
}

// phase required to APPLY a change for each parameter. Below that phase the
// proposal is still journaled, never applied.
var applyPhase = map[string]int{
	ParamConfidenceThreshold: phaseOrder[PhaseThreshold],
	ParamStarterFraction:     phaseOrder[PhasePosition],
	ParamMaxWeightPerName:    phaseOrder[PhasePosition],
	ParamStopLossPct:         phaseOrder[PhaseExit],
	ParamTakeProfitPct:       phaseOrder[PhaseExit],
}

// DecisionMirror receives best-effort copies of appended decisions (the
// optional Postgres repository implements this).
type DecisionMirror interface {
	MirrorDecision(d Decision)
}

// RunReport summarizes one tuning run.
type RunReport struct {
	BotKey    string     `json:"bot_key"`
	Phase     string     `json:"phase"`
	Regimes   []string   `json:"regimes"`
	Attempted int        `json:"attempted"`
	Applied   int        `json:"applied"`
	Decisions []Decision `json:"decisions"`
}

// Orchestrator drives the nightly tuning pass: per bot and regime it loads
// recent outcomes, runs the phase-enabled optimizers, applies only
// validator-approved changes and journals every attempt.
type Orchestrator struct {
	cfg        config.TuningConfig
	validator  *Validator
	params     *ParamStore
	history    *History
	outcomes   *outcome.Logger
	optimizers []Optimizer
	bus        *events.Bus
	mirror     DecisionMirror
	annualize  bool
	logger     zerolog.Logger
}

func NewOrchestrator(
	cfg config.TuningConfig,
	outcomeCfg config.OutcomeConfig,
	params *ParamStore,
	history *History,
	outcomes *outcome.Logger,
	bus *events.Bus,
	mirror DecisionMirror,
	logger zerolog.Logger,
) *Orchestrator {
	search := GridSearch{Steps: 8}
	return &Orchestrator{
		cfg:       cfg,
		validator: NewValidator(cfg),
		params:    params,
		history:   history,
		outcomes:  outcomes,
		optimizers: []Optimizer{
			ThresholdOptimizer{Search: search},
			SizingOptimizer{Search: search},
			ExitOptimizer{Search: search},
			TakeProfitOptimizer{Search: search},
		},
		bus:       bus,
		mirror:    mirror,
		annualize: outcomeCfg.AnnualizeSharpe,
		logger:    logger,
	}
}

// SetOptimizers replaces the optimizer set (used by tests and the calibration
// tooling).
func (o *Orchestrator) SetOptimizers(opts []Optimizer) {
	o.optimizers = opts
}

// Validator exposes the gate for rollback checks by the caller.
func (o *Orchestrator) Validator() *Validator {
	return o.validator
}

// Run executes one tuning pass for a bot across all regimes.
func (o *Orchestrator) Run(ctx context.Context, botKey string) (*RunReport, error) {
	phase := o.cfg.Phase
	if phase == "" || !o.cfg.Enabled {
		phase = PhaseDisabled
	}
	rank, ok := phaseOrder[phase]
	if !ok {
		return nil, fmt.Errorf("unknown tuning phase %q", phase)
	}

	report := &RunReport{
		BotKey: botKey,
		Phase:  phase,
		Regimes: []string{
			pipeline.RegimeTrending,
			pipeline.RegimeBear,
			pipeline.RegimeChoppy,
			pipeline.RegimeStressed,
		},
	}
	if rank == phaseOrder[PhaseDisabled] {
		o.logger.Info().Str("bot", botKey).Msg("tuning disabled, nothing to do")
		return report, nil
	}

	for _, regime := range report.Regimes {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := o.runRegime(botKey, regime, rank, report); err != nil {
			return report, err
		}
	}

	o.logger.Info().
		Str("bot", botKey).
		Str("phase", phase).
		Int("attempted", report.Attempted).
		Int("applied", report.Applied).
		Msg("tuning pass complete")
	return report, nil
}

func (o *Orchestrator) runRegime(botKey, regime string, phaseRank int, report *RunReport) error {
	trades, err := o.outcomes.LoadRecent(botKey, o.cfg.LookbackDays, regime)
	if err != nil {
		return fmt.Errorf("load outcomes %s/%s: %w", botKey, regime, err)
	}
	if len(trades) == 0 {
		o.logger.Debug().Str("bot", botKey).Str("regime", regime).Msg("no outcomes, regime skipped")
		return nil
	}

	params, err := o.params.Load(botKey, regime)
	if err != nil {
		return err
	}

	dirty := false
	for _, opt := range o.optimizers {
		proposal, found := opt.Propose(params, trades, o.annualize)
		if !found {
			continue
		}

		approved, reason := o.validator.Validate(proposal)
		applied := false
		if approved {
			if phaseRank >= applyPhase[proposal.Parameter] {
				params.Set(proposal.Parameter, proposal.NewValue)
				dirty = true
				applied = true
			} else {
				reason = fmt.Sprintf("approved but phase %q does not yet apply %s changes", o.cfg.Phase, proposal.Parameter)
			}
		}

		decision := Decision{
			Timestamp:          time.Now().UTC(),
			BotKey:             proposal.BotKey,
			Regime:             proposal.Regime,
			Parameter:          proposal.Parameter,
			OldValue:           proposal.OldValue,
			NewValue:           proposal.NewValue,
			SharpeOld:          proposal.SharpeOld,
			SharpeNew:          proposal.SharpeNew,
			ImprovementPct:     proposal.ImprovementPct(),
			ConfidenceInterval: o.validator.ReturnsConfidenceInterval(proposal.Returns),
			TradesAnalyzed:     proposal.TradesAnalyzed,
			Applied:            applied,
			Reason:             reason,
		}
		o.record(decision, report)
	}

	if dirty {
		if err := o.params.Save(params); err != nil {
			return fmt.Errorf("persist params %s/%s: %w", botKey, regime, err)
		}
	}
	return nil
}

func (o *Orchestrator) record(d Decision, report *RunReport) {
	report.Attempted++
	if d.Applied {
		report.Applied++
	}
	report.Decisions = append(report.Decisions, d)

	if err := o.history.Append(d); err != nil {
		o.logger.Error().Err(err).Msg("tuning history append failed")
	}
	if o.mirror != nil {
		o.mirror.MirrorDecision(d)
	}
	if o.bus != nil {
		o.bus.PublishTuningDecision(d.BotKey, d.Regime, d.Parameter, d.Applied, d.Reason)
	}

	o.logger.Info().
		Str("bot", d.BotKey).
		Str("regime", d.Regime).
		Str("parameter", d.Parameter).
		Float64("old", d.OldValue).
		Float64("new", d.NewValue).
		Bool("applied", d.Applied).
		Str("reason", d.Reason).
		Msg("tuning decision")
}

// CheckRollback compares the live Sharpe for a bot+regime against the Sharpe
// recorded at the last applied change of each parameter, reverting any
// parameter whose relative Sharpe drop crosses the rollback threshold. A
// rollback decision line is journaled per reverted parameter.
func (o *Orchestrator) CheckRollback(botKey, regime string) ([]Decision, error) {
	trades, err := o.outcomes.LoadRecent(botKey, o.cfg.LookbackDays, regime)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, nil
	}
	returns := make([]float64, 0, len(trades))
	for _, tr := range trades {
		returns = append(returns, tr.ActualReturn)
	}
	sharpeNow := outcome.SharpeRatio(returns, o.annualize)

	history, err := o.history.Load(botKey, regime)
	if err != nil {
		return nil, err
	}

	// Last applied, not yet rolled back, decision per parameter.
	lastApplied := make(map[string]Decision)
	for _, d := range history {
		if d.Applied && d.RolledBackAt == nil {
			lastApplied[d.Parameter] = d
		}
	}
	if len(lastApplied) == 0 {
		return nil, nil
	}

	params, err := o.params.Load(botKey, regime)
	if err != nil {
		return nil, err
	}

	reverted := make([]Decision, 0)
	dirty := false
	for parameter, d := range lastApplied {
		if !o.validator.ShouldRollback(d.SharpeNew, sharpeNow) {
			continue
		}
		params.Set(parameter, d.OldValue)
		dirty = true

		now := time.Now().UTC()
		rollback := Decision{
			Timestamp:      now,
			BotKey:         botKey,
			Regime:         regime,
			Parameter:      parameter,
			OldValue:       d.NewValue,
			NewValue:       d.OldValue,
			SharpeOld:      d.SharpeNew,
			SharpeNew:      sharpeNow,
			TradesAnalyzed: len(trades),
			Applied:        true,
			Reason:         fmt.Sprintf("rollback: sharpe %.3f fell below %.3f past threshold", sharpeNow, d.SharpeNew),
			RolledBackAt:   &now,
		}
		if err := o.history.Append(rollback); err != nil {
			o.logger.Error().Err(err).Msg("rollback history append failed")
		}
		if o.mirror != nil {
			o.mirror.MirrorDecision(rollback)
		}
		reverted = append(reverted, rollback)

		o.logger.Warn().
			Str("bot", botKey).
			Str("regime", regime).
			Str("parameter", parameter).
			Float64("restored", d.OldValue).
			Msg("parameter rolled back")
	}

	if dirty {
		if err := o.params.Save(params); err != nil {
			return reverted, fmt.Errorf("persist rollback %s/%s: %w", botKey, regime, err)
		}
	}
	return reverted, nil
}
