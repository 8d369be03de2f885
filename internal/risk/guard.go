// Package risk gates new entries behind account-level limits: concurrent
// position count and realized daily loss.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradepilot/config"
)

// Guard is consulted before every entry order. Exits are never blocked.
type Guard struct {
	cfg     config.RiskConfig
	mu      sync.Mutex
	day     time.Time
	tripped bool
	logger  zerolog.Logger
}

func NewGuard(cfg config.RiskConfig, logger zerolog.Logger) *Guard {
	return &Guard{cfg: cfg, logger: logger}
}

// AllowEntry reports whether a new entry is permitted given the current open
// position count and today's realized P&L against starting equity. Once the
// daily loss limit trips, entries stay blocked until the next day.
func (g *Guard) AllowEntry(now time.Time, openPositions int, dailyRealized, equity float64) (bool, string) {
	if g == nil || !g.cfg.Enabled {
		return true, ""
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	day := now.UTC().Truncate(24 * time.Hour)
	if !day.Equal(g.day) {
		g.day = day
		g.tripped = false
	}

	if g.tripped {
		return false, "daily loss limit reached, entries halted until next session"
	}

	if g.cfg.MaxOpenPositions > 0 && openPositions >= g.cfg.MaxOpenPositions {
		return false, fmt.Sprintf("max open positions reached (%d)", g.cfg.MaxOpenPositions)
	}

	if g.cfg.MaxDailyLossPct > 0 && equity > 0 {
		lossPct := -dailyRealized / equity
		if lossPct >= g.cfg.MaxDailyLossPct {
			g.tripped = true
			g.logger.Warn().
				Float64("daily_realized", dailyRealized).
				Float64("loss_pct", lossPct).
				Msg("daily loss limit tripped, halting new entries")
			return false, "daily loss limit reached, entries halted until next session"
		}
	}

	return true, ""
}
