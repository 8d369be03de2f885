package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"tradepilot/config"
	"tradepilot/internal/store"
)

// ErrDayUnavailable is returned when no raw archive exists for a date.
var ErrDayUnavailable = errors.New("replay: raw day archive unavailable")

const dateLayout = "2006-01-02"

// RawFetcher pulls missing raw days from the market-data collaborator during
// job prefetch. A nil fetcher disables prefetch.
type RawFetcher interface {
	FetchDay(ctx context.Context, date string) (map[string][]store.Bar, error)
}

// Archive stores per-date raw bars (gzipped JSON) and per-date replay
// results.
type Archive struct {
	rawDir    string
	resultDir string
	storeCfg  config.StoreConfig
}

func NewArchive(cfg config.ReplayConfig, storeCfg config.StoreConfig) *Archive {
	return &Archive{
		rawDir:    filepath.Join(storeCfg.DataDir, cfg.RawDir),
		resultDir: filepath.Join(storeCfg.DataDir, cfg.ResultDir),
		storeCfg:  storeCfg,
	}
}

// LoadDay reads one date's raw bars.
func (a *Archive) LoadDay(date string) (map[string][]store.Bar, error) {
	path := a.rawPath(date)
	var bars map[string][]store.Bar
	if err := store.ReadGzJSON(path, &bars); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDayUnavailable, date)
		}
		return nil, fmt.Errorf("read raw day %s: %w", date, err)
	}
	return bars, nil
}

// SaveDay writes one date's raw bars atomically.
func (a *Archive) SaveDay(date string, bars map[string][]store.Bar) error {
	return store.WriteGzJSON(a.rawPath(date), bars, a.storeCfg.WriteRetries, a.storeCfg.WriteBackoff)
}

// HasDay reports whether a raw archive exists for the date.
func (a *Archive) HasDay(date string) bool {
	_, err := os.Stat(a.rawPath(date))
	return err == nil
}

// AvailableDates lists archived dates within [start, end], sorted ascending.
func (a *Archive) AvailableDates(start, end string) ([]string, error) {
	entries, err := os.ReadDir(a.rawDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list raw archive: %w", err)
	}

	dates := make([]string, 0)
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json.gz") {
			continue
		}
		date := strings.TrimSuffix(name, ".json.gz")
		if _, err := time.Parse(dateLayout, date); err != nil {
			continue
		}
		if (start == "" || date >= start) && (end == "" || date <= end) {
			dates = append(dates, date)
		}
	}
	sort.Strings(dates)
	return dates, nil
}

// SaveResult persists a replay result keyed by date.
func (a *Archive) SaveResult(result *Result) error {
	raw, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	path := filepath.Join(a.resultDir, result.Date+".json")
	return store.AtomicWriteRetry(path, raw, 0644, a.storeCfg.WriteRetries, a.storeCfg.WriteBackoff)
}

// LoadResult reads a replay result for a date.
func (a *Archive) LoadResult(date string) (*Result, error) {
	raw, err := os.ReadFile(filepath.Join(a.resultDir, date+".json"))
	if err != nil {
		return nil, err
	}
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse result %s: %w", date, err)
	}
	return &result, nil
}

// SaveValidation persists a validation report beside the date's result.
func (a *Archive) SaveValidation(date string, report *ValidationReport) error {
	raw, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal validation report: %w", err)
	}
	path := filepath.Join(a.resultDir, date+".validation.json")
	return store.AtomicWriteRetry(path, raw, 0644, a.storeCfg.WriteRetries, a.storeCfg.WriteBackoff)
}

func (a *Archive) rawPath(date string) string {
	return filepath.Join(a.rawDir, date+".json.gz")
}
