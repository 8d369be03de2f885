package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradepilot/internal/events"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobDone      = "done"
	JobError     = "error"
	JobCancelled = "cancelled"
)

var (
	ErrJobNotFound   = errors.New("replay: job not found")
	ErrJobNotRunning = errors.New("replay: job is not running")
)

// Job tracks one multi-day replay run.
type Job struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	StartDate string    `json:"start_date"`
	EndDate   string    `json:"end_date"`
	Progress  float64   `json:"progress"`
	DaysTotal int       `json:"days_total"`
	DaysDone  int       `json:"days_done"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Results   []*Result `json:"results,omitempty"`

	cancel chan struct{}
}

func (j *Job) terminal() bool {
	return j.Status == JobDone || j.Status == JobError || j.Status == JobCancelled
}

// snapshot returns a copy safe to hand out while the worker mutates the job.
func (j *Job) snapshot() Job {
	cp := *j
	cp.cancel = nil
	cp.Results = append([]*Result(nil), j.Results...)
	return cp
}

// JobManager owns replay jobs. Each started job gets one worker goroutine
// that replays archived days in order; cancellation takes effect between
// days, never mid-day.
type JobManager struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	maxJobs int
	engine  *Engine
	archive *Archive
	fetcher RawFetcher
	bus     *events.Bus
	logger  zerolog.Logger
}

func NewJobManager(engine *Engine, archive *Archive, fetcher RawFetcher, bus *events.Bus, logger zerolog.Logger) *JobManager {
	return &JobManager{
		jobs:    make(map[string]*Job),
		maxJobs: engine.cfg.ReplayConfig.MaxJobs,
		engine:  engine,
		archive: archive,
		fetcher: fetcher,
		bus:     bus,
		logger:  logger,
	}
}

// CreateJob registers a pending job for the date range.
func (m *JobManager) CreateJob(startDate, endDate string) (*Job, error) {
	if _, err := time.Parse(dateLayout, startDate); err != nil {
		return nil, fmt.Errorf("invalid start date %q: %w", startDate, err)
	}
	if _, err := time.Parse(dateLayout, endDate); err != nil {
		return nil, fmt.Errorf("invalid end date %q: %w", endDate, err)
	}
	if endDate < startDate {
		return nil, fmt.Errorf("end date %s precedes start date %s", endDate, startDate)
	}

	now := time.Now().UTC()
	job := &Job{
		ID:        uuid.New().String(),
		Status:    JobPending,
		StartDate: startDate,
		EndDate:   endDate,
		CreatedAt: now,
		UpdatedAt: now,
		cancel:    make(chan struct{}),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.pruneLocked()
	m.mu.Unlock()

	m.logger.Info().Str("job_id", job.ID).Str("start", startDate).Str("end", endDate).Msg("replay job created")
	return job, nil
}

// pruneLocked evicts the oldest terminal job records past the retention cap.
// Pending and running jobs are never evicted.
func (m *JobManager) pruneLocked() {
	if m.maxJobs <= 0 {
		return
	}
	for len(m.jobs) > m.maxJobs {
		var oldest *Job
		for _, job := range m.jobs {
			if !job.terminal() {
				continue
			}
			if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
				oldest = job
			}
		}
		if oldest == nil {
			return
		}
		delete(m.jobs, oldest.ID)
	}
}

// StartJob launches the worker for a pending job.
func (m *JobManager) StartJob(ctx context.Context, id string) error {
	m.mu.Lock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return ErrJobNotFound
	}
	if job.Status != JobPending {
		m.mu.Unlock()
		return fmt.Errorf("job %s is %s, expected %s", id, job.Status, JobPending)
	}
	job.Status = JobRunning
	job.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	go m.run(ctx, job)
	return nil
}

// CancelJob requests cancellation of a running job. The worker observes the
// request between days; the current day always completes.
func (m *JobManager) CancelJob(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != JobRunning {
		return ErrJobNotRunning
	}
	select {
	case <-job.cancel:
	default:
		close(job.cancel)
	}
	return nil
}

// GetJob returns a snapshot of the job.
func (m *JobManager) GetJob(id string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return job.snapshot(), nil
}

// ListJobs returns snapshots of all jobs, newest first.
func (m *JobManager) ListJobs() []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *JobManager) run(ctx context.Context, job *Job) {
	dates, err := m.prepareDates(ctx, job)
	if err != nil {
		m.finish(job, JobError, err.Error())
		return
	}
	if len(dates) == 0 {
		m.finish(job, JobError, "no archived days in range")
		return
	}

	m.mu.Lock()
	job.DaysTotal = len(dates)
	m.mu.Unlock()

	for _, date := range dates {
		select {
		case <-job.cancel:
			m.finish(job, JobCancelled, "")
			return
		case <-ctx.Done():
			m.finish(job, JobCancelled, ctx.Err().Error())
			return
		default:
		}

		result, err := m.engine.ReplayDay(ctx, date)
		if err != nil {
			m.finish(job, JobError, fmt.Sprintf("day %s: %v", date, err))
			return
		}

		m.mu.Lock()
		job.DaysDone++
		job.Progress = float64(job.DaysDone) / float64(job.DaysTotal)
		job.Results = append(job.Results, result)
		job.UpdatedAt = time.Now().UTC()
		progress := job.Progress
		m.mu.Unlock()

		if m.bus != nil {
			m.bus.PublishJobProgress(job.ID, JobRunning, progress)
		}
	}

	m.finish(job, JobDone, "")
}

// prepareDates prefetches missing raw days when a fetcher is wired, then
// discovers the archived dates in range.
func (m *JobManager) prepareDates(ctx context.Context, job *Job) ([]string, error) {
	if m.fetcher != nil {
		start, _ := time.Parse(dateLayout, job.StartDate)
		end, _ := time.Parse(dateLayout, job.EndDate)
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			date := d.Format(dateLayout)
			if m.archive.HasDay(date) {
				continue
			}
			bars, err := m.fetcher.FetchDay(ctx, date)
			if err != nil {
				// Weekends and holidays have no data; skip quietly.
				m.logger.Debug().Str("date", date).Err(err).Msg("prefetch skipped day")
				continue
			}
			if len(bars) == 0 {
				continue
			}
			if err := m.archive.SaveDay(date, bars); err != nil {
				return nil, fmt.Errorf("archive day %s: %w", date, err)
			}
		}
	}
	return m.archive.AvailableDates(job.StartDate, job.EndDate)
}

func (m *JobManager) finish(job *Job, status, errMsg string) {
	m.mu.Lock()
	job.Status = status
	job.Error = errMsg
	job.UpdatedAt = time.Now().UTC()
	if status == JobDone {
		job.Progress = 1.0
	}
	m.mu.Unlock()

	event := m.logger.Info()
	if status == JobError {
		event = m.logger.Error()
	}
	event.Str("job_id", job.ID).Str("status", status).Str("error", errMsg).Msg("replay job finished")

	if m.bus != nil {
		m.bus.PublishJobFinished(job.ID, status, errMsg)
	}
}
