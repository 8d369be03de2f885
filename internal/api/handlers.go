package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"tradepilot/internal/replay"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// handleRunCycle triggers one full pipeline cycle synchronously.
func (s *Server) handleRunCycle(c *gin.Context) {
	if s.deps.Pipeline == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pipeline not configured"})
		return
	}
	report := s.deps.Pipeline.RunCycle(c.Request.Context(), time.Now().UTC())
	status := http.StatusOK
	if report.Diagnostics.Failed() {
		status = http.StatusMultiStatus
	}
	c.JSON(status, report)
}

type createJobRequest struct {
	StartDate string `json:"start_date" binding:"required"`
	EndDate   string `json:"end_date" binding:"required"`
}

// handleCreateReplayJob registers and immediately starts a replay job.
func (s *Server) handleCreateReplayJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := s.deps.Jobs.CreateJob(req.StartDate, req.EndDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// The worker must outlive this request.
	if err := s.deps.Jobs.StartJob(context.Background(), job.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	snapshot, _ := s.deps.Jobs.GetJob(job.ID)
	c.JSON(http.StatusAccepted, snapshot)
}

func (s *Server) handleListReplayJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.deps.Jobs.ListJobs()})
}

func (s *Server) handleGetReplayJob(c *gin.Context) {
	job, err := s.deps.Jobs.GetJob(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleCancelReplayJob(c *gin.Context) {
	err := s.deps.Jobs.CancelJob(c.Param("id"))
	switch {
	case errors.Is(err, replay.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, replay.ErrJobNotRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "cancel requested"})
	}
}

func (s *Server) handleGetReplayResult(c *gin.Context) {
	result, err := s.deps.Archive.LoadResult(c.Param("date"))
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no result for date"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type runTuningRequest struct {
	BotKey string `json:"bot_key"`
}

// handleRunTuning runs one nightly tuning pass synchronously.
func (s *Server) handleRunTuning(c *gin.Context) {
	if s.deps.Tuning == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tuning not configured"})
		return
	}

	var req runTuningRequest
	_ = c.ShouldBindJSON(&req)
	botKey := req.BotKey
	if botKey == "" {
		botKey = s.deps.BotKey
	}

	report, err := s.deps.Tuning.Run(c.Request.Context(), botKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleTuningHistory(c *gin.Context) {
	botKey := c.DefaultQuery("bot_key", s.deps.BotKey)
	regime := c.Query("regime")

	if s.deps.TuningHistory == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tuning not configured"})
		return
	}
	decisions, err := s.deps.TuningHistory.Load(botKey, regime)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions})
}

func (s *Server) handleOutcomeStats(c *gin.Context) {
	botKey := c.DefaultQuery("bot_key", s.deps.BotKey)
	regime := c.Query("regime")
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
		return
	}

	outcomes, err := s.deps.Outcomes.LoadRecent(botKey, days, regime)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.deps.Outcomes.Stats(outcomes))
}

func (s *Server) handleLedger(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"cash":         s.deps.Ledger.Cash(),
		"positions":    s.deps.Ledger.Positions(),
		"fills":        s.deps.Ledger.Fills(),
		"realized_pnl": s.deps.Ledger.RealizedPnL(),
	})
}
