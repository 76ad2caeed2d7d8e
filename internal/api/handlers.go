package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"gold-trading-bot/internal/daemon"
)

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.repo.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleStart(c *gin.Context) {
	var opts daemon.StartOptions
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if opts.RiskPercentage < 0 || opts.RiskPercentage > 0.05 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "risk_percentage must be between 0 and 0.05"})
			return
		}
		if opts.MaxRiskAmount < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max_risk_amount must be positive"})
			return
		}
	}

	err := s.supervisor.StartWithOptions(c.Request.Context(), &opts)
	switch {
	case errors.Is(err, daemon.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "daemon already running"})
	case errors.Is(err, daemon.ErrStateCorrupt):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "started"})
	}
}

func (s *Server) handleStop(c *gin.Context) {
	err := s.supervisor.Stop(c.Request.Context())
	switch {
	case errors.Is(err, daemon.ErrNotRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "daemon not running"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "stopped"})
	}
}

func (s *Server) handleForceCleanup(c *gin.Context) {
	if err := s.supervisor.ForceCleanup(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleaned"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.supervisor.Status(c.Request.Context()))
}

func (s *Server) handleTrades(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	if limit > 500 {
		limit = 500
	}

	trades, err := s.repo.GetTradeHistory(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) handleOpenTrades(c *gin.Context) {
	trades, err := s.repo.GetOpenTrades(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) handleDailyMetrics(c *gin.Context) {
	if day := c.Query("date"); day != "" {
		date, err := time.Parse("2006-01-02", day)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid date, expected YYYY-MM-DD"})
			return
		}
		m, err := s.repo.GetDailyMetrics(c.Request.Context(), date)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no metrics for date"})
			return
		}
		c.JSON(http.StatusOK, m)
		return
	}

	limit := intQuery(c, "days", intQuery(c, "limit", 30))
	metrics, err := s.repo.ListDailyMetrics(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": metrics, "count": len(metrics)})
}

func (s *Server) handleEvents(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	evs, err := s.repo.GetRecentEvents(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs, "count": len(evs)})
}

func intQuery(c *gin.Context, name string, def int) int {
	v := c.Query(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
