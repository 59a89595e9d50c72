package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"buildforge/internal/spend"
	"buildforge/internal/store"
)

func (s *Server) handleSpendSummary(c *gin.Context) {
	summary, err := s.spend.GetSummary(c.Request.Context(), userID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load spend summary"})
		return
	}

	if buildID := c.Query("build_id"); buildID != "" {
		// Per-build totals follow the same ownership rule as the build
		// routes: a build belonging to someone else does not exist.
		record, err := s.engine.Status(c.Request.Context(), buildID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && record.UserID != userID(c)) {
			c.JSON(http.StatusNotFound, gin.H{"error": "build not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load build"})
			return
		}

		total, _, err := s.spend.BuildSpend(c.Request.Context(), buildID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load build spend"})
			return
		}
		summary.BuildSpend = total
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleSpendBreakdown(c *gin.Context) {
	items, err := s.spend.GetBreakdown(c.Request.Context(), spend.BreakdownOpts{
		GroupBy:  c.DefaultQuery("group_by", "provider"),
		UserID:   userID(c),
		DayKey:   c.Query("day"),
		MonthKey: c.Query("month"),
		BuildID:  c.Query("build_id"),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load spend breakdown"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) handleSpendHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	events, total, err := s.spend.GetHistory(c.Request.Context(), userID(c), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load spend history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleSpendExport(c *gin.Context) {
	now := time.Now().UTC()
	from := now.AddDate(0, -1, 0)
	to := now

	if v := c.Query("from"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from date, expected YYYY-MM-DD"})
			return
		}
		from = parsed
	}
	if v := c.Query("to"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to date, expected YYYY-MM-DD"})
			return
		}
		to = parsed.Add(24*time.Hour - time.Nanosecond)
	}

	data, err := s.spend.ExportCSV(c.Request.Context(), userID(c), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to export spend"})
		return
	}

	c.Header("Content-Disposition", `attachment; filename="spend-`+now.Format("2006-01-02")+`.csv"`)
	c.Data(http.StatusOK, "text/csv", data)
}
