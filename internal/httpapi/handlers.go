package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"cdr.dev/slog/v3"
	"github.com/gin-gonic/gin"

	"bleattend/internal/attendance"
	"bleattend/internal/device"
	"bleattend/internal/ingest"
	"bleattend/internal/scan"
)

const dateLayout = "2006-01-02"

// fail maps domain errors onto status codes. Anything unrecognised is a 500
// and gets logged.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, attendance.ErrInvalidDetection):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, device.ErrInvalidMAC):
		status = http.StatusBadRequest
	case errors.Is(err, device.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, device.ErrQueueFull):
		status = http.StatusServiceUnavailable
		c.Header("Retry-After", "5")
	}
	if status == http.StatusInternalServerError {
		s.logger.Error(c.Request.Context(), "request failed",
			slog.F("path", c.FullPath()), slog.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *Server) postDetection(c *gin.Context) {
	var d ingest.Detection
	if err := c.ShouldBindJSON(&d); err != nil {
		badRequest(c, err)
		return
	}
	raw, err := s.resolver.Resolve(c.Request.Context(), d)
	if err != nil {
		s.fail(c, err)
		return
	}
	out, err := s.tracker.RecordEvent(c.Request.Context(), raw)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) registerDevice(c *gin.Context) {
	var reg device.Registration
	if err := c.ShouldBindJSON(&reg); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.registry.Register(c.Request.Context(), reg)
	if err != nil {
		s.fail(c, err)
		return
	}
	if res.Queued {
		c.JSON(http.StatusAccepted, res)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) updateDeviceStatus(c *gin.Context) {
	var upd device.StatusUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		badRequest(c, err)
		return
	}
	upd.DeviceID = c.Param("id")
	if err := s.registry.UpdateStatus(c.Request.Context(), upd); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deviceByMAC(c *gin.Context) {
	d, err := s.registry.ByMAC(c.Request.Context(), c.Param("mac"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if d == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": device.ErrNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) activeDevices(c *gin.Context) {
	limit, err := intQuery(c, "limit", 50)
	if err != nil {
		badRequest(c, err)
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		badRequest(c, err)
		return
	}
	devices, err := s.registry.Active(c.Request.Context(), limit, offset)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices, "limit": limit, "offset": offset})
}

func (s *Server) deactivateDevice(c *gin.Context) {
	if err := s.registry.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) registryStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Stats())
}

func (s *Server) clearCache(c *gin.Context) {
	s.registry.ClearCache()
	c.Status(http.StatusNoContent)
}

func (s *Server) cleanupCache(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"evicted": s.registry.CleanupInactive()})
}

func (s *Server) clearQueue(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"dropped": s.registry.ClearQueue()})
}

func (s *Server) userStatus(c *gin.Context) {
	userID := c.Param("id")
	body := gin.H{"user_id": userID, "status": s.tracker.Status(userID)}
	if s.latest != nil {
		latest, err := s.latest.Latest(c.Request.Context(), userID)
		if err != nil {
			s.logger.Warn(c.Request.Context(), "read latest event", slog.F("user_id", userID), slog.Error(err))
		} else if latest != nil {
			body["latest_event"] = latest
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) openSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.tracker.OpenSessions()})
}

type markRequest struct {
	UserID    string    `json:"user_id" binding:"required"`
	Status    string    `json:"status" binding:"required"`
	ClassID   string    `json:"class_id"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

func (s *Server) markManually(c *gin.Context) {
	var req markRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	status, err := attendance.ParseStatus(req.Status)
	if err != nil {
		badRequest(c, err)
		return
	}
	rec, err := s.tracker.MarkManually(c.Request.Context(), attendance.ManualMark{
		UserID:    req.UserID,
		Status:    status,
		ClassID:   req.ClassID,
		Timestamp: req.Timestamp,
		Reason:    req.Reason,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// stats reads from and to as dates or RFC 3339 times. A bare to date is
// inclusive. Both default to today.
func (s *Server) stats(c *gin.Context) {
	now := s.clock.Now().In(s.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	from, err := s.timeQuery(c, "from", today, false)
	if err != nil {
		badRequest(c, err)
		return
	}
	to, err := s.timeQuery(c, "to", today.AddDate(0, 0, 1), true)
	if err != nil {
		badRequest(c, err)
		return
	}
	if !to.After(from) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must be after from"})
		return
	}
	st, err := s.tracker.Stats(c.Request.Context(), from, to, c.Query("class_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.tracker.Settings())
}

func (s *Server) putSettings(c *gin.Context) {
	next := s.tracker.Settings()
	if err := c.ShouldBindJSON(&next); err != nil {
		badRequest(c, err)
		return
	}
	switch {
	case next.LateThresholdMinutes < 0, next.AbsentThresholdMinutes < 0,
		next.MinimumPresenceDuration < 0, next.MaxSessionGapMinutes < 0:
		c.JSON(http.StatusBadRequest, gin.H{"error": "thresholds must not be negative"})
		return
	case next.MinConfidence < 0 || next.MinConfidence > 1:
		c.JSON(http.StatusBadRequest, gin.H{"error": "min_confidence must be within [0, 1]"})
		return
	}
	s.tracker.UpdateSettings(next)
	c.JSON(http.StatusOK, next)
}

func (s *Server) sweep(c *gin.Context) {
	if s.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "absence sweeper not configured"})
		return
	}
	c.JSON(http.StatusOK, s.sweeper.Sweep(c.Request.Context()))
}

func (s *Server) listScans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"locations": s.scanner.Active()})
}

func (s *Server) startScan(c *gin.Context) {
	res := s.scanner.Start(c.Request.Context(), c.Param("location"))
	status := http.StatusOK
	switch res {
	case scan.Started:
		status = http.StatusCreated
	case scan.LimitReached:
		status = http.StatusTooManyRequests
	}
	c.JSON(status, gin.H{"location": c.Param("location"), "result": res})
}

func (s *Server) stopScan(c *gin.Context) {
	if !s.scanner.Stop(c.Param("location")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "location is not being scanned"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) loadStatus(c *gin.Context) {
	st, ok := s.load.Status()
	body := gin.H{"under_load": s.load.UnderLoad(), "sampled": ok}
	if ok {
		body["status"] = st
	}
	c.JSON(http.StatusOK, body)
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) timeQuery(c *gin.Context, key string, def time.Time, inclusiveDate bool) (time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	if t, err := time.ParseInLocation(dateLayout, v, s.loc); err == nil {
		if inclusiveDate {
			t = t.AddDate(0, 0, 1)
		}
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New(key + " must be YYYY-MM-DD or RFC 3339")
	}
	return t, nil
}
