package api

import (
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ppiankov/patchgate/internal/approval"
	"github.com/ppiankov/patchgate/internal/audit"
	"github.com/ppiankov/patchgate/internal/notify"
	"github.com/ppiankov/patchgate/internal/orchestrator"
	"github.com/ppiankov/patchgate/internal/validate"
)

// maxCallbackBody bounds the signed callback body.
const maxCallbackBody = 1 << 20

func (s *server) systemStatus(c *gin.Context) {
	rep, err := s.gate.SystemStatus(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *server) checkUpdates(c *gin.Context) {
	rep, err := s.gate.CheckUpdates(c.Request.Context(), c.Query("component"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *server) updateHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(c, &validate.ValidationError{Field: "limit", Value: raw, Reason: "must be a positive integer"})
			return
		}
		limit = n
	}
	rep, err := s.gate.UpdateHistory(c.Request.Context(), limit, audit.Filter{
		Component: c.Query("component"),
		Action:    c.Query("action"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *server) listBackups(c *gin.Context) {
	rep, err := s.gate.ListBackups(c.Request.Context(), c.Query("component"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *server) applyUpdate(c *gin.Context) {
	var body applyUpdateBody
	if !bind(c, &body) {
		return
	}
	out, err := s.gate.ApplyUpdate(c.Request.Context(), orchestrator.UpdateRequest{
		Component: body.Component,
		Version:   body.Version,
		Reason:    body.Reason,
		Actor:     body.Actor,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(outcomeStatus(out), out)
}

func (s *server) rollback(c *gin.Context) {
	var body rollbackBody
	if !bind(c, &body) {
		return
	}
	out, err := s.gate.RollbackComponent(c.Request.Context(), orchestrator.RollbackRequest{
		Component:       body.Component,
		Version:         body.Version,
		Reason:          body.Reason,
		BackupFilename:  body.BackupFilename,
		RestoreDatabase: body.RestoreDatabase,
		Actor:           body.Actor,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(outcomeStatus(out), out)
}

func (s *server) scheduleMaintenance(c *gin.Context) {
	var body maintenanceBody
	if !bind(c, &body) {
		return
	}
	updates := make([]approval.PlannedUpdate, len(body.Updates))
	for i, u := range body.Updates {
		updates[i] = approval.PlannedUpdate{Component: u.Component, Version: u.Version}
	}
	out, err := s.gate.ScheduleMaintenance(c.Request.Context(), orchestrator.MaintenanceRequest{
		StartTime:       body.StartTime,
		DurationMinutes: body.DurationMinutes,
		Updates:         updates,
		NotifyUsers:     body.NotifyUsers,
		Reason:          body.Reason,
		Actor:           body.Actor,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(outcomeStatus(out), out)
}

// outcomeStatus answers 202 for work that is gated or still running.
func outcomeStatus(out *orchestrator.Outcome) int {
	switch out.Status {
	case orchestrator.StatusPendingApproval, orchestrator.StatusExecuting:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}

func (s *server) checkApprovalStatus(c *gin.Context) {
	var body approvalIDBody
	if !bind(c, &body) {
		return
	}
	st, err := s.gate.CheckApprovalStatus(c.Request.Context(), body.ApprovalID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *server) restartServices(c *gin.Context) {
	var body restartBody
	if !bind(c, &body) {
		return
	}
	res, err := s.gate.RestartServices(c.Request.Context(), body.Services, body.Actor)
	if err != nil {
		writeError(c, err)
		return
	}
	code := http.StatusOK
	if !res.Success {
		code = http.StatusBadGateway
	}
	c.JSON(code, res)
}

func (s *server) getApproval(c *gin.Context) {
	req, err := s.gate.GetApproval(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *server) decide(d approval.Decision) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body decisionBody
		if !bind(c, &body) {
			return
		}
		req, err := s.gate.Decide(c.Request.Context(), c.Param("id"), d, body.ApprovedBy)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, req)
	}
}

// interaction is the chat platform callback. The raw body is verified
// before anything in it is parsed.
func (s *server) interaction(c *gin.Context) {
	if !s.limiter.Allow() {
		s.cfg.Metrics.WebhookRejected("rate_limited")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many callbacks"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBody))
	if err != nil {
		s.cfg.Metrics.WebhookRejected("body")
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "callback body unreadable"})
		return
	}

	err = notify.VerifySignature(
		s.cfg.SigningSecret,
		c.GetHeader(notify.HeaderTimestamp),
		c.GetHeader(notify.HeaderSignature),
		body,
		s.cfg.Now(),
	)
	if err != nil {
		s.cfg.Metrics.WebhookRejected(notify.RejectReason(err))
		s.log.Warn("callback rejected", "reason", notify.RejectReason(err), "remote", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil || form.Get("payload") == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing payload"})
		return
	}

	out := s.relay.HandleInteraction(c.Request.Context(), []byte(form.Get("payload")))
	c.JSON(out.Status, out)
}
