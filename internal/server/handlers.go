package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/martinemde/taskforge/agentloop"
)

const writeWait = 10 * time.Second

func statusFor(kind agentloop.ErrorKind) int {
	switch kind {
	case agentloop.KindValidation, agentloop.KindInvalidArguments:
		return http.StatusBadRequest
	case agentloop.KindNotFound:
		return http.StatusNotFound
	case agentloop.KindCapacityExceeded:
		return http.StatusTooManyRequests
	case agentloop.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(c *gin.Context, err error) {
	kind := agentloop.KindOf(err)
	if kind == "" {
		kind = agentloop.KindInternal
	}
	if kind == agentloop.KindCapacityExceeded && s.metrics != nil {
		s.metrics.Rejections.Inc()
	}
	c.AbortWithStatusJSON(statusFor(kind), ErrorBody{Error: ErrorDetail{
		Kind:      string(kind),
		Message:   err.Error(),
		RequestID: requestID(c),
	}})
}

func badRequest(c *gin.Context, format string, args ...any) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorBody{Error: ErrorDetail{
		Kind:      string(agentloop.KindValidation),
		Message:   fmt.Sprintf(format, args...),
		RequestID: requestID(c),
	}})
}

func (s *Server) submit(c *gin.Context) (string, bool) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: %v", err)
		return "", false
	}
	id, err := s.manager.Submit(agentloop.Task{Description: req.Task, Context: req.Context}, req.Limits.overrides())
	if err != nil {
		s.writeError(c, err)
		return "", false
	}
	return id, true
}

func (s *Server) handleSubmit(c *gin.Context) {
	id, ok := s.submit(c)
	if !ok {
		return
	}
	status := agentloop.StatusPending
	if snap, err := s.manager.Status(id); err == nil {
		status = snap.Status
	}
	c.JSON(http.StatusAccepted, SubmitResponse{SessionID: id, Status: string(status)})
}

func (s *Server) handleList(c *gin.Context) {
	snaps := s.manager.List()
	views := make([]SessionView, 0, len(snaps))
	filter := agentloop.Status(c.Query("status"))
	for _, snap := range snaps {
		if filter != "" && snap.Status != filter {
			continue
		}
		views = append(views, viewOf(snap))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views, "active": s.manager.Active()})
}

func (s *Server) handleStatus(c *gin.Context) {
	snap, err := s.manager.Status(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleCancel(c *gin.Context) {
	id := c.Param("id")
	if err := s.manager.Cancel(id); err != nil {
		s.writeError(c, err)
		return
	}
	snap, err := s.manager.Status(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, SubmitResponse{SessionID: id, Status: string(snap.Status)})
}

func (s *Server) handleTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.manager.Registry().Definitions()})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"service":         "taskforge",
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds":  int(time.Since(s.startTime).Seconds()),
		"active_sessions": s.manager.Active(),
	})
}

// handleExecute submits a task and blocks until its session is terminal or
// the request is abandoned, in which case the session is cancelled.
func (s *Server) handleExecute(c *gin.Context) {
	start := time.Now()

	var events <-chan agentloop.Event
	if s.broadcaster != nil {
		ch, unsubscribe := s.broadcaster.Subscribe("", 64)
		defer unsubscribe()
		events = ch
	}

	id, ok := s.submit(c)
	if !ok {
		return
	}

	snap, err := s.waitTerminal(c.Request.Context(), id, events)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			_ = s.manager.Cancel(id)
			c.AbortWithStatusJSON(http.StatusGatewayTimeout, ErrorBody{Error: ErrorDetail{
				Kind:      string(agentloop.KindTimeout),
				Message:   "request ended before session " + id + " finished",
				RequestID: requestID(c),
			}})
			return
		}
		s.writeError(c, err)
		return
	}

	resp := ExecuteResponse{
		Status: string(snap.Status),
		TaskSummary: TaskSummary{
			SessionID:  snap.ID,
			Turns:      len(snap.History),
			ToolCalls:  snap.Counters.ToolCalls,
			ModelCalls: snap.Counters.ModelCalls,
			CostUnits:  snap.Counters.CostUnits,
		},
		ExecutionTime: time.Since(start).Seconds(),
		RequestID:     requestID(c),
	}
	if snap.Result != nil {
		resp.Response = snap.Result.Text
	}
	if snap.Failure != nil {
		resp.Error = fmt.Sprintf("%s: %s", snap.Failure.Kind, snap.Failure.Detail)
	}
	c.JSON(http.StatusOK, resp)
}

// waitTerminal polls the session until it is terminal. Events only wake the
// poll early; a dropped event costs at most one poll interval.
func (s *Server) waitTerminal(ctx context.Context, id string, events <-chan agentloop.Event) (agentloop.Snapshot, error) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		snap, err := s.manager.Status(id)
		if err != nil {
			return agentloop.Snapshot{}, err
		}
		if snap.Status.IsTerminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case <-ticker.C:
		}
	}
}

// handleEvents streams a session over a websocket: one snapshot frame, then
// every event until the session is terminal or the client goes away.
func (s *Server) handleEvents(c *gin.Context) {
	if s.broadcaster == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorBody{Error: ErrorDetail{
			Kind: string(agentloop.KindInternal), Message: "event streaming is disabled", RequestID: requestID(c),
		}})
		return
	}
	id := c.Param("id")
	if _, err := s.manager.Status(id); err != nil {
		s.writeError(c, err)
		return
	}

	// Subscribe before the snapshot so nothing falls between the two.
	events, unsubscribe := s.broadcaster.Subscribe(id, 256)
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	logger := s.logger.With().Str("session_id", id).Logger()

	write := func(msg StreamMessage) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}
	closeNormal := func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"),
			time.Now().Add(writeWait))
	}

	snap, err := s.manager.Status(id)
	if err != nil {
		return
	}
	if err := write(StreamMessage{Type: "snapshot", Snapshot: &snap}); err != nil {
		return
	}
	if snap.Status.IsTerminal() {
		closeNormal()
		return
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug().Err(err).Msg("websocket client error")
				}
				return
			}
		}
	}()

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := write(StreamMessage{Type: "event", Event: &e}); err != nil {
				logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
			if e.Kind == agentloop.EventStatusChanged && e.Status.IsTerminal() {
				closeNormal()
				return
			}
		case <-ping.C:
			// The terminal event may have been dropped on a full buffer.
			if snap, err := s.manager.Status(id); err != nil || snap.Status.IsTerminal() {
				if err == nil {
					_ = write(StreamMessage{Type: "snapshot", Snapshot: &snap})
				}
				closeNormal()
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
