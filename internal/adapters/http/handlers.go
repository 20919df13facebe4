package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/ptzlink/internal/app/ptz"
	"github.com/dkeye/ptzlink/internal/core"
	"github.com/dkeye/ptzlink/internal/domain"
)

type handlers struct {
	sess Session
	dev  Device
}

type SessionRequest struct {
	RoomName string `json:"room_name"`
	Role     string `json:"role"`
}

type CommandRequest struct {
	Command string `json:"command"`
}

type DragRequest struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

type DragResponse struct {
	Sent    bool           `json:"sent"`
	Command domain.Command `json:"command,omitempty"`
}

type ErrorResponse struct {
	Error string         `json:"error"`
	Kind  core.ErrorKind `json:"kind,omitempty"`
}

func (h *handlers) bindSession(c *gin.Context) (domain.RoomName, domain.Role, bool) {
	var req SessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing or invalid body"})
		return "", "", false
	}
	room, err := domain.NewRoomName(req.RoomName)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return "", "", false
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return "", "", false
	}
	return room, role, true
}

// remember keeps the last requested room in the cookie session so a reload
// can offer it again.
func remember(c *gin.Context, room domain.RoomName, role domain.Role) {
	s := sessions.Default(c)
	s.Set("room", string(room))
	s.Set("role", string(role))
	if err := s.Save(); err != nil {
		log.Warn().Str("module", "adapters.http").Err(err).Msg("session save failed")
	}
}

func (h *handlers) snapshot(c *gin.Context) {
	v, err := h.sess.Snapshot(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	s := sessions.Default(c)
	c.JSON(http.StatusOK, gin.H{"session": v, "last_room": s.Get("room")})
}

func (h *handlers) requestSession(c *gin.Context) {
	room, role, ok := h.bindSession(c)
	if !ok {
		return
	}
	ms, err := h.sess.RequestSession(c.Request.Context(), room, role)
	if err != nil {
		fail(c, err)
		return
	}
	remember(c, room, role)
	c.JSON(http.StatusCreated, ms)
}

func (h *handlers) join(c *gin.Context) {
	room, role, ok := h.bindSession(c)
	if !ok {
		return
	}
	v, err := h.sess.Join(c.Request.Context(), room, role)
	if err != nil {
		fail(c, err)
		return
	}
	remember(c, room, role)
	c.JSON(http.StatusOK, v)
}

func (h *handlers) connect(c *gin.Context) {
	h.run(c, h.sess.Connect)
}

func (h *handlers) capture(c *gin.Context) {
	lc, err := h.sess.AcquireLocalCapture(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"capture": lc.ID})
}

func (h *handlers) publish(c *gin.Context) {
	h.run(c, func(ctx context.Context) error { return h.sess.Publish(ctx, nil) })
}

func (h *handlers) call(c *gin.Context) {
	h.run(c, h.sess.StartCall)
}

func (h *handlers) disconnect(c *gin.Context) {
	h.run(c, h.sess.Disconnect)
}

// run executes op and answers with the resulting snapshot.
func (h *handlers) run(c *gin.Context, op func(context.Context) error) {
	ctx := c.Request.Context()
	if err := op(ctx); err != nil {
		fail(c, err)
		return
	}
	v, err := h.sess.Snapshot(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (h *handlers) bindCommand(c *gin.Context) (domain.Command, bool) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing or invalid body"})
		return "", false
	}
	cmd, err := domain.ParseCommand(req.Command)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return "", false
	}
	return cmd, true
}

func (h *handlers) issue(c *gin.Context) {
	cmd, ok := h.bindCommand(c)
	if !ok {
		return
	}
	if err := h.dev.Issue(c.Request.Context(), cmd); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) hold(c *gin.Context) {
	cmd, ok := h.bindCommand(c)
	if !ok {
		return
	}
	if err := h.dev.StartHold(cmd); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) release(c *gin.Context) {
	h.dev.StopHold()
	c.Status(http.StatusNoContent)
}

func (h *handlers) drag(c *gin.Context) {
	var req DragRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing or invalid body"})
		return
	}
	cmd, sent := h.dev.Drag(c.Request.Context(), req.DX, req.DY)
	c.JSON(http.StatusOK, DragResponse{Sent: sent, Command: cmd})
}

func (h *handlers) home(c *gin.Context) {
	if err := h.dev.Home(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrRoomNameEmpty),
		errors.Is(err, domain.ErrRoomNameTooLong),
		errors.Is(err, domain.ErrUnknownRole),
		errors.Is(err, domain.ErrUnknownCommand),
		errors.Is(err, ptz.ErrNotHoldable):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrInvalidState),
		errors.Is(err, core.ErrNotConnected),
		errors.Is(err, core.ErrNoSession),
		errors.Is(err, core.ErrCanceled),
		errors.Is(err, ptz.ErrDisabled):
		return http.StatusConflict
	case errors.Is(err, core.ErrDeviceAccess):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, core.ErrClosed):
		return http.StatusServiceUnavailable
	}
	if _, ok := core.KindOf(err); ok {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	status := statusFor(err)
	kind, _ := core.KindOf(err)
	log.Warn().Str("module", "adapters.http").Str("path", c.FullPath()).Int("status", status).Err(err).Msg("request failed")
	c.JSON(status, ErrorResponse{Error: err.Error(), Kind: kind})
}
