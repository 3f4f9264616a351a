package handler

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/noah-isme/complaint-desk-api/pkg/realtime"
)

type subscriberHub interface {
	Attach(conn realtime.Conn, channel string) (*realtime.Subscriber, error)
}

// RealtimeHandler upgrades staff dashboards to a websocket subscription.
type RealtimeHandler struct {
	hub         subscriberHub
	upgrader    *websocket.Upgrader
	pongTimeout time.Duration
	logger      *zap.Logger
}

// NewRealtimeHandler constructs a RealtimeHandler.
func NewRealtimeHandler(hub subscriberHub, allowedOrigins []string, pongTimeout time.Duration, logger *zap.Logger) *RealtimeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeHandler{
		hub:         hub,
		upgrader:    realtime.NewUpgrader(allowedOrigins),
		pongTimeout: pongTimeout,
		logger:      logger,
	}
}

// Subscribe godoc
// @Summary Subscribe to complaint events
// @Description Websocket upgrade. Events arrive as {type, data, timestamp}; send {"type":"subscribe","channel":"..."} to switch channel.
// @Tags Realtime
// @Param channel query string false "Initial channel"
// @Param token query string false "Access token when the Authorization header cannot be set"
// @Success 101
// @Security BearerAuth
// @Router /ws [get]
func (h *RealtimeHandler) Subscribe(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written an HTTP error
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	sub, err := h.hub.Attach(realtime.NewWebsocketConn(conn, h.pongTimeout), strings.TrimSpace(c.Query("channel")))
	if err != nil {
		// Attach has already closed the connection
		h.logger.Warn("realtime subscriber rejected", zap.Error(err))
		return
	}
	actor := actorFromContext(c)
	h.logger.Info("realtime subscriber connected",
		zap.String("subscriber_id", sub.ID()),
		zap.String("user_id", actor.ID),
		zap.String("role", string(actor.Role)))
}
