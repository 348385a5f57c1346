package server

import (
	"github.com/findmydoctor/courier/internal/auth"
	"github.com/findmydoctor/courier/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleChatSocket(c *gin.Context) {
	h.serveSocket(c, realtime.ConnectRequest{
		Credential:    auth.CredentialFromRequest(c.Request),
		ClaimedUserID: c.Query("user_id"),
		ClaimedRole:   c.Query("role"),
		Selector:      realtime.TopicSelector{Kind: realtime.TopicKindChat, Target: c.Param("peerId")},
	})
}

func (h *httpHandler) handleNotificationSocket(c *gin.Context) {
	userID := c.Param("userId")
	h.serveSocket(c, realtime.ConnectRequest{
		Credential:    auth.CredentialFromRequest(c.Request),
		ClaimedUserID: userID,
		ClaimedRole:   c.Query("role"),
		Selector:      realtime.TopicSelector{Kind: realtime.TopicKindNotify, Target: userID},
	})
}

// serveSocket upgrades first and authenticates afterwards so rejections reach the client as close
// codes rather than bare HTTP statuses.
func (h *httpHandler) serveSocket(c *gin.Context, request realtime.ConnectRequest) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.String("path", c.FullPath()), zap.Error(err))
		return
	}
	transport := newWebsocketTransport(conn, h.transport)
	if err := h.sockets.Serve(c.Request.Context(), transport, request); err != nil {
		h.logger.Debug("websocket session ended", zap.String("path", c.FullPath()), zap.Error(err))
	}
}
