package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/findmydoctor/courier/internal/auth"
	"github.com/findmydoctor/courier/internal/history"
	"github.com/findmydoctor/courier/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type publishNotificationPayload struct {
	UserID  json.RawMessage `json:"user_id"`
	Payload json.RawMessage `json:"payload"`
}

type notificationListPayload struct {
	Data        []map[string]any `json:"data"`
	UnreadCount int64            `json:"unread_count"`
}

// handlePublishNotification is the producer endpoint: back-office services post notifications
// for a user and every open feed of that user receives them live.
func (h *httpHandler) handlePublishNotification(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if principal.Role != auth.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := validatePublishRequest(body); err != nil {
		h.logger.Debug("notification publish request rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var request publishNotificationPayload
	if err := json.Unmarshal(body, &request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID, err := normaliseUserID(request.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	topic, err := realtime.NotifyTopic(userID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}

	stored, err := h.publisher.Publish(c.Request.Context(), realtime.Event{
		Topic:    topic,
		SenderID: principal.ID,
		Payload:  request.Payload,
	})
	if err != nil {
		h.respondError(c, "notification publish failed", err)
		return
	}
	c.JSON(http.StatusCreated, realtime.NotificationView(realtime.BacklogEntry{Event: stored}))
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	notifications, err := h.notifications.ListNotifications(c.Request.Context(), principal.ID)
	if err != nil {
		h.respondError(c, "notification listing failed", err)
		return
	}
	unread, err := h.notifications.UnreadCount(c.Request.Context(), principal.ID)
	if err != nil {
		h.respondError(c, "notification unread count failed", err)
		return
	}

	response := notificationListPayload{
		Data:        make([]map[string]any, 0, len(notifications)),
		UnreadCount: unread,
	}
	for _, notification := range notifications {
		response.Data = append(response.Data, realtime.NotificationView(realtime.BacklogEntry{
			Event: notification.Event,
			Read:  notification.Read,
		}))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	eventID := strings.TrimSpace(c.Param("id"))
	if err := h.notifications.MarkRead(c.Request.Context(), principal.ID, eventID); err != nil {
		h.respondError(c, "notification mark-as-read failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": eventID, "is_read": true})
}

// respondError maps domain errors to HTTP statuses and surfaces the service error code when the
// failure carries one.
func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, history.ErrEventNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, realtime.ErrInvalidEvent), errors.Is(err, realtime.ErrInvalidTopic):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, realtime.ErrStoreUnavailable):
		status, code = http.StatusServiceUnavailable, "store_unavailable"
	}

	body := gin.H{"error": code}
	var serviceErr *history.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	} else {
		h.logger.Info(message, zap.Error(err))
	}
	c.JSON(status, body)
}
