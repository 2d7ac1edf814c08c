package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/presence"
	"github.com/MarcoPoloResearchLab/stationsync/internal/protocol"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const presenceSource = "stationsync-api"

// handlePresenceStream opens a presence connection for the caller and streams the full
// channel state as sync events. Closing the stream untracks the caller once no other
// connection of the same user remains.
func (h *httpHandler) handlePresenceStream(c *gin.Context) {
	station := requestStation(c)
	userID := requestClaims(c).UserID()
	ctx := c.Request.Context()

	subscription, err := h.presence.Subscribe(ctx, station, userID)
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, protocol.CodeInternal, err.Error())
		return
	}
	defer func() {
		_ = subscription.Close()
	}()

	c.Header("Content-Type", protocol.ContentTypeStream)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	h.logger.Debug("presence stream opened", zap.String("station", station.String()), zap.String("user_id", userID))
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-subscription.Events():
			if !ok || event.Kind != presence.EventSync {
				return false
			}
			c.SSEvent(protocol.EventSync, protocol.PresenceState{Claims: event.Claims})
			return true
		case <-heartbeat.C:
			c.SSEvent(protocol.EventHeartbeat, gin.H{"source": presenceSource})
			return true
		}
	})
	h.logger.Debug("presence stream closed", zap.String("station", station.String()), zap.String("user_id", userID))
}

func (h *httpHandler) handleTrackPresence(c *gin.Context) {
	var claim presence.Claim
	if err := c.ShouldBindJSON(&claim); err != nil {
		writeError(c, http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid presence claim")
		return
	}
	station := requestStation(c)
	claims := requestClaims(c)
	claim.UserID = claims.UserID()
	claim.Station = station
	if claim.DisplayName == "" {
		claim.DisplayName = claims.UserDisplayName
	}
	if claim.UpdatedAt.IsZero() {
		claim.UpdatedAt = time.Now().UTC()
	}
	err := h.presence.Track(station, claim.UserID, claim)
	if errors.Is(err, presence.ErrNotSubscribed) {
		writeError(c, http.StatusConflict, protocol.CodeNotSubscribed, "open the presence stream before tracking")
		return
	}
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, protocol.CodeInternal, err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUntrackPresence(c *gin.Context) {
	h.presence.Untrack(requestStation(c), requestClaims(c).UserID())
	c.Status(http.StatusNoContent)
}
