package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/stationsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stationdata"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleGetStationData(c *gin.Context) {
	station := requestStation(c)
	snapshot, err := h.rows.Get(c.Request.Context(), station)
	if errors.Is(err, stationdata.ErrNotFound) {
		writeError(c, http.StatusNotFound, protocol.CodeNotFound, "no data for station "+station.String())
		return
	}
	if err != nil {
		h.writeStorageError(c, "station data read failed", err)
		return
	}
	c.JSON(http.StatusOK, protocol.NewStationDataBody(snapshot))
}

func (h *httpHandler) handlePutStationData(c *gin.Context) {
	var request protocol.PutStationDataRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.RecordsJSON) == 0 {
		writeError(c, http.StatusBadRequest, protocol.CodeInvalidRequest, "records_json is required")
		return
	}
	station := requestStation(c)
	claims := requestClaims(c)
	snapshot, err := h.rows.Put(c.Request.Context(), station, request.RecordsJSON, claims.UserID())
	if errors.Is(err, stationdata.ErrInvalidPayload) {
		writeError(c, http.StatusBadRequest, protocol.CodeInvalidRequest, err.Error())
		return
	}
	if err != nil {
		h.writeStorageError(c, "station data write failed", err)
		return
	}
	h.logger.Info("station data pushed",
		zap.String("station", station.String()),
		zap.String("user_id", claims.UserID()),
		zap.Int("bytes", len(request.RecordsJSON)))
	c.JSON(http.StatusOK, protocol.NewStationDataBody(snapshot))
}
