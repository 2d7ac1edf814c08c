package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/stationsync/internal/leases"
	"github.com/MarcoPoloResearchLab/stationsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleListLeases(c *gin.Context) {
	active, err := h.leases.List(c.Request.Context(), requestStation(c))
	if err != nil {
		h.writeStorageError(c, "lease list failed", err)
		return
	}
	bodies := make([]protocol.LeaseBody, 0, len(active))
	for _, lease := range active {
		bodies = append(bodies, protocol.NewLeaseBody(lease))
	}
	c.JSON(http.StatusOK, bodies)
}

func (h *httpHandler) handleGetLease(c *gin.Context) {
	recordID, ok := recordParam(c)
	if !ok {
		return
	}
	lease, found, err := h.leases.Get(c.Request.Context(), requestStation(c), recordID)
	if err != nil {
		h.writeStorageError(c, "lease read failed", err)
		return
	}
	if !found {
		writeError(c, http.StatusNotFound, protocol.CodeNotFound, "no lease row")
		return
	}
	c.JSON(http.StatusOK, protocol.NewLeaseBody(lease))
}

func (h *httpHandler) handleAcquireLease(c *gin.Context) {
	recordID, ok := recordParam(c)
	if !ok {
		return
	}
	var request protocol.AcquireRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			writeError(c, http.StatusBadRequest, protocol.CodeInvalidRequest, "invalid acquire body")
			return
		}
	}
	claims := requestClaims(c)
	name := request.HolderName
	if name == "" {
		name = claims.UserDisplayName
	}
	lease, err := h.leases.Acquire(c.Request.Context(), requestStation(c), recordID, leases.Holder{ID: claims.UserID(), Name: name})
	var heldErr *leases.HeldError
	if errors.As(err, &heldErr) {
		body := protocol.NewLeaseBody(heldErr.Current)
		c.JSON(http.StatusConflict, protocol.ErrorBody{
			Error:   http.StatusText(http.StatusConflict),
			Code:    protocol.CodeLeaseHeld,
			Message: heldErr.Error(),
			Lease:   &body,
		})
		return
	}
	if err != nil {
		h.writeStorageError(c, "lease acquire failed", err)
		return
	}
	c.JSON(http.StatusOK, protocol.NewLeaseBody(lease))
}

func (h *httpHandler) handleRenewLease(c *gin.Context) {
	recordID, ok := recordParam(c)
	if !ok {
		return
	}
	lease, err := h.leases.Renew(c.Request.Context(), requestStation(c), recordID, requestClaims(c).UserID())
	if errors.Is(err, leases.ErrLeaseNotHeld) {
		writeError(c, http.StatusConflict, protocol.CodeLeaseNotHeld, err.Error())
		return
	}
	if err != nil {
		h.writeStorageError(c, "lease renew failed", err)
		return
	}
	c.JSON(http.StatusOK, protocol.NewLeaseBody(lease))
}

func (h *httpHandler) handleReleaseLease(c *gin.Context) {
	recordID, ok := recordParam(c)
	if !ok {
		return
	}
	if err := h.leases.Release(c.Request.Context(), requestStation(c), recordID, requestClaims(c).UserID()); err != nil {
		h.writeStorageError(c, "lease release failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func recordParam(c *gin.Context) (stations.RecordID, bool) {
	recordID, err := stations.NewRecordID(c.Param("record"))
	if err != nil {
		writeError(c, http.StatusBadRequest, protocol.CodeInvalidRequest, err.Error())
		return "", false
	}
	return recordID, true
}
