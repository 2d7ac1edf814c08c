package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/stationsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/stationsync/internal/serviceerr"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, protocol.ErrorBody{Error: http.StatusText(status), Code: code, Message: message})
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, protocol.ErrorBody{Error: http.StatusText(status), Code: code, Message: message})
}

// writeStorageError reports a store failure. Missing tables and columns surface with their
// SQLSTATE so clients can tell a schema problem from a transient one.
func (h *httpHandler) writeStorageError(c *gin.Context, message string, err error) {
	code := storageCode(err)
	h.logger.Error(message, zap.String("code", code), zap.String("service_code", serviceerr.CodeOf(err)), zap.Error(err))
	writeError(c, http.StatusInternalServerError, code, message)
}

func storageCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code != "" {
		return pgErr.Code
	}
	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "no such table"):
		return protocol.CodeUndefinedTable
	case strings.Contains(message, "no such column"), strings.Contains(message, "has no column"):
		return protocol.CodeUndefinedColumn
	default:
		return protocol.CodeInternal
	}
}
