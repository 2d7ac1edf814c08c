package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/stationsync/internal/auth"
	"github.com/MarcoPoloResearchLab/stationsync/internal/leases"
	"github.com/MarcoPoloResearchLab/stationsync/internal/presence"
	"github.com/MarcoPoloResearchLab/stationsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stationdata"
	"github.com/MarcoPoloResearchLab/stationsync/internal/stations"
	"github.com/MarcoPoloResearchLab/stationsync/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	claimsContextKey         = "stationsync_claims"
	stationContextKey        = "stationsync_station"
	defaultHeartbeatInterval = 15 * time.Second
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingUserDirectory = errors.New("user directory dependency required")
	errMissingLeaseStore    = errors.New("lease store dependency required")
	errMissingRowStore      = errors.New("station data store dependency required")
	errMissingPresenceHub   = errors.New("presence hub dependency required")
	errMissingAnonKey       = errors.New("anon key required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates bearer tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, identity auth.Identity) (string, int64, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// UserDirectory authenticates allowed users and manages their display names.
type UserDirectory interface {
	Authenticate(ctx context.Context, email, password string) (auth.Identity, error)
	DisplayName(ctx context.Context, userID string) (string, error)
	SetDisplayName(ctx context.Context, userID, displayName string) (string, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	AnonKey           string
	TokenManager      TokenManager
	Users             UserDirectory
	Leases            leases.Store
	StationData       stationdata.Store
	Presence          *presence.Hub
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the remote store API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case strings.TrimSpace(deps.AnonKey) == "":
		return nil, errMissingAnonKey
	case deps.TokenManager == nil:
		return nil, errMissingTokenManager
	case deps.Users == nil:
		return nil, errMissingUserDirectory
	case deps.Leases == nil:
		return nil, errMissingLeaseStore
	case deps.StationData == nil:
		return nil, errMissingRowStore
	case deps.Presence == nil:
		return nil, errMissingPresenceHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		anonKey:   deps.AnonKey,
		tokens:    deps.TokenManager,
		users:     deps.Users,
		leases:    deps.Leases,
		rows:      deps.StationData,
		presence:  deps.Presence,
		heartbeat: heartbeat,
		logger:    logger,
	}

	public := router.Group("/")
	public.Use(handler.requireAPIKey)
	public.POST("/auth/login", handler.handleLogin)

	protected := router.Group("/")
	protected.Use(handler.requireAPIKey, handler.authorizeRequest)
	protected.GET("/me", handler.handleMe)
	protected.PUT("/me/display-name", handler.handleSetDisplayName)

	station := protected.Group("/stations/:station")
	station.Use(handler.resolveStation)
	station.GET("/data", handler.handleGetStationData)
	station.PUT("/data", handler.handlePutStationData)
	station.GET("/locks", handler.handleListLeases)
	station.GET("/locks/:record", handler.handleGetLease)
	station.PUT("/locks/:record", handler.handleAcquireLease)
	station.PATCH("/locks/:record", handler.handleRenewLease)
	station.DELETE("/locks/:record", handler.handleReleaseLease)
	station.GET("/presence", handler.handlePresenceStream)
	station.PUT("/presence", handler.handleTrackPresence)
	station.DELETE("/presence", handler.handleUntrackPresence)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", protocol.HeaderAPIKey},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	anonKey   string
	tokens    TokenManager
	users     UserDirectory
	leases    leases.Store
	rows      stationdata.Store
	presence  *presence.Hub
	heartbeat time.Duration
	logger    *zap.Logger
}

func (h *httpHandler) requireAPIKey(c *gin.Context) {
	key := c.GetHeader(protocol.HeaderAPIKey)
	if key == "" {
		key = c.Query(protocol.QueryAPIKey)
	}
	if key != h.anonKey {
		abortWithError(c, http.StatusUnauthorized, protocol.CodeInvalidAPIKey, "invalid api key")
		return
	}
	c.Next()
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else if header == "" {
		token = strings.TrimSpace(c.Query(protocol.QueryAccessToken))
	}
	if token == "" {
		abortWithError(c, http.StatusUnauthorized, protocol.CodeUnauthorized, errInvalidAuthorization.Error())
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		abortWithError(c, http.StatusUnauthorized, protocol.CodeUnauthorized, "unauthorized")
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) resolveStation(c *gin.Context) {
	station, err := stations.Parse(c.Param("station"))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, protocol.CodeInvalidStation, err.Error())
		return
	}
	c.Set(stationContextKey, station)
	c.Next()
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request protocol.LoginRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Email) == "" || request.Password == "" {
		writeError(c, http.StatusBadRequest, protocol.CodeInvalidRequest, "email and password are required")
		return
	}
	identity, err := h.users.Authenticate(c.Request.Context(), request.Email, request.Password)
	if errors.Is(err, users.ErrInvalidCredentials) {
		h.logger.Info("login rejected", zap.String("email", request.Email))
		writeError(c, http.StatusUnauthorized, protocol.CodeInvalidCredentials, "invalid login credentials")
		return
	}
	if err != nil {
		h.writeStorageError(c, "login failed", err)
		return
	}
	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), identity)
	if err != nil {
		h.logger.Error("failed to issue access token", zap.Error(err))
		writeError(c, http.StatusInternalServerError, protocol.CodeInternal, "token_issue_failed")
		return
	}
	c.JSON(http.StatusOK, protocol.LoginResponse{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      identity.UserID,
		Email:       identity.Email,
		DisplayName: identity.DisplayName,
	})
}

func (h *httpHandler) handleMe(c *gin.Context) {
	claims := requestClaims(c)
	name, err := h.users.DisplayName(c.Request.Context(), claims.UserID())
	if errors.Is(err, users.ErrUnknownUser) {
		name = claims.UserDisplayName
	} else if err != nil {
		h.writeStorageError(c, "profile lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, protocol.MeResponse{UserID: claims.UserID(), Email: claims.UserEmail, DisplayName: name})
}

func (h *httpHandler) handleSetDisplayName(c *gin.Context) {
	var request protocol.DisplayNameRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeError(c, http.StatusBadRequest, protocol.CodeInvalidRequest, "display_name is required")
		return
	}
	claims := requestClaims(c)
	name, err := h.users.SetDisplayName(c.Request.Context(), claims.UserID(), request.DisplayName)
	switch {
	case errors.Is(err, users.ErrInvalidDisplayName):
		writeError(c, http.StatusBadRequest, protocol.CodeInvalidRequest, err.Error())
		return
	case errors.Is(err, users.ErrUnknownUser):
		writeError(c, http.StatusNotFound, protocol.CodeNotFound, err.Error())
		return
	case err != nil:
		h.writeStorageError(c, "display name update failed", err)
		return
	}
	c.JSON(http.StatusOK, protocol.MeResponse{UserID: claims.UserID(), Email: claims.UserEmail, DisplayName: name})
}

func requestClaims(c *gin.Context) auth.SessionClaims {
	value, _ := c.Get(claimsContextKey)
	claims, _ := value.(auth.SessionClaims)
	return claims
}

func requestStation(c *gin.Context) stations.Station {
	value, _ := c.Get(stationContextKey)
	station, _ := value.(stations.Station)
	return station
}
