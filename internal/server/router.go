package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/clipsync/internal/auth"
	"github.com/MarcoPoloResearchLab/clipsync/internal/clip"
	"github.com/MarcoPoloResearchLab/clipsync/internal/devices"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	deviceIDContextKey       = "clipsync_device_id"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenManager = errors.New("token manager dependency required")
	errMissingEnrollment   = errors.New("enrollment verifier dependency required")
	errMissingRegistry     = errors.New("device registry dependency required")
	errMissingRecordStore  = errors.New("record store dependency required")
	errMissingRealtime     = errors.New("realtime dispatcher dependency required")
)

type DeviceTokenManager interface {
	IssueDeviceToken(ctx context.Context, deviceID clip.DeviceID, class clip.DeviceClass) (string, int64, error)
	ValidateToken(token string) (auth.DeviceClaims, error)
}

type EnrollmentVerifier interface {
	Verify(secret string) error
}

type DeviceRegistry interface {
	Enroll(ctx context.Context, enrollment devices.Enrollment) (devices.Device, error)
}

type RecordStore interface {
	Put(ctx context.Context, device clip.DeviceID, record clip.RemoteRecord) (clip.RemoteRecord, error)
	List(ctx context.Context) ([]clip.RemoteRecord, error)
	Delete(ctx context.Context, device clip.DeviceID, canonicalID string) (bool, error)
}

type Dependencies struct {
	TokenManager      DeviceTokenManager
	Enrollment        EnrollmentVerifier
	Devices           DeviceRegistry
	Records           RecordStore
	Realtime          *RealtimeDispatcher
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Enrollment == nil {
		return nil, errMissingEnrollment
	}
	if deps.Devices == nil {
		return nil, errMissingRegistry
	}
	if deps.Records == nil {
		return nil, errMissingRecordStore
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
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
		tokens:     deps.TokenManager,
		enrollment: deps.Enrollment,
		devices:    deps.Devices,
		records:    deps.Records,
		realtime:   deps.Realtime,
		heartbeat:  heartbeat,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/auth/device", handler.handleDeviceAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/records", handler.handleListRecords)
	protected.PUT("/records/:id", handler.handlePutRecord)
	protected.DELETE("/records/:id", handler.handleDeleteRecord)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens     DeviceTokenManager
	enrollment EnrollmentVerifier
	devices    DeviceRegistry
	records    RecordStore
	realtime   *RealtimeDispatcher
	heartbeat  time.Duration
	logger     *zap.Logger
}

type authRequestPayload struct {
	DeviceID         string `json:"device_id"`
	Name             string `json:"name"`
	Class            string `json:"class"`
	EnrollmentSecret string `json:"enrollment_secret"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type recordsResponsePayload struct {
	Records  []clip.RemoteRecord `json:"records"`
	Complete bool                `json:"complete"`
}

type deleteResponsePayload struct {
	CanonicalID string `json:"canonical_id"`
	Deleted     bool   `json:"deleted"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleDeviceAuth(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.DeviceID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.enrollment.Verify(request.EnrollmentSecret); err != nil {
		h.logger.Warn("device enrollment rejected", zap.String("device_id", request.DeviceID))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	device, err := h.devices.Enroll(c.Request.Context(), devices.Enrollment{
		DeviceID: clip.DeviceID(request.DeviceID),
		Name:     request.Name,
		Class:    clip.DeviceClass(request.Class),
	})
	if err != nil {
		h.logger.Warn("device enrollment failed", zap.String("device_id", request.DeviceID), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device"})
		return
	}

	token, expiresIn, err := h.tokens.IssueDeviceToken(c.Request.Context(), clip.DeviceID(device.DeviceID), clip.DeviceClass(device.Class))
	if err != nil {
		h.logger.Error("failed to issue device token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleListRecords(c *gin.Context) {
	records, err := h.records.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list records", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, recordsResponsePayload{Records: records, Complete: true})
}

func (h *httpHandler) handlePutRecord(c *gin.Context) {
	canonicalID := c.Param("id")
	var record clip.RemoteRecord
	if err := c.ShouldBindJSON(&record); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if record.CanonicalID == "" {
		record.CanonicalID = canonicalID
	}
	if record.CanonicalID != canonicalID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "canonical_id_mismatch"})
		return
	}

	stored, err := h.records.Put(c.Request.Context(), h.device(c), record)
	if err != nil {
		if errors.Is(err, clip.ErrInvalidRecord) || errors.Is(err, clip.ErrInvalidIdentifier) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_record"})
			return
		}
		h.logger.Error("failed to store record", zap.String("canonical_id", canonicalID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save_failed"})
		return
	}
	c.JSON(http.StatusOK, stored)
}

func (h *httpHandler) handleDeleteRecord(c *gin.Context) {
	canonicalID := c.Param("id")
	deleted, err := h.records.Delete(c.Request.Context(), h.device(c), canonicalID)
	if err != nil {
		if errors.Is(err, clip.ErrInvalidIdentifier) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_canonical_id"})
			return
		}
		h.logger.Error("failed to delete record", zap.String("canonical_id", canonicalID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	c.JSON(http.StatusOK, deleteResponsePayload{CanonicalID: canonicalID, Deleted: deleted})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	device := h.device(c)
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, device)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.SSEvent(eventReady, gin.H{"device": device})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case change, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(eventChange, change)
			return true
		case now := <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"at_ms": clip.Millis(now)})
			return true
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := auth.BearerToken(c.Request)
	if err != nil {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.ErrMissingBearerToken.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(deviceIDContextKey, claims.DeviceID().String())
	c.Next()
}

func (h *httpHandler) device(c *gin.Context) clip.DeviceID {
	return clip.DeviceID(c.GetString(deviceIDContextKey))
}
