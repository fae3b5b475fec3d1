// Package server exposes the ops HTTP API: health, metrics, the payment
// webhook and the admin report.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/payments"
	"github.com/MarcoPoloResearchLab/pixelmage/backend/internal/stats"
)

const adminSubjectContextKey = "pixelmage_admin_subject"

var (
	errMissingPayments      = errors.New("payments dependency required")
	errMissingReports       = errors.New("reports dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingMetrics       = errors.New("metrics handler required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// PaymentSettler settles payments named by gateway notifications.
type PaymentSettler interface {
	SettleProviderPayment(ctx context.Context, providerPaymentID string) (payments.Confirmation, error)
}

// ReportCollector builds the admin report.
type ReportCollector interface {
	Collect(ctx context.Context) (stats.Report, error)
}

// TokenValidator validates admin bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the handlers.
type Dependencies struct {
	Payments     PaymentSettler
	Reports      ReportCollector
	TokenManager TokenValidator
	Metrics      http.Handler
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Payments == nil {
		return nil, errMissingPayments
	}
	if deps.Reports == nil {
		return nil, errMissingReports
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Metrics == nil {
		return nil, errMissingMetrics
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		payments: deps.Payments,
		reports:  deps.Reports,
		tokens:   deps.TokenManager,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(deps.Metrics))
	router.POST("/payments/yookassa/notifications", handler.handlePaymentNotification)

	admin := router.Group("/admin")
	admin.Use(handler.authorizeRequest)
	admin.GET("/stats", handler.handleAdminStats)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	payments PaymentSettler
	reports  ReportCollector
	tokens   TokenValidator
	logger   *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type notificationPayload struct {
	Type   string                    `json:"type"`
	Event  string                    `json:"event"`
	Object notificationObjectPayload `json:"object"`
}

type notificationObjectPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// handlePaymentNotification acknowledges every well-formed notification. The
// payload only names the payment; its status is re-read from the gateway, so
// a forged notification cannot credit anything.
func (h *httpHandler) handlePaymentNotification(c *gin.Context) {
	var request notificationPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Object.ID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	confirmation, err := h.payments.SettleProviderPayment(c.Request.Context(), request.Object.ID)
	switch {
	case errors.Is(err, payments.ErrPaymentNotFound):
		h.logger.Info("notification for unknown payment", zap.String("provider_payment_id", request.Object.ID), zap.String("event", request.Event))
	case err != nil:
		h.logger.Warn("notification settlement failed", zap.String("provider_payment_id", request.Object.ID), zap.Error(err))
	default:
		h.logger.Info("notification processed",
			zap.String("provider_payment_id", request.Object.ID),
			zap.String("event", request.Event),
			zap.String("outcome", string(confirmation.Outcome)),
			zap.Bool("credited", confirmation.Credited),
		)
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func (h *httpHandler) handleAdminStats(c *gin.Context) {
	report, err := h.reports.Collect(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to collect admin report", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "report_failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(adminSubjectContextKey, subject)
	c.Next()
}
