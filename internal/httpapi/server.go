// Package httpapi exposes the credit, referral and memory activation services over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/memoryledger/internal/config"
	"github.com/MarkoPoloResearchLab/memoryledger/internal/observability"
	"github.com/MarkoPoloResearchLab/memoryledger/pkg/activation"
	"github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/memoryledger/pkg/referral"
)

const (
	contextKeyAuthClaims = "auth_claims"
	contextKeyOperator   = "operator"
	shutdownTimeout      = 5 * time.Second
)

// Services are the domain components served by the router.
type Services struct {
	Ledger      *ledger.Service
	Registry    *referral.Registry
	Claims      *referral.ClaimDesk
	Coordinator *activation.Coordinator
}

// Dependencies carry the ambient collaborators of the router.
type Dependencies struct {
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
}

// Run serves the API until ctx is cancelled.
func Run(ctx context.Context, cfg config.Config, services Services, deps Dependencies) error {
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}
	router := NewRouter(cfg, services, deps, sessionValidator)
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("memoryledger listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter builds the gin engine with every route group wired.
func NewRouter(cfg config.Config, services Services, deps Dependencies, validator *sessionvalidator.Validator) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if deps.Metrics != nil {
		router.Use(deps.Metrics.GinMiddleware())
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{logger: logger, services: services, cfg: cfg}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(contextKeyAuthClaims))
	api.GET("/credits", handler.handleBalance)
	api.GET("/credits/transactions", handler.handleTransactions)
	api.POST("/referral/account", handler.handleCreateReferralAccount)
	api.POST("/referral/link", handler.handleLinkCode)
	api.GET("/referral/codes/:code", handler.handleLookupCode)
	api.GET("/referral/summary", handler.handleReferralSummary)
	api.POST("/referral/claims", handler.handleFileClaim)
	api.POST("/memories/:id/checkout", handler.handleRegisterCheckout)
	api.POST("/memories/:id/verify", handler.handleVerifyCheckout)
	api.POST("/memories/:id/free-unlock", handler.handleFreeUnlock)

	internal := router.Group("/internal")
	internal.Use(requireOperator([]byte(cfg.ServiceJWTKey), roleService))
	internal.POST("/memories", handler.handleOpenMemory)
	internal.POST("/credits/grant", handler.handleGrant)
	internal.POST("/credits/debit", handler.handleDebit)
	internal.POST("/credits/refund", handler.handleRefund)

	router.POST("/webhooks/payments", requireWebhookSignature([]byte(cfg.WebhookSecret)), handler.handlePaymentWebhook)

	admin := router.Group("/admin")
	admin.Use(requireOperator([]byte(cfg.AdminJWTKey), roleAdmin))
	admin.GET("/claims", handler.handleListClaims)
	admin.POST("/claims/:id/process", handler.handleProcessClaim)

	return router
}

type httpHandler struct {
	logger   *zap.Logger
	services Services
	cfg      config.Config
}

// respondError maps domain errors onto the error envelope.
func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := classifyError(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("route", ctx.FullPath()), zap.Error(err))
		if status == http.StatusInternalServerError {
			message = "internal error"
		}
	}
	ctx.JSON(status, errorResponse(code, message))
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func sessionUserID(ctx *gin.Context) (ledger.UserID, bool) {
	claimsValue, ok := ctx.Get(contextKeyAuthClaims)
	if !ok {
		return ledger.UserID{}, false
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	if claims == nil {
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		return ledger.UserID{}, false
	}
	return userID, true
}

func requireSession(ctx *gin.Context) (ledger.UserID, bool) {
	userID, ok := sessionUserID(ctx)
	if !ok {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
	}
	return userID, ok
}

func operatorName(ctx *gin.Context) string {
	return ctx.GetString(contextKeyOperator)
}
