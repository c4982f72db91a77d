// Package httpserver exposes the credit service over an authenticated HTTP
// API. The surface is internal: every caller is another backend service
// holding a signed service token.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Config carries the HTTP facade settings.
type Config struct {
	ListenAddr     string
	SigningKey     string
	AllowedOrigins []string
}

// Validate reports missing required settings.
func (cfg Config) Validate() error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen addr is required")
	}
	if cfg.SigningKey == "" {
		return fmt.Errorf("auth signing key is required")
	}
	return nil
}

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, cfg Config, service *credit.Service, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	router := NewRouter(cfg, service, logger)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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

// NewRouter builds the gin engine with all routes registered.
func NewRouter(cfg Config, service *credit.Service, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handler := &httpHandler{
		logger:  logger,
		service: service,
	}

	api := router.Group("/v1")
	api.Use(bearerAuth([]byte(cfg.SigningKey)))

	api.POST("/accounts", handler.handleGetOrCreateAccount)
	api.GET("/accounts", handler.handleListAccounts)
	api.GET("/accounts/:id", handler.handleGetAccount)
	api.PATCH("/accounts/:id", handler.handleUpdateAccount)
	api.POST("/accounts/:id/recompute", handler.handleRecomputeBalance)
	api.POST("/accounts/:id/expire", handler.handleExpireAccount)
	api.GET("/accounts/:id/entries", handler.handleListAccountEntries)

	api.POST("/transfers", handler.handleCreateTransfer)
	api.GET("/transfers", handler.handleListTransfers)
	api.GET("/transfers/:id", handler.handleGetTransfer)
	api.POST("/transfers/:id/complete", handler.handleCompleteTransfer)
	api.POST("/transfers/:id/cancel", handler.handleCancelTransfer)
	api.POST("/transfers/:id/revoke", handler.handleRevokeTransfer)

	api.POST("/allocations", handler.handleAllocate)
	api.GET("/allocations/:usage_log_id", handler.handleListAllocations)

	api.POST("/grants/initial", handler.handleInitialGrant)
	api.POST("/grants/recurring", handler.handleRecurringGrant)
	api.PUT("/plan-grants", handler.handleUpsertPlanGrant)
	api.GET("/plan-grants", handler.handleListPlanGrants)

	api.GET("/topup-products", handler.handleListTopupProducts)
	api.POST("/topup-products", handler.handleCreateTopupProduct)
	api.PATCH("/topup-products/:id", handler.handleUpdateTopupProduct)
	api.POST("/topup-purchases", handler.handleTopupPurchase)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *credit.Service
}

// respondError maps domain error classes onto HTTP statuses. Anything
// unrecognized is a 500 and gets logged; classified errors are the caller's
// problem and only surface in the response body.
func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, credit.ErrValidation):
		ctx.JSON(http.StatusBadRequest, errorResponse("validation_error", err.Error()))
	case errors.Is(err, credit.ErrNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", err.Error()))
	case errors.Is(err, credit.ErrInvalidState):
		ctx.JSON(http.StatusConflict, errorResponse("invalid_state", err.Error()))
	case errors.Is(err, credit.ErrConflict):
		ctx.JSON(http.StatusConflict, errorResponse("conflict", err.Error()))
	case errors.Is(err, credit.ErrInsufficientBalance):
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("insufficient_balance", err.Error()))
	default:
		handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "internal error"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
