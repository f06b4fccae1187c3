// Package httpapi exposes the credit ledger over HTTP: the payment
// gateway webhook, balance and history reads, the entitlement check,
// and token-protected administrative writes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/entitlement/internal/cache"
	"github.com/MarkoPoloResearchLab/entitlement/internal/gate"
	"github.com/MarkoPoloResearchLab/entitlement/internal/ledger"
	"github.com/MarkoPoloResearchLab/entitlement/internal/webhook"
)

const (
	headerWebhookSignature = "X-Webhook-Signature"
	headerWebhookTimestamp = "X-Webhook-Timestamp"

	maxWebhookBodyBytes = 1 << 20
)

// ErrInvalidServer indicates a missing dependency at construction.
var ErrInvalidServer = errors.New("httpapi: service, gate and ingestor are required")

// Server wires the gin router to the ledger components.
type Server struct {
	cfg             Config
	logger          *zap.Logger
	creditService   *ledger.Service
	entitlementGate *gate.Gate
	ingestor        *webhook.Ingestor
	balanceCache    *cache.Balances
	router          *gin.Engine
}

// NewServer validates the configuration and builds the router. The
// balance cache is optional; a nil cache means every read hits the store.
func NewServer(cfg Config, logger *zap.Logger, creditService *ledger.Service, entitlementGate *gate.Gate, ingestor *webhook.Ingestor, balanceCache *cache.Balances) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if creditService == nil || entitlementGate == nil || ingestor == nil {
		return nil, ErrInvalidServer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &Server{
		cfg:             cfg,
		logger:          logger,
		creditService:   creditService,
		entitlementGate: entitlementGate,
		ingestor:        ingestor,
		balanceCache:    balanceCache,
	}
	server.router = server.setupRouter()
	return server, nil
}

// Router exposes the configured engine.
func (server *Server) Router() *gin.Engine {
	return server.router
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/webhooks/payments", server.handleWebhook)

	api := router.Group("/api")
	api.GET("/accounts/:account_id/balance", server.handleBalance)
	api.GET("/accounts/:account_id/transactions", server.handleTransactions)
	api.POST("/entitlements/check", server.handleEntitlementCheck)

	admin := api.Group("/admin")
	admin.Use(adminAuthMiddleware(server.cfg.AdminSigningKey, server.cfg.AdminIssuer))
	admin.POST("/accounts", server.handleCreateAccount)
	admin.POST("/grants", server.handleGrant)
	admin.POST("/refunds", server.handleRefund)

	return router
}

// handleWebhook feeds the raw delivery to the ingestor. Only transient
// failures return 5xx; the gateway interprets anything below 500 as an
// acknowledgement, which is exactly what permanent rejections need.
func (server *Server) handleWebhook(ctx *gin.Context) {
	rawBody, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		// A read error mid-body is transient; withholding the ack makes
		// the gateway redeliver, and application stays idempotent.
		server.logger.Warn("webhook body read failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("read_error", "temporary failure, retry delivery"))
		return
	}
	signature := ctx.GetHeader(headerWebhookSignature)
	timestamp := ctx.GetHeader(headerWebhookTimestamp)

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	result, err := server.ingestor.Process(requestCtx, rawBody, signature, timestamp)
	if err != nil {
		server.logger.Error("webhook processing failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "temporary failure, retry delivery"))
		return
	}
	if result.Outcome == webhook.OutcomeRejected && result.RejectReason == webhook.RejectReasonSignature {
		ctx.JSON(http.StatusUnauthorized, errorResponse("signature_invalid", "signature verification failed"))
		return
	}
	if result.Outcome == webhook.OutcomeApplied {
		server.invalidateAccount(requestCtx, result.AccountID)
	}
	ctx.JSON(http.StatusOK, gin.H{
		"outcome":       result.Outcome,
		"reject_reason": result.RejectReason,
		"order_id":      result.OrderID,
	})
}

func (server *Server) handleBalance(ctx *gin.Context) {
	accountID, err := ledger.NewAccountID(ctx.Param("account_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account_id", "account id is required"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()

	if server.balanceCache != nil {
		if balance, hit, cacheErr := server.balanceCache.Get(requestCtx, accountID.String()); cacheErr == nil && hit {
			ctx.JSON(http.StatusOK, balanceResponse{AccountID: accountID.String(), Balance: balance, Cached: true})
			return
		}
	}

	balance, err := server.creditService.GetBalance(requestCtx, accountID)
	if err != nil {
		server.respondLedgerError(ctx, err)
		return
	}
	if server.balanceCache != nil {
		if cacheErr := server.balanceCache.Set(requestCtx, accountID.String(), balance); cacheErr != nil {
			server.logger.Warn("balance cache write failed", zap.Error(cacheErr))
		}
	}
	ctx.JSON(http.StatusOK, balanceResponse{AccountID: accountID.String(), Balance: balance})
}

func (server *Server) handleTransactions(ctx *gin.Context) {
	accountID, err := ledger.NewAccountID(ctx.Param("account_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account_id", "account id is required"))
		return
	}
	var query historyQuery
	if err := ctx.ShouldBindQuery(&query); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", "before and limit must be integers"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	transactions, err := server.creditService.History(requestCtx, accountID, query.Before, query.Limit)
	if err != nil {
		server.respondLedgerError(ctx, err)
		return
	}

	payload := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, transactionPayload{
			TransactionID:   transaction.TransactionID,
			Amount:          transaction.Amount,
			Kind:            string(transaction.Kind),
			Description:     transaction.Description,
			ExternalOrderID: transaction.ExternalOrderID,
			Metadata:        json.RawMessage(transaction.MetadataJSON),
			CreatedUnixUTC:  transaction.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"account_id": accountID.String(), "transactions": payload})
}

// handleEntitlementCheck debits the action cost when the account can
// afford it. A denial is a 402 with a reason, not an error.
func (server *Server) handleEntitlementCheck(ctx *gin.Context) {
	var request entitlementRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := ledger.NewAccountID(request.AccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account_id", "account id is required"))
		return
	}
	cost, err := ledger.NewCreditAmount(request.Cost)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_cost", "cost must be a positive integer"))
		return
	}
	description := defaultIfEmpty(request.Description, "entitlement check")

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	decision, err := server.entitlementGate.CheckAndReserve(requestCtx, accountID, cost, description)
	if err != nil {
		server.respondLedgerError(ctx, err)
		return
	}
	if !decision.Granted {
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"granted": false,
			"reason":  decision.Reason,
		})
		return
	}
	server.invalidateAccount(requestCtx, accountID.String())
	ctx.JSON(http.StatusOK, gin.H{
		"granted":     true,
		"new_balance": decision.NewBalance,
	})
}

func (server *Server) handleCreateAccount(ctx *gin.Context) {
	var request createAccountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := ledger.NewAccountID(request.AccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account_id", "account id is required"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	if err := server.creditService.CreateAccount(requestCtx, accountID, request.Plan, request.StarterCredits); err != nil {
		server.respondLedgerError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"account_id": accountID.String(),
		"balance":    request.StarterCredits,
	})
}

func (server *Server) handleGrant(ctx *gin.Context) {
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := ledger.NewAccountID(request.AccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account_id", "account id is required"))
		return
	}
	amount, err := ledger.NewCreditAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be a positive integer"))
		return
	}
	grantedBy, err := ledger.NewAdminID(adminSubject(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "token subject is required"))
		return
	}
	description := defaultIfEmpty(request.Description, fmt.Sprintf("grant by %s", grantedBy.String()))

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	newBalance, err := server.creditService.Grant(requestCtx, accountID, amount, description, grantedBy)
	if err != nil {
		server.respondLedgerError(ctx, err)
		return
	}
	server.invalidateAccount(requestCtx, accountID.String())
	ctx.JSON(http.StatusOK, gin.H{
		"account_id":  accountID.String(),
		"new_balance": newBalance,
	})
}

func (server *Server) handleRefund(ctx *gin.Context) {
	var request refundRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := ledger.NewAccountID(request.AccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account_id", "account id is required"))
		return
	}
	amount, err := ledger.NewCreditAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be a positive integer"))
		return
	}
	issuedBy, err := ledger.NewAdminID(adminSubject(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "token subject is required"))
		return
	}
	description := defaultIfEmpty(request.Description, fmt.Sprintf("refund of %s", request.OriginalTransactionID))

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	newBalance, err := server.creditService.Refund(requestCtx, accountID, amount, request.OriginalTransactionID, description, issuedBy)
	if err != nil {
		server.respondLedgerError(ctx, err)
		return
	}
	server.invalidateAccount(requestCtx, accountID.String())
	ctx.JSON(http.StatusOK, gin.H{
		"account_id":  accountID.String(),
		"new_balance": newBalance,
	})
}

func (server *Server) invalidateAccount(ctx context.Context, accountID string) {
	if server.balanceCache == nil {
		return
	}
	if err := server.balanceCache.Invalidate(ctx, accountID); err != nil {
		server.logger.Warn("balance cache invalidation failed",
			zap.String("account_id", accountID),
			zap.Error(err))
	}
}

// respondLedgerError maps ledger sentinels to HTTP statuses.
func (server *Server) respondLedgerError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("account_not_found", "unknown account"))
	case errors.Is(err, ledger.ErrAccountExists):
		ctx.JSON(http.StatusConflict, errorResponse("account_exists", "account already exists"))
	case errors.Is(err, ledger.ErrInsufficientBalance):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_balance", "balance too low"))
	case errors.Is(err, ledger.ErrDuplicateExternalOrder):
		ctx.JSON(http.StatusConflict, errorResponse("duplicate_external_order", "order already applied"))
	case errors.Is(err, ledger.ErrUnknownTransaction):
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_transaction", "original transaction not found"))
	case errors.Is(err, ledger.ErrInvalidCreditAmount),
		errors.Is(err, ledger.ErrInvalidAccountID),
		errors.Is(err, ledger.ErrInvalidDescription),
		errors.Is(err, ledger.ErrInvalidTransactionID),
		errors.Is(err, ledger.ErrInvalidTransactionsLimit),
		errors.Is(err, ledger.ErrInvalidStarterCredits),
		errors.Is(err, ledger.ErrInvalidPlan):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		server.logger.Error("ledger operation failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "ledger unavailable"))
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

type balanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	Cached    bool   `json:"cached,omitempty"`
}

type historyQuery struct {
	Before int64 `form:"before"`
	Limit  int   `form:"limit"`
}

type transactionPayload struct {
	TransactionID   string          `json:"transaction_id"`
	Amount          int64           `json:"amount"`
	Kind            string          `json:"kind"`
	Description     string          `json:"description"`
	ExternalOrderID string          `json:"external_order_id,omitempty"`
	Metadata        json.RawMessage `json:"metadata"`
	CreatedUnixUTC  int64           `json:"created_unix_utc"`
}

type entitlementRequest struct {
	AccountID   string `json:"account_id"`
	Cost        int64  `json:"cost"`
	Description string `json:"description"`
}

type createAccountRequest struct {
	AccountID      string `json:"account_id"`
	Plan           string `json:"plan"`
	StarterCredits int64  `json:"starter_credits"`
}

type grantRequest struct {
	AccountID   string `json:"account_id"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type refundRequest struct {
	AccountID             string `json:"account_id"`
	Amount                int64  `json:"amount"`
	OriginalTransactionID string `json:"original_transaction_id"`
	Description           string `json:"description"`
}
