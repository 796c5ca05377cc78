package creditapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/syncworker"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey    = "auth_claims"
	principalContextKey = "credit_user_id"
)

// WorkerAdmin is the slice of the sync worker exposed to operators.
type WorkerAdmin interface {
	HealthCheck(ctx context.Context) syncworker.Health
	ManualMonthlyReset(ctx context.Context) (syncworker.ResetReport, error)
}

// Dependencies are the collaborators the handlers call into.
type Dependencies struct {
	Credits *credits.Service
	Teams   *credits.TeamService
	Worker  WorkerAdmin
	Logger  *zap.Logger
}

// Run serves the HTTP API until ctx is cancelled.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}
	handler, err := NewHandler(cfg, deps)
	if err != nil {
		return err
	}
	router := NewRouter(cfg, handler, sessionValidator.GinMiddleware(claimsContextKey), claimsPrincipal())

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("credit api listening", zap.String("addr", cfg.ListenAddr))
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

// NewRouter mounts the routes. auth must leave the caller id under the
// principal key, which claimsPrincipal does for tauth sessions.
func NewRouter(cfg Config, handler *Handler, auth ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", adminKeyHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/credits")
	api.Use(auth...)
	api.GET("", handler.handleCredits)
	api.GET("/check", handler.handleCheck)
	api.POST("/deduct", handler.handleDeduct)
	api.POST("/purchases", handler.handlePurchase)
	api.GET("/transactions", handler.handleTransactions)
	api.POST("/sync", handler.handleSync)

	admin := router.Group("/api/admin")
	admin.Use(handler.requireAdminKey)
	admin.GET("/worker/health", handler.handleWorkerHealth)
	admin.POST("/monthly-reset", handler.handleMonthlyReset)

	return router
}

// claimsPrincipal copies the tauth user id into the principal key.
func claimsPrincipal() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claimsValue, ok := ctx.Get(claimsContextKey)
		if !ok {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		claims, _ := claimsValue.(*sessionvalidator.Claims)
		if claims == nil || claims.GetUserID() == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		ctx.Set(principalContextKey, claims.GetUserID())
		ctx.Next()
	}
}

// Handler serves the credit routes.
type Handler struct {
	credits *credits.Service
	teams   *credits.TeamService
	worker  WorkerAdmin
	logger  *zap.Logger
	cfg     Config
}

// NewHandler validates the dependencies.
func NewHandler(cfg Config, deps Dependencies) (*Handler, error) {
	if deps.Credits == nil || deps.Teams == nil || deps.Worker == nil {
		return nil, fmt.Errorf("%w: credit api dependencies are incomplete", credits.ErrInvalidServiceConfig)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Handler{credits: deps.Credits, teams: deps.Teams, worker: deps.Worker, logger: logger, cfg: cfg}, nil
}

func (handler *Handler) handleCredits(ctx *gin.Context) {
	userID, ok := handler.principal(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	balance, err := handler.teams.CreditsForContext(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "credits lookup failed", err)
		return
	}
	ctx.JSON(http.StatusOK, creditsPayload{
		Credits:   balance.Credits,
		Source:    balance.Source.String(),
		AccountID: balance.AccountID.String(),
	})
}

func (handler *Handler) handleCheck(ctx *gin.Context) {
	userID, ok := handler.principal(ctx)
	if !ok {
		return
	}
	operation := ctx.Query("operation")
	cost, err := credits.OperationCost(operation)
	if err != nil {
		handler.respondError(ctx, "cost lookup failed", err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	sufficient, balance, err := handler.teams.HasSufficientCreditsForContext(requestCtx, userID, operation)
	if err != nil {
		handler.respondError(ctx, "sufficiency check failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"operation":  operation,
		"cost":       cost,
		"sufficient": sufficient,
		"source":     balance.Source.String(),
	})
}

func (handler *Handler) handleDeduct(ctx *gin.Context) {
	userID, ok := handler.principal(ctx)
	if !ok {
		return
	}
	var request deductRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, source, err := handler.teams.DeductForContext(requestCtx, credits.TeamDeductRequest{
		UserID:      userID,
		Amount:      request.Cost,
		Operation:   request.Operation,
		Description: request.Description,
	})
	if err != nil {
		handler.respondError(ctx, "deduct failed", err)
		return
	}
	ctx.JSON(http.StatusOK, deductPayload{
		CreditsDeducted:  result.CreditsDeducted,
		CreditsRemaining: result.CreditsRemaining,
		TransactionID:    result.TransactionID,
		Source:           source.Source.String(),
	})
}

func (handler *Handler) handlePurchase(ctx *gin.Context) {
	userID, ok := handler.principal(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	teamID, _, err := handler.teams.GetUserTeamContext(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "team context lookup failed", err)
		return
	}
	result, err := handler.teams.AddCredits(requestCtx, credits.TeamAddRequest{
		UserID:      userID,
		TeamID:      teamID,
		Amount:      request.Credits,
		Type:        credits.TransactionPurchase,
		Description: request.Description,
		Payment: &credits.PaymentMetadata{
			Gateway:   request.Gateway,
			OrderID:   request.OrderID,
			PaymentID: request.PaymentID,
			Signature: request.Signature,
			Amount:    request.Amount,
			Currency:  request.Currency,
		},
	})
	if err != nil {
		handler.respondError(ctx, "purchase failed", err)
		return
	}
	source := credits.ScopeUser
	if !teamID.IsZero() {
		source = credits.ScopeTeam
	}
	ctx.JSON(http.StatusOK, addPayload{
		CreditsAdded:     result.CreditsAdded,
		CreditsRemaining: result.CreditsRemaining,
		TransactionID:    result.TransactionID,
		Source:           source.String(),
	})
}

func (handler *Handler) handleTransactions(ctx *gin.Context) {
	userID, ok := handler.principal(ctx)
	if !ok {
		return
	}
	page := queryInt(ctx, "page", defaultHistoryPage)
	limit := queryInt(ctx, "limit", 0)
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	teamID, inTeam, err := handler.teams.GetUserTeamContext(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "team context lookup failed", err)
		return
	}
	ref := credits.UserRef(userID)
	if inTeam {
		ref = credits.TeamRef(teamID)
	}
	history, err := handler.credits.TransactionHistory(requestCtx, ref, page, limit)
	if err != nil {
		handler.respondError(ctx, "history lookup failed", err)
		return
	}
	entries := make([]transactionPayload, 0, len(history.Transactions))
	for _, transaction := range history.Transactions {
		entries = append(entries, transactionPayload{
			TransactionID: transaction.ID,
			Scope:         transaction.Account.Scope.String(),
			AccountID:     transaction.Account.ID.String(),
			Type:          transaction.Type.String(),
			CreditsAmount: transaction.CreditsAmount,
			Operation:     transaction.Operation,
			Description:   transaction.Description,
			Metadata:      json.RawMessage(transaction.Metadata.String()),
			BalanceAfter:  transaction.BalanceAfter,
			CreatedAt:     transaction.CreatedAt.UTC(),
		})
	}
	ctx.JSON(http.StatusOK, historyPayload{
		Transactions: entries,
		Page:         history.Page,
		Limit:        history.Limit,
		Total:        history.Total,
	})
}

func (handler *Handler) handleSync(ctx *gin.Context) {
	userID, ok := handler.principal(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if err := handler.credits.EmergencySync(requestCtx, userID); err != nil {
		handler.respondError(ctx, "emergency sync failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "synced"})
}

func (handler *Handler) handleWorkerHealth(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	health := handler.worker.HealthCheck(requestCtx)
	status := http.StatusOK
	if !health.CacheReachable {
		status = http.StatusServiceUnavailable
	}
	ctx.JSON(status, health)
}

func (handler *Handler) handleMonthlyReset(ctx *gin.Context) {
	report, err := handler.worker.ManualMonthlyReset(ctx.Request.Context())
	if err != nil {
		handler.logger.Error("manual monthly reset failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, gin.H{
			"error":  gin.H{"code": "reset_incomplete", "message": err.Error()},
			"report": report,
		})
		return
	}
	ctx.JSON(http.StatusOK, report)
}

func (handler *Handler) requireAdminKey(ctx *gin.Context) {
	provided := ctx.GetHeader(adminKeyHeader)
	if handler.cfg.AdminKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(handler.cfg.AdminKey)) != 1 {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "admin key required"))
		return
	}
	ctx.Next()
}

func (handler *Handler) principal(ctx *gin.Context) (credits.AccountID, bool) {
	raw := ctx.GetString(principalContextKey)
	userID, err := credits.NewAccountID(raw)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return credits.AccountID{}, false
	}
	return userID, true
}

func (handler *Handler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *Handler) respondError(ctx *gin.Context, message string, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error(message, zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, credits.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, credits.ErrUnknownOperation):
		return http.StatusBadRequest, "unknown_operation"
	case errors.Is(err, credits.ErrInvalidAmount),
		errors.Is(err, credits.ErrInvalidAccountID),
		errors.Is(err, credits.ErrInvalidTransactionType),
		errors.Is(err, credits.ErrInvalidMetadataJSON):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, credits.ErrStoreUnavailable), errors.Is(err, credits.ErrSyncFailure):
		return http.StatusServiceUnavailable, "store_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func queryInt(ctx *gin.Context, key string, fallback int) int {
	raw := ctx.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type deductRequest struct {
	Operation   string              `json:"operation"`
	Description string              `json:"description"`
	Cost        decimal.NullDecimal `json:"cost"`
}

type purchaseRequest struct {
	Credits     decimal.Decimal `json:"credits"`
	Description string          `json:"description"`
	OrderID     string          `json:"order_id"`
	PaymentID   string          `json:"payment_id"`
	Signature   string          `json:"signature"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Gateway     string          `json:"gateway"`
}

type creditsPayload struct {
	Credits   decimal.Decimal `json:"credits"`
	Source    string          `json:"source"`
	AccountID string          `json:"account_id"`
}

type deductPayload struct {
	CreditsDeducted  decimal.Decimal `json:"credits_deducted"`
	CreditsRemaining decimal.Decimal `json:"credits_remaining"`
	TransactionID    string          `json:"transaction_id"`
	Source           string          `json:"source"`
}

type addPayload struct {
	CreditsAdded     decimal.Decimal `json:"credits_added"`
	CreditsRemaining decimal.Decimal `json:"credits_remaining"`
	TransactionID    string          `json:"transaction_id"`
	Source           string          `json:"source"`
}

type historyPayload struct {
	Transactions []transactionPayload `json:"transactions"`
	Page         int                  `json:"page"`
	Limit        int                  `json:"limit"`
	Total        int64                `json:"total"`
}

type transactionPayload struct {
	TransactionID string          `json:"transaction_id"`
	Scope         string          `json:"scope"`
	AccountID     string          `json:"account_id"`
	Type          string          `json:"type"`
	CreditsAmount decimal.Decimal `json:"credits_amount"`
	Operation     string          `json:"operation,omitempty"`
	Description   string          `json:"description"`
	Metadata      json.RawMessage `json:"metadata"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	CreatedAt     time.Time       `json:"created_at"`
}
