package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/models"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"bitbucket.org/mmdatafocus/ledger_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultPort = "8080"

// PubSubPushMessage is the push-subscription wrapper Pub/Sub wraps around
// the published envelope.
type PubSubPushMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// respondError maps the error taxonomy onto HTTP statuses so callers can
// tell a retryable conflict from a rejected request.
func respondError(c *gin.Context, err error) {
	var closedPeriod *utils.ClosedPeriodError
	var insufficientStock *utils.InsufficientStockError
	var corruption *workflow.TimelineCorruptionError

	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrResourceLocked),
		errors.Is(err, workflow.ErrIdempotencyInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "retryable": true})
	case errors.Is(err, utils.ErrTenantScopeRequired),
		errors.Is(err, utils.ErrTenantScopeMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrJournalImmutable),
		errors.Is(err, utils.ErrStockMoveImmutable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &closedPeriod),
		errors.As(err, &insufficientStock):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.As(err, &corruption):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrCompanyIdRequired),
		errors.Is(err, workflow.ErrIdempotencyKeyRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

// tenantMiddleware threads the authenticated company id into the request
// context. Authentication itself happens upstream; this service only
// enforces the tenant-scoping contract.
func tenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		companyId := c.GetHeader("x-company-id")
		if companyId == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "x-company-id header is required"})
			return
		}
		ctx := utils.SetCompanyIdInContext(c.Request.Context(), companyId)
		if userName := c.GetHeader("x-user-name"); userName != "" {
			ctx = utils.SetUserNameInContext(ctx, userName)
		}
		if userId := c.GetHeader("x-user-id"); userId != "" {
			if id, err := strconv.Atoi(userId); err == nil {
				ctx = utils.SetUserIdInContext(ctx, id)
			}
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// runCommand wraps a write handler in command-level idempotency. Replays
// return the stored response byte-for-byte with a marker header.
func runCommand(c *gin.Context, status int, work func(tx *gorm.DB) (interface{}, error)) {
	idemKey := c.GetHeader("x-idempotency-key")
	result, err := workflow.RunIdempotentCommand(c.Request.Context(), idemKey, work)
	if err != nil {
		respondError(c, err)
		return
	}
	if result.Replayed {
		c.Header("x-idempotent-replay", "true")
		status = http.StatusOK
	}
	c.Data(status, "application/json", result.Response)
}

func pubsubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "pubsubPushHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		var msg PubSubPushMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "server.go", "pubsubPushHandler", "Unmarshal body", body, err)
			c.Status(http.StatusNoContent)
			return
		}

		var env config.EventEnvelope
		if err := json.Unmarshal(msg.Message.Data, &env); err != nil {
			config.LogError(logger, "server.go", "pubsubPushHandler", "Unmarshal envelope", msg.Message.Data, err)
			c.Status(http.StatusNoContent)
			return
		}

		// Basic validation to avoid retry loops on poisoned messages.
		if env.EventId == "" || env.CompanyId == "" || env.EventType == "" {
			config.LogError(logger, "server.go", "pubsubPushHandler", "Invalid envelope (missing required fields)", env, errors.New("eventId/companyId/eventType required"))
			c.Status(http.StatusNoContent)
			return
		}
		if env.CorrelationId == "" {
			env.CorrelationId = msg.Message.ID
		}

		ctx := utils.SetUserNameInContext(c.Request.Context(), "System")
		if err := workflow.ProcessEnvelope(ctx, env); err != nil {
			logger.WithFields(logrus.Fields{
				"field":          "pubsubPushHandler",
				"event_id":       env.EventId,
				"event_type":     env.EventType,
				"company_id":     env.CompanyId,
				"correlation_id": env.CorrelationId,
			}).Error("pubsub processing failed: " + err.Error())
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func createCompanyHandler(c *gin.Context) {
	var input models.NewCompany
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err), "error": err.Error()})
		return
	}
	company, err := models.CreateCompany(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, company)
}

func createAccountHandler(c *gin.Context) {
	var input models.NewAccount
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err), "error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	runCommand(c, http.StatusCreated, func(tx *gorm.DB) (interface{}, error) {
		return models.CreateAccount(ctx, tx, &input)
	})
}

func deactivateAccountHandler(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return
	}
	account, err := models.DeactivateAccount(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, account)
}

func listAccountsHandler(c *gin.Context) {
	accounts, err := models.GetAccounts(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, accounts)
}

func postJournalHandler(c *gin.Context) {
	var input models.NewJournal
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err), "error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	runCommand(c, http.StatusCreated, func(tx *gorm.DB) (interface{}, error) {
		return models.PostJournalInTx(ctx, tx, &input)
	})
}

func getJournalHandler(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid journal id"})
		return
	}
	journal, err := models.GetJournal(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, journal)
}

type reverseJournalRequest struct {
	ReversalDate time.Time `json:"reversal_date" binding:"required"`
	Description  string    `json:"description"`
}

func reverseJournalHandler(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid journal id"})
		return
	}
	var input reverseJournalRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err), "error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	runCommand(c, http.StatusCreated, func(tx *gorm.DB) (interface{}, error) {
		return models.PostReversal(ctx, tx, id, input.ReversalDate, input.Description)
	})
}

func insertStockMoveHandler(c *gin.Context) {
	var input models.NewStockMove
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err), "error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	var result *workflow.StockMoveResult
	runCommand(c, http.StatusCreated, func(tx *gorm.DB) (interface{}, error) {
		var err error
		result, err = workflow.InsertStockMoveInTx(ctx, tx, &input)
		return result, err
	})

	// Backdated inserts can shift costs already funded by posted journals;
	// realize those deltas as new correcting entries after the insert is
	// durable. Replays skip this: the deltas were corrected the first time.
	if result != nil && len(result.JournalDeltas) > 0 {
		if _, err := workflow.PostCostCorrections(ctx, result.JournalDeltas, time.Now().UTC()); err != nil {
			config.LogError(config.GetLogger(), "server.go", "insertStockMoveHandler",
				"cost correction failed", result.JournalDeltas, err)
		}
	}
}

func getStockBalanceHandler(c *gin.Context) {
	warehouseId, err := strconv.Atoi(c.Param("warehouseId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid warehouse id"})
		return
	}
	itemId, err := strconv.Atoi(c.Param("itemId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid item id"})
		return
	}
	ctx := c.Request.Context()
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		respondError(c, utils.ErrCompanyIdRequired)
		return
	}
	balance, err := models.GetStockBalance(ctx, config.GetDB(), companyId, warehouseId, itemId)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

func closePeriodHandler(c *gin.Context) {
	var input models.NewPeriodClose
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err), "error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	runCommand(c, http.StatusCreated, func(tx *gorm.DB) (interface{}, error) {
		return models.ClosePeriod(ctx, tx, &input)
	})
}

func listPeriodClosesHandler(c *gin.Context) {
	closes, err := models.GetPeriodCloses(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, closes)
}

func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		for _, ginErr := range c.Errors {
			logger.WithFields(logrus.Fields{
				"field": "gin",
				"path":  c.Request.URL.Path,
			}).Error(ginErr.Error())
		}
	}
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, app endpoints return 503.
	r := gin.New()

	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow the startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// In production, require an explicit allowlist via CORS_ALLOWED_ORIGINS.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization",
		"x-company-id", "x-idempotency-key", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "x-idempotent-replay")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.POST("/pubsub", pubsubPushHandler())
	r.POST("/internal/companies", createCompanyHandler)

	api := r.Group("/api", tenantMiddleware())
	{
		api.GET("/accounts", listAccountsHandler)
		api.POST("/accounts", createAccountHandler)
		api.POST("/accounts/:id/deactivate", deactivateAccountHandler)
		api.POST("/journals", postJournalHandler)
		api.GET("/journals/:id", getJournalHandler)
		api.POST("/journals/:id/reverse", reverseJournalHandler)
		api.POST("/stock-moves", insertStockMoveHandler)
		api.GET("/stock-balances/:warehouseId/:itemId", getStockBalanceHandler)
		api.POST("/period-closes", closePeriodHandler)
		api.GET("/period-closes", listPeriodClosesHandler)
	}

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	// AutoMigrate can run DDL that blocks tables; allow running migrations
	// as a separate job instead.
	if !config.SkipMigrations() {
		if err := models.MigrateDatabase(); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Panic(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	if config.OutboxDispatcherEnabled() {
		go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)
	}

	// Set the session isolation level to READ COMMITTED.
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	log.Println("Server started successfully on port " + port)

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work mid-drain.
	cancelDispatcher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
}
