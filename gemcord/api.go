package gemcord

import (
	"context"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const (
	apiPrefix              = "/api"
	apiPathHealth          = "/health"
	apiPathHistories       = "/histories"
	apiPathHistory         = "/histories/:guild_id"
	apiPathMessages        = "/messages"
	apiPathImagineCommands = "/imagine_commands"
	apiPathMetrics         = "/metrics"
	pprofPrefix            = "/debug/pprof"

	xRequestIDHeader = "X-Request-ID"

	defaultPageLimit = 25
)

var (
	Ascending  Sort = "asc"
	Descending Sort = "desc"
)

type Sort string

// API is the read-only admin HTTP server. It reports health, exposes
// stored conversations and audit records, and serves prometheus metrics.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	handlers   *APIHandlers
}

// APIHandlers holds the handlers for each API route
type APIHandlers struct {
	d      *Gemcord
	logger *slog.Logger
}

func newAPI(d *Gemcord, config *APIConfig, logger *slog.Logger) *API {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		logger: logger.With(loggerNameKey, "api"),
	}
	handlers := &APIHandlers{d: d, logger: api.logger}
	api.handlers = handlers

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiPathMetrics, gin.WrapH(d.metrics.Handler()))

	g := r.Group(apiPrefix)
	g.GET(apiPathHealth, handlers.healthCheck)
	g.GET(apiPathHistories, handlers.getHistories)
	g.GET(apiPathHistory, handlers.getHistory)
	g.GET(apiPathMessages, handlers.getMessageLogs)
	g.GET(apiPathImagineCommands, handlers.getImagineCommands)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	return api
}

// Serve listens on the configured address and serves until the server
// is shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		if err := a.listen(ctx); err != nil {
			return err
		}
	}
	a.logger.InfoContext(ctx, "serving api", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (a *API) listen(ctx context.Context) error {
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	a.listener = ln
	return nil
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool      `json:"discord_gateway_connected"`
	Guilds                  int       `json:"guilds"`
	StartedAt               time.Time `json:"started_at"`
	Uptime                  string    `json:"uptime"`
}

// historySummary describes a single server's stored conversation
type historySummary struct {
	GuildID string `json:"guild_id"`
	Turns   int    `json:"turns"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// Pagination represents the pagination parameters for API requests.
//
// Fields:
//   - Limit: The maximum number of records to return.
//   - Order: The order in which to return the records (ascending or descending).
//   - Offset: The number of records to skip before starting to return records.
type Pagination struct {
	Limit  int  `form:"limit" binding:"omitempty,min=1,max=100"`
	Order  Sort `form:"order" binding:"omitempty,oneof=asc desc"`
	Offset int  `form:"offset" binding:"omitempty,min=0"`
}

// AuditQuery represents the query parameters for fetching audit records
type AuditQuery struct {
	Pagination
	GuildID string      `form:"guild_id"`
	UserID  string      `form:"user_id"`
	State   RecordState `form:"state" binding:"omitempty,oneof=received completed failed"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthCheckResponse{
			DiscordGatewayConnected: h.d.discord.connected.Load(),
			Guilds:                  len(h.d.store.Guilds()),
			StartedAt:               h.d.startedAt,
			Uptime:                  time.Since(h.d.startedAt).Round(time.Second).String(),
		},
	)
}

// getHistories lists servers with a stored conversation
func (h *APIHandlers) getHistories(c *gin.Context) {
	guilds := h.d.store.Guilds()
	summaries := make([]historySummary, 0, len(guilds))
	for _, guildID := range guilds {
		summaries = append(
			summaries,
			historySummary{GuildID: guildID, Turns: len(h.d.store.Get(guildID))},
		)
	}
	c.JSON(http.StatusOK, summaries)
}

// getHistory returns a single server's conversation, in the same format
// it's stored on disk
func (h *APIHandlers) getHistory(c *gin.Context) {
	guildID := c.Param("guild_id")
	if err := validateGuildID(guildID); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	history := h.d.store.Get(guildID)
	if history == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "no history for guild"})
		return
	}
	c.JSON(http.StatusOK, history)
}

func (h *APIHandlers) getMessageLogs(c *gin.Context) {
	records := []MessageLog{}
	h.listAuditRecords(c, &MessageLog{}, &records)
}

func (h *APIHandlers) getImagineCommands(c *gin.Context) {
	records := []ImagineCommand{}
	h.listAuditRecords(c, &ImagineCommand{}, &records)
}

// listAuditRecords binds an AuditQuery, and responds with the matching
// records of the given model
func (h *APIHandlers) listAuditRecords(c *gin.Context, model any, dest any) {
	log := ginContextLogger(c, h.logger)

	if h.d.db == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "database not ready"})
		return
	}

	var q AuditQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query"})
		return
	}
	if q.Order == "" {
		q.Order = Descending
	}
	if q.Limit == 0 {
		q.Limit = defaultPageLimit
	}

	query := h.d.db.WithContext(c.Request.Context()).
		Model(model).
		Limit(q.Limit).
		Offset(q.Offset)
	query = auditFilters(query, q)

	switch q.Order {
	case Descending:
		query = query.Order("created_at desc")
	default:
		query = query.Order("created_at asc")
	}

	if err := query.Find(dest).Error; err != nil {
		log.ErrorContext(c.Request.Context(), "error listing records", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			httpError{Error: "error listing records"},
		)
		return
	}
	c.JSON(http.StatusOK, dest)
}

func auditFilters(query *gorm.DB, q AuditQuery) *gorm.DB {
	if q.GuildID != "" {
		query = query.Where("guild_id = ?", q.GuildID)
	}
	if q.UserID != "" {
		query = query.Where("user_id = ?", q.UserID)
	}
	if q.State != "" {
		query = query.Where(columnState+" = ?", q.State)
	}
	return query
}

// requestIDMiddleware tags each request with a random ID, which is
// included in the request logger and the response headers
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	if base == nil {
		base = slog.Default()
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it completes, along
// with its duration and any errors
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				tint.Err(errors.Join(errs...)),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}
