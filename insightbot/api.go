package insightbot

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

const (
	apiPathHealth          = "/api/health"
	apiPathErrorStats      = "/api/stats/errors"
	apiPathSystemStats     = "/api/stats/system"
	apiPathRecentQuestions = "/api/questions/recent"
	apiPathKeywords        = "/api/keywords"

	xRequestIDHeader = "X-Request-ID"

	defaultErrorStatsWindow = 24 * time.Hour
)

var structValidator = validator.New()

//nolint:gochecknoinits // gotta register the validator tag name
func init() {
	structValidator.SetTagName("binding")
}

type httpError struct {
	Error string `json:"error"`
}

// API is the read-only HTTP server exposing health and statistics.
// All endpoints are GETs; nothing here mutates the store.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	store            Store
	kb               func() *KnowledgeBase
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger
}

func newAPI(
	config *APIConfig,
	store Store,
	kb func() *KnowledgeBase,
) *API {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		store:          store,
		kb:             kb,
		requestMetrics: map[string]int{},
	}
	api.logger = slog.New(
		newTintHandler(config.LogLevel),
	).With(loggerNameKey, "api")

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
		metricMiddleware(api),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiPathHealth, api.healthCheck)
	r.GET(apiPathErrorStats, api.errorStats)
	r.GET(apiPathSystemStats, api.systemStats)
	r.GET(apiPathRecentQuestions, api.recentQuestions)
	r.GET(apiPathKeywords, api.keywords)

	return api
}

// Serve listens and serves until the server is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(
			ctx,
			a.config.ListenNetwork,
			a.config.Listen,
		)
		if err != nil {
			return err
		}
		a.listener = ln
	}
	a.logger.Info("api listening", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// errorStats reports API error statistics for the requested window
// (`hours` query parameter, default 24). The total_errors field comes
// straight from the store's scalar count.
func (a *API) errorStats(c *gin.Context) {
	window := defaultErrorStatsWindow
	if hoursParam := c.Query("hours"); hoursParam != "" {
		hours, err := strconv.Atoi(hoursParam)
		if err != nil || hours <= 0 {
			c.AbortWithStatusJSON(
				http.StatusBadRequest,
				httpError{Error: "hours must be a positive integer"},
			)
			return
		}
		window = time.Duration(hours) * time.Hour
	}

	stats, err := a.store.APIErrorStatistics(
		c.Request.Context(),
		time.Now().UTC().Add(-window),
	)
	if err != nil {
		ginContextLogger(c, a.logger).Error("error loading error stats", "error", err)
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error loading statistics"},
		)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (a *API) systemStats(c *gin.Context) {
	stats, err := a.store.SystemStats(c.Request.Context())
	if err != nil {
		ginContextLogger(c, a.logger).Error("error loading system stats", "error", err)
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error loading statistics"},
		)
		return
	}
	c.JSON(
		http.StatusOK, gin.H{
			"stats":          stats,
			"knowledge_base": a.kb().Stats(),
		},
	)
}

func (a *API) recentQuestions(c *gin.Context) {
	limit := 10
	if limitParam := c.Query("limit"); limitParam != "" {
		n, err := strconv.Atoi(limitParam)
		if err != nil || n <= 0 || n > 100 {
			c.AbortWithStatusJSON(
				http.StatusBadRequest,
				httpError{Error: "limit must be between 1 and 100"},
			)
			return
		}
		limit = n
	}
	questions, err := a.store.RecentQuestions(c.Request.Context(), limit)
	if err != nil {
		ginContextLogger(c, a.logger).Error("error loading questions", "error", err)
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error loading questions"},
		)
		return
	}
	c.JSON(http.StatusOK, gin.H{"questions": questions})
}

func (a *API) keywords(c *gin.Context) {
	keywords, err := a.store.ListKeywords(c.Request.Context())
	if err != nil {
		ginContextLogger(c, a.logger).Error("error loading keywords", "error", err)
		c.AbortWithStatusJSON(
			http.StatusInternalServerError,
			httpError{Error: "error loading keywords"},
		)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keywords": keywords})
}

func generateRandomHexString(length int) (string, error) {
	bytes := make([]byte, length/2)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details
// included and stores it in the context.
func ginContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	if base == nil {
		base = slog.Default()
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
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

// ginLoggingMiddleware returns a Gin middleware function for logging
// HTTP requests: method, path, duration, status, and any errors.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware increments the request count for each unique
// combination of HTTP method and URL path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		a.requestMetrics[key]++
	}
}
