package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZamarianPatrick/lazypig-plantcare/logx"
)

// Resolver serves the HTTP API on top of a Controller.
type Resolver struct {
	version    string
	controller Controller
	log        logx.Logger

	manualRate int
	limiters   *userLimiters
}

func NewResolver(version string, controller Controller, manualRatePerSec int, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{
		version:    version,
		controller: controller,
		log:        log,
		manualRate: manualRatePerSec,
		limiters:   newUserLimiters(manualRatePerSec),
	}
}

func (r *Resolver) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), r.requestLog())

	router.GET("/healthz", r.health)
	if m := r.controller.Metrics(); m != nil {
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}
	router.GET("/ws", r.requireUser(true), r.websocket)
	router.Any("/graphql", r.requireUser(true), r.graphqlHandler())

	api := router.Group("/api", r.requireUser(false))
	api.POST("/watering/start/:plantId", r.rateLimit(), r.startWatering)
	api.POST("/watering/stop/:plantId", r.rateLimit(), r.stopWatering)
	api.POST("/scheduler/evaluate", r.evaluate)
	api.GET("/plants/:id/window", r.window)
	api.GET("/plants/:id/stats", r.stats)

	return router
}

func (r *Resolver) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)))
	}
}

// rateLimit caps manual watering requests per user. A rate of 0 disables it.
func (r *Resolver) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.manualRate <= 0 {
			c.Next()
			return
		}
		if !r.limiters.Allow(userID(c)) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse{Message: "Too many requests"})
			return
		}
		c.Next()
	}
}

// Run serves the API on addr until ctx is done.
func (r *Resolver) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     r.Router(),
		ReadTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	r.log.Info("http server listening", logx.String("addr", addr))

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
