package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	limiter "github.com/ulule/limiter/v3"
	ginlimiter "github.com/ulule/limiter/v3/drivers/middleware/gin"
	memory "github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/arenaforge/matchfleet/internal/store"
	"github.com/arenaforge/matchfleet/pkg/metrics"
)

// StateReader is the read-only slice of the state store the lookup API uses.
type StateReader interface {
	GetUserPointer(ctx context.Context, userID string) (string, bool, error)
	GetMatch(ctx context.Context, matchID string) (*store.MatchRecord, bool, error)
}

// Server exposes the match lookup endpoint plus metrics and health.
type Server struct {
	router    *gin.Engine
	records   StateReader
	jwtSecret []byte
	logger    *zap.Logger
}

// NewServer creates the API server with its routes registered.
func NewServer(records StateReader, jwtSecret string, logger *zap.Logger) *Server {
	s := &Server{
		records:   records,
		jwtSecret: []byte(jwtSecret),
		logger:    logger,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", s.healthCheck)

	rateStore := memory.NewStore()
	rate, _ := limiter.NewRateFromFormatted("120-M")
	rateLimiter := ginlimiter.NewMiddleware(limiter.New(rateStore, rate))

	protected := router.Group("/")
	protected.Use(s.authMiddleware(), rateLimiter)
	{
		protected.GET("/match", s.getMatch)
	}

	s.router = router
	return s
}

// Router returns the internal gin engine for testing purposes.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves the API until the context is cancelled, then shuts down
// gracefully within the given timeout.
func (s *Server) Run(ctx context.Context, addr string, readTimeout, writeTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now(),
	})
}

// authMiddleware verifies the bearer token and stores the subject claim as
// the caller's user id.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			metrics.LookupRequests.WithLabelValues("unauthorized").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			metrics.LookupRequests.WithLabelValues("unauthorized").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization format"})
			c.Abort()
			return
		}

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			metrics.LookupRequests.WithLabelValues("unauthorized").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		userID, err := token.Claims.GetSubject()
		if err != nil {
			userID = ""
		}
		c.Set("userID", userID)
		c.Next()
	}
}

// getMatch resolves the caller's user pointer to a match record. A pointer
// whose record is already gone is the same non-error "no active match" as a
// missing pointer; the completion/reconciler race never surfaces to clients.
func (s *Server) getMatch(c *gin.Context) {
	userID := c.GetString("userID")
	if userID == "" {
		// Middleware let an unidentifiable caller through; should not occur.
		metrics.LookupRequests.WithLabelValues("error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not resolve user"})
		return
	}

	ctx := c.Request.Context()

	matchID, found, err := s.records.GetUserPointer(ctx, userID)
	if err != nil {
		s.logger.Error("Failed to read user pointer", zap.String("user_id", userID), zap.Error(err))
		s.noActiveMatch(c)
		return
	}
	if !found {
		s.noActiveMatch(c)
		return
	}

	record, found, err := s.records.GetMatch(ctx, matchID)
	if err != nil {
		s.logger.Error("Failed to read match record", zap.String("match_id", matchID), zap.Error(err))
		s.noActiveMatch(c)
		return
	}
	if !found {
		s.noActiveMatch(c)
		return
	}

	metrics.LookupRequests.WithLabelValues("found").Inc()
	c.JSON(http.StatusOK, gin.H{
		"domain":  record.Domain,
		"subpath": record.Subpath,
	})
}

func (s *Server) noActiveMatch(c *gin.Context) {
	metrics.LookupRequests.WithLabelValues("none").Inc()
	c.String(http.StatusBadRequest, "no active match")
}
