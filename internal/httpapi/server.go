package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/MarkoPoloResearchLab/tutorpay/internal/webhook"
	"github.com/MarkoPoloResearchLab/tutorpay/pkg/checkout"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const (
	claimsContextKey      = "auth_claims"
	defaultRequestTimeout = 10 * time.Second
	defaultReturnPath     = "/payments/return"
	defaultWebhookPath    = "/webhooks/payments"
	reservationParam      = "reservation_id"
)

// ErrInvalidServerConfig reports a missing dependency or setting.
var ErrInvalidServerConfig = errors.New("invalid http server config")

// Reservations is the subset of the checkout service used by the HTTP surface.
type Reservations interface {
	OpenReservation(ctx context.Context, draft checkout.ReservationDraft) (checkout.Reservation, error)
	GetReservation(ctx context.Context, reservationID checkout.ReservationID) (checkout.Reservation, error)
	Refund(ctx context.Context, reservationID checkout.ReservationID, actor checkout.UserID) (checkout.TransitionResult, error)
}

// IntentCreator issues processor checkouts for reservations.
type IntentCreator interface {
	CreateIntent(ctx context.Context, reservationID checkout.ReservationID) (checkout.Intent, error)
}

// NotificationReceiver accepts raw webhook deliveries.
type NotificationReceiver interface {
	Receive(ctx context.Context, body []byte, query url.Values, headers http.Header) (webhook.Receipt, error)
}

// Dependencies are the collaborators behind the HTTP routes.
type Dependencies struct {
	Reservations  Reservations
	Intents       IntentCreator
	Webhooks      NotificationReceiver
	// Verifications receives a verification request for every payment id seen on the return page.
	Verifications webhook.Dispatcher
	Validator     *sessionvalidator.Validator
	Gatherer      prometheus.Gatherer
	Logger        *zap.Logger
}

// Options tunes the router.
type Options struct {
	AllowedOrigins []string
	AdminUserIDs   []string
	// ReturnPaths are the browser landing paths; duplicates are registered once.
	ReturnPaths    []string
	WebhookPath    string
	RequestTimeout time.Duration
	Now            func() time.Time
}

// Server exposes the checkout engine over HTTP.
type Server struct {
	handler *httpHandler
	router  *gin.Engine
	logger  *zap.Logger
}

// NewServer validates dependencies and builds the router.
func NewServer(deps Dependencies, options Options) (*Server, error) {
	if deps.Reservations == nil || deps.Intents == nil || deps.Webhooks == nil || deps.Verifications == nil {
		return nil, fmt.Errorf("%w: checkout dependencies are required", ErrInvalidServerConfig)
	}
	if deps.Validator == nil {
		return nil, fmt.Errorf("%w: session validator is nil", ErrInvalidServerConfig)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(options.ReturnPaths) == 0 {
		options.ReturnPaths = []string{defaultReturnPath}
	}
	if options.WebhookPath == "" {
		options.WebhookPath = defaultWebhookPath
	}
	if options.RequestTimeout <= 0 {
		options.RequestTimeout = defaultRequestTimeout
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	admins := make(map[string]struct{}, len(options.AdminUserIDs))
	for _, adminID := range options.AdminUserIDs {
		admins[adminID] = struct{}{}
	}
	handler := &httpHandler{
		logger:         logger,
		reservations:   deps.Reservations,
		intents:        deps.Intents,
		webhooks:       deps.Webhooks,
		verifications:  deps.Verifications,
		admins:         admins,
		requestTimeout: options.RequestTimeout,
		nowFn:          options.Now,
	}
	return &Server{
		handler: handler,
		router:  setupRouter(options, handler, deps.Validator, deps.Gatherer),
		logger:  logger,
	}, nil
}

// Handler returns the instrumented HTTP handler.
func (server *Server) Handler() http.Handler {
	return otelhttp.NewHandler(server.router, "tutorpay.http")
}

// Run serves on addr until ctx is cancelled, then shuts down within shutdownTimeout.
func (server *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("tutorpayd http listening", zap.String("addr", addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
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

func setupRouter(options Options, handler *httpHandler, validator *sessionvalidator.Validator, gatherer prometheus.Gatherer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     options.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	router.POST(options.WebhookPath, handler.handleWebhook)
	registered := map[string]bool{}
	for _, path := range options.ReturnPaths {
		if path == "" || registered[path] {
			continue
		}
		registered[path] = true
		router.GET(path, handler.handleReturn)
	}

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.POST("/reservations", handler.handleOpenReservation)
	api.GET("/reservations/:id", handler.handleGetReservation)
	api.POST("/reservations/:id/checkout", handler.handleCheckout)
	api.POST("/admin/reservations/:id/refund", handler.handleRefund)

	return router
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	value, exists := ctx.Get(claimsContextKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*sessionvalidator.Claims)
	if !ok {
		return nil
	}
	return claims
}

func errorResponse(code, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
