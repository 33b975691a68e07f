package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	StoreDriverGorm = "gorm"
	StoreDriverPgx  = "pgx"

	DispatcherMemory = "memory"
	DispatcherAMQP   = "amqp"

	defaultListenAddr         = ":8080"
	defaultDatabaseURL        = "sqlite:///tmp/tutorpay.db"
	defaultProcessorBaseURL   = "https://api.mercadopago.com"
	defaultAllowedOrigin      = "http://localhost:8000"
	defaultSessionIssuer      = "tauth"
	defaultSessionCookie      = "app_session"
	defaultAMQPExchange       = "tutorpay"
	defaultAMQPQueue          = "tutorpay.notifications"
	defaultServiceName        = "tutorpayd"
	defaultStandardBps        = 2000
	defaultPremiumBps         = 1500
	maxBasisPoints            = 10000
	defaultExpiryTimeout      = 30 * time.Minute
	defaultReconcileAfter     = 10 * time.Minute
	defaultSweepInterval      = time.Minute
	defaultProcessorTimeout   = 5 * time.Second
	defaultVerifierAttempts   = 5
	defaultBackoffDelay       = 5 * time.Second
	defaultBackoffMaxDelay    = time.Minute
	defaultProcessorRate      = 10
	defaultProcessorBurst     = 20
	defaultWorkerCount        = 4
	defaultQueueSize          = 256
	defaultThrottleWindow     = 30 * time.Second
	defaultSignatureTolerance = 10 * time.Minute
	defaultShutdownTimeout    = 10 * time.Second
)

var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates runtime settings for tutorpayd.
type Config struct {
	ListenAddr      string
	DatabaseURL     string
	StoreDriver     string
	ShutdownTimeout time.Duration

	ProcessorBaseURL     string
	ProcessorAccessToken string
	ProcessorTimeout     time.Duration
	ProcessorRatePerSec  float64
	ProcessorBurst       int

	PublicBaseURL string
	SuccessPath   string
	FailurePath   string
	PendingPath   string
	WebhookPath   string

	WebhookSecret      string
	RequireSignature   bool
	SignatureTolerance time.Duration

	StandardBasisPoints int64
	PremiumBasisPoints  int64

	ExpiryTimeout  time.Duration
	ReconcileAfter time.Duration
	SweepInterval  time.Duration

	VerifierAttempts int
	BackoffDelay     time.Duration
	BackoffMaxDelay  time.Duration

	Dispatcher     string
	WorkerCount    int
	QueueSize      int
	AMQPURL        string
	AMQPExchange   string
	AMQPQueue      string
	RedisURL       string
	ThrottleWindow time.Duration

	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	AdminUserIDs      []string

	OTLPEndpoint string
	ServiceName  string
	Environment  string
}

// Validate fills defaults and rejects impossible values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreDriver = strings.ToLower(defaultIfEmpty(cfg.StoreDriver, StoreDriverGorm))
	cfg.ShutdownTimeout = defaultDuration(cfg.ShutdownTimeout, defaultShutdownTimeout)
	cfg.ProcessorBaseURL = defaultIfEmpty(cfg.ProcessorBaseURL, defaultProcessorBaseURL)
	cfg.ProcessorTimeout = defaultDuration(cfg.ProcessorTimeout, defaultProcessorTimeout)
	if cfg.ProcessorRatePerSec <= 0 {
		cfg.ProcessorRatePerSec = defaultProcessorRate
	}
	if cfg.ProcessorBurst <= 0 {
		cfg.ProcessorBurst = defaultProcessorBurst
	}
	cfg.SuccessPath = defaultIfEmpty(cfg.SuccessPath, "/payments/return")
	cfg.FailurePath = defaultIfEmpty(cfg.FailurePath, "/payments/return")
	cfg.PendingPath = defaultIfEmpty(cfg.PendingPath, "/payments/return")
	cfg.WebhookPath = defaultIfEmpty(cfg.WebhookPath, "/webhooks/payments")
	cfg.SignatureTolerance = defaultDuration(cfg.SignatureTolerance, defaultSignatureTolerance)
	if cfg.StandardBasisPoints == 0 {
		cfg.StandardBasisPoints = defaultStandardBps
	}
	if cfg.PremiumBasisPoints == 0 {
		cfg.PremiumBasisPoints = defaultPremiumBps
	}
	cfg.ExpiryTimeout = defaultDuration(cfg.ExpiryTimeout, defaultExpiryTimeout)
	cfg.ReconcileAfter = defaultDuration(cfg.ReconcileAfter, defaultReconcileAfter)
	cfg.SweepInterval = defaultDuration(cfg.SweepInterval, defaultSweepInterval)
	if cfg.VerifierAttempts <= 0 {
		cfg.VerifierAttempts = defaultVerifierAttempts
	}
	cfg.BackoffDelay = defaultDuration(cfg.BackoffDelay, defaultBackoffDelay)
	cfg.BackoffMaxDelay = defaultDuration(cfg.BackoffMaxDelay, defaultBackoffMaxDelay)
	cfg.Dispatcher = strings.ToLower(defaultIfEmpty(cfg.Dispatcher, DispatcherMemory))
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaultWorkerCount
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	cfg.AMQPExchange = defaultIfEmpty(cfg.AMQPExchange, defaultAMQPExchange)
	cfg.AMQPQueue = defaultIfEmpty(cfg.AMQPQueue, defaultAMQPQueue)
	cfg.ThrottleWindow = defaultDuration(cfg.ThrottleWindow, defaultThrottleWindow)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.ServiceName = defaultIfEmpty(cfg.ServiceName, defaultServiceName)
	cfg.Environment = defaultIfEmpty(cfg.Environment, "dev")

	if cfg.StoreDriver != StoreDriverGorm && cfg.StoreDriver != StoreDriverPgx {
		return fmt.Errorf("%w: unsupported store driver %q", ErrInvalidConfig, cfg.StoreDriver)
	}
	if cfg.StoreDriver == StoreDriverPgx && !IsPostgresURL(cfg.DatabaseURL) {
		return fmt.Errorf("%w: the pgx store needs a postgres database url", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.ProcessorAccessToken) == "" {
		return fmt.Errorf("%w: processor access token is required", ErrInvalidConfig)
	}
	if err := requireAbsoluteURL("public base url", cfg.PublicBaseURL); err != nil {
		return err
	}
	if err := requireAbsoluteURL("processor base url", cfg.ProcessorBaseURL); err != nil {
		return err
	}
	if cfg.RequireSignature && cfg.WebhookSecret == "" {
		return fmt.Errorf("%w: webhook secret is required when signatures are required", ErrInvalidConfig)
	}
	if err := validateBasisPoints("standard", cfg.StandardBasisPoints); err != nil {
		return err
	}
	if err := validateBasisPoints("premium", cfg.PremiumBasisPoints); err != nil {
		return err
	}
	if cfg.ReconcileAfter > cfg.ExpiryTimeout {
		return fmt.Errorf("%w: reconcile-after must not exceed the expiry timeout", ErrInvalidConfig)
	}
	if cfg.BackoffMaxDelay < cfg.BackoffDelay {
		return fmt.Errorf("%w: backoff max delay is below the base delay", ErrInvalidConfig)
	}
	switch cfg.Dispatcher {
	case DispatcherMemory:
	case DispatcherAMQP:
		if strings.TrimSpace(cfg.AMQPURL) == "" {
			return fmt.Errorf("%w: amqp url is required for the amqp dispatcher", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported dispatcher %q", ErrInvalidConfig, cfg.Dispatcher)
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("%w: session signing key is required", ErrInvalidConfig)
	}
	return nil
}

// CallbackURL joins path onto the public base url.
func (cfg Config) CallbackURL(path string) string {
	return strings.TrimRight(cfg.PublicBaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// IsPostgresURL reports whether dsn names a PostgreSQL database.
func IsPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// ParseList splits comma-delimited values into a slice.
func ParseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

func requireAbsoluteURL(name string, raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%w: %s %q must be an absolute url", ErrInvalidConfig, name, raw)
	}
	return nil
}

func validateBasisPoints(tier string, value int64) error {
	if value < 0 || value > maxBasisPoints {
		return fmt.Errorf("%w: %s commission %d bps outside 0..%d", ErrInvalidConfig, tier, value, maxBasisPoints)
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func defaultDuration(value time.Duration, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
