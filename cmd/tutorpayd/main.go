package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/tutorpay/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "TUTORPAY"

const (
	flagListenAddr         = "listen-addr"
	flagDatabaseURL        = "database-url"
	flagStoreDriver        = "store-driver"
	flagShutdownTimeout    = "shutdown-timeout"
	flagProcessorBaseURL   = "processor-base-url"
	flagProcessorToken     = "processor-access-token"
	flagProcessorTimeout   = "processor-timeout"
	flagProcessorRate      = "processor-rate"
	flagProcessorBurst     = "processor-burst"
	flagPublicBaseURL      = "public-base-url"
	flagSuccessPath        = "success-path"
	flagFailurePath        = "failure-path"
	flagPendingPath        = "pending-path"
	flagWebhookPath        = "webhook-path"
	flagWebhookSecret      = "webhook-secret"
	flagRequireSignature   = "require-signature"
	flagSignatureTolerance = "signature-tolerance"
	flagStandardBps        = "commission-standard-bps"
	flagPremiumBps         = "commission-premium-bps"
	flagExpiryTimeout      = "expiry-timeout"
	flagReconcileAfter     = "reconcile-after"
	flagSweepInterval      = "sweep-interval"
	flagVerifierAttempts   = "verifier-attempts"
	flagBackoffDelay       = "backoff-delay"
	flagBackoffMaxDelay    = "backoff-max-delay"
	flagDispatcher         = "dispatcher"
	flagWorkerCount        = "workers"
	flagQueueSize          = "queue-size"
	flagAMQPURL            = "amqp-url"
	flagAMQPExchange       = "amqp-exchange"
	flagAMQPQueue          = "amqp-queue"
	flagRedisURL           = "redis-url"
	flagThrottleWindow     = "throttle-window"
	flagAllowedOrigins     = "allowed-origins"
	flagSessionSigningKey  = "session-signing-key"
	flagSessionIssuer      = "session-issuer"
	flagSessionCookieName  = "session-cookie-name"
	flagAdminUserIDs       = "admin-user-ids"
	flagOTLPEndpoint       = "otlp-endpoint"
	flagEnvironment        = "environment"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tutorpayd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "tutorpayd",
		Short:         "Tutoring checkout and payment reconciliation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.String(flagListenAddr, ":8080", "HTTP listen address")
	flags.String(flagDatabaseURL, "sqlite:///tmp/tutorpay.db", "Database URL (postgres://, mysql://, sqlite:// or a sqlite path)")
	flags.String(flagStoreDriver, config.StoreDriverGorm, "Store implementation (gorm|pgx)")
	flags.Duration(flagShutdownTimeout, 10*time.Second, "Graceful shutdown timeout")
	flags.String(flagProcessorBaseURL, "https://api.mercadopago.com", "Payment processor API base URL")
	flags.String(flagProcessorToken, "", "Payment processor access token")
	flags.Duration(flagProcessorTimeout, 5*time.Second, "Timeout for a single processor call")
	flags.Float64(flagProcessorRate, 10, "Outbound processor requests per second")
	flags.Int(flagProcessorBurst, 20, "Outbound processor request burst")
	flags.String(flagPublicBaseURL, "", "Public base URL used for return and webhook URLs")
	flags.String(flagSuccessPath, "/payments/return", "Return path after an approved payment")
	flags.String(flagFailurePath, "/payments/return", "Return path after a failed payment")
	flags.String(flagPendingPath, "/payments/return", "Return path after a pending payment")
	flags.String(flagWebhookPath, "/webhooks/payments", "Webhook path")
	flags.String(flagWebhookSecret, "", "Shared secret for webhook signatures")
	flags.Bool(flagRequireSignature, false, "Reject webhooks without a valid signature")
	flags.Duration(flagSignatureTolerance, 10*time.Minute, "Accepted age of a signed webhook timestamp")
	flags.Int64(flagStandardBps, 2000, "STANDARD tier commission in basis points")
	flags.Int64(flagPremiumBps, 1500, "PREMIUM tier commission in basis points")
	flags.Duration(flagExpiryTimeout, 30*time.Minute, "Age after which an unpaid reservation expires")
	flags.Duration(flagReconcileAfter, 10*time.Minute, "Age after which an open reservation is re-verified")
	flags.Duration(flagSweepInterval, time.Minute, "Reconciliation sweep interval")
	flags.Int(flagVerifierAttempts, 5, "Status lookup attempts before giving up")
	flags.Duration(flagBackoffDelay, 5*time.Second, "Initial retry backoff")
	flags.Duration(flagBackoffMaxDelay, time.Minute, "Maximum retry backoff")
	flags.String(flagDispatcher, config.DispatcherMemory, "Notification dispatcher (memory|amqp)")
	flags.Int(flagWorkerCount, 4, "Verification workers")
	flags.Int(flagQueueSize, 256, "In-memory notification queue size")
	flags.String(flagAMQPURL, "", "RabbitMQ URL for notifications, events, and alerts")
	flags.String(flagAMQPExchange, "tutorpay", "RabbitMQ topic exchange")
	flags.String(flagAMQPQueue, "tutorpay.notifications", "RabbitMQ notification queue")
	flags.String(flagRedisURL, "", "Redis URL for the webhook throttle; empty uses memory")
	flags.Duration(flagThrottleWindow, 30*time.Second, "Window for coalescing identical notifications")
	flags.String(flagAllowedOrigins, "http://localhost:8000", "Comma-separated CORS origins")
	flags.String(flagSessionSigningKey, "", "Session JWT signing key")
	flags.String(flagSessionIssuer, "tauth", "Session JWT issuer")
	flags.String(flagSessionCookieName, "app_session", "Session cookie name")
	flags.String(flagAdminUserIDs, "", "Comma-separated user ids allowed to issue refunds")
	flags.String(flagOTLPEndpoint, "", "OTLP gRPC collector endpoint; empty disables tracing export")
	flags.String(flagEnvironment, "dev", "Deployment environment name")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	settings := viper.New()
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	// DATABASE_URL is honoured without the prefix for parity with hosting platforms.
	if err := settings.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}

	*cfg = config.Config{
		ListenAddr:           settings.GetString(flagListenAddr),
		DatabaseURL:          settings.GetString(flagDatabaseURL),
		StoreDriver:          settings.GetString(flagStoreDriver),
		ShutdownTimeout:      settings.GetDuration(flagShutdownTimeout),
		ProcessorBaseURL:     settings.GetString(flagProcessorBaseURL),
		ProcessorAccessToken: settings.GetString(flagProcessorToken),
		ProcessorTimeout:     settings.GetDuration(flagProcessorTimeout),
		ProcessorRatePerSec:  settings.GetFloat64(flagProcessorRate),
		ProcessorBurst:       settings.GetInt(flagProcessorBurst),
		PublicBaseURL:        settings.GetString(flagPublicBaseURL),
		SuccessPath:          settings.GetString(flagSuccessPath),
		FailurePath:          settings.GetString(flagFailurePath),
		PendingPath:          settings.GetString(flagPendingPath),
		WebhookPath:          settings.GetString(flagWebhookPath),
		WebhookSecret:        settings.GetString(flagWebhookSecret),
		RequireSignature:     settings.GetBool(flagRequireSignature),
		SignatureTolerance:   settings.GetDuration(flagSignatureTolerance),
		StandardBasisPoints:  settings.GetInt64(flagStandardBps),
		PremiumBasisPoints:   settings.GetInt64(flagPremiumBps),
		ExpiryTimeout:        settings.GetDuration(flagExpiryTimeout),
		ReconcileAfter:       settings.GetDuration(flagReconcileAfter),
		SweepInterval:        settings.GetDuration(flagSweepInterval),
		VerifierAttempts:     settings.GetInt(flagVerifierAttempts),
		BackoffDelay:         settings.GetDuration(flagBackoffDelay),
		BackoffMaxDelay:      settings.GetDuration(flagBackoffMaxDelay),
		Dispatcher:           settings.GetString(flagDispatcher),
		WorkerCount:          settings.GetInt(flagWorkerCount),
		QueueSize:            settings.GetInt(flagQueueSize),
		AMQPURL:              settings.GetString(flagAMQPURL),
		AMQPExchange:         settings.GetString(flagAMQPExchange),
		AMQPQueue:            settings.GetString(flagAMQPQueue),
		RedisURL:             settings.GetString(flagRedisURL),
		ThrottleWindow:       settings.GetDuration(flagThrottleWindow),
		AllowedOrigins:       config.ParseList(settings.GetString(flagAllowedOrigins)),
		SessionSigningKey:    settings.GetString(flagSessionSigningKey),
		SessionIssuer:        settings.GetString(flagSessionIssuer),
		SessionCookieName:    settings.GetString(flagSessionCookieName),
		AdminUserIDs:         config.ParseList(settings.GetString(flagAdminUserIDs)),
		OTLPEndpoint:         settings.GetString(flagOTLPEndpoint),
		Environment:          settings.GetString(flagEnvironment),
	}
	return cfg.Validate()
}
