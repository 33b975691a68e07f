package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/tutorpay/internal/config"
	"github.com/MarkoPoloResearchLab/tutorpay/internal/httpapi"
	"github.com/MarkoPoloResearchLab/tutorpay/internal/metrics"
	"github.com/MarkoPoloResearchLab/tutorpay/internal/mq"
	"github.com/MarkoPoloResearchLab/tutorpay/internal/obs"
	"github.com/MarkoPoloResearchLab/tutorpay/internal/processor"
	"github.com/MarkoPoloResearchLab/tutorpay/internal/reconcile"
	"github.com/MarkoPoloResearchLab/tutorpay/internal/webhook"
	"github.com/MarkoPoloResearchLab/tutorpay/pkg/checkout"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	serviceVersion       = "dev"
	throttleKeyPrefix    = "tutorpay:throttle:"
	consumerPrefetchMult = 2

	checkoutBackoffDelay    = 250 * time.Millisecond
	checkoutBackoffMaxDelay = 2 * time.Second
)

func runServer(ctx context.Context, cfg *config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracer, err := obs.InitTracer(ctx, obs.TracerConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: serviceVersion,
		Environment:    cfg.Environment,
		Endpoint:       cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("tracer init: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := shutdownTracer(flushCtx); shutdownErr != nil {
			logger.Warn("tracer shutdown error", zap.Error(shutdownErr))
		}
	}()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	collector := metrics.NewCollector()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	operationLogger := checkout.MultiLogger{obs.NewOperationLogger(logger), collector}
	alerters := obs.MultiAlerter{obs.NewAlerter(logger)}

	var publisher *mq.Publisher
	if cfg.AMQPURL != "" {
		publisher, err = mq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return fmt.Errorf("amqp publisher: %w", err)
		}
		defer func() { _ = publisher.Close() }()
		alerters = append(alerters, mq.NewAlerter(publisher, logger, time.Now))
	}
	alerter := collector.CountAlerts(alerters)

	processorClient, err := processor.NewClient(processor.Config{
		BaseURL:       cfg.ProcessorBaseURL,
		AccessToken:   cfg.ProcessorAccessToken,
		Timeout:       cfg.ProcessorTimeout,
		RatePerSecond: cfg.ProcessorRatePerSec,
		Burst:         cfg.ProcessorBurst,
	}, nil)
	if err != nil {
		return fmt.Errorf("processor client: %w", err)
	}

	retryPolicy := checkout.RetryPolicy{
		Attempts: cfg.VerifierAttempts,
		Delay:    cfg.BackoffDelay,
		MaxDelay: cfg.BackoffMaxDelay,
		Clock:    clock.WallClock,
		Notify: func(err error, attempt int) {
			logger.Warn("processor call retrying", zap.Int("attempt", attempt), zap.Error(err))
		},
	}

	// Checkout runs inside a browser request, so it backs off briefly and fits the request deadline.
	checkoutPolicy := retryPolicy
	checkoutPolicy.Delay = checkoutBackoffDelay
	checkoutPolicy.MaxDelay = checkoutBackoffMaxDelay

	serviceOptions := []checkout.ServiceOption{
		checkout.WithOperationLogger(operationLogger),
		checkout.WithAlerter(alerter),
		checkout.WithRefunder(processorClient),
	}
	if publisher != nil {
		serviceOptions = append(serviceOptions,
			checkout.WithEventPublisher(mq.NewEventPublisher(publisher)),
			checkout.WithSlotKeeper(mq.NewSlotKeeper(publisher, time.Now)),
		)
	}
	rates := checkout.CommissionRates{StandardBasisPoints: cfg.StandardBasisPoints, PremiumBasisPoints: cfg.PremiumBasisPoints}
	service, err := checkout.NewService(store, time.Now, rates, serviceOptions...)
	if err != nil {
		return fmt.Errorf("checkout service init: %w", err)
	}
	verifier, err := checkout.NewStatusVerifier(processorClient, retryPolicy, operationLogger)
	if err != nil {
		return fmt.Errorf("status verifier init: %w", err)
	}
	issuer, err := checkout.NewIntentIssuer(store, processorClient, checkout.CallbackURLs{
		Success: cfg.CallbackURL(cfg.SuccessPath),
		Failure: cfg.CallbackURL(cfg.FailurePath),
		Pending: cfg.CallbackURL(cfg.PendingPath),
		Webhook: cfg.CallbackURL(cfg.WebhookPath),
	}, checkoutPolicy, time.Now, operationLogger)
	if err != nil {
		return fmt.Errorf("intent issuer init: %w", err)
	}

	throttle, closeThrottle, err := newThrottle(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeThrottle()

	worker, err := webhook.NewWorker(verifier, service, logger,
		webhook.WithThrottle(throttle),
		webhook.WithAlerter(alerter),
		webhook.WithRecorder(collector),
	)
	if err != nil {
		return fmt.Errorf("verification worker init: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// Queued notifications keep draining after a shutdown signal, so workers get their own context.
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()
	var (
		dispatcher webhook.Dispatcher
		drain      func()
	)
	switch cfg.Dispatcher {
	case config.DispatcherAMQP:
		if publisher == nil {
			return fmt.Errorf("amqp dispatcher needs an amqp url")
		}
		consumer, err := mq.NewConsumer(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, []string{mq.RoutingNotification}, cfg.WorkerCount*consumerPrefetchMult)
		if err != nil {
			return fmt.Errorf("amqp consumer: %w", err)
		}
		defer func() { _ = consumer.Close() }()
		dispatcher = mq.NewNotificationQueue(publisher)
		group.Go(func() error {
			err := mq.ConsumeNotifications(groupCtx, consumer, worker, cfg.WorkerCount, logger)
			if groupCtx.Err() != nil {
				return nil
			}
			return err
		})
		drain = func() {}
	default:
		memory, err := webhook.NewMemoryDispatcher(worker, cfg.QueueSize, cfg.WorkerCount, logger)
		if err != nil {
			return fmt.Errorf("memory dispatcher: %w", err)
		}
		dispatcher = memory
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = memory.Run(workCtx)
		}()
		drain = func() {
			memory.Close()
			select {
			case <-done:
			case <-time.After(cfg.ShutdownTimeout):
				logger.Warn("notification queue not drained before shutdown timeout")
			}
		}
	}

	ingress, err := webhook.NewIngress(dispatcher, webhook.IngressConfig{
		Signatures:       webhook.NewSignatureVerifier(cfg.WebhookSecret, cfg.SignatureTolerance, time.Now),
		RequireSignature: cfg.RequireSignature,
		Logger:           logger,
		Recorder:         collector,
	})
	if err != nil {
		return fmt.Errorf("webhook ingress init: %w", err)
	}

	sweeper, err := reconcile.NewSweeper(store, verifier, service, clock.WallClock, reconcile.Config{
		ReconcileAfter: cfg.ReconcileAfter,
		ExpiryTimeout:  cfg.ExpiryTimeout,
		Interval:       cfg.SweepInterval,
		Concurrency:    cfg.WorkerCount,
	}, logger, alerter, reconcile.WithObserver(collector))
	if err != nil {
		return fmt.Errorf("reconcile sweeper init: %w", err)
	}

	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}
	server, err := httpapi.NewServer(httpapi.Dependencies{
		Reservations:  service,
		Intents:       issuer,
		Webhooks:      ingress,
		Verifications: dispatcher,
		Validator:     sessionValidator,
		Gatherer:      registry,
		Logger:        logger,
	}, httpapi.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AdminUserIDs:   cfg.AdminUserIDs,
		ReturnPaths:    []string{cfg.SuccessPath, cfg.FailurePath, cfg.PendingPath},
		WebhookPath:    cfg.WebhookPath,
		RequestTimeout: checkoutPolicy.Budget(cfg.ProcessorTimeout),
	})
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	group.Go(func() error {
		return server.Run(groupCtx, cfg.ListenAddr, cfg.ShutdownTimeout)
	})
	group.Go(func() error {
		return sweeper.Run(groupCtx)
	})

	logger.Info("tutorpayd started",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("store_driver", cfg.StoreDriver),
		zap.String("dispatcher", cfg.Dispatcher),
	)
	err = group.Wait()
	drain()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// newThrottle picks the Redis throttle when a Redis URL is configured, else the in-memory one.
func newThrottle(ctx context.Context, cfg *config.Config) (webhook.Throttle, func(), error) {
	if cfg.RedisURL == "" {
		return webhook.NewMemoryThrottle(cfg.ThrottleWindow, clock.WallClock), func() {}, nil
	}
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return webhook.NewRedisThrottle(client, throttleKeyPrefix, cfg.ThrottleWindow), func() { _ = client.Close() }, nil
}
