package config

import (
	"errors"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		ProcessorAccessToken: "token",
		PublicBaseURL:        "https://tutorpay.example.com",
		SessionSigningKey:    "signing-key",
	}
}

func TestValidateFillsDefaults(test *testing.T) {
	test.Parallel()
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.StandardBasisPoints != 2000 || cfg.PremiumBasisPoints != 1500 {
		test.Fatalf("unexpected default rates %d %d", cfg.StandardBasisPoints, cfg.PremiumBasisPoints)
	}
	if cfg.ExpiryTimeout != 30*time.Minute || cfg.ReconcileAfter != 10*time.Minute || cfg.VerifierAttempts != 5 {
		test.Fatalf("unexpected default timings %+v", cfg)
	}
	if cfg.StoreDriver != StoreDriverGorm || cfg.Dispatcher != DispatcherMemory {
		test.Fatalf("unexpected default drivers %s %s", cfg.StoreDriver, cfg.Dispatcher)
	}
	if got := cfg.CallbackURL(cfg.WebhookPath); got != "https://tutorpay.example.com/webhooks/payments" {
		test.Fatalf("unexpected webhook url %s", got)
	}
}

func TestValidateRejections(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing token", mutate: func(cfg *Config) { cfg.ProcessorAccessToken = "" }},
		{name: "relative public url", mutate: func(cfg *Config) { cfg.PublicBaseURL = "tutorpay.example.com" }},
		{name: "rate above 100 percent", mutate: func(cfg *Config) { cfg.StandardBasisPoints = 10001 }},
		{name: "negative rate", mutate: func(cfg *Config) { cfg.PremiumBasisPoints = -1 }},
		{name: "reconcile after expiry", mutate: func(cfg *Config) {
			cfg.ReconcileAfter = time.Hour
			cfg.ExpiryTimeout = time.Minute
		}},
		{name: "signature without secret", mutate: func(cfg *Config) { cfg.RequireSignature = true }},
		{name: "amqp without url", mutate: func(cfg *Config) { cfg.Dispatcher = DispatcherAMQP }},
		{name: "unknown dispatcher", mutate: func(cfg *Config) { cfg.Dispatcher = "kafka" }},
		{name: "pgx on sqlite", mutate: func(cfg *Config) { cfg.StoreDriver = StoreDriverPgx }},
		{name: "unknown store", mutate: func(cfg *Config) { cfg.StoreDriver = "bolt" }},
		{name: "missing session key", mutate: func(cfg *Config) { cfg.SessionSigningKey = "" }},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			cfg := validConfig()
			testCase.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				test.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestParseList(test *testing.T) {
	test.Parallel()
	values := ParseList(" a, ,b ,c")
	if len(values) != 3 || values[0] != "a" || values[1] != "b" || values[2] != "c" {
		test.Fatalf("unexpected values %v", values)
	}
	if len(ParseList("  ")) != 0 {
		test.Fatalf("expected empty list")
	}
}
