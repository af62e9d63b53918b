package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scanguard/gateway/internal/admission"
	"github.com/scanguard/gateway/internal/config"
	"github.com/scanguard/gateway/internal/handlers"
	"github.com/scanguard/gateway/internal/keystore"
	"github.com/scanguard/gateway/internal/metrics"
	"github.com/scanguard/gateway/internal/models"
	"github.com/scanguard/gateway/internal/notify"
	"github.com/scanguard/gateway/internal/payment"
	"github.com/scanguard/gateway/internal/ratelimit"
	"github.com/scanguard/gateway/internal/services"
	"github.com/scanguard/gateway/internal/workers"
	"github.com/scanguard/gateway/pkg/store"
)

var version = "dev"

type stores struct {
	keys     store.Store[models.APIKey]
	windows  store.Store[models.RateWindow]
	payments store.Store[models.PaymentRecord]
	proofs   store.Store[models.ProofClaim]
	redis    *redis.Client
}

func main() {
	// Setup logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogger(cfg)

	log.Info().Str("environment", cfg.Environment).Str("version", version).Msg("Starting scanguard gateway")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStores(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open state store")
	}
	if st.redis != nil {
		defer st.redis.Close()
	}

	// Key registry
	keys := keystore.New(st.keys)
	if err := keys.Seed(ctx, cfg.APIKeys, cfg.IsDevelopment()); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed API keys")
	}
	if cfg.AuthDisabled {
		log.Warn().Msg("Authentication is DISABLED: every request is admitted without a key")
	}

	limiter := ratelimit.New(st.windows)
	tracker := payment.NewTracker(st.payments, st.proofs)

	var notifier *notify.Discord
	if cfg.DiscordBotToken != "" && cfg.DiscordChannelID != "" {
		notifier, err = notify.NewDiscord(cfg.DiscordBotToken, cfg.DiscordChannelID)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize Discord notifications")
		} else {
			defer notifier.Close()
		}
	}

	gateOpts := []admission.Option{admission.WithAuthDisabled(cfg.AuthDisabled)}
	info := handlers.ServiceInfo{
		Version:         version,
		Environment:     cfg.Environment,
		AuthDisabled:    cfg.AuthDisabled,
		PaymentsEnabled: cfg.PaymentsEnabled,
	}

	// Payments
	if cfg.PaymentsEnabled {
		gw, err := newPaymentGateway(cfg, tracker, notifier)
		if err != nil {
			var cfgErr *admission.ConfigError
			if errors.As(err, &cfgErr) {
				log.Fatal().Str("field", cfgErr.Field).Msg(cfgErr.Message)
			}
			log.Fatal().Err(err).Msg("Failed to initialize payment gateway")
		}
		gateOpts = append(gateOpts, admission.WithPayments(gw))

		info.Price = gw.Price()
		info.Network = gw.Network().Name
		info.ChainID = gw.Network().ChainID
		info.PayTo = gw.PayTo()
	} else {
		log.Warn().Msg("Payments are disabled: priced endpoints are served without payment")
	}

	// Scanner
	var scanner services.Scanner
	if cfg.ScannerURL != "" {
		s, err := services.NewUpstreamScanner(cfg.ScannerURL, cfg.ScannerTimeout)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to configure scanner")
		}
		scanner = s
	} else {
		log.Warn().Msg("SCANNER_URL not set: scan endpoints will answer 503")
	}

	// Background sweeps
	paymentSweeper := workers.NewSweeper("payments", cfg.PaymentSweepInterval, func(ctx context.Context) (int, error) {
		n, err := tracker.Cleanup(ctx)
		if count, cerr := tracker.Count(ctx); cerr == nil {
			metrics.PaymentRecords.Set(float64(count))
		}
		return n, err
	})
	windowSweeper := workers.NewSweeper("rate_windows", cfg.WindowSweepInterval, limiter.Sweep)
	paymentSweeper.Start(ctx)
	windowSweeper.Start(ctx)

	var admin *handlers.AdminHandler
	if cfg.AdminJWTSecret != "" {
		admin = handlers.NewAdminHandler(keys)
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Gate:        admission.NewGate(keys, limiter, gateOpts...),
		API:         handlers.NewAPIHandler(scanner, tracker, info),
		Admin:       admin,
		AdminSecret: cfg.AdminJWTSecret,
		TrustProxy:  cfg.TrustProxy,
		AccessLog:   true,
	})

	// Start server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down server...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		cancel()
	}()

	log.Info().Str("port", cfg.Port).Msg("Server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server error")
	}

	paymentSweeper.Stop()
	windowSweeper.Stop()
	log.Info().Msg("Server stopped")
}

func setupLogger(cfg *config.Config) {
	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.RedisURL == "" {
		log.Info().Msg("Using in-memory state store")
		return &stores{
			keys:     store.NewMemory[models.APIKey](),
			windows:  store.NewMemory[models.RateWindow](),
			payments: store.NewMemory[models.PaymentRecord](),
			proofs:   store.NewMemory[models.ProofClaim](),
		}, nil
	}

	client, err := store.Connect(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	log.Info().Msg("Using Redis state store")

	longestWindow := ratelimit.TierQuotas[models.TierBasic].Window
	return &stores{
		keys:     store.NewRedis[models.APIKey](client, "scanguard:keys", 0),
		windows:  store.NewRedis[models.RateWindow](client, "scanguard:windows", 2*longestWindow),
		payments: store.NewRedis[models.PaymentRecord](client, "scanguard:payments", payment.Retention+time.Hour),
		proofs:   store.NewRedis[models.ProofClaim](client, "scanguard:proofs", payment.Retention+time.Hour),
		redis:    client,
	}, nil
}

func newPaymentGateway(cfg *config.Config, tracker *payment.Tracker, notifier *notify.Discord) (*payment.Gateway, error) {
	mode, err := payment.ParseMode(cfg.X402Mode)
	if err != nil {
		return nil, err
	}
	network := payment.Network(mode)

	facilitatorURL := cfg.FacilitatorURL
	if facilitatorURL == "" {
		facilitatorURL = network.FacilitatorURL
	}
	if mode == payment.ModeProduction && (cfg.CDPAPIKeyID == "" || cfg.CDPAPIKeySecret == "") {
		log.Warn().Msg("Production payments without CDP_API_KEY_ID/CDP_API_KEY_SECRET: the facilitator will likely reject requests")
	}

	facilitator, err := payment.NewHTTPFacilitator(payment.FacilitatorConfig{
		URL:          facilitatorURL,
		APIKeyID:     cfg.CDPAPIKeyID,
		APIKeySecret: cfg.CDPAPIKeySecret,
		RPS:          cfg.FacilitatorRPS,
	})
	if err != nil {
		return nil, err
	}

	var opts []payment.GatewayOption
	if notifier != nil {
		opts = append(opts, payment.WithNotifier(notifier))
	}

	return payment.NewGateway(payment.Config{
		Mode:               mode,
		PayTo:              cfg.PayToAddress,
		PriceUSD:           cfg.ScanPriceUSD,
		FacilitatorTimeout: cfg.FacilitatorTimeout,
	}, facilitator, tracker, opts...)
}
