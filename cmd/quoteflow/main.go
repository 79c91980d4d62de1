package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"quoteflow/acceptance"
	"quoteflow/config"
	"quoteflow/db"
	"quoteflow/ledger"
	"quoteflow/localcache"
	"quoteflow/logging"
	"quoteflow/metrics"
	"quoteflow/migrations"
	"quoteflow/notifybus"
	"quoteflow/quote"
	"quoteflow/referral"
	"quoteflow/request"
	"quoteflow/session"
)

// noopRedirector stands in until a payment provider is wired; the chosen
// method is still recorded on the ledger record.
type noopRedirector struct{}

func (noopRedirector) RedirectToPayment(ctx context.Context, quoteID string, amount float64) {}

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to database")
	}
	defer pool.Close()

	if err := migrations.Apply(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("apply migrations")
	}

	cache, err := localcache.Open(cfg.CacheDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open local cache")
	}
	defer cache.Close()
	cache.WithDefaultTTL(cfg.CacheTTL)

	m := metrics.New()

	quotes := quote.NewRepository(pool)
	requests := request.NewRepository(pool)
	led := ledger.NewLedger(pool)
	sessions := session.NewService(cfg.SessionSecret, pool)
	notifier := notifybus.NewPGNotifier(pool, log)

	referrals := referral.NewStore(pool, cache, log).WithMetrics(m)
	tracker := referral.NewTracker(sessions, sessions, referrals, log)

	accepts := acceptance.NewService(quotes, requests, led, referrals, notifier, noopRedirector{}, log).
		WithDelays(cfg.NotifyGap, cfg.SettleDelay).
		WithMetrics(m)

	counter := notifybus.NewCounter(pool, db.NewListener(pool, log), log)
	go func() {
		if err := counter.Run(ctx); err != nil {
			log.Error().Err(err).Msg("notification feed stopped")
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Bool("acceptance_ready", accepts != nil).
		Bool("reveal_ready", tracker != nil).
		Msg("quoteflow ready")

	<-ctx.Done()
	log.Info().Msg("shutting down")
}
