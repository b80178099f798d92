package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"fanvault.io/internal/affiliate"
	"fanvault.io/internal/auction"
	"fanvault.io/internal/calls"
	"fanvault.io/internal/httpapi"
	"fanvault.io/internal/ledger"
	"fanvault.io/internal/notify"
	"fanvault.io/internal/obs"
	"fanvault.io/internal/offer"
	"fanvault.io/internal/store/pg"
	"fanvault.io/internal/unlock"
	"fanvault.io/internal/withdraw"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ledger backend: durable Postgres when a DSN is configured, in-memory
	// otherwise (dev and tests).
	var (
		led   ledger.Service
		probe httpapi.ReadyProbe
	)
	if dsn := os.Getenv("FANVAULT_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		led = ledger.WithMetrics(store)
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		led = ledger.WithMetrics(ledger.NewInMemory())
	}

	outbox := notify.NewOutbox()
	outbox.StartLogDispatcher(ctx)

	voiceRate, videoRate := callRates()
	callSvc := calls.NewService(led, outbox, calls.FlatRates(voiceRate, videoRate))
	auctionEngine := auction.NewEngine(led, outbox)

	api := httpapi.New(httpapi.Deps{
		Ledger:        led,
		Unlocks:       unlock.NewService(led, outbox),
		Calls:         callSvc,
		Withdrawals:   withdraw.NewService(led, outbox),
		Auctions:      auctionEngine,
		Offers:        offer.NewAllocator(outbox),
		Affiliates:    affiliate.NewService(led),
		ReadyProbe:    probe,
		Version:       version,
		WebhookSecret: []byte(os.Getenv("FANVAULT_WEBHOOK_SECRET")),
	})

	// Background sweeps: close expired auctions, time out unanswered calls.
	go runSweeper(ctx, auctionEngine, callSvc, sweepInterval())

	addr := os.Getenv("FANVAULT_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting fanvault-api %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	cancel()
	log.Println("Stopped")
}

// runSweeper drives the periodic close/timeout passes until ctx ends. Both
// sweeps are idempotent, so a missed or doubled tick is harmless.
func runSweeper(ctx context.Context, auctions *auction.Engine, callSvc *calls.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if closed, err := auctions.SweepExpired(ctx); err != nil {
				log.Printf("auction sweep: %v (closed %d before failing)", err, closed)
			}
			callSvc.SweepPending(ctx)
		}
	}
}

func sweepInterval() time.Duration {
	if v, err := time.ParseDuration(os.Getenv("FANVAULT_SWEEP_INTERVAL")); err == nil && v > 0 {
		return v
	}
	return 30 * time.Second
}

// callRates reads per-minute call prices; defaults match the launch pricing.
func callRates() (voice, video int64) {
	voice, video = 5, 12
	if v, err := parseEnvInt64("FANVAULT_VOICE_RATE"); err == nil && v > 0 {
		voice = v
	}
	if v, err := parseEnvInt64("FANVAULT_VIDEO_RATE"); err == nil && v > 0 {
		video = v
	}
	return voice, video
}

func parseEnvInt64(key string) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, os.ErrNotExist
	}
	return strconv.ParseInt(raw, 10, 64)
}
