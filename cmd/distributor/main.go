package main

import (
	"context"
	"log"
	"time"

	"github.com/caarlos0/env/v11"

	"escrowflow/db"
	"escrowflow/distribution"
)

// The distributor is run on a schedule (cron or a systemd timer). Each run
// sweeps revenue events whose reporting period has closed and pays them out.
type config struct {
	DatabaseURL string        `env:"DATABASE_URL,required"`
	RunTimeout  time.Duration `env:"RUN_TIMEOUT" envDefault:"10m"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("parse config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RunTimeout)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	svc := distribution.NewService(pool, distribution.NewRepository(pool), distribution.NewWalletSender())

	res, err := svc.ScheduleDistributions(ctx, time.Now().UTC())
	if err != nil {
		log.Fatalf("schedule distributions: %v", err)
	}
	log.Printf("distributor run complete: processed=%d failed=%d", res.Processed, res.Failed)
}
