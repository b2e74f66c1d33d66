package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"

	"escrowflow/db"
	"escrowflow/distribution"
	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/milestone"
	"escrowflow/project"
)

type config struct {
	DatabaseURL    string `env:"DATABASE_URL,required"`
	ListenAddr     string `env:"LISTEN_ADDR" envDefault:":8080"`
	GatewayBaseURL string `env:"GATEWAY_BASE_URL" envDefault:"https://api.paystack.co"`
	GatewaySecret  string `env:"GATEWAY_SECRET_KEY,required"`
	WebhookSecret  string `env:"WEBHOOK_SECRET,required"`
}

func main() {
	ctx := context.Background()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("parse config: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	escrowService := escrow.NewService(pool, escrow.NewRepository(pool))
	gatewayClient := gateway.NewHTTPClient(cfg.GatewayBaseURL, cfg.GatewaySecret)

	server := &Server{
		projectService:   project.NewService(project.NewRepository(pool)),
		escrowService:    escrowService,
		chargeService:    escrow.NewWebhookHandler(escrowService, gatewayClient, []byte(cfg.WebhookSecret)),
		milestoneService: milestone.NewService(pool, milestone.NewRepository(pool), escrowService),
		distributionService: distribution.NewService(pool,
			distribution.NewRepository(pool), distribution.NewWalletSender()),
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("escrow api listening on %s", cfg.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("http server: %v", err)
	}
}
