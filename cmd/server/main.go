package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"quill/server/internal/broker"
	"quill/server/internal/config"
	"quill/server/internal/ledger"
	"quill/server/internal/perm"
	"quill/server/internal/server"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	if err := os.MkdirAll(cfg.CacheRoot, 0o755); err != nil {
		log.Fatalf("failed to create cache root: %v", err)
	}
	if err := os.MkdirAll(cfg.ChildRoot, 0o755); err != nil {
		log.Fatalf("failed to create child root: %v", err)
	}

	// Token ledger: Redis when configured, PostgreSQL otherwise.
	var tokenLedger ledger.Ledger
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for token ledger")
		redisLedger, err := ledger.OpenRedis(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		tokenLedger = redisLedger
	} else {
		log.Printf("Using PostgreSQL for token ledger")
		pgLedger, err := ledger.OpenPostgres(ctx, cfg.TokenDBURL)
		if err != nil {
			log.Fatalf("token db connection failed: %v", err)
		}
		tokenLedger = pgLedger
	}
	defer tokenLedger.Close()

	if _, err := perm.LoadPolicy(cfg.PermPath); err != nil {
		log.Printf("WARNING: permission policy unavailable: %v", err)
	}

	srv := server.New()
	manager := broker.NewManager(cfg, tokenLedger, broker.LogAdminSink{}, srv.ChildFactory)
	srv.AttachManager(manager)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(runCtx, cfg.Addr, srv); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
