package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sapiencexyz/auction-relayer/internal/chain"
	"github.com/sapiencexyz/auction-relayer/internal/config"
	"github.com/sapiencexyz/auction-relayer/internal/hub"
	"github.com/sapiencexyz/auction-relayer/internal/metrics"
	"github.com/sapiencexyz/auction-relayer/internal/registry"
	"github.com/sapiencexyz/auction-relayer/internal/relay"
	"github.com/sapiencexyz/auction-relayer/internal/sigverify"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis (optional read-through cache for chain lookups) ─────────────────
	var cache *chain.Cache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("redis ping failed", zap.Error(err))
		}
		cache = chain.NewCache(rdb)
	}

	// ── Chain client ──────────────────────────────────────────────────────────
	rpcURLs, err := cfg.ParseRPCURLs()
	if err != nil {
		log.Fatal("invalid CHAIN_RPC_URLS", zap.Error(err))
	}
	if len(rpcURLs) == 0 {
		log.Warn("no RPC endpoints configured; EIP-1271 and vault-manager checks will fail closed")
	}
	onchain := chain.NewClient(rpcURLs, cfg.ChainCallTimeout(), cache, log)

	// ── Metrics ───────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	obs := metrics.NewProm(promReg)

	// ── Relay wiring ──────────────────────────────────────────────────────────
	store := registry.NewStore(onchain, cfg.MaxAuctionAge(), log)
	subs := hub.New()
	verifier := sigverify.New(onchain, log)
	handlers := relay.NewHandlers(store, subs, verifier, obs, cfg.Auction.StrictBidVerification, log)
	router := relay.NewRouter(handlers, obs, log)
	server := relay.NewServer(cfg, router, subs, obs, log)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "connections": server.ConnectionCount()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))
	r.GET("/auction", gin.WrapF(server.Serve))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("auction relayer starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("websocket drain error", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
