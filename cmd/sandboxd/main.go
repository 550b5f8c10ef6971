package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/megha-narayanan/amplify-backend-sub000/internal/cloud/aws"
	httpx "github.com/megha-narayanan/amplify-backend-sub000/internal/http"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/process"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/service/events"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/service/lifecycle"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/service/logtail"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/store/file"
	"github.com/megha-narayanan/amplify-backend-sub000/internal/ws"
	"github.com/megha-narayanan/amplify-backend-sub000/pkg/config"
	"github.com/megha-narayanan/amplify-backend-sub000/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadConsoleConfig()
	log := logger.New("sandboxd", logger.LevelFor(cfg.Environment))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identifier := strings.TrimSpace(cfg.SandboxIdentifier)
	if identifier == "" {
		identifier = "sandbox-" + uuid.NewString()[:8]
		log.Info("no sandbox identifier configured, generated one", "identifier", identifier)
	}
	stackName := strings.TrimSpace(cfg.StackName)
	if stackName == "" {
		stackName = fmt.Sprintf("amplify-%s-sandbox", identifier)
	}

	st, err := file.New(cfg.DataDir, identifier)
	if err != nil {
		log.Error("failed to open local store", "error", err)
		os.Exit(1)
	}
	if os.Getenv("MAX_LOG_SIZE_MB") != "" {
		if err := st.SetMaxLogSizeMB(ctx, cfg.MaxLogSizeMB); err != nil {
			log.Warn("failed to apply configured log size cap", "error", err)
		}
	}

	clients, err := aws.New(ctx, cfg.AWSRegion)
	if err != nil {
		log.Error("failed to configure aws clients", "error", err)
		os.Exit(1)
	}

	hub := ws.NewHub()
	defer hub.Close()

	pipeline := events.New(st, st, hub, log, cfg.DedupWindowSize)
	if err := pipeline.Restore(ctx); err != nil {
		log.Warn("failed to restore resource snapshot", "error", err)
	}

	runner := process.NewRunner(cfg.SandboxCommand, strings.Fields(cfg.SandboxArgs), pipeline, log)
	lifecycleSvc := lifecycle.New(identifier, stackName, clients, runner, hub, log)
	runner.SetCallbacks(lifecycleSvc)

	tails := logtail.New(clients, nil, st, st, st, hub, log, cfg.LogPollInterval)
	defer tails.Close()
	if err := tails.Restore(ctx); err != nil {
		log.Warn("failed to restore log tails", "error", err)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, lifecycleSvc, pipeline, tails, st, st, hub, limiter, cfg.StaticDir)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("sandbox console starting", "addr", cfg.Addr, "identifier", identifier, "stack", stackName)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("sandbox console stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
