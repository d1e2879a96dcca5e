package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"rideworker/internal/rideworker"
)

// Version is injected via -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("RIDEWORKER_CONFIG", "/rideworker.yaml"), "path to rideworker.yaml")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := rideworker.LoadConfig(configPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	svc, err := rideworker.NewService(cfg, log, nil)
	if err != nil {
		log.Fatal("init service", zap.Error(err))
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		log.Fatal("worker lifecycle", zap.Error(err))
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal("listen", zap.String("addr", addr), zap.Error(err))
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("rideworker listening",
			zap.String("version", Version),
			zap.String("addr", addr),
			zap.String("origin", cfg.Server.Origin))
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
