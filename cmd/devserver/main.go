// Command devserver runs the development backend: the streaming websocket
// endpoint and the stateless /ai/respond endpoint with canned replies.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/parleyhq/parley-go/internal/config"
	"github.com/parleyhq/parley-go/internal/mockbackend"
)

func main() {
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", "config.yaml", "path to config file")
		delay      = flag.Duration("delta-delay", 30*time.Millisecond, "pause between streamed deltas")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	opts := []mockbackend.Option{
		mockbackend.WithLogger(logger),
		mockbackend.WithDeltaDelay(*delay),
	}
	if cfg.Assist.Token != "" {
		opts = append(opts, mockbackend.WithToken(cfg.Assist.Token))
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mockbackend.New(opts...).Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses
	}

	go func() {
		logger.Info("devserver listening", slog.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.String("error", err.Error()))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
