// Command parley sends one request to the assistant backend and streams the
// reply to stdout, or lists stored sessions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	apiassist "github.com/parleyhq/parley-go/internal/api/assist"
	"github.com/parleyhq/parley-go/internal/assist"
	"github.com/parleyhq/parley-go/internal/config"
	"github.com/parleyhq/parley-go/internal/domain"
	"github.com/parleyhq/parley-go/internal/history"
	"github.com/parleyhq/parley-go/internal/telemetry"
	"github.com/parleyhq/parley-go/internal/tokens"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var (
		configPath   = flag.String("config", "config.yaml", "path to config file")
		mode         = flag.String("mode", domain.ModeReply, "generation mode (reply, summary, insights, questions)")
		question     = flag.String("question", "", "optional question about the conversation")
		text         = flag.String("text", "", "user message to send")
		listSessions = flag.Bool("sessions", false, "list stored sessions and exit")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdown, err := telemetry.InitTracer("parley", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *listSessions {
		if err := printSessions(cfg.History.Path); err != nil {
			log.Fatalf("Failed to list sessions: %v", err)
		}
		return
	}

	if *text == "" {
		fmt.Fprintln(os.Stderr, "usage: parley -text \"...\" [-mode reply] [-question \"...\"]")
		os.Exit(2)
	}

	budget, err := tokens.NewBudgeter(cfg.Assist.TokenBudget)
	if err != nil {
		log.Fatalf("Failed to create token budgeter: %v", err)
	}

	opts := []assist.Option{
		assist.WithLogger(logger),
		assist.WithDefaultTimeout(time.Duration(cfg.Assist.TimeoutSeconds) * time.Second),
		assist.WithTurnBudget(budget),
	}
	if cfg.Assist.HTTPURL != "" {
		opts = append(opts, assist.WithFallback(apiassist.NewClient(cfg.Assist.HTTPURL)))
	}

	svc := assist.New(cfg.Assist.WSURL, opts...)
	defer svc.Close()
	svc.SetAuthToken(cfg.Assist.Token)

	req := domain.AssistRequest{
		Mode:     *mode,
		Turns:    []domain.Turn{domain.UserTurn(*text)},
		Question: *question,
	}

	for ev := range svc.StreamRespond(context.Background(), req) {
		if ev.Err != nil {
			log.Fatalf("Request failed: %v", ev.Err)
		}
		fmt.Print(ev.Delta)
	}
	fmt.Println()
}

func printSessions(dbPath string) error {
	store, err := history.Open(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(context.Background())
	if err != nil {
		return err
	}
	for _, s := range sessions {
		fmt.Printf("%s  %s  %s\n", s.ID, s.StartedAt.Format(time.RFC3339), s.Title)
	}
	return nil
}
