package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jorgeraad/leafai/internal/adapter/drive"
	"github.com/jorgeraad/leafai/internal/adapter/llm"
	"github.com/jorgeraad/leafai/internal/agent"
	"github.com/jorgeraad/leafai/internal/auth"
	"github.com/jorgeraad/leafai/internal/config"
	"github.com/jorgeraad/leafai/internal/metrics"
	"github.com/jorgeraad/leafai/internal/policy"
	"github.com/jorgeraad/leafai/internal/registry"
	"github.com/jorgeraad/leafai/internal/repository"
	"github.com/jorgeraad/leafai/internal/secret"
	"github.com/jorgeraad/leafai/internal/service"
	transport "github.com/jorgeraad/leafai/internal/transport/http"
	"github.com/jorgeraad/leafai/internal/workflow"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting leafai...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Registry backend: %s", cfg.RegistryBackend)
	log.Printf("LLM: %s (model %s)", cfg.LLMBaseURL, cfg.LLMModel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Token encryption
	var box *secret.Box
	if cfg.TokenEncryptionKey != "" {
		var err error
		box, err = secret.NewBox(cfg.TokenEncryptionKey)
		if err != nil {
			log.Fatalf("Invalid TOKEN_ENCRYPTION_KEY: %v", err)
		}
	} else {
		log.Printf("WARN: TOKEN_ENCRYPTION_KEY is not set, integrations are disabled")
	}

	// Initialize store
	store, err := repository.NewSQLiteStore(cfg.DatabaseURL, box)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer store.Close()

	reg, closeReg, err := openRegistry(cfg, store)
	if err != nil {
		log.Fatalf("Failed to initialize run registry: %v", err)
	}
	defer closeReg.Close()

	// Initialize policy engine
	engine, err := policy.NewEngineFromFile(ctx, cfg.PolicyPath)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize LLM client
	client := llm.NewLLMClient(cfg.Mode, cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMTimeout)
	checkLLM(ctx, client)

	m := metrics.New()
	disp := workflow.NewDispatcher(reg, store,
		workflow.WithRunTimeout(cfg.RunTimeout),
		workflow.WithMetrics(m),
	)

	opts := service.Options{
		Store:      store,
		Dispatcher: disp,
		Agent: agent.New(client, agent.Config{
			Model:       cfg.LLMModel,
			MaxSteps:    cfg.AgentMaxSteps,
			ToolTimeout: cfg.ToolTimeout,
		}),
		LLM:         client,
		Model:       cfg.LLMModel,
		Policy:      engine,
		Metrics:     m,
		StepRetries: cfg.StepRetries,
	}
	if cfg.GoogleClientID != "" {
		oauthCfg := drive.OAuthConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURI:  cfg.GoogleRedirectURI,
		}
		opts.Drive = func(ctx context.Context, refreshToken string) (drive.API, error) {
			return drive.NewFromRefreshToken(ctx, oauthCfg, refreshToken, cfg.DriveBaseURL)
		}
		opts.Revoke = func(ctx context.Context, refreshToken string) error {
			return drive.RevokeToken(ctx, oauthCfg, refreshToken)
		}
	} else {
		log.Printf("WARN: GOOGLE_CLIENT_ID is not set, Drive tools are disabled")
	}
	svc := service.New(opts)

	authCfg := auth.Config{JWTSecret: cfg.JWTSecret}
	if !authCfg.Enabled() {
		authCfg.DevHeader = true
		log.Printf("WARN: JWT_SECRET is not set, trusting the %s header", auth.HeaderUserID)
	}
	e := transport.NewServer(svc, m, authCfg)
	e.Debug = cfg.LogLevel == "debug"

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		n, err := svc.ResumeUnfinished(gctx)
		if err != nil {
			log.Printf("ERROR: failed to resume unfinished runs: %v", err)
			return nil
		}
		if n > 0 {
			log.Printf("Resumed %d unfinished runs", n)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down leafai...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Printf("Failed to shutdown HTTP server gracefully: %v", err)
		}
		if err := disp.Shutdown(shutdownCtx); err != nil {
			log.Printf("Failed to drain runs: %v", err)
		}
		svc.Wait()
		return nil
	})

	log.Printf("API started on port %d", cfg.HTTPPort)
	if err := g.Wait(); err != nil {
		log.Printf("ERROR: %v", err)
		os.Exit(1)
	}
	log.Println("leafai stopped")
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openRegistry selects the run registry backend. The sqlite backend shares
// the relational store's database.
func openRegistry(cfg *config.Config, store *repository.SQLiteStore) (registry.Registry, io.Closer, error) {
	switch cfg.RegistryBackend {
	case config.RegistryMemory:
		log.Printf("WARN: in-memory run registry, runs do not survive a restart")
		return registry.NewMemory(), nopCloser{}, nil
	case config.RegistryRedis:
		r, err := registry.NewRedisFromURL(cfg.RedisURL, cfg.StreamPoll)
		if err != nil {
			return nil, nil, err
		}
		return r, r, nil
	case config.RegistrySQLite, "":
		r, err := registry.NewSQLite(store.DB(), cfg.StreamPoll)
		if err != nil {
			return nil, nil, err
		}
		return r, nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown registry backend %q", cfg.RegistryBackend)
	}
}

// checkLLM logs whether the provider answers. An unreachable provider is not
// fatal; runs fail individually until it comes back.
func checkLLM(ctx context.Context, client llm.LLMClient) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	models, err := client.ListModels(ctx)
	if err != nil {
		log.Printf("WARN: LLM provider not reachable: %v", err)
		return
	}
	log.Printf("LLM provider reachable, %d models available", len(models))
}
