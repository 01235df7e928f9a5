package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/ashureev/bizpartner/internal/api"
	"github.com/ashureev/bizpartner/internal/config"
	"github.com/ashureev/bizpartner/internal/effects"
	"github.com/ashureev/bizpartner/internal/identity"
	"github.com/ashureev/bizpartner/internal/instructions"
	"github.com/ashureev/bizpartner/internal/llm"
	"github.com/ashureev/bizpartner/internal/middleware"
	"github.com/ashureev/bizpartner/internal/rpc"
	"github.com/ashureev/bizpartner/internal/session"
	"github.com/ashureev/bizpartner/internal/specialist"
	"github.com/ashureev/bizpartner/internal/specialist/coaching"
	"github.com/ashureev/bizpartner/internal/specialist/partner"
	"github.com/ashureev/bizpartner/internal/specialist/servicing"
	"github.com/ashureev/bizpartner/internal/specialist/underwriting"
	"github.com/ashureev/bizpartner/internal/store"
	"github.com/ashureev/bizpartner/internal/transcript"
	"github.com/ashureev/bizpartner/internal/workflow"
	"github.com/ashureev/bizpartner/web"
)

const (
	photoConcurrency = 4
	shutdownTimeout  = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket turn API (default)",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "version", version)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(store.Options{Mode: cfg.Store.Mode, Path: cfg.Store.Path, Fallback: cfg.Store.Fallback}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("Failed to close session store", "error", closeErr)
		}
	}()

	personas, err := session.LoadCatalogue(cfg.PersonasFile)
	if err != nil {
		return fmt.Errorf("load personas: %w", err)
	}

	instr, stopInstr, err := newInstructions(ctx, cfg.Instructions, logger)
	if err != nil {
		return err
	}
	defer stopInstr()

	gen, err := newGenerator(ctx, cfg.Gemini, logger)
	if err != nil {
		return err
	}

	reg, err := newRegistry(gen, instr, logger)
	if err != nil {
		return err
	}
	if cfg.Remote.Addr != "" {
		closeRemote := attachRemote(cfg.Remote, reg, logger)
		defer closeRemote()
	}

	exec, err := workflow.NewExecutor(reg, cfg.MaxSpecialistHops, cfg.SpecialistTimeout, logger)
	if err != nil {
		return err
	}

	runner := effects.New(cfg.EffectsWorkers, cfg.EffectsQueueSize, logger)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if closeErr := runner.Close(drainCtx); closeErr != nil {
			slog.Error("Background effects did not drain", "error", closeErr)
		}
	}()

	tw, err := transcript.New(transcript.Config{
		Enabled:       cfg.Transcript.Enabled,
		Dir:           cfg.Transcript.Dir,
		GlobalEnabled: cfg.Transcript.GlobalEnabled,
		GlobalPath:    cfg.Transcript.GlobalPath,
	}, logger)
	if err != nil {
		return fmt.Errorf("init transcripts: %w", err)
	}

	orch := workflow.NewOrchestrator(st, personas, exec, runner, tw, cfg.TurnTimeout, logger)
	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute)
	handler := api.NewHandler(orch, runner, limiter, cfg.AllowedOrigins, cfg.IsDevelopment(), logger)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	api.NewHealthHandler(st, 5*time.Second).RegisterHealth(r)
	handler.RegisterRoutes(r)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Turns may run up to TURN_TIMEOUT, so writes get that plus headroom.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.TurnTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}

// newInstructions builds the instruction source. A directory source is
// hot reloaded until the returned stop func runs.
func newInstructions(ctx context.Context, cfg config.InstructionsConfig, logger *slog.Logger) (*instructions.Source, func(), error) {
	switch {
	case cfg.URL != "":
		fetcher := instructions.NewHTTPFetcher(cfg.URL, cfg.PublicKey, cfg.SecretKey, 10*time.Second)
		slog.Info("Instructions served from prompt service", "url", cfg.URL, "ttl", cfg.TTL)
		return instructions.NewSource(fetcher, cfg.TTL, logger), func() {}, nil
	case cfg.Dir != "":
		source := instructions.NewSource(instructions.NewDirFetcher(cfg.Dir), cfg.TTL, logger)
		watcher, err := instructions.NewWatcher(cfg.Dir, source, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("watch instructions: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return nil, nil, fmt.Errorf("watch instructions: %w", err)
		}
		slog.Info("Instructions served from directory", "dir", cfg.Dir)
		return source, watcher.Stop, nil
	}
	slog.Info("Instructions use built-in defaults")
	return instructions.NewSource(nil, cfg.TTL, logger), func() {}, nil
}

func newGenerator(ctx context.Context, cfg config.GeminiConfig, logger *slog.Logger) (llm.Generator, error) {
	if cfg.APIKey == "" {
		slog.Warn("GEMINI_API_KEY not set, using offline generator")
		return llm.Offline{}, nil
	}
	g, err := llm.NewGemini(ctx, cfg.APIKey, cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("init gemini: %w", err)
	}
	slog.Info("Generation service ready", "model", cfg.Model)
	return llm.WithRetry(g, cfg.Timeout, logger), nil
}

func newRegistry(gen llm.Generator, instr *instructions.Source, logger *slog.Logger) (*specialist.Registry, error) {
	return specialist.NewRegistry(
		partner.New(gen, instr, photoConcurrency, logger),
		underwriting.New(logger),
		servicing.New(gen, instr, logger),
		coaching.New(gen, instr, logger),
	)
}

// attachRemote swaps one local specialist for a remote one. A host that
// cannot be reached leaves the local specialist in place.
func attachRemote(cfg config.RemoteConfig, reg *specialist.Registry, logger *slog.Logger) func() {
	slog.Info("Attempting to connect to remote specialist host", "address", cfg.Addr, "role", cfg.Role)
	conn, err := rpc.Dial(rpc.DefaultDialConfig(cfg.Addr), logger)
	if err != nil {
		slog.Warn("Remote specialist unavailable, keeping local specialist", "role", cfg.Role, "error", err)
		return func() {}
	}
	if err := reg.Replace(rpc.NewRemote(conn, cfg.Role, logger)); err != nil {
		slog.Warn("Remote specialist rejected, keeping local specialist", "role", cfg.Role, "error", err)
		_ = conn.Close()
		return func() {}
	}
	slog.Info("Remote specialist attached", "role", cfg.Role)
	return func() {
		if err := conn.Close(); err != nil {
			slog.Debug("Failed to close remote specialist connection", "error", err)
		}
	}
}
