package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	manta "github.com/rheza/manta"
	"github.com/rheza/manta/code"
	"github.com/rheza/manta/internal/config"
	"github.com/rheza/manta/internal/server"
	"github.com/rheza/manta/observer"
	"github.com/rheza/manta/provider/gemini"
	"github.com/rheza/manta/provider/resolve"
	filestore "github.com/rheza/manta/store/file"
	"github.com/rheza/manta/store/postgres"
	"github.com/rheza/manta/store/sqlite"
	codetool "github.com/rheza/manta/tools/code"
	"github.com/rheza/manta/tools/fetch"
	filetool "github.com/rheza/manta/tools/file"
	"github.com/rheza/manta/tools/media"
	"github.com/rheza/manta/tools/plan"
	"github.com/rheza/manta/tools/search"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load(os.Getenv("MANTA_CONFIG"))

	// Tracing
	var tracer manta.Tracer
	if cfg.Observer.Enabled {
		shutdown, err := observer.Init(ctx, cfg.Observer.Endpoint)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
		tracer = observer.NewTracer()
	}

	// Store
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Provider. Outbound calls honor the proxy-bypass list.
	httpClient := &http.Client{Transport: &http.Transport{Proxy: cfg.ProxyFunc()}}
	provider, err := resolve.Provider(resolve.Config{
		Provider:    cfg.LLM.Provider,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		BaseURL:     cfg.LLM.BaseURL,
		HTTPClient:  httpClient,
		Temperature: cfg.LLM.Temperature,
		TopP:        cfg.LLM.TopP,
		Thinking:    cfg.LLM.Thinking,
	})
	if err != nil {
		return err
	}
	provider = manta.WithRetry(provider,
		manta.RetryMaxAttempts(cfg.LLM.Retries),
		manta.RetryLogger(logger))

	// Tools
	regOpts := []manta.RegistryOption{
		manta.RegistryLogger(logger),
		manta.RegistryTracer(tracer),
	}
	if cfg.Tools.DefaultTimeoutSeconds > 0 {
		regOpts = append(regOpts,
			manta.RegistryDefaultTimeout(time.Duration(cfg.Tools.DefaultTimeoutSeconds)*time.Second))
	}
	if cfg.Tools.CodeTimeoutSeconds > 0 {
		d := time.Duration(cfg.Tools.CodeTimeoutSeconds) * time.Second
		regOpts = append(regOpts,
			manta.RegistryToolTimeout("execute_code", d),
			manta.RegistryToolTimeout("execute_shell", d))
	}
	if cfg.Tools.MediaTimeoutSeconds > 0 {
		regOpts = append(regOpts,
			manta.RegistryToolTimeout("generate_image", time.Duration(cfg.Tools.MediaTimeoutSeconds)*time.Second))
	}
	registry := manta.NewRegistry(regOpts...)
	if err := registerTools(registry, cfg, httpClient); err != nil {
		return err
	}
	registry.Freeze()

	// Orchestrator
	orchOpts := []manta.OrchestratorOption{
		manta.WithLogger(logger),
	}
	if tracer != nil {
		orchOpts = append(orchOpts, manta.WithTracer(tracer))
	}
	if cfg.Server.SystemPrompt != "" {
		orchOpts = append(orchOpts, manta.WithSystemPrompt(cfg.Server.SystemPrompt))
	}
	if cfg.Server.MaxIterations > 0 {
		orchOpts = append(orchOpts, manta.WithMaxIterations(cfg.Server.MaxIterations))
	}
	orch := manta.NewOrchestrator(provider, registry, store, orchOpts...)

	// HTTP surface
	keepAlive := time.Duration(cfg.Server.KeepAliveSeconds) * time.Second
	// Raised tool budgets would otherwise outlive the SSE write deadline.
	if floor := longestToolTimeout(cfg) + 50*time.Second; keepAlive < floor {
		logger.Warn("raising keep-alive above the longest tool timeout", "keep_alive", floor)
		keepAlive = floor
	}
	srv := server.New(store, orch,
		server.WithLogger(logger),
		server.WithKeepAlive(keepAlive))

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Write deadlines are managed per-event by the SSE writer; the
		// idle timeout is the only server-wide cap.
		IdleTimeout: keepAlive,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr, "store", cfg.Store.Backend, "provider", provider.Name())
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// longestToolTimeout is the largest tool budget in effect after config
// overrides, used to size the SSE keep-alive deadline.
func longestToolTimeout(cfg config.Config) time.Duration {
	longest := manta.DefaultToolTimeout
	if d := time.Duration(cfg.Tools.DefaultTimeoutSeconds) * time.Second; d > longest {
		longest = d
	}
	code := manta.CodeToolTimeout
	if cfg.Tools.CodeTimeoutSeconds > 0 {
		code = time.Duration(cfg.Tools.CodeTimeoutSeconds) * time.Second
	}
	if code > longest {
		longest = code
	}
	media := manta.MediaToolTimeout
	if cfg.Tools.MediaTimeoutSeconds > 0 {
		media = time.Duration(cfg.Tools.MediaTimeoutSeconds) * time.Second
	}
	if media > longest {
		longest = media
	}
	return longest
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (manta.ConversationStore, func(), error) {
	switch cfg.Store.Backend {
	case "file", "":
		s, err := filestore.New(cfg.Store.DataDir, cfg.Store.OutputsDir, filestore.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case "sqlite":
		s, err := sqlite.New(cfg.Store.SQLitePath, cfg.Store.OutputsDir, sqlite.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		s := postgres.New(pool, cfg.Store.OutputsDir, postgres.WithLogger(logger))
		if err := s.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil
	default:
		return nil, nil, errors.New("unknown store backend: " + cfg.Store.Backend)
	}
}

func registerTools(registry *manta.Registry, cfg config.Config, httpClient *http.Client) error {
	if cfg.Tools.BraveAPIKey != "" {
		if err := search.New(cfg.Tools.BraveAPIKey).Register(registry); err != nil {
			return err
		}
	}
	if err := fetch.New().Register(registry); err != nil {
		return err
	}
	if err := filetool.New().Register(registry); err != nil {
		return err
	}
	if err := plan.New().Register(registry); err != nil {
		return err
	}

	exec := code.NewExecutor(cfg.Sandbox.PythonBin)
	if err := codetool.New(exec).Register(registry); err != nil {
		return err
	}

	if cfg.Media.ImageModel != "" && cfg.Media.APIKey != "" {
		gen := &imageGenerator{client: gemini.NewImageClient(cfg.Media.APIKey, cfg.Media.ImageModel,
			gemini.WithImageHTTPClient(httpClient))}
		if err := media.New(gen).Register(registry); err != nil {
			return err
		}
	}
	return nil
}

// imageGenerator adapts the Gemini image client to the media tool interface.
type imageGenerator struct {
	client *gemini.ImageClient
}

func (g *imageGenerator) Generate(ctx context.Context, prompt string) ([]media.GeneratedImage, error) {
	images, err := g.client.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	out := make([]media.GeneratedImage, len(images))
	for i, img := range images {
		out[i] = media.GeneratedImage{MimeType: img.MimeType, Data: img.Data}
	}
	return out, nil
}
