package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/goassist/internal/app"
	"github.com/hyperifyio/goassist/internal/backend"
	"github.com/hyperifyio/goassist/internal/chunk"
	"github.com/hyperifyio/goassist/internal/crawl"
	"github.com/hyperifyio/goassist/internal/fetch"
	"github.com/hyperifyio/goassist/internal/index"
	"github.com/hyperifyio/goassist/internal/orchestrator"
	"github.com/hyperifyio/goassist/internal/server"
	"github.com/hyperifyio/goassist/internal/tools"
)

func main() {
	// Logging setup
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	var (
		configPath  string
		backendType string
		endpoint    string
		model       string
		host        string
		port        int
		promptFile  string
		ragBaseURL  string
		ragCacheDir string
		ragRebuild  bool
		verbose     bool
	)
	flag.StringVar(&configPath, "config", "", "Path to YAML configuration file")
	flag.StringVar(&backendType, "backend", "", "Backend dialect: native or openai-compatible")
	flag.StringVar(&endpoint, "endpoint", "", "Backend base URL")
	flag.StringVar(&model, "model", "", "Default model name")
	flag.StringVar(&host, "host", "", "Bind host")
	flag.IntVar(&port, "port", 0, "Bind port")
	flag.StringVar(&promptFile, "system-prompt-file", "", "Path to the system prompt file")
	flag.StringVar(&ragBaseURL, "rag.base-url", "", "Documentation site to index (enables RAG)")
	flag.StringVar(&ragCacheDir, "rag.cache-dir", "", "Directory for the page cache and index")
	flag.BoolVar(&ragRebuild, "rag.rebuild", false, "Force a full index rebuild at startup")
	flag.BoolVar(&verbose, "v", false, "Verbose (debug) logging")
	flag.Parse()

	if err := app.LoadEnvFiles(".env"); err != nil {
		log.Warn().Err(err).Msg(".env file present but not loadable")
	}

	cfg := app.DefaultConfig()
	if configPath != "" {
		fc, err := app.LoadConfigFile(configPath)
		if err != nil {
			log.Fatal().Str("path", configPath).Err(err).Msg("configuration file not loadable")
		}
		app.ApplyFileConfig(&cfg, fc)
	}
	app.ApplyEnvOverrides(&cfg)
	if backendType != "" {
		cfg.BackendType = app.BackendType(backendType)
	}
	if endpoint != "" {
		cfg.BackendEndpoint = endpoint
	}
	if model != "" {
		cfg.BackendModel = model
	}
	if host != "" {
		cfg.BindHost = host
	}
	if port != 0 {
		cfg.BindPort = port
	}
	if promptFile != "" {
		cfg.SystemPromptPath = promptFile
	}
	if ragBaseURL != "" {
		cfg.RAG.Enabled = true
		cfg.RAG.BaseURL = ragBaseURL
	}
	if ragCacheDir != "" {
		cfg.RAG.CacheDir = ragCacheDir
	}
	if verbose {
		cfg.Verbose = true
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if cfg.Verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	if !cfg.IsLoopback() {
		log.Warn().Str("host", cfg.BindHost).Msg("binding to a non-loopback address; the API has no authentication")
	}

	client := newBackendClient(cfg)
	probeCtx, cancelProbe := context.WithTimeout(context.Background(), cfg.HealthCheckTimeout)
	if err := client.Probe(probeCtx); err != nil {
		log.Warn().Str("endpoint", cfg.BackendEndpoint).Err(err).
			Msg("backend not reachable at startup; requests will fail until it comes up")
	} else {
		log.Info().Str("backend", client.Name()).Str("endpoint", cfg.BackendEndpoint).Msg("backend reachable")
	}
	cancelProbe()

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		log.Fatal().Err(err).Msg("builtin tool registration failed")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pauser orchestrator.Pauser
	if cfg.RAG.Enabled {
		ix := setupIndex(rootCtx, cfg, client, registry, ragRebuild)
		pauser = ix
	}

	orch := &orchestrator.Orchestrator{
		Client:             client,
		Registry:           registry,
		Prompt:             &orchestrator.PromptCache{Path: cfg.SystemPromptPath, Default: cfg.DefaultSystemPrompt},
		Pauser:             pauser,
		MaxIterations:      cfg.MaxToolIterations,
		LoopTimeout:        cfg.ToolLoopTimeout,
		FirstToolChoice:    backend.ToolChoice(cfg.FirstIterationToolChoice),
		MaxToolResultChars: cfg.MaxToolResultChars,
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: server.New(cfg, orch, client).Handler(),
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}
}

func newBackendClient(cfg app.Config) backend.Client {
	opts := backend.Options{
		Endpoint:          cfg.BackendEndpoint,
		Model:             cfg.BackendModel,
		ConnectTimeout:    cfg.BackendConnectTimeout,
		ReadTimeout:       cfg.BackendReadTimeout,
		RetryAttempts:     cfg.BackendRetryAttempts,
		RetryInitialDelay: cfg.BackendRetryInitialDelay,
	}
	switch cfg.BackendType {
	case app.BackendOpenAICompatible:
		return backend.NewOpenAICompat(opts)
	default:
		return backend.NewNative(opts)
	}
}

// setupIndex loads or builds the documentation index, registers the
// search tool and starts the background refresh loops.
func setupIndex(ctx context.Context, cfg app.Config, client backend.Client, registry *tools.Registry, rebuild bool) *index.Index {
	var reranker index.Reranker
	if cfg.RAG.RerankEnabled {
		reranker = &index.HTTPReranker{Endpoint: cfg.RAG.RerankEndpoint, Model: cfg.RAG.RerankModel}
	}
	ix := index.New(cfg.RAG, client, reranker)

	counter, err := chunk.NewTiktokenCounter()
	var chunker *chunk.Chunker
	chunkOpts := chunk.Options{
		ChildTarget:  cfg.RAG.ChildChunkSize,
		ChildMin:     cfg.RAG.ChildChunkMinTokens,
		ParentTarget: cfg.RAG.ParentChunkSize,
		ParentCap:    cfg.RAG.ParentChunkSize + cfg.RAG.ParentChunkSize/3,
	}
	if err != nil {
		log.Warn().Err(err).Msg("tiktoken encoding unavailable, using heuristic token counts")
		chunker = chunk.NewChunker(chunk.HeuristicCounter{}, chunkOpts)
	} else {
		chunker = chunk.NewChunker(counter, chunkOpts)
	}

	baseHost := strings.TrimPrefix(strings.TrimPrefix(cfg.RAG.BaseURL, "https://"), "http://")
	if i := strings.IndexByte(baseHost, '/'); i >= 0 {
		baseHost = baseHost[:i]
	}
	fetcher := &fetch.Client{
		HTTPClient:    &http.Client{Timeout: cfg.RAG.RequestTimeout},
		UserAgent:     cfg.RAG.UserAgent,
		BaseAuthority: baseHost,
		Cache:         fetch.NewPageCache(cfg.RAG.CacheDir, cfg.RAG.PageCacheTTL),
		Delay:         cfg.RAG.RateLimitDelay,
	}
	pipeline := &index.Pipeline{
		Crawler: &crawl.Crawler{
			BaseURL:    cfg.RAG.BaseURL,
			UserAgent:  cfg.RAG.UserAgent,
			MaxDepth:   cfg.RAG.MaxCrawlDepth,
			MaxPages:   cfg.RAG.MaxPages,
			Filter:     crawl.CompileFilter(cfg.RAG.IncludePatterns, cfg.RAG.ExcludePatterns),
			ManualURLs: cfg.RAG.ManualURLs,
			ManualOnly: cfg.RAG.ManualURLsOnly,
			Pages:      fetcher,
			Cache:      crawl.LoadSitemapCache(filepath.Join(cfg.RAG.CacheDir, "sitemap_cache.json")),
		},
		Fetcher: fetcher,
		Chunker: chunker,
	}

	// Load fails closed: a corrupt or incompatible on-disk index is never
	// served. Chat keeps running either way; the search tool stays empty
	// until the rebuild below produces a consistent index from the source
	// site.
	needBuild := rebuild
	if !needBuild {
		if err := ix.Load(); err != nil {
			if errors.Is(err, index.ErrIncompatible) {
				log.Warn().Err(err).Msg("persisted index unusable, rebuilding")
			} else if !errors.Is(err, os.ErrNotExist) {
				log.Warn().Err(err).Msg("index load failed, rebuilding")
			}
			needBuild = true
		}
	}
	if needBuild {
		log.Info().Str("base", cfg.RAG.BaseURL).Msg("building documentation index")
		if err := ix.Build(ctx, pipeline); err != nil {
			log.Error().Err(err).Msg("index build failed; search_docs will return no results until an update pass succeeds")
		}
	}

	if err := tools.RegisterDocsSearch(registry, ix, tools.DocsOptions{
		TopK:                  cfg.RAG.SearchTopK,
		ParentContextMaxChars: cfg.RAG.ParentContextMaxChars,
	}); err != nil {
		log.Fatal().Err(err).Msg("search tool registration failed")
	}

	updater := index.NewUpdater(ix, pipeline)
	go updater.Run(ctx)

	if cfg.RAG.ContextualEnabled {
		enricher := &index.Contextualizer{
			Index: ix,
			Chat: func(ctx context.Context, prompt string) (string, error) {
				res, err := client.Chat(ctx, backend.Request{
					Model:    cfg.BackendModel,
					Messages: []backend.Message{{Role: backend.RoleUser, Content: prompt}},
				})
				if err != nil {
					return "", err
				}
				return res.Message.Content, nil
			},
		}
		go func() {
			if err := enricher.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("contextual enrichment stopped")
			}
		}()
	}
	return ix
}

// usage text for -h keeps the flag surface discoverable.
func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "goassist: OpenAI-compatible chat gateway with tool calling and documentation search\n\nUsage:\n  goassist [flags]\n\nFlags:\n")
		flag.PrintDefaults()
	}
}
