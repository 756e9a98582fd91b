package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/deepmem/deepmem/pkg/analyze"
	"github.com/deepmem/deepmem/pkg/audit"
	"github.com/deepmem/deepmem/pkg/authz"
	"github.com/deepmem/deepmem/pkg/config"
	"github.com/deepmem/deepmem/pkg/embed"
	"github.com/deepmem/deepmem/pkg/graph"
	"github.com/deepmem/deepmem/pkg/kv"
	"github.com/deepmem/deepmem/pkg/memory"
	"github.com/deepmem/deepmem/pkg/queue"
	"github.com/deepmem/deepmem/pkg/recall"
	"github.com/deepmem/deepmem/pkg/server"
	"github.com/deepmem/deepmem/pkg/storage"
	"github.com/deepmem/deepmem/pkg/vecstore"
)

var (
	serveConfigPath string
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory server",
	Long: `Run the memory server.

Configuration layers defaults, then the YAML file passed with --config,
then environment variables. With no file the server runs on local
BadgerDB storage with hash embeddings and the heuristic analyzer, which
needs no credentials.

Examples:
  deepmem serve
  deepmem serve --config /etc/deepmem/config.yaml
  deepmem serve --addr :9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "YAML config file (defaults and env only when omitted)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address, overrides the config file")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	log, err := buildLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	store, err := kv.NewBadger(kv.BadgerOptions{
		Dir:        cfg.Storage.DataDir,
		InMemory:   cfg.Storage.InMemory,
		SyncWrites: cfg.Storage.SyncWrites,
		Logger:     badgerZap{log.Named("badger").Sugar()},
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	if interval := cfg.Storage.GCInterval(); interval > 0 && !cfg.Storage.InMemory {
		go runStoreGC(ctx, store, interval, log.Named("badger.gc"))
	}

	vec, err := vecstore.NewStore(ctx, store, vecstore.Options{
		OnDecodeError: func(id string, err error) {
			log.Warn("skipping undecodable vector", zap.String("id", id), zap.Error(err))
		},
	})
	if err != nil {
		return fmt.Errorf("load vector index: %w", err)
	}
	g := graph.NewKVStore(store, kv.Key{"g"})

	embedders, err := buildEmbedders(ctx, cfg.Embed)
	if err != nil {
		return err
	}
	// A width mismatch makes every stored vector maximally distant from
	// every query. With per-namespace routes widths may differ by design,
	// so the check only covers single-model deployments.
	if len(cfg.Embed.Routes) == 0 {
		if e, err := embedders.For(""); err == nil {
			if d := vec.Dim(); d != 0 && d != e.Dimension() {
				return fmt.Errorf("store vectors have %d dimensions but the embedder emits %d: reindex or restore EMBED_MODEL/EMBED_DIMENSION", d, e.Dimension())
			}
		}
	}
	analyzer, err := buildAnalyzer(ctx, cfg.Analyzer)
	if err != nil {
		return err
	}
	filter, err := buildFilter(cfg.Filter)
	if err != nil {
		return err
	}

	updater := memory.NewUpdater(memory.UpdaterConfig{
		Analyzer:            analyzer,
		Embedders:           embedders,
		Vec:                 vec,
		Graph:               g,
		Filter:              filter,
		Logger:              log,
		ImportanceThreshold: cfg.Update.ImportanceThreshold,
		MaxMemories:         cfg.Update.MaxMemoriesPerUpdate,
		DedupeScore:         cfg.Update.DedupeScore,
		RelatedTopK:         cfg.Update.RelatedTopK,
		MinSemanticScore:    cfg.Retrieval.MinSemanticScore,
	})
	forgetter := memory.NewForgetter(vec, g, log)
	retriever := recall.New(recall.Config{
		Embedders:        embedders,
		Vec:              vec,
		Graph:            g,
		Logger:           log,
		MinSemanticScore: cfg.Retrieval.MinSemanticScore,
		SemanticWeight:   cfg.Retrieval.SemanticWeight,
		RelationWeight:   cfg.Retrieval.RelationWeight,
		HalfLifeDays:     cfg.Retrieval.DecayHalfLifeDays,
		ImportanceBoost:  cfg.Retrieval.ImportanceBoost,
		FrequencyBoost:   cfg.Retrieval.FrequencyBoost,
		CacheSize:        cfg.Retrieval.CacheSize,
		CacheTTL:         cfg.Retrieval.CacheTTL(),
	})

	hub := server.NewEventHub(log)

	updateQ, err := queue.New(queue.Config{
		Dir:                  filepath.Join(cfg.Queue.Dir, "update"),
		Handler:              server.UpdateTaskHandler(updater),
		Concurrency:          cfg.Queue.Concurrency,
		NamespaceConcurrency: cfg.Queue.NamespaceConcurrency,
		MaxAttempts:          cfg.Queue.MaxAttempts,
		RetryBase:            cfg.Queue.RetryBase(),
		RetryMax:             cfg.Queue.RetryMax(),
		KeepDone:             cfg.Queue.KeepDone,
		RetentionDays:        cfg.Queue.RetentionDays,
		MaxTaskBytes:         int(cfg.Queue.MaxTaskBytes),
		Logger:               log.Named("queue.update"),
		OnEvent:              hub.QueueSink("update"),
	})
	if err != nil {
		return fmt.Errorf("open update queue: %w", err)
	}
	forgetQ, err := queue.New(queue.Config{
		Dir:                  filepath.Join(cfg.Queue.Dir, "forget"),
		Handler:              server.ForgetTaskHandler(forgetter),
		Concurrency:          cfg.Queue.Concurrency,
		NamespaceConcurrency: cfg.Queue.NamespaceConcurrency,
		MaxAttempts:          cfg.Queue.MaxAttempts,
		RetryBase:            cfg.Queue.RetryBase(),
		RetryMax:             cfg.Queue.RetryMax(),
		KeepDone:             cfg.Queue.KeepDone,
		RetentionDays:        cfg.Queue.RetentionDays,
		MaxTaskBytes:         int(cfg.Queue.MaxTaskBytes),
		Logger:               log.Named("queue.forget"),
		OnEvent:              hub.QueueSink("forget"),
	})
	if err != nil {
		return fmt.Errorf("open forget queue: %w", err)
	}

	if err := updateQ.Init(ctx); err != nil {
		return fmt.Errorf("recover update queue: %w", err)
	}
	if err := forgetQ.Init(ctx); err != nil {
		return fmt.Errorf("recover forget queue: %w", err)
	}
	updateQ.Start()
	forgetQ.Start()

	schema := server.CheckSchema(ctx, store, cfg.Migrations.Mode)
	if !schema.Ready {
		if cfg.Migrations.Strict {
			return fmt.Errorf("schema check failed: %s", schema.Error)
		}
		log.Warn("schema check failed, starting degraded",
			zap.Int("stored", schema.Stored),
			zap.Int("current", schema.Current),
			zap.String("error", schema.Error))
	}

	rules, err := authz.ParseRules(cfg.Auth.APIKeysJSON, cfg.Auth.KeysCSV(), cfg.Auth.RequireAPIKey)
	if err != nil {
		return fmt.Errorf("parse API keys: %w", err)
	}
	exports, err := buildExports(ctx, cfg.Storage.ExportURI)
	if err != nil {
		return err
	}

	app := server.New(server.Options{
		Config:      cfg,
		Rules:       rules,
		Retriever:   retriever,
		Forgetter:   forgetter,
		UpdateQueue: updateQ,
		ForgetQueue: forgetQ,
		Vec:         vec,
		Graph:       g,
		Events:      hub,
		Audit:       audit.New(cfg.Audit.LogPath, log),
		Exports:     exports,
		Schema:      schema,
		Logger:      log,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	// Stop accepting requests first, then let the queues finish their
	// inflight tasks within the same grace window.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace())
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := updateQ.Shutdown(shutdownCtx); err != nil {
		log.Warn("update queue shutdown", zap.Error(err))
	}
	if err := forgetQ.Shutdown(shutdownCtx); err != nil {
		log.Warn("forget queue shutdown", zap.Error(err))
	}
	log.Info("server stopped")
	return nil
}

// buildLogger maps the logging config onto zap: "json" is the
// production encoder, "console" the development one.
func buildLogger(lc config.Logging) (*zap.Logger, error) {
	var zcfg zap.Config
	if lc.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	lvl, err := zap.ParseAtomicLevel(lc.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", lc.Level, err)
	}
	zcfg.Level = lvl
	return zcfg.Build()
}

// badgerZap forwards badger's internal logging to zap. Badger appends
// its own newlines.
type badgerZap struct {
	s *zap.SugaredLogger
}

func (b badgerZap) Errorf(format string, args ...any) {
	b.s.Errorf(strings.TrimRight(format, "\n"), args...)
}

func (b badgerZap) Warningf(format string, args ...any) {
	b.s.Warnf(strings.TrimRight(format, "\n"), args...)
}

func (b badgerZap) Infof(format string, args ...any) {
	b.s.Infof(strings.TrimRight(format, "\n"), args...)
}

func (b badgerZap) Debugf(format string, args ...any) {
	b.s.Debugf(strings.TrimRight(format, "\n"), args...)
}

// runStoreGC rewrites badger value-log files on a timer. Deleted vectors
// and edges only free disk space once a GC pass rewrites the logs that
// held them. Each tick keeps collecting until badger reports ErrNoRewrite.
func runStoreGC(ctx context.Context, store *kv.Badger, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rewritten := 0
			for store.RunGC(0.5) == nil {
				rewritten++
			}
			if rewritten > 0 {
				log.Info("value log gc", zap.Int("rewritten", rewritten))
			}
		}
	}
}

// buildEmbedders assembles the embedding router: a single provider when
// no routes are configured, otherwise a pattern select with the default
// provider as the catch-all.
func buildEmbedders(ctx context.Context, ec config.Embed) (embed.Router, error) {
	base, err := buildEmbedder(ctx, embedSpec{
		provider: ec.Provider,
		model:    ec.Model,
		dim:      ec.Dimension,
		apiKey:   ec.APIKey,
		baseURL:  ec.BaseURL,
		taskType: ec.TaskType,
	})
	if err != nil {
		return nil, fmt.Errorf("embed provider: %w", err)
	}
	if len(ec.Routes) == 0 {
		return embed.Static(base), nil
	}

	sel := embed.NewSelect()
	if err := sel.Register("*", base); err != nil {
		return nil, err
	}
	for _, r := range ec.Routes {
		e, err := buildEmbedder(ctx, embedSpec{
			provider: r.Provider,
			model:    r.Model,
			dim:      r.Dimension,
			apiKey:   r.APIKey,
			baseURL:  r.BaseURL,
			taskType: r.TaskType,
		})
		if err != nil {
			return nil, fmt.Errorf("embed route %q: %w", r.Pattern, err)
		}
		if err := sel.Register(r.Pattern, e); err != nil {
			return nil, fmt.Errorf("embed route %q: %w", r.Pattern, err)
		}
	}
	return sel, nil
}

// embedSpec is the provider-agnostic subset of config.Embed and
// config.EmbedRoute that buildEmbedder consumes.
type embedSpec struct {
	provider string
	model    string
	dim      int
	apiKey   string
	baseURL  string
	taskType string
}

func buildEmbedder(ctx context.Context, spec embedSpec) (embed.Embedder, error) {
	var opts []embed.Option
	if spec.model != "" {
		opts = append(opts, embed.WithModel(spec.model))
	}
	if spec.dim > 0 {
		opts = append(opts, embed.WithDimension(spec.dim))
	}
	if spec.taskType != "" {
		opts = append(opts, embed.WithTaskType(spec.taskType))
	}

	switch spec.provider {
	case "", config.ProviderHash:
		return embed.NewHash(opts...), nil
	case config.ProviderOpenAI:
		apiKey := spec.apiKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("openai embeddings need EMBED_API_KEY or OPENAI_API_KEY")
		}
		if spec.baseURL != "" {
			opts = append(opts, embed.WithBaseURL(spec.baseURL))
		}
		return embed.NewOpenAI(apiKey, opts...), nil
	case config.ProviderGemini:
		apiKey := spec.apiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("gemini embeddings need EMBED_API_KEY or GEMINI_API_KEY")
		}
		return embed.NewGemini(ctx, apiKey, opts...)
	default:
		return nil, fmt.Errorf("unknown embed provider %q", spec.provider)
	}
}

func buildAnalyzer(ctx context.Context, ac config.Analyzer) (analyze.Analyzer, error) {
	switch ac.Provider {
	case "", config.ProviderHeuristic:
		return analyze.NewHeuristic(), nil
	case config.ProviderGemini:
		apiKey := ac.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("gemini analyzer needs ANALYZER_API_KEY or GEMINI_API_KEY")
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return &analyze.Gemini{Client: client, Model: ac.Model}, nil
	default:
		return nil, fmt.Errorf("unknown analyzer provider %q", ac.Provider)
	}
}

// buildFilter returns nil when filtering is disabled; the updater then
// admits every candidate.
func buildFilter(fc config.Filter) (*memory.SensitiveFilter, error) {
	if !fc.Enabled {
		return nil, nil
	}
	var rules []memory.SensitiveRule
	if fc.RulesJSON != "" {
		parsed, err := memory.ParseSensitiveRules(fc.RulesJSON)
		if err != nil {
			return nil, fmt.Errorf("sensitive rules: %w", err)
		}
		rules = parsed
	}
	f, err := memory.NewSensitiveFilter(fc.RulesetVersion, rules)
	if err != nil {
		return nil, fmt.Errorf("sensitive filter: %w", err)
	}
	return f, nil
}

// buildExports resolves the export URI to a file store: "s3://bucket/prefix"
// for S3, any other non-empty value as a local directory, empty disables
// the failed-task archive endpoints.
func buildExports(ctx context.Context, uri string) (storage.FileStore, error) {
	if uri == "" {
		return nil, nil
	}
	if rest, ok := strings.CutPrefix(uri, "s3://"); ok {
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return nil, fmt.Errorf("export uri %q has no bucket", uri)
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
		return storage.NewS3(s3.NewFromConfig(awsCfg), bucket, strings.Trim(prefix, "/")), nil
	}
	return storage.NewLocal(uri)
}
