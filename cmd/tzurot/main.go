// Tzurot is a multi-personality Discord AI chatbot platform.
//
// A worker drains generation jobs from a Redis queue, assembles
// context (conversation history, retrieved memories, cross-channel
// snippets) under the model's token budget, and invokes an
// OpenAI-compatible chat model with retry handling for empty and
// repeated responses. The embedded Discord bridge turns incoming
// messages into jobs and posts the results back as replies.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	tzurot serve             Start the worker and Discord bridge
//	tzurot init              Write an example config file to ./tzurot.yaml
//	tzurot version           Print version and build information
//	tzurot -o json version   Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/lbds137/tzurot-sub012/examples"
	"github.com/lbds137/tzurot-sub012/internal/buildinfo"
	"github.com/lbds137/tzurot-sub012/internal/config"
	"github.com/lbds137/tzurot-sub012/internal/dedup"
	"github.com/lbds137/tzurot-sub012/internal/diag"
	"github.com/lbds137/tzurot-sub012/internal/discord"
	"github.com/lbds137/tzurot-sub012/internal/embeddings"
	"github.com/lbds137/tzurot-sub012/internal/events"
	"github.com/lbds137/tzurot-sub012/internal/generate"
	"github.com/lbds137/tzurot-sub012/internal/history"
	"github.com/lbds137/tzurot-sub012/internal/httpkit"
	"github.com/lbds137/tzurot-sub012/internal/llm"
	"github.com/lbds137/tzurot-sub012/internal/memory"
	"github.com/lbds137/tzurot-sub012/internal/personality"
	"github.com/lbds137/tzurot-sub012/internal/queue"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit and os.Args out of the application logic so the full lifecycle
// can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments and dispatches to a subcommand. Arguments are
// parsed by hand: the flag package's package-level globals interfere
// with calling run() concurrently from tests, and the surface here is
// two flags and two commands.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		return runInit(stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runInit writes the embedded example config. It refuses to overwrite
// an existing file so a stray init cannot clobber live settings.
func runInit(w io.Writer, configPath string) error {
	if configPath == "" {
		configPath = "tzurot.yaml"
	}
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", configPath)
	}
	if err := os.WriteFile(configPath, examples.ConfigYAML, 0644); err != nil {
		return fmt.Errorf("write %s: %w", configPath, err)
	}
	fmt.Fprintf(w, "Wrote example config to %s\n", configPath)
	fmt.Fprintln(w, "Set DISCORD_TOKEN and OPENROUTER_API_KEY (or edit the file), then run: tzurot serve")
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Tzurot - Multi-Personality Discord AI Platform")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: tzurot [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the generation worker and Discord bridge")
	fmt.Fprintln(w, "  init         Write an example config file to ./tzurot.yaml")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./tzurot.yaml, ~/.config/tzurot/tzurot.yaml, /etc/tzurot/tzurot.yaml")
	return nil
}

// runServe is the primary operating mode: it opens the stores, wires
// the pipeline, starts the queue worker and (when a token is
// configured) the Discord bridge, and blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	// Secrets may live in a .env file next to the binary during
	// development; absence is not an error.
	_ = godotenv.Load()

	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Tzurot", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	// Reconfigure now that the desired level and format are known.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}
	logger.Info("config loaded", "path", cfgPath, "model", cfg.Models.Default, "queue", cfg.Redis.QueueKey)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Storage ---
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := filepath.Join(cfg.DataDir, "tzurot.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer db.Close()

	historyStore, err := history.NewSQLiteStore(db)
	if err != nil {
		return err
	}
	personalityStore, err := personality.NewSQLiteStore(db)
	if err != nil {
		return err
	}
	diagSink, err := diag.NewSQLiteSink(db)
	if err != nil {
		return err
	}
	logger.Info("database opened", "path", dbPath)

	// --- Redis: queue plus personality cache ---
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("redis connected", "addr", cfg.Redis.Addr)

	jobQueue := queue.New(redisClient, cfg.Redis.QueueKey)
	cachedPersonalities := personality.NewCachedStore(
		personalityStore,
		personality.NewRedisKV(redisClient),
		cfg.Redis.CacheTTL(),
		logger,
	)

	// --- Embeddings (optional) ---
	// Feeds both semantic duplicate detection and memory retrieval.
	var embedder *embeddings.Client
	if cfg.Embeddings.Enabled {
		embedder = embeddings.New(embeddings.Config{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
		}, logger)
		logger.Info("embeddings enabled", "model", cfg.Embeddings.Model)
	} else {
		logger.Warn("embeddings disabled - semantic duplicate checks and memory retrieval degrade to lexical only")
	}

	// --- Long-term memory (optional) ---
	var retriever memory.Retriever
	if cfg.Qdrant.URL != "" && embedder != nil {
		qdrantRetriever, err := memory.NewQdrantRetriever(memory.QdrantConfig{
			URL:        cfg.Qdrant.URL,
			Collection: cfg.Qdrant.Collection,
			APIKey:     cfg.Qdrant.APIKey,
		}, embedder, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer qdrantRetriever.Close()
		retriever = qdrantRetriever
		logger.Info("memory retrieval enabled", "collection", cfg.Qdrant.Collection)
	}

	// --- LLM ---
	llmClient := llm.NewChatClient(
		cfg.LLM.BaseURL,
		cfg.LLM.APIKey,
		cfg.LLM.InvokeTimeout(),
		httpkit.NewClient(httpkit.WithTimeout(0)),
		logger,
	)

	// --- Pipeline ---
	bus := events.New()

	var embedderIface dedup.Embedder
	if embedder != nil {
		embedderIface = embedder
	}

	orchestrator := generate.NewOrchestrator(generate.Deps{
		Personalities: cachedPersonalities,
		History:       historyStore,
		Memories:      retriever,
		LLM:           llmClient,
		Embedder:      embedderIface,
		Bus:           bus,
		Sink:          diagSink,
		Logger:        logger,
	}, cfg.Generation, cfg.Models)

	handler := func(jobCtx context.Context, job queue.Job) (any, error) {
		var payload generate.JobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode job payload: %w", err)
		}
		payload.JobID = job.ID
		return orchestrator.Generate(jobCtx, payload), nil
	}
	worker := queue.NewWorker(jobQueue, handler, bus, logger)

	// --- Discord bridge (optional) ---
	// Without a token the process is a pure worker, serving jobs
	// enqueued by other processes.
	if cfg.Discord.Token != "" {
		bridge := discord.New(cfg.Discord, jobQueue, historyStore, bus, logger)
		if err := bridge.Connect(ctx); err != nil {
			return err
		}
		defer bridge.Close()
	} else {
		logger.Info("no discord token configured, running as worker only")
	}

	err = worker.Run(ctx)
	logger.Info("shutdown complete", "uptime", buildinfo.Uptime())
	return err
}

func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
