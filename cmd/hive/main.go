// Command hive runs a graph-driven agent execution from the terminal:
// it loads the runtime configuration and a graph spec, then either
// starts a fresh execution or resumes a paused one from its latest
// checkpoint.
//
// Exit codes: 0 on success (including a pause awaiting input), 1 on
// initialization or execution failure, 2 on configuration or graph
// validation failure.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/kataras/golog"

	"github.com/aden-hive/hive-sub001/config"
	"github.com/aden-hive/hive-sub001/graph"
	"github.com/aden-hive/hive-sub001/llm"
	"github.com/aden-hive/hive-sub001/llm/openai"
	"github.com/aden-hive/hive-sub001/log"
	"github.com/aden-hive/hive-sub001/runtime"
	"github.com/aden-hive/hive-sub001/store"
	"github.com/aden-hive/hive-sub001/store/file"
	"github.com/aden-hive/hive-sub001/store/memory"
	"github.com/aden-hive/hive-sub001/store/postgres"
	"github.com/aden-hive/hive-sub001/store/redis"
	"github.com/aden-hive/hive-sub001/store/sqlite"
)

const (
	exitOK         = 0
	exitFailure    = 1
	exitConfigFail = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("hive", flag.ContinueOnError)
	var (
		configPath = fs.String("config", "", "path to a YAML configuration file")
		envPath    = fs.String("env", "", "path to a .env file (default: ./.env when present)")
		graphPath  = fs.String("graph", "", "path to the graph spec JSON (required)")
		inputJSON  = fs.String("input", "{}", "execution input as a JSON object")
		resumeID   = fs.String("resume", "", "execution id to resume from its latest checkpoint")
		replyJSON  = fs.String("reply", "{}", "client reply for -resume, as a JSON object")
		mermaid    = fs.Bool("mermaid", false, "print the graph as a Mermaid diagram and exit")
	)
	if err := fs.Parse(args); err != nil {
		return exitConfigFail
	}
	if *graphPath == "" {
		fmt.Fprintln(os.Stderr, "hive: -graph is required")
		fs.Usage()
		return exitConfigFail
	}

	if *envPath != "" {
		if err := godotenv.Load(*envPath); err != nil {
			fmt.Fprintf(os.Stderr, "hive: load %s: %v\n", *envPath, err)
			return exitConfigFail
		}
	} else {
		// A missing default .env is fine.
		_ = godotenv.Load()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hive: %v\n", err)
		if errors.Is(err, config.ErrInvalid) {
			return exitConfigFail
		}
		return exitFailure
	}

	g, err := graph.LoadFile(*graphPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hive: %v\n", err)
		if errors.Is(err, graph.ErrInvalidGraph) {
			return exitConfigFail
		}
		return exitFailure
	}
	if *mermaid {
		fmt.Println(g.Mermaid())
		return exitOK
	}

	logger := buildLogger(cfg.LogLevel)

	checkpoints, err := buildCheckpoints(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hive: checkpoint store: %v\n", err)
		return exitFailure
	}

	providers, err := buildProviders()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hive: llm provider: %v\n", err)
		return exitFailure
	}

	rt, err := runtime.New(g, runtime.Options{
		Executor: graph.Options{
			Checkpoints: checkpoints,
			Providers:   providers,
			Logger:      logger,
			LLMTimeout:  cfg.LLMTimeout,
			ToolTimeout: cfg.ToolTimeout,
		},
		MaxStreamConcurrency: cfg.MaxStreamConcurrency,
		Logger:               logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "hive: %v\n", err)
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		executionID string
		runLog      *graph.RunLog
	)
	if *resumeID != "" {
		reply, err := parseObject(*replyJSON, "-reply")
		if err != nil {
			fmt.Fprintf(os.Stderr, "hive: %v\n", err)
			return exitConfigFail
		}
		executionID = *resumeID
		runLog, err = rt.Resume(ctx, executionID, reply)
		if err != nil {
			fmt.Fprintf(os.Stderr, "hive: %v\n", err)
			return exitFailure
		}
	} else {
		input, err := parseObject(*inputJSON, "-input")
		if err != nil {
			fmt.Fprintf(os.Stderr, "hive: %v\n", err)
			return exitConfigFail
		}
		executionID, runLog = rt.Run(ctx, input)
	}

	return report(executionID, runLog, checkpoints)
}

func report(executionID string, runLog *graph.RunLog, checkpoints store.CheckpointStore) int {
	out, err := json.MarshalIndent(runLog, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "hive: encode run log: %v\n", err)
		return exitFailure
	}
	fmt.Println(string(out))

	switch runLog.Status {
	case graph.StatusCompleted:
		return exitOK
	case graph.StatusPaused:
		prompt := ""
		if cp, err := checkpoints.LatestFor(context.Background(), executionID); err == nil && cp.PendingClientRequest != nil {
			prompt = cp.PendingClientRequest.Prompt
		}
		fmt.Fprintf(os.Stderr, "hive: execution %s paused", executionID)
		if prompt != "" {
			fmt.Fprintf(os.Stderr, " (%s)", prompt)
		}
		fmt.Fprintf(os.Stderr, "; resume with -resume %s -reply '<json>'\n", executionID)
		return exitOK
	default:
		return exitFailure
	}
}

func parseObject(raw, flagName string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, fmt.Errorf("%s must be a JSON object: %w", flagName, err)
	}
	return obj, nil
}

func buildLogger(level string) log.Logger {
	gl := golog.New()
	logger := log.NewGologLogger(gl)
	switch strings.ToLower(level) {
	case "debug":
		logger.SetLevel(log.LogLevelDebug)
	case "warn":
		logger.SetLevel(log.LogLevelWarn)
	case "error":
		logger.SetLevel(log.LogLevelError)
	default:
		logger.SetLevel(log.LogLevelInfo)
	}
	return logger
}

func buildCheckpoints(cfg config.Config) (store.CheckpointStore, error) {
	switch cfg.CheckpointBackend {
	case config.BackendMemory:
		return memory.NewMemoryCheckpointStore(), nil
	case config.BackendFile:
		return file.NewFileCheckpointStore(cfg.CheckpointRoot)
	case config.BackendSQLite:
		return sqlite.NewSqliteCheckpointStore(sqlite.SqliteOptions{Path: cfg.CheckpointDSN})
	case config.BackendRedis:
		return redis.NewRedisCheckpointStore(redis.RedisOptions{Addr: cfg.CheckpointDSN}), nil
	case config.BackendPostgres:
		return postgres.NewPostgresCheckpointStore(context.Background(), postgres.PostgresOptions{ConnString: cfg.CheckpointDSN})
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.CheckpointBackend)
	}
}

// buildProviders returns an LLM pool when OPENAI_API_KEY is set; graphs
// without LLM nodes run fine without one.
func buildProviders() (*llm.Pool, error) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil, nil
	}
	provider, err := openai.New(openai.Options{
		APIKey:  key,
		BaseURL: os.Getenv("OPENAI_BASE_URL"),
		Model:   os.Getenv("OPENAI_MODEL"),
	})
	if err != nil {
		return nil, err
	}
	return llm.NewPool([]llm.Provider{provider})
}
