package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/llm-reflexion/internal/anonymizer"
	"github.com/raaihank/llm-reflexion/internal/cache"
	"github.com/raaihank/llm-reflexion/internal/config"
	"github.com/raaihank/llm-reflexion/internal/dataset"
	"github.com/raaihank/llm-reflexion/internal/extract"
	"github.com/raaihank/llm-reflexion/internal/llm"
	"github.com/raaihank/llm-reflexion/internal/logger"
	"github.com/raaihank/llm-reflexion/internal/monitor"
	"github.com/raaihank/llm-reflexion/internal/reflexion"
	"github.com/raaihank/llm-reflexion/internal/store"
	"github.com/raaihank/llm-reflexion/internal/usage"
)

var runID string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Anonymize every item of a dataset not yet in the output log",
	Long: `Run the reflexion search over a dataset. Finished items are appended to a JSONL
log; re-running with the same log resumes after the items already recorded.`,
	Example: `  reflexion run --input data/reddit.jsonl --model gpt-4 --max-iters 5 --pass-at-k 2
  reflexion run --config configs/run.yaml --no-utility --limit 10`,
	RunE: runReflexion,
}

func init() {
	d := config.GetDefaults()
	f := runCmd.Flags()
	f.String("model", d.Run.Model, "Model name; the provider is chosen from it")
	f.String("language", d.Run.Language, "Prompt language")
	f.Int("max-iters", d.Run.MaxIters, "Revisions per pass")
	f.Int("pass-at-k", d.Run.PassAtK, "Passes per item")
	f.Int("mem-len", d.Run.MemLen, "Feedback window length")
	f.Int("p-threshold", d.Run.PThreshold, "Highest re-identification rank counted as a privacy violation")
	f.Bool("no-utility", d.Run.NoUtility, "Skip the utility critique")
	f.Bool("verbose", d.Run.Verbose, "Log at debug level")
	f.Bool("special-dataset", d.Run.SpecialDataset, "Judge utility by consistency with the label")
	f.String("memory-scope", d.Run.MemoryScope, "Feedback window scope: pass or run")
	f.Int("limit", d.Run.Limit, "Process at most this many items (0 = all)")
	f.Float64("temperature", d.Run.Temperature, "Sampling temperature of revisions")
	f.String("input", d.Dataset.Input, "Input dataset (JSONL, JSON, CSV or Parquet)")
	f.String("log-path", d.Dataset.LogPath, "Output log (derived from input and parameters when empty)")
	f.String("format", d.Dataset.Format, "Input format: auto, jsonl, json, csv or parquet")
	f.String("log-level", d.Logging.Level, "Log level: debug, info, warn or error")
	f.String("log-format", d.Logging.Format, "Log format: json or console")
	f.Bool("monitor", d.Monitor.Enabled, "Serve run status over HTTP")
	f.Int("monitor-port", d.Monitor.Port, "Status server port")
	f.Bool("cache", d.Cache.Enabled, "Cache deterministic completions in Redis")
	f.Bool("store", d.Store.Enabled, "Mirror results into PostgreSQL")
	f.StringVar(&runID, "run-id", "", "Run identifier (derived from the log path when empty)")

	rootCmd.AddCommand(runCmd)
}

// services holds the optional backends of a run
type services struct {
	model   llm.ChatModel
	cache   *cache.CompletionCache
	store   *store.ResultStore
	monitor *monitor.Server
	log     *dataset.OutputLog
	cleanup []func()
}

func (s *services) close() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
}

func runReflexion(cmd *cobra.Command, args []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(configPath, cmd.Flags())
	if err != nil {
		return err
	}
	if cfg.Dataset.Input == "" {
		return fmt.Errorf("an input dataset is required (--input or dataset.input)")
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	if loader.ConfigFile() != "" {
		loader.Watch(func(updated *config.Config) {
			if err := log.SetLevel(updated.Logging.Level); err == nil {
				log.Info("Log level reloaded", zap.String("level", updated.Logging.Level))
			}
		}, func(err error) {
			log.Warn("Ignoring invalid configuration change", zap.Error(err))
		})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loaded, result, err := dataset.NewLoader(&dataset.Config{
		Format:        dataset.FileFormat(cfg.Dataset.Format),
		ValidateData:  cfg.Dataset.ValidateData,
		MaxTextLength: cfg.Dataset.MaxTextLength,
	}, log.WithComponent("dataset").Logger).Load(ctx, cfg.Dataset.Input)
	if err != nil {
		return fmt.Errorf("failed to load dataset: %w", err)
	}

	logPath := cfg.Dataset.LogPath
	if logPath == "" {
		logPath = defaultLogPath(cfg)
	}
	if runID == "" {
		runID = deriveRunID(logPath)
	}
	log = log.WithRunID(runID)

	log.Info("Starting reflexion run",
		zap.String("version", version),
		zap.String("model", cfg.Run.Model),
		zap.String("input", cfg.Dataset.Input),
		zap.String("format", string(result.Format)),
		zap.Int64("items", result.Loaded),
		zap.Int64("invalid", result.Invalid),
		zap.String("log_path", logPath),
		zap.Int("max_iters", cfg.Run.MaxIters),
		zap.Int("pass_at_k", cfg.Run.PassAtK),
		zap.Int("mem_len", cfg.Run.MemLen),
		zap.Int("p_threshold", cfg.Run.PThreshold),
		zap.Bool("no_utility", cfg.Run.NoUtility))

	svc, err := initializeServices(ctx, cfg, logPath, log)
	if err != nil {
		return err
	}
	defer svc.close()

	controller, err := newController(cfg, svc.model, log)
	if err != nil {
		return err
	}

	runner := reflexion.NewRunner(controller, svc.log, reflexion.RunnerOptions{
		RunID:   runID,
		LogPath: logPath,
		Done:    svc.log.Done(),
		Limit:   cfg.Run.Limit,
	}, log.WithComponent("runner").Logger)

	if svc.store != nil {
		runner.AddMirror(svc.store)
	}
	if svc.monitor != nil {
		runner.AddObserver(svc.monitor.Observer())
	}
	if cfg.Sentry.DSN != "" {
		reporter, err := newSentryReporter(cfg.Sentry, runID, version)
		if err != nil {
			log.Warn("Error reporting disabled", zap.Error(err))
		} else {
			runner.AddObserver(reporter)
			svc.cleanup = append(svc.cleanup, reporter.Flush)
		}
	}

	summary, runErr := runner.Run(ctx, loaded)
	if summary != nil {
		printReport(cmd.OutOrStdout(), cfg.Run.Model, summary, logPath)
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			log.Info("Run interrupted; re-run with the same log to resume", zap.String("log_path", logPath))
			return nil
		}
		return runErr
	}
	return nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: true,
			Path:    cfg.Logging.File.Path,
		}
	}
	return logger.New(loggerConfig)
}

// newController wires the generator and the controller around the run's only
// usage accumulator. Every call's usage reaches it through the generated records.
func newController(cfg *config.Config, model llm.ChatModel, log *logger.Logger) (*reflexion.Controller, error) {
	extractor := extract.NewExtractor(model, nil, log.WithComponent("extract").Logger)

	gen, err := anonymizer.New(extractor, anonymizer.Config{
		Language:  cfg.Run.Language,
		Special:   cfg.Run.SpecialDataset,
		MaxTokens: cfg.Providers.MaxTokens,
	}, log.WithComponent("anonymizer").Logger)
	if err != nil {
		return nil, err
	}

	return reflexion.NewController(gen, reflexion.Options{
		MaxIters:    cfg.Run.MaxIters,
		PassAtK:     cfg.Run.PassAtK,
		MemLen:      cfg.Run.MemLen,
		PThreshold:  cfg.Run.PThreshold,
		NoUtility:   cfg.Run.NoUtility,
		MemoryScope: reflexion.MemoryScope(cfg.Run.MemoryScope),
		Temperature: cfg.Run.Temperature,
	}, usage.NewAccumulator(), log.WithComponent("controller").Logger)
}

// initializeServices builds the model stack, the output log and the optional backends
func initializeServices(ctx context.Context, cfg *config.Config, logPath string, log *logger.Logger) (*services, error) {
	svc := &services{}

	model, err := llm.New(providerConfig(cfg), cfg.Run.Model, log.WithComponent("llm").Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create model: %w", err)
	}
	svc.model = model

	if cfg.Cache.Enabled {
		completionCache, err := cache.NewCompletionCache(&cache.Config{
			RedisURL:       cfg.Cache.RedisURL,
			MaxConnections: cfg.Cache.MaxConnections,
			MinIdleConns:   cfg.Cache.MinIdleConns,
			DefaultTTL:     cfg.Cache.DefaultTTL,
			KeyPrefix:      cfg.Cache.KeyPrefix,
		}, log.WithComponent("cache").Logger)
		if err != nil {
			log.Warn("Completion cache unavailable, continuing without it", zap.Error(err))
		} else {
			svc.cache = completionCache
			svc.model = cache.Wrap(model, completionCache, log.WithComponent("cache").Logger)
			svc.cleanup = append(svc.cleanup, func() {
				if stats, err := completionCache.GetStats(context.Background()); err == nil {
					log.Info("Completion cache statistics",
						zap.Int64("hits", stats.Hits),
						zap.Int64("misses", stats.Misses),
						zap.Float64("hit_rate", stats.HitRate))
				}
				completionCache.Close()
			})
		}
	}

	outputLog, err := dataset.OpenLog(logPath, log.WithComponent("log").Logger)
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("failed to open output log: %w", err)
	}
	svc.log = outputLog
	svc.cleanup = append(svc.cleanup, func() { outputLog.Close() })

	if cfg.Store.Enabled {
		resultStore, err := store.NewStore(&store.Config{
			DatabaseURL:     cfg.Store.DatabaseURL,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		}, log.WithComponent("store").Logger)
		if err != nil {
			log.Warn("Result store unavailable, continuing without it", zap.Error(err))
		} else {
			svc.store = resultStore
			svc.cleanup = append(svc.cleanup, func() { resultStore.Close() })
		}
	}

	if cfg.Monitor.Enabled {
		server := monitor.New(&monitor.Config{
			Port:                 cfg.Monitor.Port,
			ReadTimeout:          cfg.Monitor.ReadTimeout,
			WriteTimeout:         cfg.Monitor.WriteTimeout,
			IdleTimeout:          cfg.Monitor.IdleTimeout,
			Username:             cfg.Monitor.Username,
			Password:             cfg.Monitor.Password,
			BroadcastConnections: cfg.Monitor.BroadcastConnections,
		}, monitor.RunInfo{
			RunID:       runID,
			Version:     version,
			Model:       cfg.Run.Model,
			Language:    cfg.Run.Language,
			Input:       cfg.Dataset.Input,
			LogPath:     logPath,
			MaxIters:    cfg.Run.MaxIters,
			PassAtK:     cfg.Run.PassAtK,
			MemLen:      cfg.Run.MemLen,
			PThreshold:  cfg.Run.PThreshold,
			NoUtility:   cfg.Run.NoUtility,
			MemoryScope: cfg.Run.MemoryScope,
			StartedAt:   time.Now(),
		}, log.WithComponent("monitor").Logger)

		go func() {
			if err := server.Start(ctx); err != nil {
				log.Error("Status server failed", zap.Error(err))
			}
		}()
		svc.monitor = server
		svc.cleanup = append(svc.cleanup, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Stop(shutdownCtx); err != nil {
				log.Warn("Failed to stop status server gracefully", zap.Error(err))
			}
		})
	}

	return svc, nil
}

func providerConfig(cfg *config.Config) *llm.Config {
	p := cfg.Providers
	c := &llm.Config{
		Timeout:           p.Timeout,
		RequestsPerMinute: p.RequestsPerMinute,
	}
	c.OpenAI.APIKey = p.OpenAI.APIKey
	c.OpenAI.BaseURL = p.OpenAI.BaseURL
	c.Azure.APIKey = p.Azure.APIKey
	c.Azure.Endpoint = p.Azure.Endpoint
	c.Azure.APIVersion = p.Azure.APIVersion
	c.Local.APIKey = p.Local.APIKey
	c.Local.BaseURL = p.Local.BaseURL
	c.Ollama.BaseURL = p.Ollama.BaseURL
	c.Anthropic.APIKey = p.Anthropic.APIKey
	c.Anthropic.BaseURL = p.Anthropic.BaseURL
	return c
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// defaultLogPath names the log after the input and the search parameters,
// so that changing a parameter starts a fresh log instead of resuming
func defaultLogPath(cfg *config.Config) string {
	base := filepath.Base(cfg.Dataset.Input)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	model := unsafeName.ReplaceAllString(cfg.Run.Model, "-")

	name := fmt.Sprintf("%s_%s_pass%d_iter%d_mem%d_p%d", base, model,
		cfg.Run.PassAtK, cfg.Run.MaxIters, cfg.Run.MemLen, cfg.Run.PThreshold)
	if cfg.Run.NoUtility {
		name += "_noutility"
	}
	return filepath.Join("results", name+".jsonl")
}

// deriveRunID is stable for a log path so that resumed runs keep their id
func deriveRunID(logPath string) string {
	if abs, err := filepath.Abs(logPath); err == nil {
		logPath = abs
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+logPath)).String()
}

func printReport(w io.Writer, model string, summary *reflexion.Summary, logPath string) {
	fmt.Fprintf(w, "\nRun %s\n", summary.RunID)
	fmt.Fprintf(w, "  items:       %d total, %d resumed, %d processed\n", summary.Total, summary.Resumed, summary.Processed)
	fmt.Fprintf(w, "  outcome:     %d complete, %d skipped\n", summary.Completed, summary.Skipped)
	fmt.Fprintf(w, "  tokens:      %d prompt, %d completion\n", summary.Usage.PromptTokens, summary.Usage.CompletionTokens)
	if cost, ok := usage.Cost(model, summary.Usage); ok {
		fmt.Fprintf(w, "  est. cost:   $%.4f\n", cost)
	}
	fmt.Fprintf(w, "  duration:    %s\n", summary.Duration.Round(time.Second))
	fmt.Fprintf(w, "  log:         %s\n", logPath)
}
