package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/KBCurator/internal/calendar"
	"github.com/TobiSchelling/KBCurator/internal/collect"
	"github.com/TobiSchelling/KBCurator/internal/config"
	"github.com/TobiSchelling/KBCurator/internal/docstore"
	"github.com/TobiSchelling/KBCurator/internal/fetch"
	"github.com/TobiSchelling/KBCurator/internal/llm"
	"github.com/TobiSchelling/KBCurator/internal/logging"
	"github.com/TobiSchelling/KBCurator/internal/notify"
	"github.com/TobiSchelling/KBCurator/internal/objectstore"
	"github.com/TobiSchelling/KBCurator/internal/pipeline"
	"github.com/TobiSchelling/KBCurator/internal/server"
	"github.com/TobiSchelling/KBCurator/internal/staging"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "kbcurator",
	Short:   "Adaptive daily learning digests",
	Long:    "kbcurator collects articles, curates them into learning topics, grades answers and adapts the daily intake to how the learner is doing.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			logger = logging.New("INFO", verbose)
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		logger = logging.New(cfg.Logging.Level, verbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runSlotCmd)
	rootCmd.AddCommand(digestCmd)
	rootCmd.AddCommand(gradeCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("kbcurator", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/kbcurator/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure the bucket, feeds, model keys and notifications.")
		return nil
	},
}

// --- run-slot command ---

var autoSlot bool

var runSlotCmd = &cobra.Command{
	Use:   "run-slot [morning|midday|evening]",
	Short: "Run one intake slot of today",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		slot, err := resolveSlot(args)
		if err != nil {
			return err
		}
		return withPipeline(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
			res, err := p.RunSlot(ctx, slot)
			if err != nil {
				return err
			}

			fmt.Printf("Slot %s on %s: %s", res.Slot, res.Date, res.Status)
			if res.Skipped != "" {
				fmt.Printf(" (%s)", res.Skipped)
			}
			fmt.Println()
			for i, step := range res.Steps {
				fmt.Printf("\nStep %d/%d: %s\n", i+1, len(res.Steps), step.Name)
				if step.Err != nil {
					fmt.Printf("  Error: %v\n", step.Err)
				} else {
					fmt.Printf("  %s\n", step.Summary)
				}
			}
			if res.Error != "" {
				fmt.Printf("\nError: %s\n", res.Error)
			}
			return nil
		})
	},
}

func init() {
	runSlotCmd.Flags().BoolVar(&autoSlot, "auto", false, "Pick the slot whose window contains the current local time")
}

// resolveSlot returns the named slot, or with --auto the slot of the current
// local hour.
func resolveSlot(args []string) (string, error) {
	if len(args) == 1 {
		if autoSlot {
			return "", fmt.Errorf("give either a slot or --auto, not both")
		}
		return args[0], nil
	}
	if !autoSlot {
		return "", fmt.Errorf("missing slot: pass one of %s or --auto", strings.Join(calendar.Slots, ", "))
	}

	windows := make([]calendar.Window, len(cfg.Pipeline.Slots))
	for i, w := range cfg.Pipeline.Slots {
		windows[i] = calendar.Window{Name: w.Name, Start: w.Start, End: w.End}
	}
	slot, ok := calendar.SlotAt(time.Now(), cfg.Location(), windows)
	if !ok {
		return "", fmt.Errorf("no slot window contains the current time in %s", cfg.Timezone)
	}
	return slot, nil
}

// --- digest command ---

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Send today's digest",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
			res, err := p.DispatchDigest(ctx)
			if err != nil {
				return err
			}
			switch {
			case res.AlreadySent:
				fmt.Printf("Digest for %s was already sent.\n", res.Date)
			case !res.Sent:
				return fmt.Errorf("digest delivery failed: %s", res.Error)
			default:
				fmt.Printf("Sent %q with %d topic(s).\n", res.Subject, len(res.TopicIDs))
				fmt.Printf("  Streak: %d  Mode: %s", res.Streak, res.Mode)
				if res.Paused {
					fmt.Print("  (paused)")
				}
				fmt.Println()
			}
			return nil
		})
	},
}

// --- grade command ---

var answerFile string

var gradeCmd = &cobra.Command{
	Use:   "grade [topic-id] [answer]",
	Short: "Grade an answer for a topic",
	Long:  "Grade an answer for a topic. The answer is read from the second argument, --file, or stdin.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		answer, err := readAnswer(cmd, args)
		if err != nil {
			return err
		}
		return withPipeline(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
			res, err := p.Grade(ctx, args[0], answer)
			if err != nil {
				return err
			}
			if res.Cached {
				fmt.Println("(already graded, showing the stored result)")
			}
			fmt.Printf("Score: %d/100  Decision: %s  Model: %s\n", res.Score, res.Decision, res.Model)
			for name, v := range res.Dimensions {
				fmt.Printf("  %s: %d\n", name, v)
			}
			fmt.Printf("\n%s\n", res.Feedback)
			if res.Completed {
				fmt.Println("\nTopic completed.")
			}
			return nil
		})
	},
}

func init() {
	gradeCmd.Flags().StringVarP(&answerFile, "file", "f", "", "Read the answer from a file")
}

func readAnswer(cmd *cobra.Command, args []string) (string, error) {
	switch {
	case len(args) == 2:
		return args[1], nil
	case answerFile != "":
		data, err := os.ReadFile(answerFile)
		if err != nil {
			return "", fmt.Errorf("reading answer: %w", err)
		}
		return string(data), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("reading answer: %w", err)
	}
	return string(data), nil
}

// --- snapshot command ---

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print the dashboard snapshot as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
			snap, err := p.DashboardSnapshot(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		})
	},
}

// --- sync command ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload writes staged locally while the object store was unavailable",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := openStack(ctx)
		if err != nil {
			return err
		}
		defer st.close()

		res, err := st.store.Sync(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Uploaded: %d  Dropped: %d\n", len(res.Uploaded), len(res.Dropped))

		entries, err := st.stage.RecentSyncs(ctx, 10)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			fmt.Println("\nRecent sync log:")
		}
		for _, e := range entries {
			fmt.Printf("  %s  %-14s %-9s %s\n", time.Unix(e.LoggedAt, 0).Format(time.DateTime), e.Key, e.Outcome, e.Detail)
		}
		return nil
	},
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the trigger, grading and dashboard server",
	RunE: func(cmd *cobra.Command, args []string) error {
		port := cfg.Server.Port
		if servePort != 0 {
			port = servePort
		}
		secret := os.Getenv(cfg.Server.SecretEnv)
		if secret == "" {
			logger.Warn("no trigger secret set, accepting unsigned requests", "env", cfg.Server.SecretEnv)
		}
		return withPipeline(cmd, func(ctx context.Context, p *pipeline.Pipeline) error {
			fmt.Printf("Starting server on port %d\n", port)
			fmt.Println("Press Ctrl+C to stop")
			return server.Serve(ctx, p, secret, port, logger)
		})
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run server on (default from config)")
}

// stack is the storage layer shared by every command.
type stack struct {
	store  *docstore.Store
	stage  *staging.DB
	closer func() error
}

func (s *stack) close() {
	s.stage.Close()
	if s.closer != nil {
		s.closer()
	}
}

func openStack(ctx context.Context) (*stack, error) {
	var (
		obj    objectstore.Store
		closer func() error
	)
	switch cfg.Store.Backend {
	case "gcs":
		g, err := objectstore.NewGCS(ctx, cfg.Store.Bucket, cfg.Store.CredentialsFile)
		if err != nil {
			return nil, err
		}
		obj, closer = g, g.Close
	default:
		logger.Warn("using in-memory object store, state will not persist")
		obj = objectstore.NewMemory()
	}

	stage, err := staging.Open(cfg.GetStagingPath())
	if err != nil {
		if closer != nil {
			closer()
		}
		return nil, err
	}

	store := docstore.New(obj, stage, docstore.Options{
		Prefix:             cfg.Store.Prefix,
		MaxRetries:         cfg.Store.MaxRetries,
		MaxConflictRetries: cfg.Store.MaxConflictRetries,
		Timeout:            cfg.Store.Timeout,
		Logger:             logger,
	})
	return &stack{store: store, stage: stage, closer: closer}, nil
}

// withPipeline builds the pipeline, syncs staged writes and runs fn until
// interrupted.
func withPipeline(cmd *cobra.Command, fn func(context.Context, *pipeline.Pipeline) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStack(ctx)
	if err != nil {
		return err
	}
	defer st.close()

	if res, err := st.store.Sync(ctx); err != nil {
		logger.Warn("syncing staged writes", "error", err)
	} else if len(res.Uploaded)+len(res.Dropped) > 0 {
		logger.Info("synced staged writes", "uploaded", len(res.Uploaded), "dropped", len(res.Dropped))
	}

	prompts, err := config.LoadPrompts(cfg.PromptFile)
	if err != nil {
		return err
	}

	provider, err := llm.CreateProvider(ctx, cfg.Models, logger)
	if err != nil {
		// Slots still run; AI steps park their candidates in the overflow queue.
		logger.Warn("no AI provider configured", "error", err)
	}

	notifier, err := notify.FromConfig(ctx, cfg.Notify, logger)
	if err != nil {
		return err
	}
	if !notifier.HasNotifiers() {
		logger.Warn("no notifiers configured, digests and alerts will not be delivered")
	}

	limiter := fetch.NewDomainLimiter(cfg.Content.RequestsPerMin)
	p := pipeline.New(cfg, pipeline.Deps{
		Store:     st.store,
		Source:    collect.NewCollector(cfg.Content, logger),
		Extractor: fetch.NewContentFetcher(cfg.Content.FetchTimeout, limiter, cfg.Content.MinWords, logger),
		Provider:  provider,
		Notifier:  notifier,
		Prompts:   prompts,
		Logger:    logger,
	})
	return fn(ctx, p)
}
