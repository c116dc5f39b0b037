// Command taskforge runs the task-orchestration engine: a planner/executor
// loop driving an external LLM CLI tool to completion, with checkpointed
// crash-resume and a read-only status surface.
//
// Grounded on the teacher's cmd/divinesense/main.go: a cobra root command
// with viper-bound persistent flags, conditional .env loading, and a
// signal.Notify + graceful-shutdown-timeout run loop.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/taskforge/internal/budget"
	"github.com/hrygo/taskforge/internal/config"
	"github.com/hrygo/taskforge/internal/engine"
	"github.com/hrygo/taskforge/internal/eventsink/telegram"
	"github.com/hrygo/taskforge/internal/events"
	"github.com/hrygo/taskforge/internal/llmtool"
	"github.com/hrygo/taskforge/internal/task"
	"github.com/hrygo/taskforge/internal/taskstore"
	"github.com/hrygo/taskforge/internal/version"
)

func parseChatID(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }

func taskstoreFilterAll() taskstore.Filter { return taskstore.Filter{} }

var rootCmd = &cobra.Command{
	Use:   "taskforge",
	Short: "Drives an external LLM CLI tool through a dependency-ordered task graph.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
}

func init() {
	viper.SetDefault("max-workers", 3)
	viper.SetDefault("worker-timeout", 1800)
	viper.SetDefault("shutdown-grace", 30)
	viper.SetDefault("task-store", "./.taskforge/tasks.yaml")
	viper.SetDefault("checkpoint-root", "./.taskforge/checkpoints")
	viper.SetDefault("http-addr", ":8088")
	viper.SetDefault("tool-command", "llm-cli")
	viper.SetDefault("budget-total-limit", int64(0))
	viper.SetDefault("budget-per-task-limit", int64(0))
	viper.SetDefault("budget-warning-threshold", 80)
	viper.SetDefault("budget-enforcement-mode", "strict")
	viper.SetDefault("review-depth-limit", 5)
	viper.SetDefault("review-rate-per-minute", 6.0)

	pf := rootCmd.PersistentFlags()
	pf.Int("max-workers", 3, "number of concurrent executors")
	pf.Int("worker-timeout", 1800, "per-invocation timeout in seconds")
	pf.Int("shutdown-grace", 30, "graceful shutdown window in seconds")
	pf.String("task-store", "./.taskforge/tasks.yaml", "path to the task store file")
	pf.String("checkpoint-root", "./.taskforge/checkpoints", "checkpoint storage root")
	pf.String("http-addr", ":8088", "address for the read-only status server")
	pf.String("tool-command", "llm-cli", "external LLM CLI executable")
	pf.Int64("budget-total-limit", 0, "run-wide token ceiling (0 = unbounded)")
	pf.Int64("budget-per-task-limit", 0, "per-task token ceiling (0 = unbounded)")
	pf.Int("budget-warning-threshold", 80, "percent of total_limit that triggers a warning event")
	pf.String("budget-enforcement-mode", "strict", "strict (refuse) or soft (warn) on overrun")
	pf.Int("review-depth-limit", 5, "max review-pass rounds before the run ends regardless of new tasks")
	pf.Float64("review-rate-per-minute", 6.0, "max review-pass invocations per minute (0 = unpaced)")

	flagNames := []string{
		"max-workers", "worker-timeout", "shutdown-grace", "task-store", "checkpoint-root",
		"http-addr", "tool-command", "budget-total-limit", "budget-per-task-limit",
		"budget-warning-threshold", "budget-enforcement-mode", "review-depth-limit",
		"review-rate-per-minute",
	}
	for _, name := range flagNames {
		if err := viper.BindPFlag(name, pf.Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("taskforge")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	rootCmd.AddCommand(runCmd, resumeCmd, statusCmd, reportCmd, versionCmd)
}

func loadConfig() config.Config {
	cfg := config.Default()
	cfg.MaxWorkers = viper.GetInt("max-workers")
	cfg.WorkerTimeout = time.Duration(viper.GetInt("worker-timeout")) * time.Second
	cfg.ShutdownGrace = time.Duration(viper.GetInt("shutdown-grace")) * time.Second
	cfg.TaskStorePath = viper.GetString("task-store")
	cfg.CheckpointRoot = viper.GetString("checkpoint-root")
	cfg.Budget.TotalLimit = viper.GetInt64("budget-total-limit")
	cfg.Budget.PerTaskLimit = viper.GetInt64("budget-per-task-limit")
	cfg.Budget.WarningThresholdPct = viper.GetInt("budget-warning-threshold")
	cfg.Budget.EnforcementMode = budget.Mode(viper.GetString("budget-enforcement-mode"))
	cfg.ReviewDepthLimit = viper.GetInt("review-depth-limit")
	cfg.ReviewRatePerMinute = viper.GetFloat64("review-rate-per-minute")
	return cfg
}

func buildEventSink() events.Sink {
	token := os.Getenv("TASKFORGE_TELEGRAM_BOT_TOKEN")
	chatID := os.Getenv("TASKFORGE_TELEGRAM_CHAT_ID")
	if token == "" || chatID == "" {
		return events.NoopSink{}
	}
	id, err := parseChatID(chatID)
	if err != nil {
		slog.Warn("taskforge: invalid TASKFORGE_TELEGRAM_CHAT_ID, disabling notifications", "error", err)
		return events.NoopSink{}
	}
	sink, err := telegram.New(telegram.Config{BotToken: token, ChatID: id})
	if err != nil {
		slog.Warn("taskforge: failed to initialize telegram sink, disabling notifications", "error", err)
		return events.NoopSink{}
	}
	return sink
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine until every task reaches a terminal status.",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(execute())
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a previous run, restoring or failing any crashed in-flight tasks.",
	Run: func(cmd *cobra.Command, args []string) {
		// Resume is unconditional at startup (§4.E), so this is the same
		// entrypoint as `run` — kept as a distinct verb for operator intent.
		os.Exit(execute())
	},
}

func execute() int {
	cfg := loadConfig()
	if err := cfg.LoadCredential(); err != nil {
		slog.Error("taskforge: configuration invalid", "error", err)
		return engine.ExitConfigInvalid
	}

	tool := llmtool.NewSubprocessTool(viper.GetString("tool-command"))
	sink := buildEventSink()

	e, err := engine.New(cfg, tool, sink, nil, nil)
	if err != nil {
		slog.Error("taskforge: failed to initialize engine", "error", err)
		return engine.ExitConfigInvalid
	}

	srv := e.APIServer()
	go func() {
		if err := srv.Echo().Start(viper.GetString("http-addr")); err != nil {
			slog.Debug("taskforge: status server stopped", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, terminationSignals...)
	go func() {
		<-sigCh
		slog.Info("taskforge: shutdown signal received")
		// Stop accepting new work and give in-flight executors up to
		// shutdown_grace to finish before force-terminating them.
		if err := e.Shutdown(context.Background()); err != nil {
			slog.Warn("taskforge: shutdown grace period exceeded, forcing termination", "error", err)
		}
		cancel()
	}()

	code, runErr := e.Run(ctx)
	if runErr != nil {
		slog.Error("taskforge: run ended with error", "error", runErr)
	}
	_ = srv.Echo().Shutdown(context.Background())
	return code
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a one-line-per-task status table.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		e, err := engine.New(cfg, llmtool.NewScripted(), nil, nil, nil)
		if err != nil {
			slog.Error("taskforge: failed to open state", "error", err)
			os.Exit(engine.ExitConfigInvalid)
		}
		printTaskTable(os.Stdout, e.Store().List(taskstoreFilterAll()))
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print a final summary: per-task outcome, last error, and budget usage.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		e, err := engine.New(cfg, llmtool.NewScripted(), nil, nil, nil)
		if err != nil {
			slog.Error("taskforge: failed to open state", "error", err)
			os.Exit(engine.ExitConfigInvalid)
		}
		tasks := e.Store().List(taskstoreFilterAll())
		printTaskTable(os.Stdout, tasks)

		gov := e.Governor()
		fmt.Printf("\nbudget: %d tokens used", gov.TokensUsed())
		if limit := gov.TotalLimit(); limit > 0 {
			fmt.Printf(" / %d limit", limit)
		}
		fmt.Println()
	},
}

func printTaskTable(w *os.File, tasks []*task.Task) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tATTEMPTS\tLAST_ERROR")
	for _, t := range tasks {
		lastErr := ""
		if t.LastError != nil {
			lastErr = fmt.Sprintf("%s: %s", t.LastError.Kind, t.LastError.Message)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", t.ID, t.Status, t.Attempts, lastErr)
	}
	tw.Flush()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version, commit, and build time.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Full())
	},
}

func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
