// Package main provides the docflow binary entry point.
// Docflow coordinates tasks applied to documents across a pool of
// independent workers connected through NATS JetStream.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/docflow/config"
	"github.com/c360studio/docflow/processor/orchestrator"
	"github.com/c360studio/docflow/processor/worker"
	"github.com/c360studio/docflow/queue"
	"github.com/c360studio/docflow/workers/filesize"
	"github.com/c360studio/docflow/workflow"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "docflow"

	shutdownTimeout = 30 * time.Second
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalOptions struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Document task orchestration",
		Long: `Docflow assigns tasks to documents and routes them to workers over
NATS JetStream. Workers report back a state; a successful task releases
the other tasks of its document, and a worker may ask for missing
dependencies to be assigned first.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		serverCmd(opts),
		workerCmd(opts),
		submitCmd(opts),
		retryCmd(opts),
		resetCmd(opts),
		statusCmd(opts),
		unfinishedCmd(opts),
		configCmd(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// withApp loads configuration, starts the App and runs fn until it returns
// or the process is signalled.
func withApp(opts *globalOptions, host bool, fn func(ctx context.Context, cfg *config.Config, app *App) error) error {
	cfg, err := config.NewLoader(newLogger(opts.logLevel)).Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := NewApp(cfg, logger)
	defer app.Shutdown(shutdownTimeout)
	if err := app.Start(ctx, host); err != nil {
		return err
	}
	return fn(ctx, cfg, app)
}

func serverCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the orchestrator, applying worker replies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, true, runServer)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config, app *App) error {
	src, err := queue.NewResponseConsumer(ctx, app.js, cfg.Queue, cfg.Orchestrator.ConsumerName)
	if err != nil {
		return fmt.Errorf("create response consumer: %w", err)
	}

	comp, err := orchestrator.NewComponent(cfg.Orchestrator, app.handler, src, app.logger, app.metrics)
	if err != nil {
		return err
	}
	if err := comp.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	app.logger.Info("Docflow ready", "version", Version, "store", cfg.Store.Backend)

	<-ctx.Done()
	app.logger.Info("Received shutdown signal")

	if err := comp.Stop(shutdownTimeout); err != nil {
		app.logger.Error("Error stopping orchestrator", "error", err)
	}
	return nil
}

func workerCmd(opts *globalOptions) *cobra.Command {
	var (
		queueName   string
		bindingKeys []string
		dependsOn   []string
		saveResults bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the file size worker",
		Long: `Runs the file size worker, which reports the size of the local file a
document targets. Queue and binding keys default to the worker section of
the configuration, then to "filesize" and "*.FILESIZE".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, false, func(ctx context.Context, cfg *config.Config, app *App) error {
				wcfg := cfg.Worker
				if queueName != "" {
					wcfg.Queue = queueName
				}
				if len(bindingKeys) > 0 {
					wcfg.BindingKeys = bindingKeys
				}
				if len(dependsOn) > 0 {
					wcfg.DependsOn = upper(dependsOn)
				}
				if wcfg.Queue == "" {
					wcfg.Queue = filesize.Queue
				}
				if len(wcfg.BindingKeys) == 0 {
					wcfg.BindingKeys = []string{filesize.BindingKey}
				}
				return runWorker(ctx, wcfg, cfg.Queue, app, &filesize.Worker{SaveResults: saveResults})
			})
		},
	}

	cmd.Flags().StringVar(&queueName, "queue", "", "Worker queue name")
	cmd.Flags().StringSliceVar(&bindingKeys, "binding-key", nil, "Binding key, e.g. '*.FILESIZE' (repeatable)")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "Task key that must succeed first (repeatable)")
	cmd.Flags().BoolVar(&saveResults, "save-results", false, "Store the size as a task result")
	return cmd
}

func runWorker(ctx context.Context, wcfg worker.Config, qcfg queue.Config, app *App, cb worker.Callback) error {
	if err := wcfg.Validate(); err != nil {
		return fmt.Errorf("invalid worker config: %w", err)
	}

	src, err := queue.NewConsumer(ctx, app.js, qcfg, queue.ConsumerOptions{
		Queue:       wcfg.Queue,
		BindingKeys: wcfg.BindingKeys,
		Prefetch:    wcfg.GetPrefetch(),
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	metrics, err := worker.NewMetrics(app.registry, wcfg.Queue)
	if err != nil {
		return fmt.Errorf("register worker metrics: %w", err)
	}

	rt, err := worker.New(wcfg, src, app.queue, app.handler, cb,
		worker.WithLogger(app.logger.With("queue", wcfg.Queue)),
		worker.WithMetrics(metrics))
	if err != nil {
		return err
	}
	return rt.Run(ctx)
}

func submitCmd(opts *globalOptions) *cobra.Command {
	var (
		target   workflow.Target
		creator  workflow.Creator
		keys     []string
		priority int
		args     map[string]string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Register a document and assign tasks to it",
		Example: `  docflow submit --target-id ITM123 --url file:///data/ITM123.mp4 \
    --creator-id NISV --task FILESIZE --priority 5`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, false, func(ctx context.Context, _ *config.Config, app *App) error {
				return submit(ctx, cmd.OutOrStdout(), app.handler, target, creator, keys, priority, args)
			})
		},
	}

	cmd.Flags().StringVar(&target.ID, "target-id", "", "Target id")
	cmd.Flags().StringVar(&target.URL, "url", "", "Target URL")
	cmd.Flags().StringVar(&target.Type, "type", "Video", "Target type ("+strings.Join(workflow.TargetTypes, ", ")+")")
	cmd.Flags().StringVar(&creator.ID, "creator-id", "", "Creator id")
	cmd.Flags().StringVar(&creator.Type, "creator-type", "Organization", "Creator type ("+strings.Join(workflow.AgentTypes, ", ")+")")
	cmd.Flags().StringSliceVar(&keys, "task", nil, "Task key to assign (repeatable)")
	cmd.Flags().IntVar(&priority, "priority", workflow.DefaultPriority, "Task priority (0-10)")
	cmd.Flags().StringToStringVar(&args, "arg", nil, "Task argument key=value (repeatable)")
	_ = cmd.MarkFlagRequired("target-id")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("creator-id")
	return cmd
}

// submitAPI is what submit needs from the orchestrator.
type submitAPI interface {
	workflow.TaskAPI
	workflow.DocumentAPI
}

func submit(ctx context.Context, out io.Writer, api submitAPI, target workflow.Target, creator workflow.Creator,
	keys []string, priority int, args map[string]string) error {
	doc, err := workflow.NewDocument(target, creator)
	if err != nil {
		return err
	}
	err = doc.Register(ctx, api)
	switch {
	case errors.Is(err, workflow.ErrDocumentExists):
		doc.ID = doc.Identity()
		fmt.Fprintf(out, "document %s already registered\n", doc.ID)
	case err != nil:
		return fmt.Errorf("register document: %w", err)
	default:
		fmt.Fprintf(out, "document %s registered\n", doc.ID)
	}

	taskArgs := make(map[string]any, len(args))
	for k, v := range args {
		taskArgs[k] = v
	}

	var failed int
	for _, key := range keys {
		task, err := workflow.NewTask(key, priority, taskArgs)
		if err != nil {
			return err
		}
		err = task.Assign(ctx, api, doc.ID)
		switch {
		case errors.Is(err, workflow.ErrTaskAssigned):
			fmt.Fprintf(out, "task %s already assigned as %s\n", task.Key, workflow.TaskID(doc.ID, task.Key))
		case err != nil && task.ID != "":
			failed++
			fmt.Fprintf(out, "task %s %s %s, not queued: %v\n", task.Key, task.ID, task.State, err)
		case err != nil:
			failed++
			fmt.Fprintf(out, "task %s failed: %v\n", task.Key, err)
		default:
			fmt.Fprintf(out, "task %s %s %s %q\n", task.Key, task.ID, task.State, task.Msg)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tasks could not be assigned", failed, len(keys))
	}
	return nil
}

func retryCmd(opts *globalOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "retry TASK_ID...",
		Short: "Re-queue failed tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, ids []string) error {
			return withApp(opts, false, func(ctx context.Context, _ *config.Config, app *App) error {
				return eachTask(cmd.OutOrStdout(), ids, func(id string) (*workflow.Task, error) {
					return app.handler.Retry(ctx, id, force)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Retry regardless of the current state")
	return cmd
}

func resetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset TASK_ID...",
		Short: "Return tasks to the CREATED state",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, ids []string) error {
			return withApp(opts, false, func(ctx context.Context, _ *config.Config, app *App) error {
				return eachTask(cmd.OutOrStdout(), ids, func(id string) (*workflow.Task, error) {
					task := &workflow.Task{ID: id}
					if err := task.Reset(ctx, app.handler); err != nil {
						return nil, err
					}
					return task, nil
				})
			})
		},
	}
}

func eachTask(out io.Writer, ids []string, fn func(id string) (*workflow.Task, error)) error {
	var errs []error
	for _, id := range ids {
		task, err := fn(id)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		fmt.Fprintf(out, "%s %s %s %q\n", task.ID, task.Key, task.State, task.Msg)
	}
	return errors.Join(errs...)
}

func statusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status TASK_ID",
		Short: "Show a task with its document and results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, ids []string) error {
			return withApp(opts, false, func(ctx context.Context, _ *config.Config, app *App) error {
				task, err := app.handler.TaskFromID(ctx, ids[0])
				if err != nil {
					return err
				}
				doc, err := app.handler.DocumentFromTaskID(ctx, task.ID)
				if err != nil {
					return err
				}
				results, err := app.handler.SearchResult(ctx, doc.ID, task.Key)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"task":     task,
					"document": doc,
					"results":  results,
				})
			})
		},
	}
}

func unfinishedCmd(opts *globalOptions) *cobra.Command {
	var onlyRunnable, rerun bool
	cmd := &cobra.Command{
		Use:   "unfinished",
		Short: "List tasks that have not succeeded",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, false, func(ctx context.Context, _ *config.Config, app *App) error {
				tasks, err := app.handler.Unfinished(ctx, onlyRunnable || rerun)
				if err != nil {
					return err
				}
				if !rerun {
					return printJSON(cmd.OutOrStdout(), tasks)
				}
				ids := make([]string, 0, len(tasks))
				for _, t := range tasks {
					ids = append(ids, t.ID)
				}
				return eachTask(cmd.OutOrStdout(), ids, func(id string) (*workflow.Task, error) {
					return app.handler.Retry(ctx, id, false)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&onlyRunnable, "runnable", false, "Only tasks that can be retried without intervention")
	cmd.Flags().BoolVar(&rerun, "retry", false, "Retry every runnable unfinished task")
	return cmd
}

func configCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialise configuration",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Write the default user config if none exists",
			RunE: func(cmd *cobra.Command, _ []string) error {
				path, created, err := config.NewLoader(newLogger(opts.logLevel)).EnsureUserConfig()
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", path)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.NewLoader(newLogger(opts.logLevel)).Load(opts.configPath)
				if err != nil {
					return err
				}
				data, err := yaml.Marshal(cfg)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			},
		},
	)
	return cmd
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func upper(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = strings.ToUpper(k)
	}
	return out
}
