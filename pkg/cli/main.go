// Package cli builds the standard command line of a queue job service.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimburion/queuejob/pkg/config"
	"github.com/nimburion/queuejob/pkg/health"
	"github.com/nimburion/queuejob/pkg/jobs"
	jobsfactory "github.com/nimburion/queuejob/pkg/jobs/factory"
	"github.com/nimburion/queuejob/pkg/lock"
	lockfactory "github.com/nimburion/queuejob/pkg/lock/factory"
	"github.com/nimburion/queuejob/pkg/observability/logger"
	"github.com/nimburion/queuejob/pkg/queue"
	queuefactory "github.com/nimburion/queuejob/pkg/queue/factory"
	"github.com/nimburion/queuejob/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const defaultHealthTimeout = 5 * time.Second

// BundleFactory builds the configured queue job and the resources it owns.
type BundleFactory[T any] func(
	cfg *config.Config,
	processor jobs.Processor[T],
	log logger.Logger,
	opts jobsfactory.Options[T],
) (*jobsfactory.Bundle[T], error)

// QueueFactory builds the configured queue backend.
type QueueFactory[T any] func(cfg config.QueueConfig, codec queue.Codec[T], log logger.Logger) (queue.Queue[T], error)

// ServiceCommandOptions defines callbacks for service-specific logic.
type ServiceCommandOptions[T any] struct {
	Name        string
	Description string
	ConfigPath  string
	// Optional: called with the resolved path to the configuration file after flags are parsed.
	ConfigPathResolved func(string)
	EnvPrefix          string

	// Required for work, drain and once: builds the entry processor.
	NewProcessor func(cfg *config.Config, log logger.Logger) (jobs.Processor[T], error)
	// Optional: payload codec, JSON by default.
	Codec queue.Codec[T]
	// Optional: derives the entry lock key, the entry id by default.
	LockKey func(entry *queue.Entry[T]) string

	// Optional: custom config validation (runs after built-in validation)
	ValidateConfig func(cfg *config.Config) error
	// Optional: queued depth above which healthcheck reports degraded.
	BacklogThreshold int64

	// Optional: additional custom commands
	CustomCommands []*cobra.Command

	// Optional: override the job bundle factory (useful for tests/custom adapters).
	BundleFactory BundleFactory[T]
	// Optional: override the queue factory used by enqueue, stats and healthcheck.
	QueueFactory QueueFactory[T]
}

// NewServiceCommand creates a standardized CLI with work, drain, once, enqueue,
// stats, healthcheck, config and version subcommands.
func NewServiceCommand[T any](opts ServiceCommandOptions[T]) *cobra.Command {
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "APP"
	}
	if opts.BundleFactory == nil {
		opts.BundleFactory = jobsfactory.New[T]
	}
	if opts.QueueFactory == nil {
		opts.QueueFactory = queuefactory.New[T]
	}
	if opts.Codec == nil {
		opts.Codec = queue.JSONCodec[T]{}
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	setPolicy(rootCmd, PolicyAlways)

	var cfgPath string
	var secretFilePath string
	var serviceNameOverride string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&secretFilePath, "secret-file", "", "path to secrets file (sets APP_SECRETS_FILE)")
	rootCmd.PersistentFlags().StringVar(&serviceNameOverride, "service-name", "", "service name override")
	config.RegisterFlags(rootCmd.PersistentFlags())

	loadConfig := func(flags *pflag.FlagSet) (*config.Config, logger.Logger, error) {
		if opts.ConfigPathResolved != nil {
			opts.ConfigPathResolved(cfgPath)
		}
		return LoadConfigAndLogger(
			cfgPath,
			opts.EnvPrefix,
			secretFilePath,
			opts.ValidateConfig,
			flags,
			opts.Name,
			serviceNameOverride,
		)
	}

	// withBundle loads config, builds the job bundle and runs fn with telemetry started.
	withBundle := func(cmd *cobra.Command, fn func(ctx context.Context, bundle *jobsfactory.Bundle[T], log logger.Logger) error) error {
		cfg, log, err := loadConfig(cmd.Flags())
		if err != nil {
			return err
		}
		defer syncLogger(log)

		processor, err := opts.NewProcessor(cfg, log)
		if err != nil {
			return fmt.Errorf("create processor: %w", err)
		}
		bundle, err := opts.BundleFactory(cfg, processor, log, jobsfactory.Options[T]{Codec: opts.Codec, LockKey: opts.LockKey})
		if err != nil {
			return fmt.Errorf("create queue job: %w", err)
		}
		defer func() {
			if closeErr := bundle.Close(); closeErr != nil {
				log.Error("failed to close queue job resources", "error", closeErr)
			}
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		stopTelemetry, err := startTelemetry(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer stopTelemetry()

		return fn(ctx, bundle, log)
	}

	// withQueue loads config and opens the queue without building a processor.
	withQueue := func(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, q queue.Queue[T], log logger.Logger) error) error {
		cfg, log, err := loadConfig(cmd.Flags())
		if err != nil {
			return err
		}
		defer syncLogger(log)

		q, err := opts.QueueFactory(cfg.Queue, opts.Codec, log)
		if err != nil {
			return fmt.Errorf("create queue: %w", err)
		}
		defer func() {
			if closeErr := q.Close(); closeErr != nil {
				log.Error("failed to close queue", "error", closeErr)
			}
		}()
		return fn(cmd.Context(), cfg, q, log)
	}

	// version command
	rootCmd.AddCommand(setPolicy(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current(opts.Name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
		},
	}, PolicyAlways))

	if opts.NewProcessor != nil {
		workCmd := &cobra.Command{
			Use:   "work",
			Short: "Process queue entries continuously",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBundle(cmd, func(ctx context.Context, bundle *jobsfactory.Bundle[T], log logger.Logger) error {
					runner, err := jobs.NewRunner(log)
					if err != nil {
						return err
					}
					log.Info("queue job started",
						"job", bundle.Job.Name(),
						"instances", bundle.RunOptions.Instances,
						"version", version.Current(opts.Name).String(),
					)
					err = runner.RunContinuous(ctx, bundle.Job, bundle.RunOptions)
					if errors.Is(err, context.Canceled) && ctx.Err() != nil {
						log.Info("queue job stopped", "job", bundle.Job.Name())
						return nil
					}
					return err
				})
			},
		}
		rootCmd.AddCommand(setPolicy(workCmd, PolicyRun))
		rootCmd.RunE = workCmd.RunE

		rootCmd.AddCommand(setPolicy(&cobra.Command{
			Use:   "drain",
			Short: "Process entries until the queue has nothing queued or in flight",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBundle(cmd, func(ctx context.Context, bundle *jobsfactory.Bundle[T], log logger.Logger) error {
					if err := bundle.Job.RunUntilEmpty(ctx); err != nil {
						return fmt.Errorf("drain %s: %w", bundle.Job.Name(), err)
					}
					stats, err := bundle.Queue.Stats(ctx)
					if err != nil {
						return fmt.Errorf("queue stats failed: %w", err)
					}
					return printYAML(cmd, stats)
				})
			},
		}, PolicyOnDemand))

		rootCmd.AddCommand(setPolicy(&cobra.Command{
			Use:   "once",
			Short: "Run a single pass over the queue",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBundle(cmd, func(ctx context.Context, bundle *jobsfactory.Bundle[T], log logger.Logger) error {
					result, err := bundle.Job.Run(ctx)
					fmt.Fprintln(cmd.OutOrStdout(), result.String())
					return err
				})
			},
		}, PolicyManual))
	}

	rootCmd.AddCommand(setPolicy(&cobra.Command{
		Use:   "enqueue <payload>...",
		Short: "Decode payloads with the job codec and add them to the queue",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, func(ctx context.Context, cfg *config.Config, q queue.Queue[T], log logger.Logger) error {
				for _, raw := range args {
					value, err := opts.Codec.Decode([]byte(raw))
					if err != nil {
						return fmt.Errorf("decode payload %q: %w", raw, err)
					}
					id, err := q.Enqueue(ctx, value)
					if err != nil {
						return fmt.Errorf("enqueue: %w", err)
					}
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}, PolicyOnDemand))

	rootCmd.AddCommand(setPolicy(&cobra.Command{
		Use:   "stats",
		Short: "Show queue counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, func(ctx context.Context, cfg *config.Config, q queue.Queue[T], log logger.Logger) error {
				stats, err := q.Stats(ctx)
				if err != nil {
					return fmt.Errorf("queue stats failed: %w", err)
				}
				return printYAML(cmd, stats)
			})
		},
	}, PolicyAlways))

	var healthTimeout time.Duration
	healthCmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the queue backend and lock provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd, func(ctx context.Context, cfg *config.Config, q queue.Queue[T], log logger.Logger) error {
				registry := health.NewRegistry()
				registry.Register(
					queue.NewHealthChecker(q.Name(), q, healthTimeout),
					queue.NewBacklogChecker(q.Name()+"-backlog", q, opts.BacklogThreshold),
				)

				provider, err := lockfactory.New(cfg.Lock, log)
				if err != nil {
					return fmt.Errorf("create lock provider: %w", err)
				}
				if provider != nil {
					defer provider.Close()
					registry.Register(lock.NewHealthChecker("", provider, healthTimeout))
				}

				result := registry.Check(ctx)
				if err := printYAML(cmd, result); err != nil {
					return err
				}
				if result.Status == health.StatusUnhealthy {
					return errors.New("healthcheck failed")
				}
				return nil
			})
		},
	}
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", defaultHealthTimeout, "timeout per dependency check")
	rootCmd.AddCommand(setPolicy(healthCmd, PolicyAlways))

	rootCmd.AddCommand(newConfigCommand(opts, &cfgPath, &secretFilePath, &serviceNameOverride))

	for _, customCmd := range opts.CustomCommands {
		ensureDefaultPolicy(customCmd)
		rootCmd.AddCommand(customCmd)
	}

	rootCmd.CompletionOptions.DisableDefaultCmd = false
	rootCmd.InitDefaultCompletionCmd()
	for _, subCmd := range rootCmd.Commands() {
		if subCmd != nil && subCmd.Name() == "completion" {
			setPolicy(subCmd, PolicyAlways)
			break
		}
	}

	return rootCmd
}

func newConfigCommand[T any](opts ServiceCommandOptions[T], cfgPath, secretFilePath, serviceNameOverride *string) *cobra.Command {
	configCmd := setPolicy(&cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}, PolicyAlways)

	load := func(cmd *cobra.Command) (*config.Config, *config.ViperLoader, error) {
		if opts.ConfigPathResolved != nil {
			opts.ConfigPathResolved(*cfgPath)
		}
		return loadConfig(*cfgPath, opts.EnvPrefix, *secretFilePath, cmd.Flags(), opts.Name, *serviceNameOverride)
	}

	configCmd.AddCommand(setPolicy(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load(cmd)
			if err != nil {
				return err
			}
			if opts.ValidateConfig != nil {
				if err := opts.ValidateConfig(cfg); err != nil {
					return fmt.Errorf("custom validation failed: %w", err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}, PolicyAlways))

	var showSecrets bool
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, loader, err := load(cmd)
			if err != nil {
				return err
			}
			settings := setServiceNameSetting(loader.AllSettings(), cfg.Service.Name)
			if !showSecrets {
				settings = redactSettingsMap(settings, loader.Secrets())
			}
			return printYAML(cmd, settings)
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show secret values")
	configCmd.AddCommand(setPolicy(showCmd, PolicyAlways))

	return configCmd
}

func printYAML(cmd *cobra.Command, value interface{}) error {
	formatted, err := formatYAML(value)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), formatted)
	return nil
}

// Execute runs the command and exits with appropriate code.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
