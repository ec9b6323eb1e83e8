package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/segbox/internal/config"
	"github.com/andresmejia3/segbox/internal/logger"
	"github.com/andresmejia3/segbox/internal/store"
	"github.com/andresmejia3/segbox/internal/utils"
)

// Options holds the worker and logging overrides shared by every command.
// Zero values mean "keep what the environment said".
type Options struct {
	Executable  string
	Script      string
	Checkpoint  string
	ModelsFile  string
	Model       string
	Device      string
	OutputDir   string
	Timeout     time.Duration
	GracePeriod time.Duration
	LogLevel    string
	LogFile     string
}

// dbAnnotation marks how a command uses the image catalog: "required" or "optional".
const dbAnnotation = "db"

var (
	// DB is the image catalog shared by subcommands. Nil when not connected.
	DB *store.Store
	// Cfg is the resolved configuration.
	Cfg *config.Config
	// Log is the process logger.
	Log *logrus.Logger

	rootOpts Options
	dbURL    string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "segbox",
	Short:         "Box-prompted medical image segmentation",
	Version:       Version,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := applyOptions(cfg, rootOpts); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		Cfg = cfg

		Log, err = logger.New(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
		if err != nil {
			return err
		}

		mode := cmd.Annotations[dbAnnotation]
		if mode == "" {
			return nil
		}
		url := resolveDBURL(dbURL, cfg.DatabaseURL, mode == "required")
		if url == "" {
			Log.Debug("No database configured, image catalog disabled")
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), url)
		if err != nil {
			if mode == "required" {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			Log.WithError(err).Warn("Image catalog unavailable, continuing without it")
			DB = nil
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
	},
}

// applyOptions lays command-line overrides on top of the environment.
func applyOptions(cfg *config.Config, o Options) error {
	if o.ModelsFile != "" {
		if err := cfg.LoadModels(o.ModelsFile); err != nil {
			return err
		}
	}
	w := &cfg.Worker
	if o.Executable != "" {
		w.Executable = o.Executable
	}
	if o.Script != "" {
		w.Script = o.Script
	}
	if o.Checkpoint != "" {
		variant := o.Model
		if variant == "" {
			variant = "medsam"
		}
		w.Checkpoints = map[string]string{variant: o.Checkpoint}
	}
	if o.Model != "" {
		w.DefaultVariant = o.Model
	}
	if o.Device != "" {
		w.Device = o.Device
	}
	if o.OutputDir != "" {
		w.OutputDir = o.OutputDir
	}
	if o.Timeout > 0 {
		w.Timeout = o.Timeout
	}
	if o.GracePeriod > 0 {
		w.GracePeriod = o.GracePeriod
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.LogFile != "" {
		cfg.LogFile = o.LogFile
	}
	return nil
}

// resolveDBURL picks the catalog connection string: flag, then DATABASE_URL,
// then POSTGRES_* variables. Commands that need the catalog fall back to a local default.
func resolveDBURL(flag, env string, required bool) string {
	if flag != "" {
		return flag
	}
	if env != "" {
		return env
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	if required {
		// Fallback to local default if no env vars are present
		return "postgres://localhost:5432/segbox"
	}
	return ""
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		utils.ShowError(rootCmd.Name()+" failed", err, nil)
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&dbURL, "db", "", "PostgreSQL connection string for the image catalog (default: DATABASE_URL or POSTGRES_* env)")
	f.StringVar(&rootOpts.Executable, "worker", "", "Worker executable (default: python3)")
	f.StringVar(&rootOpts.Script, "script", "", "Worker script passed as the first argument (default: medsam_api.py)")
	f.StringVar(&rootOpts.Checkpoint, "checkpoint", "", "Model checkpoint for the selected model")
	f.StringVar(&rootOpts.ModelsFile, "models", "", "YAML model registry mapping model variants to checkpoints")
	f.StringVarP(&rootOpts.Model, "model", "m", "", "Model variant to use by default")
	f.StringVar(&rootOpts.Device, "device", "", "Inference device: cpu or gpu")
	f.StringVar(&rootOpts.OutputDir, "output-dir", "", "Directory the worker writes masks to")
	f.DurationVar(&rootOpts.Timeout, "timeout", 0, "Per-invocation worker timeout (e.g. 2m)")
	f.DurationVar(&rootOpts.GracePeriod, "grace-period", 0, "Time between SIGTERM and SIGKILL for a stopped worker")
	f.StringVar(&rootOpts.LogLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	f.StringVar(&rootOpts.LogFile, "log-file", "", "Also write logs to this rotated file")
}
