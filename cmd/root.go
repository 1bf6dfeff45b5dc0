package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/rollcall/internal/config"
	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/spf13/cobra"
)

var (
	// DB is the storage backend shared by subcommands
	DB store.Backend
	// Cfg is the merged configuration, loaded in PersistentPreRunE
	Cfg *config.Config
	// Logger is the process logger
	Logger *slog.Logger

	v          = config.New()
	configFile string
	envFile    string

	// exitCode lets a command finish its cleanup before the process exits non-zero.
	exitCode int
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "rollcall",
	Short:   "Liveness-gated face recognition attendance kiosk",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envFile); err != nil {
			return err
		}
		cfg, err := config.Load(v, configFile)
		if err != nil {
			return err
		}
		Cfg = cfg

		Logger, err = logging.Setup(os.Stderr, cfg.LogOptions())
		if err != nil {
			return err
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.Open(cmd.Context(), cfg.DB, logging.Component(Logger, "store"))
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		Logger.Debug("database opened", "backend", store.Kind(cfg.DB))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeDB()
	},
}

func closeDB() {
	if DB != nil {
		if err := DB.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Failed to close database: %v\n", err)
		}
		DB = nil
	}
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	err := rootCmd.ExecuteContext(ctx)
	closeDB()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if exitCode != 0 {
		stop()
		os.Exit(exitCode)
	}
}

// bindFlag maps a viper key to a flag so the flag overrides file and env values.
func bindFlag(key string, cmd *cobra.Command, flag string) {
	f := cmd.Flags().Lookup(flag)
	if f == nil {
		f = cmd.PersistentFlags().Lookup(flag)
	}
	if f == nil {
		panic(fmt.Sprintf("flag --%s is not defined on %s", flag, cmd.Name()))
	}
	if err := v.BindPFlag(key, f); err != nil {
		panic(err)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "YAML config file")
	pf.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading ROLLCALL_* variables")
	pf.String("db", "", "Database: postgres://..., sqlite://path, path.db or memory:// (default: "+config.DefaultDB+")")
	pf.String("timezone", "Local", "IANA time zone that decides the attendance date")
	pf.String("group", "", "Only accept identities of this group")
	pf.String("log-level", "info", "Log level: debug, info, warn, error")
	pf.String("log-format", "text", "Log format: text or json")

	bindFlag("db", rootCmd, "db")
	bindFlag("timezone", rootCmd, "timezone")
	bindFlag("group", rootCmd, "group")
	bindFlag("log.level", rootCmd, "log-level")
	bindFlag("log.format", rootCmd, "log-format")
}
