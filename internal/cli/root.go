// Package cli provides the command-line interface for rescale-xfer.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rescale/rescale-xfer/internal/config"
	"github.com/rescale/rescale-xfer/internal/logging"
	"github.com/rescale/rescale-xfer/internal/version"
)

var (
	// Global flags
	cfgFile string
	verbose bool
	debug   bool
	quiet   bool
	plain   bool

	// Global logger
	logger *logging.Logger

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cfgFile, verbose, debug, quiet, plain = "", false, false, false, false

	rootCmd := &cobra.Command{
		Use:   "rescale-xfer",
		Short: "Queue, resume and deduplicate file transfers",
		Long: `rescale-xfer ` + version.Version + ` - Built: ` + version.BuildTime + `

Downloads and uploads files over http(s), s3, azblob and webdav with a
bounded priority queue, automatic retries and resumable downloads.
A URL that is already being transferred is joined rather than started twice,
and a URL that was already downloaded is served from the local copy.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewLoggerTo("cli", cmd.ErrOrStderr())
			switch {
			case verbose || debug:
				logging.SetGlobalLevel(zerolog.DebugLevel)
			case quiet:
				logging.SetGlobalLevel(zerolog.WarnLevel)
			default:
				logging.SetGlobalLevel(zerolog.InfoLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug output (same as --verbose)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "No progress output, warnings and errors only")
	rootCmd.PersistentFlags().BoolVar(&plain, "plain", false, "Show one overall progress bar instead of a bar per file")

	rootCmd.Version = version.Version + " (" + version.BuildTime + ")"

	AddCommands(rootCmd)
	return rootCmd
}

// AddCommands adds all subcommands to the root command.
func AddCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newPutCmd())
	rootCmd.AddCommand(newConfigCmd())
}

// Execute runs the CLI with SIGINT/SIGTERM cancelling in-flight transfers.
func Execute() error {
	rootContext, cancelFunc = context.WithCancel(context.Background())
	defer cancelFunc()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			fmt.Fprintf(os.Stderr, "\nReceived signal %v, cancelling transfers...\n", sig)
			cancelFunc()
		case <-rootContext.Done():
		}
	}()

	return NewRootCmd().ExecuteContext(rootContext)
}

// GetLogger returns the global CLI logger.
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewLogger("cli")
	}
	return logger
}

// GetContext returns the command context, falling back to the global one.
func GetContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	if rootContext != nil {
		return rootContext
	}
	return context.Background()
}

// loadConfig reads --config (or the default path) and validates it.
func loadConfig() (*config.Config, string, error) {
	path, err := configFilePath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, path, nil
}
