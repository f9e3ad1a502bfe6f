package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-xfer/internal/config"
	"github.com/rescale/rescale-xfer/internal/constants"
	"github.com/rescale/rescale-xfer/internal/engine"
	xhttp "github.com/rescale/rescale-xfer/internal/http"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage rescale-xfer configuration",
		Long: `Configuration management commands for rescale-xfer.

Commands:
  init  - Interactive configuration setup
  show  - Display current configuration
  test  - Validate configuration and list usable URL schemes
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigInitCmd())
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigTestCmd())
	configCmd.AddCommand(newConfigPathCmd())

	return configCmd
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long: `Interactive configuration setup for rescale-xfer.

The configuration is saved to the --config path, or the default path shown
by 'rescale-xfer config path'. Press Enter to keep the value in brackets.

Use --force to overwrite an existing configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := GetLogger()
			out := cmd.OutOrStdout()

			configPath, err := configFilePath()
			if err != nil {
				return err
			}
			if !force {
				if _, err := os.Stat(configPath); err == nil {
					fmt.Fprintf(out, "Configuration already exists at: %s\n", configPath)
					fmt.Fprintln(out, "Use --force to overwrite or run 'config show' to view current config.")
					return nil
				}
			}

			cfg := promptConfig(newPrompter(cmd.InOrStdin(), out), config.New())
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := config.Save(cfg, configPath); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			log.Info().Str("path", configPath).Msg("Configuration saved")

			fmt.Fprintln(out)
			fmt.Fprintf(out, "✓ Configuration saved to: %s\n", configPath)
			fmt.Fprintln(out, "Check it with: rescale-xfer config test")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")
	return cmd
}

// promptConfig walks through every section, starting from defaults.
func promptConfig(p *prompter, cfg *config.Config) *config.Config {
	fmt.Fprintln(p.out, "rescale-xfer Configuration Setup")
	fmt.Fprintln(p.out, "================================")
	fmt.Fprintln(p.out)

	fmt.Fprintln(p.out, "Queue Settings")
	fmt.Fprintln(p.out, "--------------")
	cfg.Queue.MaxConcurrent = p.Int("Concurrent transfers", cfg.Queue.MaxConcurrent, 1, constants.MaxConcurrentLimit)
	cfg.Queue.AutoRetry = p.Bool("Retry failed transfers automatically?", cfg.Queue.AutoRetry)
	if cfg.Queue.AutoRetry {
		cfg.Queue.MaxRetries = p.Int("Max retries", cfg.Queue.MaxRetries, 0, 100)
		cfg.Queue.RetryDelay = p.Duration("Retry delay", cfg.Queue.RetryDelay)
	}
	cfg.Queue.BandwidthLimit = p.Rate("Bandwidth limit (e.g. 2M, 0 = unlimited)", cfg.Queue.BandwidthLimit)

	fmt.Fprintln(p.out)
	if p.Bool("Configure proxy?", false) {
		fmt.Fprintln(p.out, "Proxy modes: no-proxy, system, basic, ntlm")
		cfg.HTTP.ProxyMode = p.String("Proxy mode", "system")
		if cfg.HTTP.ProxyMode == "basic" || cfg.HTTP.ProxyMode == "ntlm" {
			cfg.HTTP.ProxyHost = p.String("Proxy host", "")
			cfg.HTTP.ProxyPort = p.Int("Proxy port", cfg.HTTP.ProxyPort, 1, 65535)
			cfg.HTTP.ProxyUser = p.String("Proxy user (optional)", "")
			if cfg.HTTP.ProxyUser != "" {
				cfg.HTTP.ProxyPassword = p.String("Proxy password", "")
			}
			cfg.HTTP.NoProxy = p.String("Bypass proxy for (comma separated, optional)", "")
		}
	}

	fmt.Fprintln(p.out)
	if p.Bool("Configure S3?", false) {
		cfg.S3.Region = p.String("Region", cfg.S3.Region)
		cfg.S3.Endpoint = p.String("Endpoint (optional, for S3-compatible stores)", "")
		cfg.S3.AccessKeyID = p.String("Access key ID (optional, default credential chain when empty)", "")
		if cfg.S3.AccessKeyID != "" {
			cfg.S3.SecretAccessKey = p.String("Secret access key", "")
		}
	}

	if p.Bool("Configure Azure Blob Storage?", false) {
		cfg.Azure.ConnectionString = p.String("Connection string", "")
	}

	if p.Bool("Configure WebDAV?", false) {
		cfg.WebDAV.URL = p.String("Server URL", "")
		cfg.WebDAV.Username = p.String("Username (optional)", "")
		if cfg.WebDAV.Username != "" {
			cfg.WebDAV.Password = p.String("Password", "")
		}
	}

	return cfg
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the configuration loaded from the --config path or the default
path, with defaults filled in. Secrets are never printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, err := configFilePath()
			if err != nil {
				return err
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			printConfig(cmd.OutOrStdout(), cfg, configPath)
			return nil
		},
	}
}

func printConfig(out io.Writer, cfg *config.Config, configPath string) {
	fmt.Fprintln(out, "Current Configuration")
	fmt.Fprintln(out, "=====================")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Queue Settings:")
	fmt.Fprintf(out, "  Max Concurrent:  %d\n", cfg.Queue.MaxConcurrent)
	fmt.Fprintf(out, "  Auto Start:      %t\n", cfg.Queue.AutoStart)
	fmt.Fprintf(out, "  Auto Retry:      %t\n", cfg.Queue.AutoRetry)
	fmt.Fprintf(out, "  Max Retries:     %d\n", cfg.Queue.MaxRetries)
	fmt.Fprintf(out, "  Retry Delay:     %s (max %s)\n", cfg.Queue.RetryDelay, cfg.Queue.MaxRetryDelay)
	if cfg.Queue.BandwidthLimit > 0 {
		fmt.Fprintf(out, "  Bandwidth Limit: %d bytes/s\n", cfg.Queue.BandwidthLimit)
	} else {
		fmt.Fprintln(out, "  Bandwidth Limit: unlimited")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "HTTP Settings:")
	fmt.Fprintf(out, "  Proxy Mode:      %s\n", cfg.HTTP.ProxyMode)
	if cfg.HTTP.ProxyHost != "" {
		fmt.Fprintf(out, "  Proxy Host:      %s\n", cfg.HTTP.ProxyHost)
		fmt.Fprintf(out, "  Proxy Port:      %d\n", cfg.HTTP.ProxyPort)
	}
	if cfg.HTTP.ProxyUser != "" {
		fmt.Fprintf(out, "  Proxy User:      %s\n", cfg.HTTP.ProxyUser)
		fmt.Fprintf(out, "  Proxy Password:  %s\n", secret(cfg.HTTP.ProxyPassword))
	}
	if cfg.HTTP.NoProxy != "" {
		fmt.Fprintf(out, "  No Proxy:        %s\n", cfg.HTTP.NoProxy)
	}
	fmt.Fprintf(out, "  Request Retries: %d\n", cfg.HTTP.RetryMax)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "S3:")
	fmt.Fprintf(out, "  Region:          %s\n", cfg.S3.Region)
	if cfg.S3.Endpoint != "" {
		fmt.Fprintf(out, "  Endpoint:        %s\n", cfg.S3.Endpoint)
	}
	if cfg.S3.AccessKeyID != "" {
		fmt.Fprintf(out, "  Access Key ID:   %s\n", cfg.S3.AccessKeyID)
		fmt.Fprintf(out, "  Secret Key:      %s\n", secret(cfg.S3.SecretAccessKey))
	} else {
		fmt.Fprintln(out, "  Credentials:     default AWS credential chain")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Azure Blob Storage:")
	fmt.Fprintf(out, "  Connection:      %s\n", secret(cfg.Azure.ConnectionString))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "WebDAV:")
	if cfg.WebDAV.URL != "" {
		fmt.Fprintf(out, "  URL:             %s\n", cfg.WebDAV.URL)
		if cfg.WebDAV.Username != "" {
			fmt.Fprintf(out, "  Username:        %s\n", cfg.WebDAV.Username)
			fmt.Fprintf(out, "  Password:        %s\n", secret(cfg.WebDAV.Password))
		}
	} else {
		fmt.Fprintln(out, "  URL:             <not set>")
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "Transfer records: %s\n", cfg.Store.Path)
	fmt.Fprintf(out, "Configuration file: %s\n", configPath)
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		fmt.Fprintln(out, "  (file does not exist - using defaults)")
	}
}

// secret never reveals any part of the value.
func secret(v string) string {
	if v == "" {
		return "<not set>"
	}
	return fmt.Sprintf("<set (%d chars)>", len(v))
}

// newConfigTestCmd creates the 'config test' command.
func newConfigTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Validate configuration and list usable URL schemes",
		Long: `Load and validate the configuration, then build the transfer engine
with it and list the URL schemes it accepts. Nothing is transferred.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := GetLogger()
			out := cmd.OutOrStdout()

			cfg, configPath, err := loadConfig()
			if err != nil {
				fmt.Fprintln(out, "✗ Configuration INVALID")
				return err
			}
			fmt.Fprintf(out, "Configuration: %s\n", configPath)

			ctx, cancel := context.WithTimeout(GetContext(cmd), 10*time.Second)
			defer cancel()
			eng, err := engine.NewFromConfig(ctx, cfg, log)
			if err != nil {
				log.Error().Err(err).Msg("Engine setup failed")
				fmt.Fprintln(out, "✗ Transfer engine FAILED")
				return err
			}
			defer eng.Close()

			fmt.Fprintln(out, "✓ Configuration OK")
			fmt.Fprintf(out, "  Schemes: %s\n", strings.Join(eng.Schemes(), ", "))
			if route, err := xhttp.ResolveProxy(&cfg.HTTP); err == nil {
				fmt.Fprintf(out, "  Proxy: %s\n", route)
			}
			if xhttp.NeedsProxyPassword(&cfg.HTTP) {
				fmt.Fprintln(out, "  Warning: proxy_user is set without proxy_password")
			}
			return nil
		},
	}
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, err := configFilePath()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), configPath)
			return nil
		},
	}
}

func configFilePath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultConfigPath()
}
