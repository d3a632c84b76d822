package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/sessiond/internal/config"
	"github.com/objectfs/sessiond/internal/runtime"
	"github.com/objectfs/sessiond/internal/store"
	"github.com/objectfs/sessiond/pkg/utils"
)

type globalFlags struct {
	configFile string
	envFile    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "sessiond",
		Short: "Resilient gateway session daemon",
		Long: `sessiond holds a session with a messaging gateway, reconnects according
to the close reason, and processes inbound events on a batching work queue
backed by memory-aware caches.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "optional .env file with SESSIOND_* overrides")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log level (DEBUG, INFO, WARN, ERROR)")

	rootCmd.AddCommand(newRunCmd(flags))
	rootCmd.AddCommand(newConfigCmd(flags))
	rootCmd.AddCommand(newCredentialsCmd(flags))
	return rootCmd
}

func (f *globalFlags) load() (*config.Configuration, error) {
	cfg, err := config.Load(f.configFile, f.envFile)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.Global.LogLevel = f.logLevel
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Configuration) (*utils.StructuredLogger, error) {
	opts, err := cfg.LoggerOptions()
	if err != nil {
		return nil, err
	}
	opts.Output = cmd.ErrOrStderr()
	return utils.NewStructuredLogger(opts)
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	var (
		storeDir       string
		credentialsDir string
		metricsAddr    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the gateway and process events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if storeDir != "" {
				cfg.Store.Dir = storeDir
			}
			if credentialsDir != "" {
				cfg.Store.CredentialsDir = credentialsDir
			}
			if metricsAddr != "" {
				cfg.Monitoring.Addr = metricsAddr
			}

			logger, err := newLogger(cmd, cfg)
			if err != nil {
				return err
			}
			defer logger.Close()

			rt, err := runtime.New(cfg, nil, nil, runtime.Options{Logger: logger})
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := rt.Run(ctx); err != nil {
				return fmt.Errorf("session ended: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&storeDir, "store-dir", "", "override the handler state store directory")
	cmd.Flags().StringVar(&credentialsDir, "credentials-dir", "", "override the credential store directory")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "override the observability listen address")
	return cmd
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Configuration commands"}

	printCmd := &cobra.Command{
		Use:   "print",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(printCmd, validateCmd)
	return cmd
}

func newCredentialsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "credentials", Short: "Credential store commands"}

	wipeCmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete stored session credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd, cfg)
			if err != nil {
				return err
			}
			defer logger.Close()

			s, err := store.Open(store.Options{Dir: cfg.Store.CredentialsDir, Logger: logger})
			if err != nil {
				return err
			}
			if err := s.Wipe(); err != nil {
				_ = s.Close()
				return err
			}
			if err := s.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wiped %s\n", cfg.Store.CredentialsDir)
			return nil
		},
	}

	cmd.AddCommand(wipeCmd)
	return cmd
}
