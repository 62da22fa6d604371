// -- cmd/root.go --
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap" // Import zap
	"github.com/cogloop/cogloop/internal/config"
	"github.com/cogloop/cogloop/internal/observability"
)

var (
	cfgFile string
)

// newRootCmd builds a fresh root command instance. Called once for the
// process's real rootCmd and again by tests via newPristineRootCmd wrappers
// so command state (flags, args, output writers) never leaks between runs.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cogloop",
		Short: "cogloop drives an autonomous Planner-Executor-Reflector cognitive loop.",
		// Version is dynamically set at build time. See cmd/version.go.
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// This function runs before any command, setting up config and logging.
			if err := initializeConfig(); err != nil {
				return err
			}

			var cfg config.Config
			if err := viper.Unmarshal(&cfg); err != nil {
				// Initialize a fallback logger if config unmarshal fails
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "cogloop"})
				return fmt.Errorf("failed to unmarshal config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger)

			// Log the version at startup
			observability.GetLogger().Info("Starting cogloop", zap.String("version", Version))
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	cmd.AddCommand(newRunCmd())
	return cmd
}

// rootCmd is the process-wide root command.
var rootCmd = newRootCmd()

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
        // Use the logger if available, otherwise fallback to stderr
        if logger := observability.GetLogger(); logger != nil && logger != zap.NewNop() {
             logger.Error("Command execution failed", zap.Error(err))
        } else {
		    fmt.Fprintln(os.Stderr, err)
        }
		os.Exit(1)
	}
}

// initializeConfig reads in config file and ENV variables if set.
func initializeConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	config.SetDefaults(viper.GetViper())

	viper.SetEnvPrefix("COGLOOP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
        // Config file not found; proceed with defaults/env vars
	}
	return nil
}
