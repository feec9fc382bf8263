// Package app provides the policy QA server application.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kart-io/policyqa/cmd/policyqa/app/options"
	policyqa "github.com/kart-io/policyqa/internal/policyqa"
)

const commandDesc = `Security Policy QA Service

A question answering service over a classified security policy corpus.

This server provides:
  - Security-trimmed hybrid retrieval over policy document chunks
  - Grounded answer generation with citation verification
  - Per-request audit records
  - Graceful degradation when the LLM or search backend is unavailable

Configuration:
  Configuration can be provided via:
  - Command-line flags (highest priority)
  - Environment variables (prefix: POLICYQA_)
  - Configuration file (YAML)
  - Default values (lowest priority)`

// App wraps the root command.
type App struct {
	cmd *cobra.Command
}

// NewApp creates a new application instance.
func NewApp() *App {
	opts := options.NewServerOptions()

	cmd := &cobra.Command{
		Use:          policyqa.Name,
		Short:        "Security Policy QA Service",
		Long:         commandDesc,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadConfig(cmd, opts); err != nil {
				return err
			}
			if err := opts.Complete(); err != nil {
				return err
			}
			if err := opts.Validate(); err != nil {
				return err
			}
			return run(opts)
		},
	}

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)
	cmd.Flags().SortFlags = true

	cmd.PersistentFlags().StringP("config", "c", "", "Path to config file")
	opts.AddFlags(cmd.Flags())

	return &App{cmd: cmd}
}

// Run executes the application.
func (a *App) Run() {
	if err := a.cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run contains the main logic for initializing and running the server.
func run(opts *options.ServerOptions) error {
	cfg, err := opts.Config()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx := setupSignalContext()

	server, err := cfg.NewServer(ctx)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return server.Run(ctx)
}

// loadConfig layers the config file, environment variables and flags
// into opts. Flags changed on the command line keep the highest
// precedence.
func loadConfig(cmd *cobra.Command, opts *options.ServerOptions) error {
	v := viper.New()

	configFile, _ := cmd.Flags().GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(policyqa.Name)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/" + policyqa.Name)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file found, continue with flags and environment.
	}

	expandEnvVars(v)

	v.SetEnvPrefix(strings.ToUpper(policyqa.Name))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	if err := v.Unmarshal(opts); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return nil
}

// expandEnvVars expands ${VAR} and $VAR style environment variables in
// config values. Unset variables are left as-is.
func expandEnvVars(v *viper.Viper) {
	envPattern := regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

	for _, key := range v.AllKeys() {
		val := v.Get(key)
		strVal, ok := val.(string)
		if !ok {
			continue
		}
		expanded := envPattern.ReplaceAllStringFunc(strVal, func(match string) string {
			var varName string
			if strings.HasPrefix(match, "${") {
				varName = match[2 : len(match)-1]
			} else {
				varName = match[1:]
			}
			if envVal := os.Getenv(varName); envVal != "" {
				return envVal
			}
			return match
		})
		if expanded != strVal {
			v.Set(key, expanded)
		}
	}
}

// setupSignalContext returns a context that is cancelled on SIGINT or
// SIGTERM. A second signal exits immediately.
func setupSignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
		<-c
		os.Exit(1)
	}()
	return ctx
}
