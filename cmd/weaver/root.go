package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/fatih/color"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"weaver/internal/config"
)

// version is stamped by the release build through -ldflags.
var version = "0.2.0-dev"

// isTTY checks if the current environment has a TTY available
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// Color definitions for CLI output
var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// CLI holds the command line interface state shared across subcommands.
type CLI struct {
	configFile string
	logLevel   string
	plain      bool
}

// NewRootCommand wires the weaver command tree.
func NewRootCommand() *cobra.Command {
	cli := &CLI{}

	rootCmd := &cobra.Command{
		Use:   "weaver",
		Short: "Workflow orchestration engine",
		Long: fmt.Sprintf(`%s

Weaver plans workflow definitions as dependency DAGs and executes their
tasks on typed agents with retries, fallbacks and circuit breakers.
Definitions are YAML or JSON files; they run once from the command line
or continuously under the serve daemon with cron scheduling and durable
state.

%s
  weaver run pipeline.yaml -i feedUrl=https://example.com/feed
  weaver validate pipeline.yaml
  weaver templates price-monitor > monitor.yaml
  weaver serve --store file`,
			bold("Weaver "+version),
			bold("EXAMPLES:")),
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cli.plain || !isTTY() {
				color.NoColor = true
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cli.configFile, "config", "", "Config file (default $HOME/.weaver/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&cli.logLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVar(&cli.plain, "plain", false, "Disable colored output")

	// Add subcommands
	rootCmd.AddCommand(newServeCommand(cli))
	rootCmd.AddCommand(newRunCommand(cli))
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newTemplatesCommand())
	rootCmd.AddCommand(newAgentsCommand())
	rootCmd.AddCommand(newVersionCommand())

	// Configure viper
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.weaver")
	viper.AddConfigPath(".")

	return rootCmd
}

// loadEngineConfig layers the config file and WEAVER_* environment
// variables over the defaults. Subcommands apply their own flag
// overrides afterwards and finish with Normalized plus Validate.
func (cli *CLI) loadEngineConfig() (config.Config, error) {
	if cli.configFile != "" {
		viper.SetConfigFile(cli.configFile)
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cli.configFile != "" || !errors.As(err, &notFound) {
			return config.Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := config.Default()
	decodeYAMLTags := func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" }
	if err := viper.Unmarshal(&cfg, decodeYAMLTags); err != nil {
		return config.Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyEnv(config.DefaultEnvLookup)

	if cli.logLevel != "" {
		cfg.LogLevel = cli.logLevel
	}
	return cfg, nil
}

// observabilityConfigPath returns the file the observability loader
// should read: the explicit --config value, or whichever file viper
// discovered on its search path.
func (cli *CLI) observabilityConfigPath() string {
	if cli.configFile != "" {
		return cli.configFile
	}
	return viper.ConfigFileUsed()
}

// runCLI initializes and runs the Cobra-driven CLI
func runCLI() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Printf("%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
}

// newVersionCommand creates the version subcommand
func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("weaver %s %s/%s\n", version, runtime.GOOS, runtime.GOARCH)
		},
	}
}
