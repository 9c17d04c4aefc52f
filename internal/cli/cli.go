// Package cli implements the cloudpipe command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/jeffersonwarrior/cloudpipe/internal/config"
	"github.com/jeffersonwarrior/cloudpipe/internal/logging"
	"github.com/jeffersonwarrior/cloudpipe/internal/version"
)

// Command is one cloudpipe subcommand.
type Command interface {
	Name() string
	Description() string
	Usage() string
	// Flags registers the command's flags.
	Flags(fs *pflag.FlagSet)
	Execute(ctx context.Context, env *Env, args []string) error
}

// Env is what a command runs against: the loaded config, a logger and the
// output streams.
type Env struct {
	Config *config.Config
	Logger *zap.Logger
	Out    io.Writer
	ErrOut io.Writer
}

// CLI represents the command-line interface
type CLI struct {
	rootCmd  *cobra.Command
	commands map[string]Command
	out      io.Writer
	errOut   io.Writer
}

// New creates a CLI writing to stdout and stderr.
func New() *CLI {
	return NewWithOutput(os.Stdout, os.Stderr)
}

// NewWithOutput creates a CLI writing to out and errOut.
func NewWithOutput(out, errOut io.Writer) *CLI {
	cli := &CLI{
		commands: make(map[string]Command),
		out:      out,
		errOut:   errOut,
	}

	cli.rootCmd = &cobra.Command{
		Use:           "cloudpipe",
		Short:         "cloudpipe - signed HTTP and WebSocket requests through the cloudpipe pipeline",
		Version:       version.Version(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cli.rootCmd.SetOut(out)
	cli.rootCmd.SetErr(errOut)

	cli.registerBuiltinCommands()
	cli.setupFlags()
	return cli
}

func (cli *CLI) registerBuiltinCommands() {
	for _, cmd := range []Command{
		&SignCommand{},
		&RequestCommand{},
		&WebSocketCommand{},
	} {
		cli.registerCommand(cmd)
	}
}

// registerCommand registers a command with the CLI
func (cli *CLI) registerCommand(cmd Command) {
	cli.commands[cmd.Name()] = cmd

	cobraCmd := &cobra.Command{
		Use:   cmd.Usage(),
		Short: cmd.Description(),
		Args:  cobra.NoArgs,
		RunE: func(cobraCmd *cobra.Command, args []string) error {
			env, err := cli.loadEnv()
			if err != nil {
				return err
			}
			defer func() { _ = env.Logger.Sync() }()
			return cmd.Execute(cobraCmd.Context(), env, args)
		},
	}
	cmd.Flags(cobraCmd.Flags())
	cli.rootCmd.AddCommand(cobraCmd)
}

func (cli *CLI) setupFlags() {
	fs := cli.rootCmd.PersistentFlags()
	fs.String("config", "", "Path to configuration file")
	fs.String("log-level", "", "Log level (debug, info, warn, error)")
	fs.Bool("log-dev", false, "Human-readable development logging")
}

// loadEnv loads configuration and applies persistent flag overrides.
func (cli *CLI) loadEnv() (*Env, error) {
	fs := cli.rootCmd.PersistentFlags()
	path, _ := fs.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if level, err := fs.GetString("log-level"); err == nil && level != "" {
		cfg.Logging.Level = level
	}
	if fs.Changed("log-dev") {
		cfg.Logging.Development, _ = fs.GetBool("log-dev")
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return &Env{Config: cfg, Logger: logger, Out: cli.out, ErrOut: cli.errOut}, nil
}

// Execute runs the CLI with os.Args.
func (cli *CLI) Execute(ctx context.Context) error {
	return cli.rootCmd.ExecuteContext(ctx)
}

// Run runs the CLI with args in place of os.Args.
func (cli *CLI) Run(ctx context.Context, args ...string) error {
	cli.rootCmd.SetArgs(args)
	return cli.rootCmd.ExecuteContext(ctx)
}

// Commands returns all registered commands
func (cli *CLI) Commands() map[string]Command {
	result := make(map[string]Command, len(cli.commands))
	for k, v := range cli.commands {
		result[k] = v
	}
	return result
}
