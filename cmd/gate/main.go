// Command gate runs the semantic validation gate: an HTTP server plus
// operator subcommands for evaluation, signature checks and schema setup.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm-gate/pkg/config"
)

// version is set by ldflags at build time.
var version = "dev"

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1 // verdict not ALLOW, verification failed, unhealthy
	exitRuntime = 2 // usage, configuration or I/O error
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func failed(format string, args ...any) error {
	return &exitError{code: exitFailed, err: fmt.Errorf(format, args...)}
}

// Run is the testable entrypoint.
func Run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	if len(args) > 1 {
		root.SetArgs(args[1:])
	} else {
		root.SetArgs([]string{"serve"})
	}
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return exitRuntime
	}
	return exitOK
}

// cli holds state shared by the subcommands of one invocation.
type cli struct {
	stdout, stderr io.Writer
	configPath     string
	cfg            *config.Config
	logger         *slog.Logger
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "gate",
		Short:         "Semantic validation gate for agent actions",
		Long:          "Evaluates structured agent actions against a domain ontology and\nindependent validators, and emits signed, audited verdicts.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "YAML config file (environment variables override it)")

	root.AddCommand(
		c.serveCmd(),
		c.evaluateCmd(),
		c.verifyCmd(),
		c.migrateCmd(),
		c.seedCmd(),
		c.healthCmd(),
	)
	return root
}

func (c *cli) load() error {
	var (
		cfg *config.Config
		err error
	)
	if c.configPath != "" {
		cfg, err = config.LoadFile(c.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	level, _ := config.ParseLevel(cfg.LogLevel)
	c.cfg = cfg
	c.logger = slog.New(slog.NewJSONHandler(c.stderr, &slog.HandlerOptions{Level: level})).
		With("service", "helm-gate", "environment", cfg.Environment)
	slog.SetDefault(c.logger)
	return nil
}
