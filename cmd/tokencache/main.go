// Package main provides the tokencache binary. It serves the OAuth login web
// app backed by the encrypted token cache, and exposes the cache itself as
// get/set/delete subcommands for scripting and inspection.
//
// Configuration is loaded from defaults and TOKENCACHE_* environment variables
// (see internal/config); --data-dir and --backend override both.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/haukened/tokencache/internal/config"
	"github.com/haukened/tokencache/internal/domain"
)

// Exit codes for CLI commands.
const (
	exitOK       = 0
	exitError    = 1
	exitConfig   = 2
	exitCache    = 3 // cache unreadable or storage failure
	exitNotFound = 4
)

// realClock implements app.Clock using time.Now.
type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// configError marks failures to load or validate configuration.
type configError struct{ err error }

func (e *configError) Error() string { return "configuration: " + e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

// cli carries state shared by all subcommands.
type cli struct {
	dataDir string
	backend string
	stdout  io.Writer
	stderr  io.Writer
	cfg     *config.Config
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:   "tokencache",
		Short: "Encrypted OAuth token cache and login web app",
		Long: `tokencache keeps OAuth tokens in a local encrypted cache: a random key in
a key file and the whole cache sealed as one blob in a data file.

Run "tokencache serve" for the login web app, or use the cache subcommands to
inspect and edit the cache directly.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.loadConfig,
	}
	root.PersistentFlags().StringVar(&c.dataDir, "data-dir", "", "directory holding the key, data and lock files (default from config)")
	root.PersistentFlags().StringVar(&c.backend, "backend", "", "cache blob backend: file, sqlite or bolt (default from config)")
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(
		newServeCmd(c),
		newGetCmd(c),
		newSetCmd(c),
		newDeleteCmd(c),
		newKeysCmd(c),
		newStatCmd(c),
		newRefreshCmd(c),
		newCallCmd(c),
	)
	return root
}

// loadConfig loads configuration once flags are parsed.
func (c *cli) loadConfig(cmd *cobra.Command, _ []string) error {
	overrides := map[string]any{}
	if cmd.Flags().Changed("data-dir") {
		overrides["data_dir"] = c.dataDir
	}
	if cmd.Flags().Changed("backend") {
		overrides["backend"] = c.backend
	}
	cfg, err := config.LoadWithOverrides(overrides)
	if err != nil {
		return &configError{err}
	}
	setupLogging(c.stderr, cfg.LogLevel)
	c.cfg = cfg
	return nil
}

func setupLogging(w io.Writer, level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
}

// exitCode maps an error to a process exit status for scripting.
func exitCode(err error) int {
	var cfgErr *configError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &cfgErr):
		return exitConfig
	case errors.Is(err, domain.ErrKeyNotFound):
		return exitNotFound
	case errors.Is(err, domain.ErrDecryption), errors.Is(err, domain.ErrFormat), errors.Is(err, domain.ErrStorage):
		return exitCache
	default:
		return exitError
	}
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return exitCode(err)
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}
