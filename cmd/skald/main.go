// Command skald runs the voice-agent orchestration service.
//
// Exit codes: 0 on clean shutdown, 1 for configuration errors, 2 when a
// required dependency is unavailable, 3 for fatal runtime errors.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nordlys-ai/skald/internal/app"
	"github.com/nordlys-ai/skald/internal/config"
)

// version is stamped by the build via -ldflags "-X main.version=...".
var version = "dev"

const (
	exitOK         = 0
	exitConfig     = 1
	exitDependency = 2
	exitRuntime    = 3
)

// shutdownTimeout bounds the graceful teardown after a stop signal.
const shutdownTimeout = 15 * time.Second

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, "skald:", ee.err)
			return ee.code
		}
		// Cobra already printed usage errors.
		return exitConfig
	}
	return exitOK
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "skald",
		Short:         "Real-time voice agent orchestration service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "skald.yaml", "path to the YAML configuration file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the service (the default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.AddCommand(serveCmd, newHealthcheckCmd())
	return root
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	log.Info("starting", slog.String("version", version), slog.String("config", configPath))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg,
		app.WithVersion(version),
		app.WithLogger(log),
	)
	if err != nil {
		return &exitError{code: exitDependency, err: err}
	}

	// Hot reload: log level changes apply here, everything else inside
	// the app. A broken watcher only disables reloads.
	watcher, err := config.NewWatcher(configPath, func(old, new *config.Config) {
		d := config.Compare(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			log.Info("log level reloaded", slog.String("level", string(d.NewLogLevel)))
		}
		a.Reload(old, new)
	})
	if err != nil {
		log.Warn("config watcher disabled", slog.String("error", err.Error()))
	} else {
		defer watcher.Stop()
	}

	runErr := a.Run(ctx)

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(sctx); err != nil {
		log.Error("shutdown incomplete", slog.String("error", err.Error()))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return &exitError{code: exitRuntime, err: runErr}
	}
	log.Info("stopped")
	return nil
}

func newHealthcheckCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "healthcheck URL",
		Short: "Probe a running instance's health endpoint",
		Long:  "Issues a GET against the given URL and exits 0 when it answers with a 2xx status.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return healthcheck(cmd.Context(), args[0], timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "probe timeout")
	return cmd
}

func healthcheck(ctx context.Context, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return &exitError{code: exitDependency, err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &exitError{
			code: exitDependency,
			err:  fmt.Errorf("healthcheck %s: status %d", url, resp.StatusCode),
		}
	}
	fmt.Println("ok")
	return nil
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
