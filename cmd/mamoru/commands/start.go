package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/http/pprof"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/mamoru/internal/app"
	"github.com/shizukutanaka/mamoru/internal/config"
	"github.com/shizukutanaka/mamoru/internal/logging"
	"github.com/shizukutanaka/mamoru/internal/version"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the detection and response engine",
	Long: `Run the detection and response engine with the given configuration.

With --upstream, mamoru also serves a screening reverse proxy: every request
on --listen is evaluated before it is forwarded.

Examples:
  # Engine, admin API and host scans only
  mamoru start --config /etc/mamoru/mamoru.yaml

  # Screen traffic in front of a local application
  mamoru start --listen :8080 --upstream http://127.0.0.1:3000

  # With performance profiling on localhost:6060
  mamoru start --profile`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().String("listen", ":8080", "Screening proxy listen address (used with --upstream)")
	startCmd.Flags().String("upstream", "", "Upstream URL to protect")
	startCmd.Flags().Bool("watch-config", true, "Reload whitelist and log level when the config file changes")
	startCmd.Flags().Bool("profile", false, "Enable performance profiling")
	startCmd.Flags().Int("profile-port", 6060, "Performance profiling port")
	startCmd.Flags().String("pid-file", "", "PID file path")
}

func runStart(cmd *cobra.Command, _ []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	upstream, _ := cmd.Flags().GetString("upstream")
	watchConfig, _ := cmd.Flags().GetBool("watch-config")
	enableProfile, _ := cmd.Flags().GetBool("profile")
	profilePort, _ := cmd.Flags().GetInt("profile-port")
	pidFile, _ := cmd.Flags().GetString("pid-file")

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logs, err := logging.NewFactory(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logs.Sync()
	logger := logs.Root()

	if pidFile != "" {
		if err := writePIDFile(pidFile); err != nil {
			logger.Warn("Failed to write PID file", zap.Error(err))
		}
		defer os.Remove(pidFile)
	}

	if enableProfile {
		go startProfiling(profilePort, logger)
	}

	opts := []app.Option{app.WithLogFactory(logs)}
	if watchConfig && cfgFile != "" {
		opts = append(opts, app.WithConfigWatch(cfgFile))
	}

	logger.Info("Starting mamoru",
		zap.String("version", version.Version),
		zap.String("config", cfgFile),
	)

	application, err := app.New(logger, cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	var proxy *http.Server
	serveErr := make(chan error, 1)
	if upstream != "" {
		proxy, err = newScreeningProxy(application, listen, upstream)
		if err != nil {
			shutdown(logger, application)
			return err
		}
		go func() {
			logger.Info("Screening proxy listening", zap.String("addr", listen), zap.String("upstream", upstream))
			if err := proxy.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case runErr = <-serveErr:
		logger.Error("Screening proxy failed", zap.Error(runErr))
	}

	if proxy != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := proxy.Shutdown(ctx); err != nil {
			logger.Warn("Screening proxy shutdown error", zap.Error(err))
		}
		cancel()
	}

	if err := shutdown(logger, application); err != nil {
		return err
	}
	return runErr
}

func newScreeningProxy(application *app.Application, listen, upstream string) (*http.Server, error) {
	target, err := url.Parse(upstream)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q", upstream)
	}

	return &http.Server{
		Addr:              listen,
		Handler:           application.Handler(httputil.NewSingleHostReverseProxy(target)),
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

func shutdown(logger *zap.Logger, application *app.Application) error {
	logger.Info("Starting graceful shutdown...")
	ctx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancel()

	if err := application.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown gracefully", zap.Error(err))
		return err
	}
	logger.Info("mamoru stopped")
	return nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

func startProfiling(port int, logger *zap.Logger) {
	logger.Info("Starting performance profiling server", zap.Int("port", port))

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := &http.Server{
		Addr:              fmt.Sprintf("localhost:%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil {
		logger.Error("Profiling server error", zap.Error(err))
	}
}
