package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/credledger/internal/app"
	iauth "github.com/charlesng35/credledger/internal/auth"
	"github.com/charlesng35/credledger/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath      string
	mintToken       string
	tokenScopes     string
	tokenTTL        time.Duration
	reconcileFailed bool
}

func parseFlags(args []string, out io.Writer) (options, error) {
	fs := flag.NewFlagSet("credledger-server", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts options
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration directory or file")
	fs.StringVar(&opts.mintToken, "mint-token", "", "Print an operator token for the given operator id and exit")
	fs.StringVar(&opts.tokenScopes, "scopes", "", "Comma separated scopes for -mint-token (default: all)")
	fs.DurationVar(&opts.tokenTTL, "token-ttl", 0, "Lifetime of the minted token (default: auth.jwt.access_token_ttl)")
	fs.BoolVar(&opts.reconcileFailed, "reconcile-failed", false, "Re-enqueue credentials whose anchoring failed and exit")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	opts, err := parseFlags(args, out)
	if err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(opts.configPath)
	if err != nil {
		return err
	}

	generated, err := app.ApplyRuntimeDefaults(cfg)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")
	for key := range generated {
		log.Info("generated runtime default", zap.String("key", key))
	}

	if opts.mintToken != "" {
		if generated["auth.jwt.secret"] {
			return errors.New("auth.jwt.secret must be configured to mint tokens that the server will accept")
		}
		return mintToken(cfg, opts, out)
	}

	stack, err := bootstrapRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}

	if opts.reconcileFailed {
		stats, err := stack.Cleaner.ReconcileFailed(ctx)
		fmt.Fprintf(out, "requeued=%d unresolved=%d\n", stats.Requeued, stats.Unresolved)
		return multierr.Append(err, stack.Shutdown(context.Background(), log))
	}

	if err := stack.Start(cfg, log); err != nil {
		_ = stack.Shutdown(context.Background(), log)
		return err
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           stack.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		runErr = multierr.Append(runErr, fmt.Errorf("graceful shutdown: %w", err))
	}

	if err := stack.Shutdown(shutdownCtx, log); err != nil {
		runErr = multierr.Append(runErr, fmt.Errorf("stop background work: %w", err))
	}

	if runErr != nil {
		return runErr
	}
	log.Info("server stopped gracefully")
	return nil
}

func mintToken(cfg *app.Config, opts options, out io.Writer) error {
	scopes, err := iauth.ParseScopes(opts.tokenScopes)
	if err != nil {
		return err
	}

	jwtService, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return fmt.Errorf("initialise jwt service: %w", err)
	}

	token, err := jwtService.GenerateToken(iauth.TokenInput{
		OperatorID: opts.mintToken,
		Scopes:     scopes,
		TTL:        opts.tokenTTL,
	})
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(out, token)
	return err
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}
