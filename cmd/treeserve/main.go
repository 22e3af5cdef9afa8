package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"treeserve/internal/config"
	"treeserve/internal/fsutil"
	"treeserve/internal/httpserver"
	"treeserve/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:          "treeserve [flags] [ROOT]",
		Short:        "Serve a directory tree over HTTP with listings and archive downloads",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := cmd.Flags().Set("root", args[0]); err != nil {
					return err
				}
			}
			cfg, err := config.Load(cfgPath, cmd.Flags())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (json, yaml or toml)")
	config.RegisterFlags(cmd.Flags())
	cmd.AddCommand(newPasswdCmd())
	return cmd
}

func newPasswdCmd() *cobra.Command {
	var (
		password string
		cost     int
	)
	cmd := &cobra.Command{
		Use:   "passwd",
		Short: "Print a bcrypt hash for a users entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return errors.New("usage: treeserve passwd -p <password>")
			}
			if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
				return fmt.Errorf("invalid cost %d (min=%d max=%d)", cost, bcrypt.MinCost, bcrypt.MaxCost)
			}
			h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
			if err != nil {
				return fmt.Errorf("bcrypt: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(h))
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (required)")
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	logging.Init(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	defer func() { _ = logging.Sync() }()
	log := logging.L()

	resolver, err := fsutil.NewResolver(cfg.Root, fsutil.ResolverOptions{
		FollowExternalSymlinks: cfg.FollowExternalSymlinks,
	})
	if err != nil {
		log.Error("cannot serve root", zap.String("root", cfg.Root), zap.Error(err))
		return err
	}

	srv, err := httpserver.New(httpserver.Options{
		Config:   cfg,
		Resolver: resolver,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           withHeaders(srv.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.TLS.Enabled() {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("treeserve listening",
			zap.String("addr", cfg.Addr),
			zap.String("root", resolver.Root()),
			zap.Bool("follow_external_symlinks", resolver.FollowsExternalSymlinks()),
			zap.String("prefix", cfg.RoutePrefix+"/"),
			zap.Bool("tls", cfg.TLS.Enabled()),
			zap.Bool("auth", len(cfg.Users) > 0),
			zap.Bool("webdav", cfg.WebDAV),
		)
		if cfg.TLS.Enabled() {
			errCh <- httpServer.ListenAndServeTLS(cfg.TLS.Cert, cfg.TLS.Key)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown timed out, closing", zap.Error(err))
		return httpServer.Close()
	}
	return nil
}

func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Basic hardening.
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		// Listings set an ETag and revalidate; handlers override as needed.
		w.Header().Set("Cache-Control", "no-cache")
		next.ServeHTTP(w, r)
	})
}
