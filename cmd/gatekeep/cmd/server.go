package cmd

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	serverAddr     string
	identityURL    string
	sessionMinutes int
	sweepInterval  time.Duration
	tlsCert        string
	tlsKey         string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the session token server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.ValidateServer(); err != nil {
			return err
		}
		logger, err := newLogger(cfg.Log, os.Stderr)
		if err != nil {
			return err
		}

		svc, err := newService(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           svc.handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		useTLS := cfg.Server.TLSCert != ""
		if useTLS {
			cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if useTLS {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		logger.Info("starting server",
			"addr", cfg.Server.Addr,
			"tls", useTLS,
			"store", cfg.Store.Backend,
			"session_minutes", cfg.Session.LengthMinutes,
		)
		if !useTLS {
			logger.Warn("serving plain HTTP; session cookies will not be marked Secure unless a proxy sets X-Forwarded-Proto")
		}

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		var serveErr error
		select {
		case sig := <-quit:
			logger.Info("shutting down", "signal", sig.String())
			ctx, cancel := shutdownContext(cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				serveErr = fmt.Errorf("server shutdown failed: %w", err)
			}
		case serveErr = <-done:
		}

		ctx, cancel := shutdownContext(cfg.Server.ShutdownTimeout)
		defer cancel()
		return errors.Join(serveErr, svc.Close(ctx))
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	addServerFlags(serverCmd.Flags())
}

func addServerFlags(flags *pflag.FlagSet) {
	flags.StringVarP(&serverAddr, "addr", "a", ":8080", "Address to listen on")
	flags.StringVar(&identityURL, "identity-url", "", "Base URL of the identity directory")
	flags.IntVar(&sessionMinutes, "session-length", 60, "Session length in minutes")
	flags.DurationVar(&sweepInterval, "sweep-interval", 5*time.Minute, "How often invalid sessions are deleted (0 disables)")
	flags.StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	flags.StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
