package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"permstate/internal/auth"
	"permstate/internal/handlers"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the permission state HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RequireAuth(); err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Service.Port = servePort
		}

		svc, err := newBuilder().Build()
		if err != nil {
			return fmt.Errorf("building service: %w", err)
		}
		defer svc.Close()

		jwtmw := auth.NewJWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
		router := handlers.NewRouter(handlers.RouterConfig{
			Permissions:  handlers.NewPermissionHandler(svc, log.Logger),
			Health:       handlers.NewHealthHandler(svc, svc.Entries()),
			Authenticate: jwtmw.Authenticate,
			Identify:     jwtmw.OptionalAuthenticate,
			Snapshots:    svc.Snapshots(),
			CORS:         handlers.LoadCORSConfigFromEnv(),
		})

		server := &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.Service.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			log.Info().
				Str("addr", server.Addr).
				Str("node_id", cfg.Service.NodeID).
				Str("node_type", cfg.Service.NodeType).
				Msg("starting permstate server")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		log.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		log.Info().Msg("server exited")
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP port (overrides SERVICE_PORT)")
	rootCmd.AddCommand(serveCmd)
}
