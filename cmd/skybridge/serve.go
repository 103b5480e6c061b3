package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/skybridge-dev/skybridge/internal/api"
	"github.com/skybridge-dev/skybridge/internal/client"
	"github.com/skybridge-dev/skybridge/internal/config"
	"github.com/skybridge-dev/skybridge/internal/instance"
	"github.com/skybridge-dev/skybridge/internal/registry"
	"github.com/skybridge-dev/skybridge/internal/relay"
	"github.com/skybridge-dev/skybridge/internal/token"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay and HTTP command API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := slog.Default()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var codecOpts []token.Option
	if cfg.TokenValidity() != token.Validity {
		codecOpts = append(codecOpts, token.WithValidity(cfg.TokenValidity()))
	}
	if cfg.Auth.AllowDevTokens {
		logger.Warn("dev tokens enabled; do not run this in production")
		codecOpts = append(codecOpts, token.WithDevTokens())
	}
	codec := token.NewCodec(cfg.Auth.TokenSecret, codecOpts...)

	validator := instance.NewValidator(store, codec)
	relaySrv := relay.NewServer(validator, relay.WithPingInterval(cfg.PingInterval()))

	relayURL := fmt.Sprintf("ws://%s", cfg.Addr())
	clients := registry.New(func(instanceID, secret string) registry.RelayClient {
		return client.New(client.Config{
			RelayURL:       relayURL,
			InstanceID:     instanceID,
			InstanceSecret: secret,
		})
	}, registry.WithTTL(cfg.RegistryTTL()))
	defer clients.Close()

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)

	api.NewHandler(store, clients).Routes(r)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/api/v1/instances/{instanceID}/relay", relaySrv.HandleRoomStatus)
	r.HandleFunc("/{instanceID}", relaySrv.HandleWS)

	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     r,
		ReadTimeout: 0, // WebSockets hold the connection open
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", cfg.Addr())
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// openStore picks sqlite when configured, otherwise an empty in-memory
// store (dev tokens are the only way in at that point).
func openStore(cfg config.Config) (instance.Store, func(), error) {
	if cfg.Database.SQLitePath == "" {
		return instance.NewMemoryStore(), func() {}, nil
	}
	s, err := instance.OpenSQLite(cfg.Database.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { s.Close() }, nil
}
