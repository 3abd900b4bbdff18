package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/peerlink/internal/adapters/http"
	"github.com/dkeye/peerlink/internal/app/lobby"
	"github.com/dkeye/peerlink/internal/config"
)

func newRendezvousCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rendezvous",
		Short: "Run the rendezvous server that matches hosts and joiners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRendezvous(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.String("listen", "", "tcp address for control connections")
	f.String("http", "", "http address for the websocket endpoint and room listing, empty disables it")
	f.Int("rate-limit", 0, "requests allowed per client and interval")
	return cmd
}

func runRendezvous(ctx context.Context, cfg *config.Config) error {
	srv := lobby.NewServer(lobby.Config{
		MaxClients:   cfg.Server.MaxClients,
		RateLimit:    cfg.Server.RateLimit,
		RateInterval: cfg.Server.RateInterval,
	})
	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.ListenAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, ln) })

	if cfg.Server.HTTPAddr != "" {
		httpSrv := &http.Server{
			Addr:    cfg.Server.HTTPAddr,
			Handler: router.SetupRouter(gctx, cfg, srv),
		}
		g.Go(func() error {
			log.Info().Str("module", "cmd").Str("addr", cfg.Server.HTTPAddr).Msg("http server started")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	log.Info().Str("module", "cmd").Msg("rendezvous server exited")
	return err
}
