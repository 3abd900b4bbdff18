package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dkeye/peerlink/internal/config"
	"github.com/dkeye/peerlink/internal/domain"
)

// cfg is loaded once in PersistentPreRunE.
var cfg *config.Config

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "peerlink",
		Short: "Peer-to-peer game networking over a rendezvous server",
		Long: `peerlink registers with a rendezvous server, hosts or joins a room and
exchanges game state with the other members directly over UDP after punching
through their NATs. Without a subcommand the configured mode is run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(cmd.Flags())
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			level, err := zerolog.ParseLevel(c.LogLevel)
			if err != nil {
				return fmt.Errorf("log level %q: %w", c.LogLevel, err)
			}
			zerolog.SetGlobalLevel(level)
			cfg = c
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch cfg.Mode {
			case "host":
				return runHost(cmd.Context(), cfg)
			case "client":
				return runJoin(cmd.Context(), cfg, domain.RoomID(cfg.Room.ID))
			default:
				return cmd.Help()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.String("config-env", "", "config file suffix, reads config/config.<env>.yaml")
	pf.String("log-level", "info", "zerolog level")
	pf.String("rendezvous", "", "rendezvous server, host:port or ws:// url")
	pf.String("bind-ip", "", "local ip for the data-plane sockets")
	pf.Uint16("send-port", 0, "local send port, 0 picks one")
	pf.Uint16("recv-port", 0, "local receive port, 0 picks one")
	pf.String("stun", "", "stun server used to learn the advertised ports")
	pf.Duration("keep-alive", 0, "keep-alive interval per peer")
	pf.Int("queue-size", 0, "outbound queue size per peer")
	pf.Uint64("evict-after", 0, "drop a broadcast subscriber after this many lagged messages")

	root.AddCommand(newHostCmd(), newJoinCmd(), newRendezvousCmd())
	return root
}

func newHostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Create a room and relay state to everyone who joins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Mode = "host"
			return runHost(cmd.Context(), cfg)
		},
	}
	cmd.Flags().Int("max-clients", 0, "room capacity including the host")
	return cmd
}

func newJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <room-id>",
		Short: "Join a room and exchange state with its host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Mode = "client"
			cfg.Room.ID = args[0]
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runJoin(cmd.Context(), cfg, domain.RoomID(args[0]))
		},
	}
}
