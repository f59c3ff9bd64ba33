package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	log "github.com/sirupsen/logrus"

	cliconfig "github.com/coda-network/node/cmd/config"
	"github.com/coda-network/node/core"
)

func main() {
	root := &cobra.Command{Use: "node", Short: "decentralized ledger p2p node"}
	root.AddCommand(startCmd())
	root.AddCommand(recordCmd())
	root.AddCommand(replayCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	var env string
	var recordPath string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the node and its debug/metrics server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cliconfig.LoadConfig(env)
			cfg := cliconfig.AppConfig

			sup, err := core.NewNodeSupervisor(core.Config{
				ListenAddr:     cfg.Network.ListenAddr,
				BootstrapPeers: cfg.Network.BootstrapPeers,
				DiscoveryTag:   cfg.Network.DiscoveryTag,
			})
			if err != nil {
				return fmt.Errorf("start node: %w", err)
			}
			defer sup.Close()

			sup.SetSessionLimits(core.SessionLimits{
				MessageSizeLimit:      cfg.P2P.MessageSizeLimit,
				PendingOutgoingLimit:  cfg.P2P.PendingOutgoingLimit,
				MaxStreams:            cfg.P2P.MaxStreams,
				WindowRefillThreshold: uint32(cfg.P2P.WindowRefillThreshold),
				WindowRefillAmount:    uint32(cfg.P2P.WindowRefillAmount),
			})

			if recordPath != "" {
				f, err := os.Create(recordPath)
				if err != nil {
					return fmt.Errorf("open record file: %w", err)
				}
				defer f.Close()
				sup.Dispatcher().EnableRecording(f)
				log.WithField("path", recordPath).Info("recording actions")
			}

			debugAddr := cfg.P2P.DebugAddr
			if debugAddr == "" {
				debugAddr = "127.0.0.1:9090"
			}
			dbg := core.NewDebugServer(debugAddr, sup.Registry(), sup.SyncState())
			go func() {
				if err := dbg.ListenAndServe(); err != nil {
					log.WithError(err).Warn("debug server stopped")
				}
			}()
			log.WithField("addr", debugAddr).Info("debug server listening")

			// Periodic housekeeping: fold discovered peers into the sync
			// coordinator's ready set and keep idle sessions alive.
			go func() {
				tick := time.NewTicker(30 * time.Second)
				defer tick.Stop()
				var seq int32
				for range tick.C {
					sup.RefreshReadyPeers()
					seq++
					sup.PingAll(seq)
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			log.Info("shutting down")
			return dbg.Close()
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config environment name")
	cmd.Flags().StringVar(&recordPath, "record", "", "append every applied action to this file as JSON lines")
	return cmd
}

// recordCmd is a thin alias documenting that recording is a start-time flag,
// not a separate run mode — kept as its own command so operators scripting
// against this binary have a stable subcommand name to grep for.
func recordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "record",
		Short: "alias: use 'start --record <path>' to capture an action log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("use: node start --record <path>")
		},
	}
}

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <path>",
		Short: "replay a captured action log against a fresh state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open action log: %w", err)
			}
			defer f.Close()

			state := core.NewState()
			errPolicy := core.NewErrorPolicy(noopScheduler{}, nil)
			pings, err := core.NewOutstandingPings(1024)
			if err != nil {
				return fmt.Errorf("replay: %w", err)
			}
			d := core.NewDispatcher(state, core.NewRealClock(), noopTransport{}, noopRPC{}, errPolicy, pings)

			applied, err := core.ReplayActions(d, f)
			if err != nil {
				return fmt.Errorf("replay: %w", err)
			}
			fmt.Printf("replayed %d actions\n", applied)
			return nil
		},
	}
	return cmd
}

// noopTransport/noopRPC/noopScheduler let replay drive the reducers and
// enabling-condition logic deterministically without a live network —
// replay is for inspecting state transitions, not re-sending bytes.
type noopTransport struct{}

func (noopTransport) Send(core.ConnAddr, core.Frame) error { return nil }

type noopRPC struct{}

func (noopRPC) SendQuery(core.PeerID, core.LedgerQuery) (string, error) { return "", nil }

type noopScheduler struct{}

func (noopScheduler) Disconnect(core.ConnAddr, error) {}
