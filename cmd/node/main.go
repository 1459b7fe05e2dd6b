// Package main implements the drone swarm node, which joins the swarm's
// multicast group, takes part in leader election and exposes its view of the
// swarm to operators.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                      │
//	├─────────────────────────────────────────┤
//	│  Swarm:                                 │
//	│    heartbeats    - multicast, 1s        │
//	│    supervisor    - leader election      │
//	│    rmcast        - FIFO + NACK recovery │
//	├─────────────────────────────────────────┤
//	│  HTTP API (read-only):                  │
//	│    /health       - Health check         │
//	│    /info         - Node and peer state  │
//	└─────────────────────────────────────────┘
//
// Configuration (flags default to these variables):
//   - DRONE_GROUP: Multicast group address (default: "224.1.1.1")
//   - DRONE_GROUP_PORT: Multicast port (default: 5007)
//   - DRONE_UNICAST_PORT: First unicast port tried (default: 5008)
//   - DRONE_BIND_IP: Advertised address (default: interface routing to the group)
//   - DRONE_LABEL: Readable node name (default: host name plus id prefix)
//   - DRONE_DIAG_LISTEN: Diagnostics listen address (default: ":8090", empty disables)
//   - DRONE_HEARTBEAT, DRONE_OFFLINE_TIMEOUT, DRONE_VOTING_TIMEOUT,
//     DRONE_CONTROL_INTERVAL: Protocol timing as Go durations
//
// Example usage:
//
//	# Start a node
//	DRONE_LABEL=falcon ./node serve
//
//	# Inspect it
//	./node status --addr http://127.0.0.1:8090
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Jokel64/droneworks/internal/diag"
	"github.com/Jokel64/droneworks/internal/events"
	"github.com/Jokel64/droneworks/internal/swarm"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logFatal("node: %v", err)
	}
}

// serveOptions collects the flags of the serve command.
type serveOptions struct {
	cfg        swarm.Config
	diagListen string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "node",
		Short:         "Drone swarm coordination node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newStatusCmd())
	return root
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{cfg: swarm.DefaultConfig()}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Join the swarm and run until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
	bindServeFlags(cmd, opts)
	return cmd
}

// bindServeFlags registers the serve flags with defaults taken from the
// environment.
func bindServeFlags(cmd *cobra.Command, opts *serveOptions) {
	def := swarm.DefaultConfig()
	f := cmd.Flags()
	f.StringVar(&opts.cfg.GroupAddr, "group", getenv("DRONE_GROUP", def.GroupAddr), "multicast group address")
	f.IntVar(&opts.cfg.GroupPort, "group-port", getenvInt("DRONE_GROUP_PORT", def.GroupPort), "multicast port")
	f.IntVar(&opts.cfg.UnicastPort, "unicast-port", getenvInt("DRONE_UNICAST_PORT", def.UnicastPort), "first unicast port to try")
	f.StringVar(&opts.cfg.BindIP, "bind-ip", getenv("DRONE_BIND_IP", ""), "advertised unicast address")
	f.StringVar(&opts.cfg.Interface, "interface", getenv("DRONE_INTERFACE", ""), "multicast interface name")
	f.StringVar(&opts.cfg.Label, "label", getenv("DRONE_LABEL", ""), "readable node name")
	f.StringVar(&opts.diagListen, "diag-listen", getenv("DRONE_DIAG_LISTEN", ":8090"), "diagnostics listen address, empty disables")
	f.DurationVar(&opts.cfg.HeartbeatInterval, "heartbeat", getenvDuration("DRONE_HEARTBEAT", def.HeartbeatInterval), "heartbeat interval")
	f.DurationVar(&opts.cfg.OfflineTimeout, "offline-timeout", getenvDuration("DRONE_OFFLINE_TIMEOUT", def.OfflineTimeout), "silence before a peer is offline")
	f.DurationVar(&opts.cfg.VotingTimeout, "voting-timeout", getenvDuration("DRONE_VOTING_TIMEOUT", def.VotingTimeout), "election round wait")
	f.DurationVar(&opts.cfg.ControlInterval, "control-interval", getenvDuration("DRONE_CONTROL_INTERVAL", def.ControlInterval), "leader supervision interval")
}

// serve runs a node until ctx is cancelled.
func serve(ctx context.Context, opts *serveOptions) error {
	node, err := swarm.Open(opts.cfg)
	if err != nil {
		return err
	}
	logLeadership(node)

	if err := node.Start(ctx); err != nil {
		_ = node.Stop()
		return err
	}

	var srv *diag.Server
	if opts.diagListen != "" {
		srv = diag.NewServer(opts.diagListen, node)
		srv.Start(func(err error) {
			log.Printf("diag: %v", err)
		})
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("diag shutdown error: %v", err)
		}
	}
	if err := node.Stop(); err != nil {
		return fmt.Errorf("stop node: %w", err)
	}
	log.Println("node stopped")
	return nil
}

// logLeadership logs every leadership event of node.
func logLeadership(node *swarm.Node) {
	h := events.HandlerFunc(func(ev events.Event) {
		log.Printf("node: %s (leader [%s], previous [%s])", ev.Kind, ev.Leader.Short(), ev.Previous.Short())
	})
	for _, k := range []events.Kind{events.SelfElectedLeader, events.LostLeadership, events.NewLeader, events.NoValidLeader} {
		node.Subscribe(k, h)
	}
}

func newStatusCmd() *cobra.Command {
	var (
		addr       string
		onlineOnly bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running node's view of the swarm",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			snap, err := diag.FetchInfo(ctx, addr, onlineOnly)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), snap)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", getenv("DRONE_DIAG_ADDR", "http://127.0.0.1:8090"), "diagnostics base URL")
	cmd.Flags().BoolVar(&onlineOnly, "online", false, "only list online peers")
	return cmd
}

// printStatus renders a snapshot as a short roster. The leader is
// highlighted and offline peers are dimmed.
func printStatus(w io.Writer, snap swarm.Snapshot) {
	bold := color.New(color.Bold)
	leader := color.New(color.FgGreen, color.Bold)
	offline := color.New(color.FgHiBlack)

	bold.Fprintf(w, "%s %s\n", snap.Label, snap.ID)
	fmt.Fprintf(w, "  address: %s:%d\n", snap.Addr, snap.Port)
	fmt.Fprintf(w, "  state:   %s\n", snap.State)
	if snap.Leader == "" {
		fmt.Fprintf(w, "  leader:  none\n")
	} else if snap.IsLeader {
		leader.Fprintf(w, "  leader:  self\n")
	} else {
		fmt.Fprintf(w, "  leader:  %s\n", snap.Leader)
	}
	fmt.Fprintf(w, "  multicast: sent=%d delivered=%d held=%d nacks=%d retransmitted=%d\n",
		snap.Multicast.Sent, snap.Multicast.Delivered, snap.Multicast.HeldBack,
		snap.Multicast.NegativeAcksSent, snap.Multicast.Retransmitted)
	fmt.Fprintf(w, "  elections: started=%d won=%d lost=%d\n",
		snap.Election.RoundsStarted, snap.Election.RoundsWon, snap.Election.RoundsLost)

	fmt.Fprintf(w, "peers (%d):\n", len(snap.Peers))
	for _, p := range snap.Peers {
		line := fmt.Sprintf("  %-36s %-20s %s:%d  seen %.1fs ago  hb=%d", p.ID, p.Label, p.Addr, p.Port, p.LastSeen, p.Heartbeats)
		switch {
		case p.Leader:
			leader.Fprintln(w, line+"  [leader]")
		case !p.Online:
			offline.Fprintln(w, line+"  [offline]")
		default:
			fmt.Fprintln(w, line)
		}
	}
}

// getenv retrieves an environment variable with a fallback default value.
// Empty values are treated as unset.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getenvInt is getenv for integers. Unparsable values fall back to def.
func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("ignoring %s=%q: %v", k, v, err)
		return def
	}
	return n
}

// getenvDuration is getenv for time.Duration values such as "750ms".
func getenvDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("ignoring %s=%q: %v", k, v, err)
		return def
	}
	return d
}
