package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	dnssdlog "github.com/brutella/dnssd/log"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/fang"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rescp17/dropmesh/internal/app"
	appevents "github.com/rescp17/dropmesh/internal/app_events"
	"github.com/rescp17/dropmesh/internal/config"
	"github.com/rescp17/dropmesh/internal/util"
	"github.com/rescp17/dropmesh/pkg/discovery"
	"github.com/rescp17/dropmesh/pkg/fileInfo"
	"github.com/rescp17/dropmesh/pkg/receiver"
	"github.com/rescp17/dropmesh/pkg/sender"
	"github.com/rescp17/dropmesh/pkg/session"
	"github.com/rescp17/dropmesh/pkg/signaling"
	"github.com/rescp17/dropmesh/pkg/ui"
)

type globalFlags struct {
	relay         string
	iceMode       string
	alias         string
	forceLoopback bool
	noMDNS        bool
	discover      bool
	logFile       string
	verbose       bool
	plain         bool
}

func main() {
	var flags globalFlags
	var logCloser io.Closer

	cmd := &cobra.Command{
		Use:   "dropmesh",
		Short: "Peer-to-peer file drops over WebRTC data channels",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := setupLogging(flags.logFile, flags.verbose)
			logCloser = c
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logCloser != nil {
				if err := logCloser.Close(); err != nil {
					slog.Warn("failed to close log file", "error", err)
				}
			}
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.relay, "relay", "", "Signaling relay address (host, http(s) or ws(s) URL)")
	pf.StringVar(&flags.iceMode, "ice", "", "ICE server source: server, stun or none")
	pf.StringVar(&flags.alias, "alias", "", "Name shown to other peers")
	pf.BoolVar(&flags.forceLoopback, "force-loopback", false, "Use loopback candidates for same-host testing")
	pf.BoolVar(&flags.noMDNS, "no-mdns", false, "Gather raw host addresses instead of .local names")
	pf.BoolVar(&flags.discover, "discover", false, "Look up the relay on the local network via mDNS")
	pf.StringVar(&flags.logFile, "log-file", "dropmesh.log", "File to write logs to")
	pf.BoolVar(&flags.verbose, "verbose", false, "Log at debug level")
	pf.BoolVar(&flags.plain, "plain", false, "Print plain lines instead of the interactive view")

	cmd.AddCommand(newSendCmd(&flags), newReceiveCmd(&flags), newPeersCmd(&flags), newAnnounceCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := fang.Execute(ctx, cmd); err != nil {
		stop()
		os.Exit(1)
	}
}

func setupLogging(path string, verbose bool) (io.Closer, error) {
	dnssdlog.Info.SetOutput(io.Discard)
	dnssdlog.Debug.SetOutput(io.Discard)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})))
	log.SetOutput(f)
	return f, nil
}

// loadConfig merges environment and flags, then resolves the relay.
func loadConfig(ctx context.Context, cmd *cobra.Command, flags *globalFlags) (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return cfg, err
	}
	fs := cmd.Flags()
	if fs.Changed("relay") {
		cfg.SignalingURL = flags.relay
	}
	if fs.Changed("ice") {
		mode, err := signaling.ParseICEMode(flags.iceMode)
		if err != nil {
			return cfg, err
		}
		cfg.ICEMode = mode
	}
	if fs.Changed("alias") {
		cfg.Alias = flags.alias
	}
	if fs.Changed("force-loopback") {
		cfg.ForceLoopback = flags.forceLoopback
	}
	if fs.Changed("no-mdns") {
		cfg.DisableMDNS = flags.noMDNS
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	if flags.discover && cfg.SignalingURL == "" {
		lookupCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		endpoint, err := discovery.FindRelay(lookupCtx, &discovery.MDNSAdapter{})
		if err != nil {
			return cfg, fmt.Errorf("discovering relay: %w", err)
		}
		slog.Info("Discovered relay", "endpoint", endpoint)
		cfg.SignalingURL = endpoint
	}
	return cfg, nil
}

// runController drives a controller and renders its messages until it
// finishes or the user quits.
func runController(ctx context.Context, ctrl ui.AppController, mode ui.Mode, node *app.Node, plain bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Run(ctx)
	})

	if plain || !isatty.IsTerminal(os.Stdout.Fd()) {
		g.Go(func() error {
			return ui.Print(os.Stdout, ctrl.UIMessages())
		})
		return g.Wait()
	}

	g.Go(func() error {
		defer cancel()
		model := ui.NewModel(mode, node.RelayURL(), ctrl.UIMessages(), node.Tracker())
		if _, err := tea.NewProgram(model, tea.WithContext(ctx)).Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return err
		}
		return nil
	})
	return g.Wait()
}

func newSendCmd(flags *globalFlags) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "send FILE...",
		Short: "Send files to one peer or to every connected peer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx, cmd, flags)
			if err != nil {
				return err
			}

			files, closeFiles, err := fileInfo.OpenFiles(args...)
			if err != nil {
				return err
			}
			defer func() {
				if err := closeFiles(); err != nil {
					slog.Warn("failed to close files", "error", err)
				}
			}()

			node := app.NewNode(cfg, slog.Default())
			defer node.Close()

			ctrl := sender.NewApp(node, files, target, slog.Default())
			return runController(ctx, ctrl, ui.Sender, node, flags.plain)
		},
	}
	cmd.Flags().StringVar(&target, "to", sender.TargetAll, "Peer id to send to, or \"all\"")
	return cmd
}

func newReceiveCmd(flags *globalFlags) *cobra.Command {
	var (
		outDir string
		count  int
	)
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Wait for files and save them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx, cmd, flags)
			if err != nil {
				return err
			}

			node := app.NewNode(cfg, slog.Default())
			defer node.Close()

			ctrl, err := receiver.NewApp(node, outDir, count, slog.Default())
			if err != nil {
				return err
			}
			return runController(ctx, ctrl, ui.Receiver, node, flags.plain)
		},
	}
	cmd.Flags().StringVar(&outDir, "out", ".", "Directory received files are written to")
	cmd.Flags().IntVar(&count, "count", 0, "Exit after this many files (0 runs until interrupted)")
	return cmd
}

func newPeersCmd(flags *globalFlags) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List the identities currently on the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig(ctx, cmd, flags)
			if err != nil {
				return err
			}
			cfg.AutoConnect = false

			node := app.NewNode(cfg, slog.Default())
			defer node.Close()

			self, err := awaitRegistration(ctx, node, wait)
			if err != nil {
				return err
			}
			var peers []signaling.Peer
			if err := node.Do(func(r *session.Registry) { peers = r.Peers() }); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n\n", ui.TitleStyle.Render("You are"), self.ID)
			fmt.Fprintln(out, ui.TitleStyle.Render(util.PadRight("ID", 38)+util.PadRight("ALIAS", 24)+"DEVICE"))
			for _, p := range peers {
				fmt.Fprintln(out, util.PadRight(p.ID, 38)+util.PadRight(p.Alias, 24)+p.DeviceType)
			}
			if len(peers) == 0 {
				fmt.Fprintln(out, ui.MutedStyle.Render("No other peers."))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "How long to wait for the relay")
	return cmd
}

func awaitRegistration(ctx context.Context, node *app.Node, wait time.Duration) (signaling.Peer, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return signaling.Peer{}, fmt.Errorf("relay %s did not register us: %w", node.RelayURL(), ctx.Err())
		case ev, ok := <-node.Events():
			if !ok {
				return signaling.Peer{}, session.ErrDestroyed
			}
			if e, ok := ev.(appevents.Registered); ok {
				return e.Self, nil
			}
		}
	}
}

func newAnnounceCmd() *cobra.Command {
	var info discovery.ServiceInfo
	cmd := &cobra.Command{
		Use:   "announce",
		Short: "Advertise a relay running on this host via mDNS",
		RunE: func(cmd *cobra.Command, args []string) error {
			info.Type = discovery.DefaultServiceType
			info.Domain = discovery.DefaultDomain
			fmt.Fprintf(cmd.OutOrStdout(), "Announcing %s on port %d, press ctrl + c to stop\n", info.Name, info.Port)
			return (&discovery.MDNSAdapter{}).Announce(cmd.Context(), info)
		},
	}
	host, err := os.Hostname()
	if err != nil {
		host = "dropmesh-relay"
	}
	cmd.Flags().StringVar(&info.Name, "name", host, "Instance name")
	cmd.Flags().IntVar(&info.Port, "port", 9000, "Relay port")
	cmd.Flags().StringVar(&info.Path, "path", signaling.DefaultPath, "Relay WebSocket path")
	return cmd
}
