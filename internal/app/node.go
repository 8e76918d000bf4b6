// Package app wires the relay client, the session registry and the
// transfer tracker into one running mesh node.
package app

import (
	"log/slog"

	appevents "github.com/rescp17/dropmesh/internal/app_events"
	"github.com/rescp17/dropmesh/internal/config"
	"github.com/rescp17/dropmesh/pkg/concurrency"
	"github.com/rescp17/dropmesh/pkg/session"
	"github.com/rescp17/dropmesh/pkg/signaling"
	"github.com/rescp17/dropmesh/pkg/transfer"
	dmrtc "github.com/rescp17/dropmesh/pkg/webrtc"
)

// Mesh is what the send and receive controllers need from a node.
type Mesh interface {
	Events() <-chan appevents.AppEvent
	Tracker() *transfer.Tracker
	// Do runs f on the node's event loop and waits for it.
	Do(f func(r *session.Registry)) error
}

// Node connects to the relay on creation and runs until Close.
type Node struct {
	logger   *slog.Logger
	loop     *concurrency.Loop
	channel  *signaling.Channel
	registry *session.Registry
	tracker  *transfer.Tracker
}

var _ Mesh = (*Node)(nil)

func NewNode(cfg config.Config, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		logger:  logger,
		loop:    concurrency.NewLoop(),
		tracker: transfer.NewTracker(nil),
	}

	// Construction runs on the loop so relay messages, which the handlers
	// post onto it, are never handled before the registry exists.
	_ = n.loop.Call(func() {
		n.channel = signaling.New(signaling.Options{
			URL:     cfg.SignalingURL,
			Info:    cfg.Info(),
			ICEMode: cfg.ICEMode,
			Logger:  logger,
		}, signaling.Handlers{
			OnOpen: func() {
				logger.Info("Connected to relay")
			},
			OnMessage: func(msg *signaling.Message) {
				n.loop.Post(func() { n.registry.HandleMessage(msg) })
			},
			OnError: func(err error) {
				n.loop.Post(func() { n.registry.ReportSignalingError(err) })
			},
		})
		n.registry = session.NewRegistry(session.Options{
			Loop:     n.loop,
			Signaler: n.channel,
			Transport: dmrtc.NewWebRTCAPI(dmrtc.APIOptions{
				ForceLoopback: cfg.ForceLoopback,
				DisableMDNS:   cfg.DisableMDNS,
			}),
			Transfer:      cfg.Transfer,
			ForceLoopback: cfg.ForceLoopback,
			AutoConnect:   cfg.AutoConnect,
			Logger:        logger,
		})
	})
	logger.Info("Node started", "relay", n.channel.URL())
	return n
}

func (n *Node) Events() <-chan appevents.AppEvent { return n.registry.Events() }

func (n *Node) Tracker() *transfer.Tracker { return n.tracker }

func (n *Node) RelayURL() string { return n.channel.URL() }

func (n *Node) Do(f func(r *session.Registry)) error {
	return n.loop.Call(func() { f(n.registry) })
}

// Close tears down every session and the relay connection.
func (n *Node) Close() {
	n.channel.Destroy()
	if err := n.loop.Call(n.registry.Destroy); err != nil {
		n.logger.Debug("Loop already closed", "error", err)
	}
	n.loop.Close()
}
