// Package app wires configuration, the signaling backend, the media
// gateway, call components and history into one runnable node. The cmd
// layer stays thin: it parses flags and calls into here.
package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pion/rtp"

	"github.com/stayline/callwire/internal/bootstrap"
	"github.com/stayline/callwire/internal/call"
	"github.com/stayline/callwire/internal/config"
	"github.com/stayline/callwire/internal/history"
	"github.com/stayline/callwire/internal/media"
	"github.com/stayline/callwire/internal/signal"
	"github.com/stayline/callwire/internal/util"
)

// Options for bringing a node up.
type Options struct {
	DataDir string
	CfgPath string
	Cfg     config.Config
}

// App is a running node: signaling connected, devices ready, inbox
// listening, history open.
type App struct {
	Cfg      config.Config
	Identity string

	node     *bootstrap.Node // nil when the ws backend is active
	channel  signal.Channel
	gateway  media.Gateway
	dialer   *call.Dialer
	listener *call.Listener
	recorder *history.Recorder

	stopWatch func()
}

// New brings the whole node up. Callers own the returned App and must
// Close it.
func New(ctx context.Context, opt Options) (*App, error) {
	cfg := opt.Cfg
	a := &App{Cfg: cfg}

	if err := a.startChannel(ctx, opt); err != nil {
		return nil, err
	}

	a.Identity = strings.TrimSpace(cfg.Identity.ID)
	if a.Identity == "" {
		if a.node == nil {
			a.teardown()
			return nil, fmt.Errorf("identity.id is required with the ws backend")
		}
		a.Identity = a.node.Identity()
	}

	rec, err := history.Open(util.ResolvePath(opt.DataDir, cfg.History.DBPath))
	if err != nil {
		a.teardown()
		return nil, err
	}
	a.recorder = rec

	popts := media.PionOptions{
		DisconnectedTimeout: time.Duration(cfg.Call.DisconnectedTimeoutSec) * time.Second,
		FailedTimeout:       time.Duration(cfg.Call.FailedTimeoutSec) * time.Second,
		KeepAliveInterval:   time.Duration(cfg.Call.KeepAliveIntervalSec) * time.Second,
	}
	gw, err := media.NewPionGateway(popts)
	if err != nil {
		a.teardown()
		return nil, fmt.Errorf("media gateway: %w", err)
	}
	a.gateway = gw

	copts := call.Options{
		RingTimeout:   time.Duration(cfg.Call.RingTimeoutSec) * time.Second,
		ICEServers:    cfg.Call.ICEServers,
		OnRemoteTrack: a.drainTrack,
		OnHistory:     a.record,
	}
	a.dialer = call.NewDialer(a.channel, gw, a.Identity, cfg.Identity.DisplayName, copts)

	lst, err := call.NewListener(a.channel, gw, a.Identity, copts)
	if err != nil {
		a.teardown()
		return nil, err
	}
	a.listener = lst

	if opt.CfgPath != "" {
		stop, err := config.Watch(opt.CfgPath, a.applyConfig)
		if err != nil {
			log.Printf("APP: config watch disabled: %v", err)
		} else {
			a.stopWatch = stop
		}
	}

	log.Printf("APP: ready as %s (backend=%s)", a.Identity, cfg.Signal.Backend)
	return a, nil
}

func (a *App) startChannel(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	switch cfg.Signal.Backend {
	case "ws":
		ch, err := signal.DialWS(ctx, cfg.Signal.ServerURL)
		if err != nil {
			return fmt.Errorf("dial signal relay: %w", err)
		}
		a.channel = ch
		return nil
	default:
		node, err := bootstrap.Connect(ctx, bootstrap.Options{
			ListenPort:     cfg.P2P.ListenPort,
			KeyFile:        util.ResolvePath(opt.DataDir, cfg.Identity.KeyFile),
			MdnsTag:        cfg.P2P.MdnsTag,
			BootstrapPeers: cfg.P2P.BootstrapPeers,
		})
		if err != nil {
			return err
		}
		a.node = node
		a.channel = node.Channel
		return nil
	}
}

// applyConfig handles a config file reload. Only call-level knobs apply
// live; transport and identity changes need a restart.
func (a *App) applyConfig(cfg config.Config) {
	if cfg.Signal != a.Cfg.Signal || cfg.P2P.ListenPort != a.Cfg.P2P.ListenPort {
		log.Printf("APP: transport config changed, restart required to apply")
	}
	a.Cfg.Call = cfg.Call
	ringTimeout := time.Duration(cfg.Call.RingTimeoutSec) * time.Second
	a.dialer.SetCallOptions(ringTimeout, cfg.Call.ICEServers)
	a.listener.SetCallOptions(ringTimeout, cfg.Call.ICEServers)
	log.Printf("APP: call settings applied (ring timeout %ds)", cfg.Call.RingTimeoutSec)
}

// drainTrack keeps an accepted remote track flowing: the sink reads RTP
// and requests keyframes so the sender does not stall on a silent
// receiver.
func (a *App) drainTrack(s *call.Session, t media.Track) {
	go func() {
		err := media.RunSink(context.Background(), t, func(*rtp.Packet) {})
		if err != nil {
			log.Printf("APP: track sink [%s/%s]: %v", s.ID(), t.Kind, err)
		}
	}()
}

func (a *App) record(sum call.Summary) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultWriteTimeout)
	defer cancel()
	if err := a.recorder.Record(ctx, sum); err != nil {
		log.Printf("APP: %v", err)
	}
}

// Dialer exposes outbound calling.
func (a *App) Dialer() *call.Dialer { return a.dialer }

// OnIncoming registers an inbound call handler.
func (a *App) OnIncoming(fn func(*call.IncomingCall)) { a.listener.OnIncoming(fn) }

// History exposes the recorder for listing.
func (a *App) History() *history.Recorder { return a.recorder }

// Diag returns node diagnostics, or nil with the ws backend.
func (a *App) Diag() *bootstrap.Diag {
	if a.node == nil {
		return nil
	}
	d := a.node.DiagSnapshot()
	return &d
}

func (a *App) teardown() {
	if a.stopWatch != nil {
		a.stopWatch()
	}
	if a.listener != nil {
		a.listener.Close()
	}
	if a.recorder != nil {
		_ = a.recorder.Close()
	}
	if a.node != nil {
		_ = a.node.Close()
	} else if a.channel != nil {
		_ = a.channel.Close()
	}
}

// Close releases everything. Active sessions observe the channel closing
// and terminate on their own timeouts; hang up first for a clean end.
func (a *App) Close() {
	a.teardown()
	log.Printf("APP: stopped")
}
