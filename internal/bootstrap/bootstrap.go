// Package bootstrap brings up the networking substrate for signaling: a
// libp2p host with a persistent identity, LAN discovery over mDNS,
// gossipsub, and the signal channel on top. Startup retries with bounded
// exponential backoff so a node launched before its network is ready
// still comes up.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/stayline/callwire/internal/signal"
	"github.com/stayline/callwire/internal/util"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// ErrBootstrapFailed means the substrate could not be brought up within
// the attempt budget.
var ErrBootstrapFailed = errors.New("bootstrap: failed")

const (
	connectAttempts = 5
	backoffBase     = 500 * time.Millisecond
	backoffMax      = 8 * time.Second

	diagCapacity = 128
)

// Options configures Connect.
type Options struct {
	ListenPort     int
	KeyFile        string
	MdnsTag        string
	BootstrapPeers []string
}

// Node is the running substrate: host, pubsub and the signal channel.
type Node struct {
	Host    host.Host
	PubSub  *pubsub.PubSub
	Channel *signal.PubSubChannel

	mdns    mdns.Service
	diag    *util.RingBuffer[string]
	started time.Time
}

type mdnsNotifee struct {
	h    host.Host
	diag *util.RingBuffer[string]
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err == nil {
		n.diag.Push(fmt.Sprintf("%s mdns: connected %s", time.Now().Format(time.RFC3339), pi.ID))
	}
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// Connect brings the substrate up, retrying transient failures with
// exponential backoff. After the attempt budget it returns
// ErrBootstrapFailed wrapping the last error.
func Connect(ctx context.Context, opts Options) (*Node, error) {
	bo := util.Backoff{Base: backoffBase, Max: backoffMax}
	var lastErr error
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if attempt > 0 {
			d := bo.Delay(attempt - 1)
			log.Printf("BOOT: attempt %d failed, retrying in %s: %v", attempt, d, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d):
			}
		}
		n, err := connect(ctx, opts)
		if err == nil {
			return n, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", ErrBootstrapFailed, lastErr)
}

func connect(ctx context.Context, opts Options) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("BOOT: generated new identity key: %s", opts.KeyFile)
	} else {
		log.Printf("BOOT: loaded identity key: %s", opts.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	)
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}

	n := &Node{
		Host:    h,
		diag:    util.NewRingBuffer[string](diagCapacity),
		started: time.Now(),
	}

	md := mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h, diag: n.diag})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("start mdns: %w", err)
	}
	n.mdns = md

	n.dialBootstrapPeers(ctx, opts.BootstrapPeers)

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = md.Close()
		_ = h.Close()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}
	n.PubSub = ps

	ch, err := signal.NewPubSubChannel(ctx, h, ps)
	if err != nil {
		_ = md.Close()
		_ = h.Close()
		return nil, fmt.Errorf("join signal topics: %w", err)
	}
	n.Channel = ch

	log.Printf("BOOT: node up, peer id %s", h.ID())
	n.diag.Push(fmt.Sprintf("%s boot: node up as %s", time.Now().Format(time.RFC3339), h.ID()))
	return n, nil
}

// dialBootstrapPeers dials the configured multiaddrs. Failures are logged
// and recorded, never fatal: mDNS or gossip can still find a path.
func (n *Node) dialBootstrapPeers(ctx context.Context, addrs []string) {
	for _, raw := range addrs {
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			log.Printf("BOOT: bad bootstrap addr %q: %v", raw, err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Printf("BOOT: bootstrap addr %q has no peer id: %v", raw, err)
			continue
		}
		dctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		err = n.Host.Connect(dctx, *pi)
		cancel()
		if err != nil {
			log.Printf("BOOT: bootstrap dial %s: %v", pi.ID, err)
			n.diag.Push(fmt.Sprintf("%s boot: dial %s failed: %v", time.Now().Format(time.RFC3339), pi.ID, err))
			continue
		}
		n.diag.Push(fmt.Sprintf("%s boot: connected bootstrap %s", time.Now().Format(time.RFC3339), pi.ID))
	}
}

// Identity returns the host's peer id string, the default call identity.
func (n *Node) Identity() string {
	return n.Host.ID().String()
}

// Diag is the node status snapshot.
type Diag struct {
	PeerID    string   `json:"peer_id"`
	Addrs     []string `json:"addrs"`
	Peers     int      `json:"peers"`
	UptimeSec int64    `json:"uptime_sec"`
	Events    []string `json:"events"`
}

// DiagSnapshot reports current connectivity plus the recent event log.
func (n *Node) DiagSnapshot() Diag {
	addrs := make([]string, 0, len(n.Host.Addrs()))
	for _, a := range n.Host.Addrs() {
		addrs = append(addrs, a.String())
	}
	return Diag{
		PeerID:    n.Host.ID().String(),
		Addrs:     addrs,
		Peers:     len(n.Host.Network().Peers()),
		UptimeSec: int64(time.Since(n.started).Seconds()),
		Events:    n.diag.Snapshot(),
	}
}

// Close shuts the substrate down in reverse start order.
func (n *Node) Close() error {
	if n.Channel != nil {
		_ = n.Channel.Close()
	}
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	return n.Host.Close()
}
