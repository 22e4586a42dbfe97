// Package p2p runs the libp2p host every other transport rides on: a
// persistent identity, mDNS discovery on the LAN, optional bootstrap and
// relay peers, and one GossipSub router.
package p2p

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/host/autorelay"
	"github.com/libp2p/go-libp2p/p2p/net/swarm"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/petervdpas/goopchat/internal/proto"
	"github.com/petervdpas/goopchat/internal/util"
)

var log = logging.Logger("p2p")

func init() {
	// Dial failures and backoff errors go to stderr by default.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("relay", "info")
	logging.SetLogLevel("autorelay", "info")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("pubsub", "warn")
}

type Options struct {
	ListenPort int
	KeyFile    string
	MdnsTag    string
	// Bootstrap peers are multiaddrs including /p2p/<id>; they are kept
	// connected for the node's lifetime.
	Bootstrap []string
	// Relays enable circuit relay, hole punching and auto-relay.
	Relays []string
	// AddrTTL is how long addresses learned from presence stay in the
	// peerstore. Circuit addresses are kept ten times longer.
	AddrTTL time.Duration
}

type Node struct {
	Host   host.Host
	PubSub *pubsub.PubSub

	mdns      mdns.Service
	bootstrap []peer.AddrInfo
	addrTTL   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugf("mdns: connect %s: %v", pi.ID.ShortString(), err)
	}
}

// loadOrCreateKey loads the persistent identity key, or generates an
// Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
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

func parsePeers(addrs []string) ([]peer.AddrInfo, error) {
	out := make([]peer.AddrInfo, 0, len(addrs))
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		ai, err := peer.AddrInfoFromP2pAddr(a)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		out = append(out, *ai)
	}
	return out, nil
}

func New(ctx context.Context, o Options) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(o.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infof("generated new identity key: %s", o.KeyFile)
	} else {
		log.Infof("loaded identity key: %s", o.KeyFile)
	}

	bootstrap, err := parsePeers(o.Bootstrap)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	relays, err := parsePeers(o.Relays)
	if err != nil {
		return nil, fmt.Errorf("relays: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", o.ListenPort)),
	}
	if len(relays) > 0 {
		opts = append(opts,
			libp2p.EnableRelay(),
			libp2p.EnableHolePunching(),
			libp2p.EnableAutoRelayWithStaticRelays(relays,
				autorelay.WithBootDelay(0),
				autorelay.WithBackoff(30*time.Second),
			),
		)
		log.Infof("relay: enabled with %d static relay(s)", len(relays))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	tag := o.MdnsTag
	if tag == "" {
		tag = proto.MdnsTag
	}
	md := mdns.NewMdnsService(h, tag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = md.Close()
		_ = h.Close()
		return nil, err
	}

	ttl := o.AddrTTL
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	n := &Node{
		Host:      h,
		PubSub:    ps,
		mdns:      md,
		bootstrap: append(bootstrap, relays...),
		addrTTL:   ttl,
		cancel:    cancel,
	}
	if len(n.bootstrap) > 0 {
		n.wg.Add(1)
		go n.keepBootstrap(loopCtx)
	}

	log.Infof("node %s listening on %v", h.ID().ShortString(), h.Addrs())
	return n, nil
}

func (n *Node) ID() string { return n.Host.ID().String() }

func (n *Node) Close() error {
	n.cancel()
	n.wg.Wait()
	_ = n.mdns.Close()
	return n.Host.Close()
}

// keepBootstrap dials every bootstrap peer that is not connected, on start
// and then every interval.
func (n *Node) keepBootstrap(ctx context.Context) {
	defer n.wg.Done()
	const interval = 30 * time.Second
	for {
		for _, ai := range n.bootstrap {
			if n.Host.Network().Connectedness(ai.ID) == network.Connected {
				continue
			}
			// Clear dial backoff so a peer that was down gets a fresh attempt.
			if sw, ok := n.Host.Network().(*swarm.Swarm); ok {
				sw.Backoff().Clear(ai.ID)
			}
			cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
			err := n.Host.Connect(cctx, ai)
			cancel()
			if err != nil {
				log.Debugf("bootstrap %s: %v", ai.ID.ShortString(), err)
			} else {
				log.Infof("bootstrap: connected to %s", ai.ID.ShortString())
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// WANAddrs returns the host's addresses without loopback and link-local
// ones. Circuit relay addresses are always included.
func (n *Node) WANAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		if isCircuitAddr(a) {
			out = append(out, a.String())
			continue
		}
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

func isCircuitAddr(a ma.Multiaddr) bool {
	for _, p := range a.Protocols() {
		if p.Code == ma.P_CIRCUIT {
			return true
		}
	}
	return false
}

// AddPeerAddrs stores addresses a peer advertised on the presence topic so
// signaling can dial it.
func (n *Node) AddPeerAddrs(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil || pid == n.Host.ID() {
		return
	}
	var direct, circuit []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, err := manet.ToIP(a); err == nil && (ip.IsLoopback() || ip.IsLinkLocalUnicast()) {
			continue
		}
		if isCircuitAddr(a) {
			circuit = append(circuit, a)
		} else {
			direct = append(direct, a)
		}
	}
	if len(direct) > 0 {
		n.Host.Peerstore().AddAddrs(pid, direct, n.addrTTL)
	}
	if len(circuit) > 0 {
		n.Host.Peerstore().AddAddrs(pid, circuit, n.addrTTL*10)
	}
}
