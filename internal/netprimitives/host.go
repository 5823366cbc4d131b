package netprimitives

import (
	"context"
	"fmt"
	"sync"
	"time"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"

	"github.com/ParichayaHQ/credence/internal/wlog"
)

// Config configures a Host (spec §9's network collaborators: the
// continuous-update subscription stream and the edition lookup).
type Config struct {
	ListenAddrs    []multiaddr.Multiaddr
	BootstrapPeers []multiaddr.Multiaddr
	ProtocolPrefix string // default "/wot"
	DHTBootstrap   time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProtocolPrefix == "" {
		c.ProtocolPrefix = "/wot"
	}
	if c.DHTBootstrap <= 0 {
		c.DHTBootstrap = 30 * time.Second
	}
	return c
}

type topicSub struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	ch    chan Update
	stop  chan struct{}
}

// Host is the libp2p-backed implementation of ContinuousUpdates and
// EditionLookup, built from the same host/pubsub/DHT triple the
// teacher's P2PHost assembles, repurposed here from
// event/checkpoint/blob topics to one continuous-update topic per
// identity and a DHT value store keyed by (identity id, edition).
type Host struct {
	cfg Config
	log *wlog.Logger

	host   host.Host
	pubsub *pubsub.PubSub
	dht    *dht.IpfsDHT

	mu   sync.Mutex
	subs map[string]*topicSub
}

// New wraps an already-constructed libp2p host with GossipSub and a
// Kademlia DHT scoped to cfg.ProtocolPrefix.
func New(ctx context.Context, h host.Host, cfg Config) (*Host, error) {
	cfg = cfg.withDefaults()

	kad, err := dht.New(ctx, h, dht.Mode(dht.ModeAuto), dht.ProtocolPrefix(protocol.ID(cfg.ProtocolPrefix)))
	if err != nil {
		return nil, fmt.Errorf("netprimitives: create dht: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h, pubsub.WithMessageSigning(true))
	if err != nil {
		kad.Close()
		return nil, fmt.Errorf("netprimitives: create gossipsub: %w", err)
	}

	n := &Host{
		cfg:    cfg,
		log:    wlog.New("netprimitives", wlog.LevelInfo),
		host:   h,
		pubsub: ps,
		dht:    kad,
		subs:   make(map[string]*topicSub),
	}

	for _, addr := range cfg.BootstrapPeers {
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			continue
		}
		connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := h.Connect(connCtx, *pi); err != nil {
			n.log.Warn("bootstrap peer connect failed", wlog.Fields{"peer": pi.ID.String(), "error": err.Error()})
		}
		cancel()
	}
	bootCtx, cancel := context.WithTimeout(ctx, cfg.DHTBootstrap)
	defer cancel()
	if err := kad.Bootstrap(bootCtx); err != nil {
		n.log.Warn("dht bootstrap failed", wlog.Fields{"error": err.Error()})
	}

	return n, nil
}

// Subscribe implements ContinuousUpdates.
func (n *Host) Subscribe(ctx context.Context, identityID string) (<-chan Update, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if existing, ok := n.subs[identityID]; ok {
		return existing.ch, nil
	}

	topicName := IdentityTopic(identityID)
	topic, err := n.pubsub.Join(topicName)
	if err != nil {
		return nil, fmt.Errorf("netprimitives: join %s: %w", topicName, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		topic.Close()
		return nil, fmt.Errorf("netprimitives: subscribe %s: %w", topicName, err)
	}

	ts := &topicSub{
		topic: topic,
		sub:   sub,
		ch:    make(chan Update, 8),
		stop:  make(chan struct{}),
	}
	n.subs[identityID] = ts
	go n.pump(identityID, ts)
	return ts.ch, nil
}

func (n *Host) pump(identityID string, ts *topicSub) {
	defer close(ts.ch)
	for {
		msg, err := ts.sub.Next(context.Background())
		if err != nil {
			return // subscription cancelled by Unsubscribe or Close
		}
		select {
		case <-ts.stop:
			return
		default:
		}
		update, err := decodeUpdate(identityID, msg.Data)
		if err != nil {
			n.log.Warn("dropping malformed update", wlog.Fields{"identity_id": identityID, "error": err.Error()})
			continue
		}
		select {
		case ts.ch <- update:
		case <-ts.stop:
			return
		}
	}
}

// Unsubscribe implements ContinuousUpdates.
func (n *Host) Unsubscribe(identityID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	ts, ok := n.subs[identityID]
	if !ok {
		return nil
	}
	close(ts.stop)
	ts.sub.Cancel()
	if err := ts.topic.Close(); err != nil {
		return fmt.Errorf("netprimitives: close topic for %s: %w", identityID, err)
	}
	delete(n.subs, identityID)
	return nil
}

// Publish implements ContinuousUpdates.
func (n *Host) Publish(ctx context.Context, identityID string, edition int64, data []byte) error {
	n.mu.Lock()
	ts, ok := n.subs[identityID]
	n.mu.Unlock()

	payload := encodeUpdate(edition, data)
	if ok {
		return ts.topic.Publish(ctx, payload)
	}
	// No local subscription (own identities are not self-subscribed);
	// join transiently long enough to publish.
	topicName := IdentityTopic(identityID)
	topic, err := n.pubsub.Join(topicName)
	if err != nil {
		return fmt.Errorf("netprimitives: join %s for publish: %w", topicName, err)
	}
	defer topic.Close()
	return topic.Publish(ctx, payload)
}

// Get implements EditionLookup.
func (n *Host) Get(ctx context.Context, identityID string, edition int64) ([]byte, error) {
	val, err := n.dht.GetValue(ctx, EditionKey(identityID, edition))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEditionNotFound, err)
	}
	return val, nil
}

// Put implements EditionLookup.
func (n *Host) Put(ctx context.Context, identityID string, edition int64, data []byte) error {
	if err := n.dht.PutValue(ctx, EditionKey(identityID, edition), data); err != nil {
		return fmt.Errorf("netprimitives: put %s@%d: %w", identityID, edition, err)
	}
	return nil
}

// Close releases the DHT and host resources.
func (n *Host) Close() error {
	n.mu.Lock()
	for id, ts := range n.subs {
		close(ts.stop)
		ts.sub.Cancel()
		ts.topic.Close()
		delete(n.subs, id)
	}
	n.mu.Unlock()

	if err := n.dht.Close(); err != nil {
		return err
	}
	return n.host.Close()
}
