// Package fastdownload implements C5, the fast downloader: continuous
// pubsub subscriptions kept open for every identity C2 currently scores
// at rank<=1 (spec §4.5). It is grounded on the teacher's P2PHost
// subscription bookkeeping (a mutex-guarded map of live subscriptions,
// one goroutine per topic pumping messages), generalized from the
// teacher's fixed core-topic set to a dynamic, command-driven one
// managed by C7.
package fastdownload

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ParichayaHQ/credence/internal/graphstore"
	"github.com/ParichayaHQ/credence/internal/identityqueue"
	"github.com/ParichayaHQ/credence/internal/netprimitives"
	"github.com/ParichayaHQ/credence/internal/trustgraph"
	"github.com/ParichayaHQ/credence/internal/wlog"
)

// subscriptionCacheSize bounds the live-subscription tracking table;
// spec §4.5 never expects more than a handful of rank<=1 identities in
// practice, this is headroom rather than a load-bearing limit.
const subscriptionCacheSize = 4096

// Stats accumulates C5 activity counters (admin surface).
type Stats struct {
	Subscriptions int
}

// Downloader is C5.
type Downloader struct {
	net   netprimitives.ContinuousUpdates
	queue *identityqueue.Queue
	graph *trustgraph.Graph
	log   *wlog.Logger

	mu     sync.Mutex
	live   *lru.Cache[string, struct{}] // identity ids with an open subscription
	cancel map[string]context.CancelFunc
}

// New creates a fast downloader over net, pushing downloaded files into
// queue and consulting graph for fetch-worthiness races (spec §9 open
// question (c)).
func New(net netprimitives.ContinuousUpdates, queue *identityqueue.Queue, graph *trustgraph.Graph) *Downloader {
	live, _ := lru.New[string, struct{}](subscriptionCacheSize)
	return &Downloader{
		net:    net,
		queue:  queue,
		graph:  graph,
		log:    wlog.New("fastdownload", wlog.LevelInfo),
		live:   live,
		cancel: make(map[string]context.CancelFunc),
	}
}

// Snapshot returns a point-in-time view of C5's activity counters.
func (d *Downloader) Snapshot() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{Subscriptions: len(d.cancel)}
}
