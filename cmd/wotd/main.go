// Command wotd is the Web-of-Trust daemon: it opens the graph store,
// wires C2 through C9 together, and serves the admin HTTP surface until
// signaled to stop. Grounded on cmd/fullnode and cmd/scorer's daemon
// shape (flag+env config, log.Fatalf on fatal startup error, graceful
// shutdown on SIGINT/SIGTERM) and internal/p2p's libp2p host
// construction.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p"
	"github.com/multiformats/go-multiaddr"

	"github.com/ParichayaHQ/credence/internal/adminhttp"
	"github.com/ParichayaHQ/credence/internal/downloadctrl"
	"github.com/ParichayaHQ/credence/internal/fastdownload"
	"github.com/ParichayaHQ/credence/internal/graphstore"
	"github.com/ParichayaHQ/credence/internal/identityproc"
	"github.com/ParichayaHQ/credence/internal/identityqueue"
	"github.com/ParichayaHQ/credence/internal/inserter"
	"github.com/ParichayaHQ/credence/internal/netprimitives"
	"github.com/ParichayaHQ/credence/internal/slowdownload"
	"github.com/ParichayaHQ/credence/internal/subscriptions"
	"github.com/ParichayaHQ/credence/internal/trustgraph"
	"github.com/ParichayaHQ/credence/internal/wotmodel"
)

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	var (
		dataDir    = flag.String("data", getEnvOrDefault("WOTD_DATA_DIR", "./wotd-data"), "graph store and queue directory")
		listenAddr = flag.String("listen", getEnvOrDefault("WOTD_LISTEN_ADDR", "/ip4/0.0.0.0/tcp/4101"), "libp2p listen multiaddr")
		adminAddr  = flag.String("admin", getEnvOrDefault("WOTD_ADMIN_ADDR", "0.0.0.0:8090"), "admin HTTP listen address")
		debugIncr  = flag.Bool("debug-incremental", os.Getenv("WOTD_DEBUG_INCREMENTAL") == "1", "force full score recomputation every run (debugging C2's incremental path)")
	)
	flag.Parse()

	log.Printf("starting wotd, data dir %s", *dataDir)

	store, err := graphstore.Open(*dataDir + "/graph")
	if err != nil {
		log.Fatalf("open graph store: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Upgrade(ctx); err != nil {
		log.Fatalf("upgrade graph store: %v", err)
	}

	clk := clock.New()
	graph := trustgraph.New(store, clk, *debugIncr)
	notifier := subscriptions.New()
	graph.SetNotifier(notifier)

	queue, err := identityqueue.Open(*dataDir+"/queue", *dataDir+"/queue-dump")
	if err != nil {
		log.Fatalf("open identity queue: %v", err)
	}
	defer queue.Close()

	proc := identityproc.New(queue, graph, clk, 0)
	procWake := make(chan struct{}, 1)

	listenMA, err := multiaddr.NewMultiaddr(*listenAddr)
	if err != nil {
		log.Fatalf("parse listen addr: %v", err)
	}
	host, err := libp2p.New(libp2p.ListenAddrs(listenMA), libp2p.EnableNATService(), libp2p.EnableRelay())
	if err != nil {
		log.Fatalf("create libp2p host: %v", err)
	}
	defer host.Close()
	log.Printf("libp2p peer id %s", host.ID().String())

	net, err := netprimitives.New(ctx, host, netprimitives.Config{})
	if err != nil {
		log.Fatalf("create network primitives: %v", err)
	}
	defer net.Close()

	fast := fastdownload.New(net, queue, graph)
	slow := slowdownload.New(net, queue, store)
	ctrl := downloadctrl.New(store, graph, fast, slow)

	ins := inserter.New(graph, graph, net, net, clk)

	admin := adminhttp.New(*adminAddr, func() adminhttp.Stats {
		return adminhttp.Stats{
			Queue:     queue.Stats(),
			Processor: proc.Snapshot(),
			Fast:      fast.Snapshot(),
			Slow:      slow.Snapshot(),
			Inserter:  ins.Snapshot(),
		}
	})

	owns, err := graph.ListOwnIdentities(ctx)
	if err != nil {
		log.Fatalf("list own identities: %v", err)
	}
	if len(owns) == 0 {
		if err := bootstrapSeeds(ctx, store); err != nil {
			log.Printf("seed bootstrap failed: %v", err)
		} else {
			ctrl.Wake()
		}
	}

	go proc.Run(ctx, procWake)
	go slow.Run(ctx)
	go ctrl.Run(ctx)
	go ins.Run(ctx)

	errCh := admin.Start()
	log.Printf("admin surface listening on %s", *adminAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("admin server error: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		log.Printf("admin server shutdown error: %v", err)
	}

	cancel()
	proc.Stop()

	log.Println("wotd stopped")
}

// bootstrapSeeds enqueues an edition hint for each operator-configured
// seed request URI (spec §6) so the slow downloader fetches them on the
// first run of an otherwise empty graph.
func bootstrapSeeds(ctx context.Context, store *graphstore.Store) error {
	seeds := wotmodel.SeedIdentityList()
	if len(seeds) == 0 {
		return nil
	}
	tx, err := store.BeginWrite(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, seed := range seeds {
		targetID, err := seed.ID()
		if err != nil {
			log.Printf("skipping malformed seed request uri: %v", err)
			continue
		}
		if err := tx.EnqueueEditionHint(ctx, graphstore.EditionHintRow{
			SourceID:       "seed",
			TargetID:       targetID,
			Edition:        seed.Edition,
			SourceCapacity: 1,
			SourceScore:    1,
			CreatedAt:      now,
		}); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
