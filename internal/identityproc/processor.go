// Package identityproc implements C4, the single-threaded cooperative
// consumer of C3's queue (spec §4.4). It is grounded on the teacher's
// worker-loop shape (cmd/scorer's polling main loop, generalized here to
// a delay-then-drain cycle) combined with internal/p2p's
// interrupt-responsive shutdown pattern.
package identityproc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ParichayaHQ/credence/internal/identityqueue"
	"github.com/ParichayaHQ/credence/internal/identityxml"
	"github.com/ParichayaHQ/credence/internal/metrics"
	"github.com/ParichayaHQ/credence/internal/trustgraph"
	"github.com/ParichayaHQ/credence/internal/wlog"
	"github.com/ParichayaHQ/credence/internal/wotmodel"
)

// Stats accumulates processor activity counters (spec §4.4).
type Stats struct {
	Processed        int64
	Failed           int64
	TotalProcessTime time.Duration
}

// Processor drains identityqueue.Queue into trustgraph.Graph, one file
// per transaction (spec §4.4).
type Processor struct {
	queue *identityqueue.Queue
	graph *trustgraph.Graph
	clock clock.Clock
	log   *wlog.Logger
	delay time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once

	processed atomic.Int64
	failed    atomic.Int64
	procNanos atomic.Int64
}

// New creates a processor. delay is spec §4.4's PROCESSING_DELAY,
// defaulting to wotmodel.ProcessingDelay when zero.
func New(queue *identityqueue.Queue, graph *trustgraph.Graph, clk clock.Clock, delay time.Duration) *Processor {
	if delay <= 0 {
		delay = wotmodel.ProcessingDelay
	}
	return &Processor{
		queue:  queue,
		graph:  graph,
		clock:  clk,
		log:    wlog.New("identityproc", wlog.LevelInfo),
		delay:  delay,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Run is the worker loop: on Wake, sleeps `delay` (giving C3 a window to
// deduplicate) then drains the queue sequentially until empty or
// shutdown is requested. It returns when Stop is called and the current
// drain (if any) has finished — shutdown never aborts mid-file (spec §5
// "Timeouts": "Shutdown waits indefinitely for C4 ... to exit cleanly").
func (p *Processor) Run(ctx context.Context, wake <-chan struct{}) {
	defer close(p.doneCh)
	timer := p.clock.Timer(p.delay)
	defer timer.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.delay)
		case <-timer.C:
			p.drain(ctx)
			timer.Reset(p.delay)
		}
	}
}

// drain processes every currently queued file, checking for shutdown
// between files (spec §4.4).
func (p *Processor) drain(ctx context.Context) {
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		file, found, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.log.Error("dequeue failed", wlog.Fields{"error": err.Error()})
			return
		}
		if !found {
			return
		}
		p.processOne(ctx, file)
	}
}

func (p *Processor) processOne(ctx context.Context, file *identityqueue.QueuedFile) {
	start := p.clock.Now()
	defer func() {
		p.procNanos.Add(int64(p.clock.Now().Sub(start)))
	}()

	parsed, err := identityxml.DecodeIdentity(file.Data)
	if errors.Is(err, identityxml.ErrUnsupportedVersion) {
		return // unknown document versions are dropped without marking the identity
	}
	if err != nil {
		p.failed.Add(1)
		metrics.FilesProcessed.WithLabelValues("parse_failed").Inc()
		if mErr := p.graph.MarkParsingFailed(ctx, file.IdentityID, file.Edition); mErr != nil {
			p.log.Error("mark parsing failed errored", wlog.Fields{"identity_id": file.IdentityID, "error": mErr.Error()})
		}
		p.log.Warn("identity file failed to parse", wlog.Fields{"identity_id": file.IdentityID, "error": err.Error()})
		return
	}

	edges := make([]trustgraph.TrustEdgeImport, 0, len(parsed.Trusts))
	for _, t := range parsed.Trusts {
		edges = append(edges, trustgraph.TrustEdgeImport{Trustee: t.TrusteeURI, Value: t.Value, Comment: t.Comment})
	}
	meta := trustgraph.IdentityMetadata{
		Name:               parsed.Name,
		PublishesTrustList: parsed.PublishesTrustList,
		Contexts:           parsed.Contexts,
		Properties:         parsed.Properties,
	}

	if err := p.graph.ImportOneTrustList(ctx, file.IdentityID, file.Edition, edges, meta); err != nil {
		p.failed.Add(1)
		metrics.FilesProcessed.WithLabelValues("import_failed").Inc()
		p.log.Error("trust list import failed", wlog.Fields{"identity_id": file.IdentityID, "error": err.Error()})
		return
	}
	p.processed.Add(1)
	metrics.FilesProcessed.WithLabelValues("imported").Inc()
}

// Stop requests the worker to finish its current drain and exit, then
// blocks until it has (spec §5 "waitForTermination").
func (p *Processor) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

// Snapshot returns the current activity counters.
func (p *Processor) Snapshot() Stats {
	return Stats{
		Processed:        p.processed.Load(),
		Failed:           p.failed.Load(),
		TotalProcessTime: time.Duration(p.procNanos.Load()),
	}
}
