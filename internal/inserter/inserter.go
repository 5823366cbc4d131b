// Package inserter implements C8, the identity inserter: periodically
// re-publishes each OwnIdentity not in restore per spec §4.8's
// needs-insert/ready-to-insert policy. Grounded on the teacher's
// periodic-scan worker shape (single-threaded, clock-driven), reusing
// identityxml's encoder for the wire document and netprimitives for
// both the pubsub announce (continuous subscribers) and the DHT put
// (slow-poll discoverability).
package inserter

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ParichayaHQ/credence/internal/identityxml"
	"github.com/ParichayaHQ/credence/internal/metrics"
	"github.com/ParichayaHQ/credence/internal/netprimitives"
	"github.com/ParichayaHQ/credence/internal/trustgraph"
	"github.com/ParichayaHQ/credence/internal/wlog"
	"github.com/ParichayaHQ/credence/internal/wotmodel"
)

// scanInterval is how often C8 re-evaluates every OwnIdentity; spec
// §4.8 names the decision thresholds but not a scan cadence, a value
// well under MinDelayBeforeInsert keeps the policy's own thresholds as
// the real pacing mechanism.
const scanInterval = 5 * time.Minute

// TrustListSource supplies the current trust-list content an
// OwnIdentity publishes, decoupling the inserter from trustgraph's
// storage representation.
type TrustListSource interface {
	OwnTrustList(ctx context.Context, ownerID string) ([]identityxml.ParsedTrust, error)
}

// Stats accumulates C8 activity counters (admin surface).
type Stats struct {
	Inserted int64
	Deferred int64
	Failed   int64
}

// Inserter is C8.
type Inserter struct {
	graph   *trustgraph.Graph
	trusts  TrustListSource
	updates netprimitives.ContinuousUpdates
	lookup  netprimitives.EditionLookup
	clock   clock.Clock
	log     *wlog.Logger

	inserted, deferred, failed int64
}

// New creates an inserter. updates/lookup may be the same concrete
// netprimitives.Host value satisfying both interfaces.
func New(graph *trustgraph.Graph, trusts TrustListSource, updates netprimitives.ContinuousUpdates, lookup netprimitives.EditionLookup, clk clock.Clock) *Inserter {
	return &Inserter{
		graph:   graph,
		trusts:  trusts,
		updates: updates,
		lookup:  lookup,
		clock:   clk,
		log:     wlog.New("inserter", wlog.LevelInfo),
	}
}

// Run scans every scanInterval until ctx is done.
func (ins *Inserter) Run(ctx context.Context) {
	timer := ins.clock.Timer(scanInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			ins.ScanOnce(ctx)
			timer.Reset(scanInterval)
		}
	}
}

// ScanOnce evaluates every OwnIdentity once; exported so a manual
// "insert now" CLI trigger can reuse the exact policy logic.
func (ins *Inserter) ScanOnce(ctx context.Context) {
	owns, err := ins.graph.ListOwnIdentities(ctx)
	if err != nil {
		ins.log.Error("list own identities failed", wlog.Fields{"error": err.Error()})
		return
	}
	now := ins.clock.Now().UTC()
	for _, own := range owns {
		if own.InRestore() {
			continue
		}
		if !needsInsert(own, now) || !readyToInsert(own, now) {
			ins.deferred++
			metrics.InsertsTotal.WithLabelValues("deferred").Inc()
			continue
		}
		ins.insertOne(ctx, own)
	}
}

// needsInsert implements spec §4.8: "lastChangedDate > lastInsertDate
// (the owner changed data) or now - lastInsertDate >
// MAX_UNCHANGED_TIME_BEFORE_REINSERT (forces liveness)".
func needsInsert(own *wotmodel.OwnIdentity, now time.Time) bool {
	return own.LastChangedDate.After(own.LastInsertDate) ||
		now.Sub(own.LastInsertDate) > wotmodel.MaxUnchangedTimeBeforeReinsert
}

// readyToInsert implements spec §4.8's deferral: "now - lastChangedDate
// >= MIN_DELAY_BEFORE_INSERT (coalesces rapid edits) and/or now -
// lastInsertDate >= MAX_DELAY_BEFORE_INSERT (caps delay)". This
// implementation reads "and/or" as OR: either the coalescing window
// has elapsed since the last edit, or the hard delay cap since the
// last insert has been hit regardless of how recently data changed —
// see DESIGN.md for the rationale.
func readyToInsert(own *wotmodel.OwnIdentity, now time.Time) bool {
	return now.Sub(own.LastChangedDate) >= wotmodel.MinDelayBeforeInsert ||
		now.Sub(own.LastInsertDate) >= wotmodel.MaxDelayBeforeInsert
}

func (ins *Inserter) insertOne(ctx context.Context, own *wotmodel.OwnIdentity) {
	trusts, err := ins.trusts.OwnTrustList(ctx, own.ID)
	if err != nil {
		ins.failed++
		ins.log.Error("load own trust list failed", wlog.Fields{"identity_id": own.ID, "error": err.Error()})
		return
	}
	name := ""
	if own.Nickname != nil {
		name = *own.Nickname
	}
	doc, err := identityxml.EncodeIdentity(name, own.PublishesTrustList, own.Contexts, own.Properties, trusts)
	if err != nil {
		ins.failed++
		metrics.InsertsTotal.WithLabelValues("failed").Inc()
		ins.log.Error("encode identity failed", wlog.Fields{"identity_id": own.ID, "error": err.Error()})
		return
	}

	newEdition := own.RequestURI.Edition + 1
	if err := ins.lookup.Put(ctx, own.ID, newEdition, doc); err != nil {
		// A collision (or any other publish failure) leaves the
		// edition unchanged; the next scan retries at the same
		// edition (spec §4.8 "On collision, leaves the edition
		// unchanged").
		ins.failed++
		metrics.InsertsTotal.WithLabelValues("failed").Inc()
		ins.log.Warn("insert collision or publish failure", wlog.Fields{"identity_id": own.ID, "edition": newEdition, "error": err.Error()})
		return
	}
	if err := ins.updates.Publish(ctx, own.ID, newEdition, doc); err != nil {
		ins.log.Warn("announce to continuous subscribers failed", wlog.Fields{"identity_id": own.ID, "error": err.Error()})
	}

	if err := ins.graph.MarkInserted(ctx, own.ID, newEdition, ins.clock.Now().UTC()); err != nil {
		ins.failed++
		metrics.InsertsTotal.WithLabelValues("failed").Inc()
		ins.log.Error("mark inserted failed", wlog.Fields{"identity_id": own.ID, "error": err.Error()})
		return
	}
	ins.inserted++
	metrics.InsertsTotal.WithLabelValues("inserted").Inc()
}

// Snapshot returns a point-in-time view of C8's activity counters.
func (ins *Inserter) Snapshot() Stats {
	return Stats{Inserted: ins.inserted, Deferred: ins.deferred, Failed: ins.failed}
}
