package slowdownload

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ParichayaHQ/credence/internal/graphstore"
	"github.com/ParichayaHQ/credence/internal/identityqueue"
	"github.com/ParichayaHQ/credence/internal/metrics"
	"github.com/ParichayaHQ/credence/internal/netprimitives"
	"github.com/ParichayaHQ/credence/internal/wlog"
	"github.com/ParichayaHQ/credence/internal/wotmodel"
)

// Stats accumulates C6 activity counters (spec §4.6, admin surface).
type Stats struct {
	Queued       int
	Running      int
	Succeeded    int64
	DataNotFound int64
	FailedTemp   int64
	FailedPerm   int64
}

// Downloader is C6.
type Downloader struct {
	net   netprimitives.EditionLookup
	queue *identityqueue.Queue
	store *graphstore.Store
	log   *wlog.Logger

	maxRunning int

	pq *priorityQueue

	mu         sync.Mutex
	running    map[string]bool // target id -> in-flight
	backoffs   map[string]*backoff.ExponentialBackOff
	retryCount map[string]int

	succeeded    int64
	dataNotFound int64
	failedTemp   int64
	failedPerm   int64

	sem chan struct{}
}

// maxRetries bounds how many transient failures a single hint tolerates
// before it is treated as permanent (spec §4.6 leaves this
// unspecified; see DESIGN.md for the rationale behind this default).
const maxRetries = 8

// New creates a slow downloader bounded to wotmodel.MaxRunningDownloads
// concurrent lookups (spec §4.6).
func New(net netprimitives.EditionLookup, queue *identityqueue.Queue, store *graphstore.Store) *Downloader {
	return &Downloader{
		net:        net,
		queue:      queue,
		store:      store,
		log:        wlog.New("slowdownload", wlog.LevelInfo),
		maxRunning: wotmodel.MaxRunningDownloads,
		pq:         newPriorityQueue(),
		running:    make(map[string]bool),
		backoffs:   make(map[string]*backoff.ExponentialBackOff),
		retryCount: make(map[string]int),
		sem:        make(chan struct{}, wotmodel.MaxRunningDownloads),
	}
}

// LoadPending rebuilds the priority queue from persisted edition hints
// at startup (spec §4.6, "rebuilding the in-memory priority queue on
// restart").
func (d *Downloader) LoadPending(ctx context.Context) error {
	tx, err := d.store.BeginRead(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	rows, err := tx.ListEditionHints(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		d.pq.add(row)
	}
	return nil
}

// AddHint enqueues a single hint, called by C7 as it drains freshly
// persisted edition_hints rows.
func (d *Downloader) AddHint(row graphstore.EditionHintRow) {
	d.pq.add(row)
}

// Run drives the bounded worker pool until ctx is done: each iteration
// claims a free slot, pops the highest-priority hint whose target
// isn't already in flight, and dispatches a fetch goroutine.
func (d *Downloader) Run(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dispatchReady(ctx)
		}
	}
}

func (d *Downloader) dispatchReady(ctx context.Context) {
	for {
		select {
		case d.sem <- struct{}{}:
		default:
			return // pool full
		}

		d.mu.Lock()
		excluding := make(map[string]bool, len(d.running))
		for t := range d.running {
			excluding[t] = true
		}
		d.mu.Unlock()

		row, ok := d.pq.popNextFor(excluding)
		if !ok {
			<-d.sem
			return
		}
		d.mu.Lock()
		d.running[row.TargetID] = true
		metrics.DownloadsRunning.WithLabelValues("slow").Set(float64(len(d.running)))
		d.mu.Unlock()
		go d.fetch(ctx, row)
	}
}

func (d *Downloader) fetch(ctx context.Context, row graphstore.EditionHintRow) {
	defer func() {
		<-d.sem
		d.mu.Lock()
		delete(d.running, row.TargetID)
		metrics.DownloadsRunning.WithLabelValues("slow").Set(float64(len(d.running)))
		d.mu.Unlock()
	}()

	data, err := d.net.Get(ctx, row.TargetID, row.Edition)
	if err == nil {
		d.onSuccess(ctx, row, data)
		return
	}
	if errors.Is(err, netprimitives.ErrEditionNotFound) {
		d.mu.Lock()
		d.dataNotFound++
		d.mu.Unlock()
	} else {
		d.mu.Lock()
		d.failedTemp++
		d.mu.Unlock()
	}
	d.retryOrGiveUp(ctx, row, err)
}

func (d *Downloader) onSuccess(ctx context.Context, row graphstore.EditionHintRow, data []byte) {
	if err := d.queue.Enqueue(ctx, row.TargetID, row.Edition, data); err != nil {
		d.log.Error("enqueue fetched file failed", wlog.Fields{"target_id": row.TargetID, "error": err.Error()})
		return
	}
	tx, err := d.store.BeginWrite(ctx)
	if err != nil {
		d.log.Error("begin write for hint cleanup failed", wlog.Fields{"target_id": row.TargetID, "error": err.Error()})
		return
	}
	if err := tx.DeleteEditionHintsFor(ctx, row.TargetID, row.Edition); err != nil {
		tx.Rollback()
		d.log.Error("delete edition hints failed", wlog.Fields{"target_id": row.TargetID, "error": err.Error()})
		return
	}
	if err := tx.Commit(); err != nil {
		d.log.Error("commit hint cleanup failed", wlog.Fields{"target_id": row.TargetID, "error": err.Error()})
		return
	}
	d.mu.Lock()
	d.succeeded++
	delete(d.backoffs, rowKey(row))
	delete(d.retryCount, rowKey(row))
	d.mu.Unlock()
	metrics.DownloadsCompleted.WithLabelValues("slow", "success").Inc()
}

// retryOrGiveUp re-enqueues row after an exponentially growing delay,
// or drops it (and its persisted hint row, if it still has one) once
// maxRetries is exceeded (spec §4.6 permanent-failure handling).
func (d *Downloader) retryOrGiveUp(ctx context.Context, row graphstore.EditionHintRow, cause error) {
	key := rowKey(row)

	d.mu.Lock()
	d.retryCount[key]++
	count := d.retryCount[key]
	bo, ok := d.backoffs[key]
	if !ok {
		bo = backoff.NewExponentialBackOff()
		bo.InitialInterval = 10 * time.Second
		bo.MaxInterval = 30 * time.Minute
		bo.MaxElapsedTime = 0 // governed by maxRetries, not elapsed wall time
		d.backoffs[key] = bo
	}
	delay := bo.NextBackOff()
	d.mu.Unlock()

	if count > maxRetries {
		d.log.Warn("giving up on edition hint after repeated failure", wlog.Fields{
			"target_id": row.TargetID, "edition": row.Edition, "attempts": count, "error": cause.Error(),
		})
		d.mu.Lock()
		d.failedPerm++
		delete(d.backoffs, key)
		delete(d.retryCount, key)
		d.mu.Unlock()
		metrics.DownloadsCompleted.WithLabelValues("slow", "given_up").Inc()
		if row.ID != 0 {
			if err := d.deleteHintRow(ctx, row.ID); err != nil {
				d.log.Error("delete permanently-failed hint row failed", wlog.Fields{"id": row.ID, "error": err.Error()})
			}
		}
		return
	}

	time.AfterFunc(delay, func() { d.pq.add(row) })
}

func (d *Downloader) deleteHintRow(ctx context.Context, id int64) error {
	tx, err := d.store.BeginWrite(ctx)
	if err != nil {
		return err
	}
	if err := tx.DeleteEditionHint(ctx, id); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Snapshot returns a point-in-time view of C6's activity counters.
func (d *Downloader) Snapshot() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Queued:       d.pq.len(),
		Running:      len(d.running),
		Succeeded:    d.succeeded,
		DataNotFound: d.dataNotFound,
		FailedTemp:   d.failedTemp,
		FailedPerm:   d.failedPerm,
	}
}
