package fastdownload

import (
	"context"

	"github.com/ParichayaHQ/credence/internal/graphstore"
	"github.com/ParichayaHQ/credence/internal/metrics"
	"github.com/ParichayaHQ/credence/internal/netprimitives"
	"github.com/ParichayaHQ/credence/internal/wlog"
)

// Start opens (or, if already open, no-ops per spec §8 idempotence) a
// continuous subscription for identityID, per a StartDownload command
// drained from C2's download_commands table (spec §4.5, §9 "Deferred
// side effects from callbacks").
func (d *Downloader) Start(ctx context.Context, identityID string) error {
	d.mu.Lock()
	if _, ok := d.cancel[identityID]; ok {
		d.mu.Unlock()
		return nil
	}
	subCtx, cancel := context.WithCancel(context.Background())
	d.cancel[identityID] = cancel
	d.mu.Unlock()

	updates, err := d.net.Subscribe(subCtx, identityID)
	if err != nil {
		d.mu.Lock()
		delete(d.cancel, identityID)
		d.mu.Unlock()
		cancel()
		return err
	}
	d.live.Add(identityID, struct{}{})
	metrics.DownloadsRunning.WithLabelValues("fast").Inc()
	go d.pump(subCtx, identityID, updates)
	return nil
}

// Stop tears down identityID's subscription, a no-op if none is open
// (spec §8 idempotence).
func (d *Downloader) Stop(identityID string) error {
	d.mu.Lock()
	cancel, ok := d.cancel[identityID]
	if ok {
		delete(d.cancel, identityID)
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}
	cancel()
	d.live.Remove(identityID)
	metrics.DownloadsRunning.WithLabelValues("fast").Dec()
	return d.net.Unsubscribe(identityID)
}

func (d *Downloader) pump(ctx context.Context, identityID string, updates <-chan netprimitives.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			d.handleUpdate(ctx, identityID, u)
		}
	}
}

// handleUpdate implements spec §9 open question (c): between the
// moment C7 requested this subscription and the moment a file actually
// arrives, the identity may have stopped being fetch-worthy (no Score
// targeting it still passes ShouldFetch). When that has happened, the
// freshly arrived file is discarded rather than queued for C4; the
// identity's fetch state is not consulted.
func (d *Downloader) handleUpdate(ctx context.Context, identityID string, u netprimitives.Update) {
	shouldFetch, err := d.graph.ShouldFetchIdentity(ctx, identityID)
	if err != nil {
		d.log.Error("fetch-worthiness check failed", wlog.Fields{"identity_id": identityID, "error": err.Error()})
		return
	}
	if !shouldFetch {
		d.log.Debug("discarding update, no longer fetch-worthy", wlog.Fields{"identity_id": identityID})
		return
	}
	if err := d.queue.Enqueue(ctx, identityID, u.Edition, u.Data); err != nil {
		d.log.Error("enqueue failed", wlog.Fields{"identity_id": identityID, "error": err.Error()})
		return
	}
	metrics.DownloadsCompleted.WithLabelValues("fast", "success").Inc()
}

// ApplyCommands drains C2's pending download_commands (collapsed to
// their net per-identity effect) and dispatches them to Start/Stop
// (spec §9 "command-table indirection").
func (d *Downloader) ApplyCommands(ctx context.Context, cmds []graphstore.DownloadCommand) {
	for _, c := range cmds {
		switch c.Kind {
		case graphstore.StartDownload:
			if err := d.Start(ctx, c.IdentityID); err != nil {
				d.log.Error("start subscription failed", wlog.Fields{"identity_id": c.IdentityID, "error": err.Error()})
			}
		case graphstore.StopDownload:
			if err := d.Stop(c.IdentityID); err != nil {
				d.log.Error("stop subscription failed", wlog.Fields{"identity_id": c.IdentityID, "error": err.Error()})
			}
		}
	}
}

// Shutdown cancels every live subscription. Per spec §5 Timeouts, this
// must happen strictly after C7's command-processing loop has
// terminated, so no new Start races a shutdown in progress.
func (d *Downloader) Shutdown() {
	d.mu.Lock()
	ids := make([]string, 0, len(d.cancel))
	for id := range d.cancel {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	for _, id := range ids {
		_ = d.Stop(id)
	}
}
