// Package downloadctrl implements C7, the downloader controller. Per
// spec §9's own design note, C7 is not a callback interface C2 invokes
// synchronously — it is a poller that drains the command/hint tables
// C2 (trustgraph) writes within its own transaction and dispatches them
// to C5 and C6 after each commit. This indirection is what lets C2
// remain a single, simple writer-locked transaction boundary without
// reaching into network code. Grounded on the teacher's polling-loop
// shape (cmd/scorer's periodic drain) generalized to own the
// fetchSchedulerLock spec §5 names in the canonical lock order.
package downloadctrl

import (
	"context"
	"sync"
	"time"

	"github.com/ParichayaHQ/credence/internal/fastdownload"
	"github.com/ParichayaHQ/credence/internal/graphstore"
	"github.com/ParichayaHQ/credence/internal/slowdownload"
	"github.com/ParichayaHQ/credence/internal/trustgraph"
	"github.com/ParichayaHQ/credence/internal/wlog"
)

// pollInterval bounds how long a Start/Stop command or edition hint
// can sit in its table before C7 notices it; spec §9 leaves the exact
// cadence unspecified, this value trades latency against busy-polling
// an otherwise idle store.
const pollInterval = 200 * time.Millisecond

// Controller is C7.
type Controller struct {
	store *graphstore.Store
	graph *trustgraph.Graph
	fast  *fastdownload.Downloader
	slow  *slowdownload.Downloader
	log   *wlog.Logger

	schedulerLock chan struct{} // the "fetchSchedulerLock" of spec §5's canonical order

	wake chan struct{}

	mu          sync.Mutex
	lastHintID  int64 // edition_hints.id watermark, since ListEditionHints is not a drain
}

// New creates a downloader controller wiring C2's deferred command
// tables to C5 and C6.
func New(store *graphstore.Store, graph *trustgraph.Graph, fast *fastdownload.Downloader, slow *slowdownload.Downloader) *Controller {
	c := &Controller{
		store:         store,
		graph:         graph,
		fast:          fast,
		slow:          slow,
		log:           wlog.New("downloadctrl", wlog.LevelInfo),
		schedulerLock: make(chan struct{}, 1),
		wake:          make(chan struct{}, 1),
	}
	c.schedulerLock <- struct{}{}
	return c
}

// Wake nudges the controller to drain immediately rather than waiting
// for the next poll tick. cmd/wotd calls it after the seed bootstrap
// writes edition hints; trustgraph does not call it, so its commits are
// picked up on the next poll tick.
func (c *Controller) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run drains the command and hint tables until ctx is done. This loop
// holds schedulerLock for the duration of each drain, honoring spec
// §5's canonical lock order (C2 writer lock -> IntroductionPuzzleStore
// lock -> fetchSchedulerLock -> C1 tx lock): since C2 has already
// committed by the time a command/hint appears here, this loop never
// needs to also hold the C2 writer lock, only the positions at and
// below fetchSchedulerLock.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.drain(ctx)
		case <-c.wake:
			c.drain(ctx)
		}
	}
}

func (c *Controller) drain(ctx context.Context) {
	select {
	case <-c.schedulerLock:
	case <-ctx.Done():
		return
	}
	defer func() { c.schedulerLock <- struct{}{} }()

	tx, err := c.store.BeginWrite(ctx)
	if err != nil {
		c.log.Error("begin drain tx failed", wlog.Fields{"error": err.Error()})
		return
	}

	cmds, err := tx.DrainDownloadCommands(ctx)
	if err != nil {
		tx.Rollback()
		c.log.Error("drain download commands failed", wlog.Fields{"error": err.Error()})
		return
	}
	var allHints []graphstore.EditionHintRow
	if c.slow != nil {
		allHints, err = tx.ListEditionHints(ctx)
		if err != nil {
			tx.Rollback()
			c.log.Error("list edition hints failed", wlog.Fields{"error": err.Error()})
			return
		}
	}
	if err := tx.Commit(); err != nil {
		c.log.Error("commit drain tx failed", wlog.Fields{"error": err.Error()})
		return
	}

	if len(cmds) > 0 && c.fast != nil {
		c.fast.ApplyCommands(ctx, cmds)
	}
	c.dispatchNewHints(allHints)
}

// dispatchNewHints hands off only the hints this controller has not
// already pushed to C6, since ListEditionHints (unlike
// DrainDownloadCommands) returns the full still-pending set rather than
// draining it: a resolved or failed hint is removed from the table by
// C6 itself, not by this poll.
func (c *Controller) dispatchNewHints(allHints []graphstore.EditionHintRow) {
	c.mu.Lock()
	watermark := c.lastHintID
	maxSeen := watermark
	c.mu.Unlock()

	for _, h := range allHints {
		if h.ID <= watermark {
			continue
		}
		c.slow.AddHint(h)
		if h.ID > maxSeen {
			maxSeen = h.ID
		}
	}
	if maxSeen > watermark {
		c.mu.Lock()
		c.lastHintID = maxSeen
		c.mu.Unlock()
	}
}
