// Package identityqueue implements C3, the deduplicating persistent
// queue of raw fetched identity files awaiting C4's processing pass
// (spec §4.3). It is grounded on the teacher's RocksDB-backed blob
// storage (internal/store/rocksdb.go): the same column-family,
// WriteBatch-for-atomicity style is repurposed here from event-blob
// storage to a FIFO queue keyed by identity id.
package identityqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/linxGnu/grocksdb"

	"github.com/ParichayaHQ/credence/internal/metrics"
	"github.com/ParichayaHQ/credence/internal/wlog"
)

const cfDefault = "default"

// QueuedFile is one raw fetched identity file awaiting processing.
type QueuedFile struct {
	IdentityID string
	Edition    int64
	Data       []byte
	EnqueuedAt time.Time
}

type record struct {
	Edition    int64     `json:"edition"`
	Data       []byte    `json:"data"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Stats is a point-in-time snapshot of queue activity (spec §4.3,
// exposed by the admin HTTP surface).
type Stats struct {
	Depth         int
	TotalEnqueued int64
	TotalDequeued int64
	TotalDropped  int64 // superseded by a later enqueue for the same identity
}

// Queue is C3: identity files are deduplicated by identity id (a later
// enqueue for an id already queued overwrites its data in place rather
// than creating a second entry), and drained in FIFO order of first
// enqueue.
type Queue struct {
	db  *grocksdb.DB
	cf  *grocksdb.ColumnFamilyHandle
	opts *grocksdb.Options
	ro  *grocksdb.ReadOptions
	wo  *grocksdb.WriteOptions
	log *wlog.Logger

	mu    sync.Mutex
	order []string // FIFO of identity ids, position fixed at first enqueue
	stats Stats

	// dumpDir, when non-empty, implements DEBUG_NETWORK_DUMP_MODE (spec
	// §9): every dequeued file is additionally archived here instead of
	// only being removed from the queue, for offline reproduction of a
	// parsing bug.
	dumpDir string
}

// Open opens (creating if absent) the persistent queue at dir.
func Open(dir string, dumpDir string) (*Queue, error) {
	opts := grocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)
	opts.SetCreateIfMissingColumnFamilies(true)

	cfNames := []string{cfDefault}
	cfOpts := []*grocksdb.Options{grocksdb.NewDefaultOptions()}
	db, cfHandles, err := grocksdb.OpenDbColumnFamilies(opts, filepath.Join(dir, "identityqueue"), cfNames, cfOpts)
	if err != nil {
		return nil, fmt.Errorf("identityqueue: open: %w", err)
	}

	q := &Queue{
		db:      db,
		cf:      cfHandles[0],
		opts:    opts,
		ro:      grocksdb.NewDefaultReadOptions(),
		wo:      grocksdb.NewDefaultWriteOptions(),
		log:     wlog.New("identityqueue", wlog.LevelInfo),
		dumpDir: dumpDir,
	}
	if err := q.loadOrder(); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

// loadOrder rebuilds the in-memory FIFO ordering from the on-disk
// iteration order at startup. RocksDB iterates keys lexicographically,
// and keys are "<seq>:<identityID>" so insertion order survives restart.
func (q *Queue) loadOrder() error {
	it := q.db.NewIteratorCF(q.ro, q.cf)
	defer it.Close()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		key := string(it.Key().Data())
		it.Key().Free()
		idx := indexOfColon(key)
		if idx < 0 {
			it.Value().Free()
			continue
		}
		q.order = append(q.order, key[idx+1:])
		it.Value().Free()
	}
	q.stats.Depth = len(q.order)
	return it.Err()
}

func indexOfColon(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

func seqKey(seq int64, identityID string) []byte {
	return []byte(fmt.Sprintf("%020d:%s", seq, identityID))
}

// Enqueue appends (or, for a duplicate identity id, replaces) one raw
// identity file at the given edition (spec §4.3 "dedup by identity id").
func (q *Queue) Enqueue(ctx context.Context, identityID string, edition int64, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec := record{Edition: edition, Data: data, EnqueuedAt: time.Now().UTC()}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("identityqueue: encode record for %s: %w", identityID, err)
	}

	existingSeq, found, err := q.findSeq(identityID)
	if err != nil {
		return err
	}
	if found {
		if err := q.db.PutCF(q.wo, q.cf, seqKey(existingSeq, identityID), encoded); err != nil {
			return fmt.Errorf("identityqueue: overwrite %s: %w", identityID, err)
		}
		q.stats.TotalDropped++ // the stale copy this enqueue superseded
		return nil
	}

	seq := int64(len(q.order))
	if err := q.db.PutCF(q.wo, q.cf, seqKey(seq, identityID), encoded); err != nil {
		return fmt.Errorf("identityqueue: put %s: %w", identityID, err)
	}
	q.order = append(q.order, identityID)
	q.stats.Depth = len(q.order)
	q.stats.TotalEnqueued++
	metrics.QueueDepth.WithLabelValues("identity").Set(float64(q.stats.Depth))
	return nil
}

// findSeq scans for an existing entry for identityID, since the queue
// may be asked to dedup an id already present anywhere in order.
func (q *Queue) findSeq(identityID string) (int64, bool, error) {
	for i, id := range q.order {
		if id == identityID {
			return int64(i), true, nil
		}
	}
	return 0, false, nil
}

// Dequeue pops the oldest entry (spec §4.4 "single-threaded cooperative
// consumer"). Returns found=false if the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*QueuedFile, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) == 0 {
		return nil, false, nil
	}
	identityID := q.order[0]
	key := seqKey(0, identityID)
	value, err := q.db.GetCF(q.ro, q.cf, key)
	if err != nil {
		return nil, false, fmt.Errorf("identityqueue: get %s: %w", identityID, err)
	}
	defer value.Free()
	if !value.Exists() {
		// Key drifted from the in-memory index; treat as empty slot and
		// advance past it rather than wedging the queue.
		q.order = q.order[1:]
		return nil, false, nil
	}
	var rec record
	if err := json.Unmarshal(value.Data(), &rec); err != nil {
		return nil, false, fmt.Errorf("identityqueue: decode %s: %w", identityID, err)
	}

	if err := q.db.DeleteCF(q.wo, q.cf, key); err != nil {
		return nil, false, fmt.Errorf("identityqueue: delete %s: %w", identityID, err)
	}
	q.order = q.order[1:]
	// Re-key every remaining entry down by one seq so findSeq/seqKey stay
	// aligned with q.order's indices. Cheap relative to parsing cost and
	// keeps the on-disk ordering monotonic for loadOrder after restart.
	if err := q.reseq(); err != nil {
		return nil, false, err
	}
	q.stats.Depth = len(q.order)
	q.stats.TotalDequeued++
	metrics.QueueDepth.WithLabelValues("identity").Set(float64(q.stats.Depth))

	if q.dumpDir != "" {
		q.archive(identityID, rec.Data)
	}

	return &QueuedFile{IdentityID: identityID, Edition: rec.Edition, Data: rec.Data, EnqueuedAt: rec.EnqueuedAt}, true, nil
}

func (q *Queue) reseq() error {
	if len(q.order) == 0 {
		return nil
	}
	batch := grocksdb.NewWriteBatch()
	defer batch.Destroy()
	wrote := false
	for i, id := range q.order {
		oldKey := seqKey(int64(i+1), id)
		newKey := seqKey(int64(i), id)
		value, err := q.db.GetCF(q.ro, q.cf, oldKey)
		if err != nil {
			return fmt.Errorf("identityqueue: reseq get %s: %w", id, err)
		}
		if value.Exists() {
			batch.PutCF(q.cf, newKey, value.Data())
			batch.DeleteCF(q.cf, oldKey)
			wrote = true
		}
		value.Free()
	}
	if !wrote {
		return nil
	}
	if err := q.db.Write(q.wo, batch); err != nil {
		return fmt.Errorf("identityqueue: reseq write: %w", err)
	}
	return nil
}

func (q *Queue) archive(identityID string, data []byte) {
	path := filepath.Join(q.dumpDir, fmt.Sprintf("%d-%s.xml", time.Now().UTC().UnixNano(), identityID))
	if err := writeFile(path, data); err != nil {
		q.log.Warn("debug dump archive failed", wlog.Fields{"identity_id": identityID, "error": err.Error()})
	}
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Stats returns a snapshot of queue activity counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Close releases all RocksDB resources.
func (q *Queue) Close() error {
	q.cf.Destroy()
	q.ro.Destroy()
	q.wo.Destroy()
	q.opts.Destroy()
	q.db.Close()
	return nil
}
