// Command wotctl is the operator CLI for a wotd graph store: integrity
// check and repair, trust/trustee distribution reports, and a
// destructive RemoveTrust benchmark (spec §6). Grounded on the
// teacher's cmd/ entrypoints' flat flag+log style; no subcommand
// framework is wired in because nothing in the example pack uses one —
// see DESIGN.md.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ParichayaHQ/credence/internal/graphstore"
	"github.com/ParichayaHQ/credence/internal/trustgraph"
)

const (
	exitSuccess   = 0
	exitUsage     = 1
	exitCorrupt   = 2
	exitOtherFail = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 2 {
		usage()
		return exitUsage
	}
	subcommand, dbPath := args[0], args[1]
	ctx := context.Background()

	switch subcommand {
	case "testAndRepair":
		return testAndRepair(ctx, dbPath)
	case "trustValueHistogram":
		return trustValueHistogram(ctx, dbPath)
	case "trusteeCountHistogram":
		return trusteeCountHistogram(ctx, dbPath)
	case "benchmarkRemoveTrustDestructive":
		if len(args) < 4 {
			usage()
			return exitUsage
		}
		return benchmarkRemoveTrustDestructive(ctx, dbPath, args[2], args[3])
	default:
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: wotctl <subcommand> <db-path> [args...]")
	fmt.Fprintln(os.Stderr, "  testAndRepair <db-path>")
	fmt.Fprintln(os.Stderr, "  trustValueHistogram <db-path>")
	fmt.Fprintln(os.Stderr, "  trusteeCountHistogram <db-path>")
	fmt.Fprintln(os.Stderr, "  benchmarkRemoveTrustDestructive <db-path> <out> <seed>")
}

func openStore(dbPath string) (*graphstore.Store, int, error) {
	store, err := graphstore.Open(dbPath)
	if err != nil {
		return nil, exitOtherFail, fmt.Errorf("open store: %w", err)
	}
	if err := store.Upgrade(context.Background()); err != nil {
		store.Close()
		return nil, exitCorrupt, fmt.Errorf("upgrade store: %w", err)
	}
	return store, exitSuccess, nil
}

// testAndRepair opens the store, runs the upgrade routines, and
// recomputes every owner's scores from the stored trust graph,
// reporting and correcting any row that drifted from what the
// algorithm would produce (spec §6's integrity/repair utility,
// grounded on internal/trustgraph's VerifyAndCorrectStoredScores).
func testAndRepair(ctx context.Context, dbPath string) int {
	store, code, err := openStore(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return code
	}
	defer store.Close()

	graph := trustgraph.New(store, clock.New(), false)
	corrected, err := graph.VerifyAndCorrectStoredScores(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "repair failed: %v\n", err)
		return exitCorrupt
	}
	fmt.Printf("repair complete: %d score rows corrected\n", corrected)
	return exitSuccess
}

// trustValueHistogram reports the distribution of trust edge values
// across the full -100..100 range (spec §6).
func trustValueHistogram(ctx context.Context, dbPath string) int {
	store, code, err := openStore(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return code
	}
	defer store.Close()

	tx, err := store.BeginRead(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "begin read: %v\n", err)
		return exitOtherFail
	}
	defer tx.Rollback()

	trusts, err := tx.AllTrusts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list trusts: %v\n", err)
		return exitOtherFail
	}

	const bucketWidth = 20
	buckets := make(map[int]int)
	for _, t := range trusts {
		bucket := (t.Value / bucketWidth) * bucketWidth
		if t.Value < 0 && t.Value%bucketWidth != 0 {
			bucket -= bucketWidth // floor, so e.g. -10 lands in [-20, 0)
		}
		buckets[bucket]++
	}
	printHistogram(buckets, bucketWidth, len(trusts))
	return exitSuccess
}

// trusteeCountHistogram reports, for each truster, how many trustees it
// has edges to (spec §6).
func trusteeCountHistogram(ctx context.Context, dbPath string) int {
	store, code, err := openStore(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return code
	}
	defer store.Close()

	tx, err := store.BeginRead(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "begin read: %v\n", err)
		return exitOtherFail
	}
	defer tx.Rollback()

	trusts, err := tx.AllTrusts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list trusts: %v\n", err)
		return exitOtherFail
	}

	counts := make(map[string]int)
	for _, t := range trusts {
		counts[t.TrusterID]++
	}

	const bucketWidth = 10
	buckets := make(map[int]int)
	for _, n := range counts {
		bucket := (n / bucketWidth) * bucketWidth
		buckets[bucket]++
	}
	printHistogram(buckets, bucketWidth, len(counts))
	return exitSuccess
}

func printHistogram(buckets map[int]int, width, total int) {
	keys := make([]int, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	fmt.Printf("total entities: %d\n", total)
	for _, k := range keys {
		fmt.Printf("[%d, %d): %d\n", k, k+width, buckets[k])
	}
}

// benchmarkRemoveTrustDestructive removes a seeded-random sample of
// existing trust edges through the normal C2 RemoveTrust path, timing
// each call, and writes the per-call latencies to out, replacing any
// existing file (spec §6). It
// mutates the store in place, hence "destructive" — callers are
// expected to run it against a scratch copy.
func benchmarkRemoveTrustDestructive(ctx context.Context, dbPath, outPath, seedStr string) int {
	var seed int64
	if _, err := fmt.Sscanf(seedStr, "%d", &seed); err != nil {
		fmt.Fprintf(os.Stderr, "invalid seed %q: %v\n", seedStr, err)
		return exitUsage
	}

	store, code, err := openStore(dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return code
	}
	defer store.Close()

	tx, err := store.BeginRead(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "begin read: %v\n", err)
		return exitOtherFail
	}
	trusts, err := tx.AllTrusts(ctx)
	tx.Rollback()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list trusts: %v\n", err)
		return exitOtherFail
	}
	if len(trusts) == 0 {
		fmt.Fprintln(os.Stderr, "no trust edges to remove")
		return exitOtherFail
	}

	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(trusts), func(i, j int) { trusts[i], trusts[j] = trusts[j], trusts[i] })

	out, err := os.Create(outPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create %s: %v\n", outPath, err)
		return exitOtherFail
	}
	defer out.Close()

	graph := trustgraph.New(store, clock.New(), false)
	fmt.Fprintln(out, "truster_id,trustee_id,elapsed_ns")
	removed := 0
	for _, t := range trusts {
		start := time.Now()
		err := graph.RemoveTrust(ctx, t.TrusterID, t.TrusteeID)
		elapsed := time.Since(start)
		if err != nil {
			fmt.Fprintf(os.Stderr, "remove trust %s->%s: %v\n", t.TrusterID, t.TrusteeID, err)
			continue
		}
		fmt.Fprintf(out, "%s,%s,%d\n", t.TrusterID, t.TrusteeID, elapsed.Nanoseconds())
		removed++
	}
	fmt.Printf("removed %d trust edges, timings written to %s\n", removed, outPath)
	return exitSuccess
}
