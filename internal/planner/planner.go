// Package planner turns input files into the ordered work units of a run.
package planner

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"pkg.jsn.cam/chunkdist/internal/source"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
	"pkg.jsn.cam/chunkdist/pkg/lru"
)

const (
	// DefaultWorkers bounds concurrent row-count queries
	DefaultWorkers = 12
	// MemoCapacity is the number of recent plans kept
	MemoCapacity = 256
)

// FileIndex maps each successfully counted file to its item count
type FileIndex map[string]uint64

// Plan is the ordered work of one run
type Plan struct {
	Units   []chunkdist.WorkUnit
	Total   uint64
	Index   FileIndex
	Skipped []string // files excluded because their count failed
}

func (p *Plan) clone() *Plan {
	out := &Plan{
		Units:   append([]chunkdist.WorkUnit(nil), p.Units...),
		Total:   p.Total,
		Index:   make(FileIndex, len(p.Index)),
		Skipped: append([]string(nil), p.Skipped...),
	}
	for k, v := range p.Index {
		out.Index[k] = v
	}
	return out
}

// Config configures a Planner
type Config struct {
	Counter  source.Counter
	TreeName string
	Workers  int // default 12
}

// Planner counts files and splits them into chunks. Results are memoized
// so repeated identical calls skip the row-count queries.
type Planner struct {
	counter  source.Counter
	treeName string
	workers  int
	memo     *lru.Cache[uint64, memoEntry]
}

type memoEntry struct {
	key  string
	plan *Plan
}

// New creates a planner
func New(cfg Config) *Planner {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Counter == nil {
		cfg.Counter = source.Registry{}
	}

	memo, err := lru.New[uint64, memoEntry](MemoCapacity, nil)
	if err != nil {
		panic(err) // capacity is a positive constant
	}

	return &Planner{
		counter:  cfg.Counter,
		treeName: cfg.TreeName,
		workers:  cfg.Workers,
		memo:     memo,
	}
}

// Plan queries the item count of every file and partitions each into
// chunks of chunkSize items, the last chunk holding the remainder. Units
// are ordered by input file, then by start index.
//
// A file whose count fails is skipped when skipBadFiles is set. Otherwise
// the call fails with an error naming every failing file.
func (p *Planner) Plan(ctx context.Context, fileIDs []string, chunkSize uint64, skipBadFiles bool) (*Plan, error) {
	if chunkSize == 0 {
		return nil, chunkdist.ErrInvalidChunkSize
	}
	if len(fileIDs) == 0 {
		return nil, chunkdist.ErrNoInputFiles
	}

	key := p.memoKey(fileIDs, chunkSize, skipBadFiles)
	digest := xxhash.Sum64String(key)
	if e, ok := p.memo.Get(digest); ok && e.key == key {
		return e.plan.clone(), nil
	}

	files := dedupe(fileIDs)
	counts, errs := p.count(ctx, files)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	plan := &Plan{Index: make(FileIndex, len(files))}
	var failed error

	for i, fileID := range files {
		if errs[i] != nil {
			if skipBadFiles {
				log.Printf("[PLANNER] Skipping %s: %v", fileID, errs[i])
				plan.Skipped = append(plan.Skipped, fileID)
				continue
			}
			failed = multierror.Append(failed, &chunkdist.SourceError{FileID: fileID, Err: errs[i]})
			continue
		}

		plan.Index[fileID] = counts[i]
		plan.Total += counts[i]
		plan.Units = append(plan.Units, Split(fileID, counts[i], chunkSize)...)
	}

	if failed != nil {
		return nil, failed
	}

	log.Printf("[PLANNER] Planned %d units over %d files (%d items, %d skipped)",
		len(plan.Units), len(plan.Index), plan.Total, len(plan.Skipped))

	p.memo.Add(digest, memoEntry{key: key, plan: plan})

	return plan.clone(), nil
}

// count queries every file on a bounded pool. Results are indexed like
// files, so completion order does not matter.
func (p *Planner) count(ctx context.Context, files []string) ([]uint64, []error) {
	counts := make([]uint64, len(files))
	errs := make([]error, len(files))

	var g errgroup.Group
	g.SetLimit(min(p.workers, len(files)))

	for i, fileID := range files {
		g.Go(func() error {
			n, err := p.counter.Count(ctx, fileID, p.treeName)
			counts[i], errs[i] = n, err
			return nil
		})
	}
	_ = g.Wait()

	return counts, errs
}

func (p *Planner) memoKey(fileIDs []string, chunkSize uint64, skipBadFiles bool) string {
	var b strings.Builder
	for _, f := range fileIDs {
		b.WriteString(strconv.Quote(f))
		b.WriteByte(',')
	}
	fmt.Fprintf(&b, "|%d|%q|%t", chunkSize, p.treeName, skipBadFiles)
	return b.String()
}

// Split partitions [0, n) into consecutive units of at most chunkSize items
func Split(fileID string, n, chunkSize uint64) []chunkdist.WorkUnit {
	if n == 0 || chunkSize == 0 {
		return nil
	}

	units := make([]chunkdist.WorkUnit, 0, (n+chunkSize-1)/chunkSize)
	for start := uint64(0); start < n; start += chunkSize {
		units = append(units, chunkdist.WorkUnit{
			FileID: fileID,
			Start:  start,
			Stop:   min(start+chunkSize, n),
		})
	}
	return units
}

// dedupe keeps the first occurrence of every file
func dedupe(fileIDs []string) []string {
	seen := make(map[string]struct{}, len(fileIDs))
	out := make([]string, 0, len(fileIDs))
	for _, f := range fileIDs {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
