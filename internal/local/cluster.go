// Package local runs workers as goroutines in the current process. Each
// worker owns its own source cache, so affinity, cancellation and retirement
// behave as on a real cluster.
package local

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"

	"github.com/google/uuid"

	"pkg.jsn.cam/chunkdist/internal/source"
	"pkg.jsn.cam/chunkdist/internal/substrate"
	"pkg.jsn.cam/chunkdist/internal/worker"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist/protocol"
)

// DefaultMaxRetries is how many times a failing unit is attempted
const DefaultMaxRetries = 3

const noWorkersMsg = "no workers left"

// Hook runs on the worker before each unit. A returned error fails the attempt.
type Hook func(ctx context.Context, workerID string, unit chunkdist.WorkUnit) error

// Config configures a Cluster
type Config struct {
	Workers       int // default 4
	CacheCapacity int // per worker, default 75
	MaxRetries    int // default 3
	Opener        source.Opener
	BeforeUnit    Hook // optional
}

// Cluster is an in-process substrate.Substrate
type Cluster struct {
	maxRetries int
	before     Hook

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	cond    *sync.Cond
	closed  bool
	tasks   map[string]*task
	feeds   map[string]*feed // by task ID, until claimed by AsCompleted
	idle    []*task          // queued tasks in submission order
	workers map[string]*localWorker
	order   []string // worker IDs in creation order
}

type task struct {
	handle  substrate.TaskHandle
	spec    chunkdist.TaskSpec
	hint    []string
	feed    *feed
	status  protocol.TaskStatus
	worker  string
	retries int
	cancel  context.CancelFunc
}

// feed carries the completions of one Submit call. It closes once every
// task in it is completed, failed or cancelled.
type feed struct {
	ch        chan substrate.Completion
	remaining int
	ids       []string
}

type localWorker struct {
	id        string
	cache     *worker.SourceCache
	processor *worker.Processor
	running   []string
	retiring  protocol.RetireMode
}

// New starts a cluster of cfg.Workers workers
func New(cfg Config) *Cluster {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cluster{
		maxRetries: cfg.MaxRetries,
		before:     cfg.BeforeUnit,
		ctx:        ctx,
		cancel:     cancel,
		tasks:      make(map[string]*task),
		feeds:      make(map[string]*feed),
		workers:    make(map[string]*localWorker),
	}
	c.cond = sync.NewCond(&c.mu)

	for i := 0; i < cfg.Workers; i++ {
		id := fmt.Sprintf("local-%d", i)
		cache := worker.NewSourceCache(worker.CacheConfig{Opener: cfg.Opener, Capacity: cfg.CacheCapacity})
		w := &localWorker{
			id:        id,
			cache:     cache,
			processor: worker.NewProcessor(cache, id),
		}
		c.workers[id] = w
		c.order = append(c.order, id)

		c.wg.Add(1)
		go c.run(w)
	}

	log.Printf("[LOCAL] Started %d workers", cfg.Workers)

	return c
}

// Close stops every worker and closes their cached sources
func (c *Cluster) Close() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// WorkerIDs returns the IDs of workers that have not been retired
func (c *Cluster) WorkerIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []string
	for _, id := range c.order {
		if w, ok := c.workers[id]; ok && w.retiring == "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Submit implements substrate.Submitter
func (c *Cluster) Submit(_ context.Context, spec chunkdist.TaskSpec, subs []substrate.Submission) ([]substrate.TaskHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("local cluster closed")
	}

	f := &feed{ch: make(chan substrate.Completion, len(subs)), remaining: len(subs)}
	handles := make([]substrate.TaskHandle, len(subs))

	for i, s := range subs {
		t := &task{
			handle: substrate.TaskHandle{ID: uuid.New().String(), Unit: s.Unit},
			spec:   spec,
			hint:   s.Hint,
			feed:   f,
			status: protocol.TaskStatusIdle,
		}
		c.tasks[t.handle.ID] = t
		c.feeds[t.handle.ID] = f
		f.ids = append(f.ids, t.handle.ID)
		c.idle = append(c.idle, t)
		handles[i] = t.handle
	}
	if f.remaining == 0 {
		close(f.ch)
	}

	c.failStranded()
	c.cond.Broadcast()

	return handles, nil
}

// AsCompleted implements substrate.Streamer
func (c *Cluster) AsCompleted(ctx context.Context, handles []substrate.TaskHandle) <-chan []substrate.Completion {
	c.mu.Lock()
	var feeds []*feed
	for _, h := range handles {
		if f, ok := c.feeds[h.ID]; ok && !slices.Contains(feeds, f) {
			feeds = append(feeds, f)
		}
	}
	for _, f := range feeds {
		for _, id := range f.ids {
			delete(c.feeds, id)
		}
	}
	c.mu.Unlock()

	ins := make([]<-chan substrate.Completion, len(feeds))
	for i, f := range feeds {
		ins[i] = f.ch
	}

	return substrate.Batch(ctx, substrate.Merge(ctx, ins...), 0)
}

// Cancel implements substrate.Canceler
func (c *Cluster) Cancel(_ context.Context, handles []substrate.TaskHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, h := range handles {
		t, ok := c.tasks[h.ID]
		if !ok {
			continue
		}

		switch t.status {
		case protocol.TaskStatusIdle:
			c.removeIdle(t)
		case protocol.TaskStatusInProgress:
			t.cancel()
			c.dropRunning(t)
		default:
			continue
		}

		t.status = protocol.TaskStatusCancelled
		c.finish(t, nil)
		n++
	}

	if n > 0 {
		log.Printf("[LOCAL] Cancelled %d tasks", n)
	}

	return nil
}

// QueryAllKeys implements substrate.KeyQuerier
func (c *Cluster) QueryAllKeys(context.Context) map[string][]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string][]string, len(c.workers))
	for id, w := range c.workers {
		if w.retiring == "" {
			out[id] = w.cache.Keys()
		}
	}
	return out
}

// LiveProcessingTable implements substrate.TaskTable
func (c *Cluster) LiveProcessingTable(context.Context) (map[string][]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string][]string, len(c.workers))
	for id, w := range c.workers {
		out[id] = slices.Clone(w.running)
	}
	return out, nil
}

// Retire implements substrate.Retirer. Drained workers finish their
// current unit; killed workers abandon it and it is queued again. Once no
// worker is left to take them, queued units fail.
func (c *Cluster) Retire(_ context.Context, workerIDs []string, mode protocol.RetireMode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range workerIDs {
		w, ok := c.workers[id]
		if !ok || w.retiring != "" {
			continue
		}
		w.retiring = mode

		if mode == protocol.RetireKill {
			for _, taskID := range w.running {
				t := c.tasks[taskID]
				t.cancel()
				c.requeue(t, "worker killed")
			}
			w.running = nil
		}

		log.Printf("[LOCAL] Retiring worker %s (%s)", id, mode)
	}

	c.failStranded()
	c.cond.Broadcast()

	return nil
}

// CachedSources returns a worker's cache gauge
func (c *Cluster) CachedSources(workerID string) int {
	c.mu.Lock()
	w, ok := c.workers[workerID]
	c.mu.Unlock()

	if !ok {
		return 0
	}
	return w.cache.Len()
}

// run is a worker's task loop
func (c *Cluster) run(w *localWorker) {
	defer c.wg.Done()

	for {
		t, ctx := c.next(w)
		if t == nil {
			c.mu.Lock()
			delete(c.workers, w.id)
			c.mu.Unlock()
			w.cache.Clear()
			return
		}

		var result *chunkdist.PartialResult
		var err error
		if c.before != nil {
			err = c.before(ctx, w.id, t.handle.Unit)
		}
		if err == nil {
			result, err = w.processor.Process(ctx, t.handle.Unit, t.spec)
		}

		c.complete(w, t, result, err)
	}
}

// next blocks until w has a task to run, returning nil once w is retired
// or the cluster closes
func (c *Cluster) next(w *localWorker) (*task, context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.closed || w.retiring != "" {
			return nil, nil
		}

		i := substrate.Pick(w.id, c.idle, func(t *task) []string { return t.hint })
		if i >= 0 {
			t := c.idle[i]
			c.idle = slices.Delete(c.idle, i, i+1)

			ctx, cancel := context.WithCancel(c.ctx)
			t.status = protocol.TaskStatusInProgress
			t.worker = w.id
			t.cancel = cancel
			w.running = append(w.running, t.handle.ID)

			return t, ctx
		}

		c.cond.Wait()
	}
}

// complete records the outcome of one attempt. Outcomes of attempts that
// were cancelled or reassigned meanwhile are dropped.
func (c *Cluster) complete(w *localWorker, t *task, result *chunkdist.PartialResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.status != protocol.TaskStatusInProgress || t.worker != w.id {
		return
	}
	t.cancel()
	c.dropRunning(t)

	if err == nil {
		t.status = protocol.TaskStatusCompleted
		c.finish(t, &substrate.Completion{Handle: t.handle, Result: result, WorkerID: w.id})
		return
	}

	log.Printf("[LOCAL] Worker %s failed %s: %v", w.id, t.handle.Unit, err)
	c.requeue(t, err.Error())
}

// requeue puts a failed attempt back in the queue, or fails the task once
// it has used up its retries (called with lock held)
func (c *Cluster) requeue(t *task, reason string) {
	t.retries++
	failedOn := t.worker
	t.worker = ""

	if t.retries < c.maxRetries {
		t.status = protocol.TaskStatusIdle
		c.idle = append(c.idle, t)
		c.failStranded()
		c.cond.Broadcast()
		return
	}

	t.status = protocol.TaskStatusFailed
	c.finish(t, &substrate.Completion{
		Handle:   t.handle,
		WorkerID: failedOn,
		Err:      &chunkdist.TaskError{TaskID: t.handle.ID, Unit: t.handle.Unit, Msg: reason},
	})
}

// finish delivers a terminal outcome (nil for cancellation) and forgets
// the task (called with lock held)
func (c *Cluster) finish(t *task, out *substrate.Completion) {
	if out != nil {
		t.feed.ch <- *out // buffered for every task of the feed
	}
	delete(c.tasks, t.handle.ID)

	t.feed.remaining--
	if t.feed.remaining == 0 {
		close(t.feed.ch)
	}
}

// failStranded fails every queued task when no worker is left to run it
// (called with lock held)
func (c *Cluster) failStranded() {
	if len(c.idle) == 0 {
		return
	}
	for _, w := range c.workers {
		if w.retiring == "" {
			return
		}
	}

	stranded := c.idle
	c.idle = nil
	for _, t := range stranded {
		t.status = protocol.TaskStatusFailed
		c.finish(t, &substrate.Completion{
			Handle: t.handle,
			Err:    &chunkdist.TaskError{TaskID: t.handle.ID, Unit: t.handle.Unit, Msg: noWorkersMsg},
		})
	}

	log.Printf("[LOCAL] Failed %d queued tasks: %s", len(stranded), noWorkersMsg)
}

func (c *Cluster) removeIdle(t *task) {
	if i := slices.Index(c.idle, t); i >= 0 {
		c.idle = slices.Delete(c.idle, i, i+1)
	}
}

func (c *Cluster) dropRunning(t *task) {
	if w, ok := c.workers[t.worker]; ok {
		if i := slices.Index(w.running, t.handle.ID); i >= 0 {
			w.running = slices.Delete(w.running, i, i+1)
		}
	}
}
