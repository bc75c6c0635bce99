package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkg.jsn.cam/chunkdist/internal/source"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist/protocol"
)

// Config holds worker configuration
type Config struct {
	MasterURL         string
	PollInterval      time.Duration // default 500ms
	HeartbeatInterval time.Duration // default 10s
	Slots             int           // concurrent task loops, default 1
	CacheCapacity     int           // default 75
	ListenAddr        string        // data server address, default ":0"
	AdvertiseHost     string        // host put in the data endpoint URL
	Opener            source.Opener // default source.Registry
}

// Node represents a worker node
type Node struct {
	id        string
	client    *Client
	cache     *SourceCache
	processor *Processor
	server    *Server
	classAds  map[string]string
	config    Config

	retireOnce sync.Once
	retiring   chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelFunc // by task ID
	kill    context.CancelFunc            // cancels every task loop
	killed  bool
}

// NewNode creates a new worker node
func NewNode(cfg Config) (*Node, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}

	classAds, err := ReadClassAds()
	if err != nil {
		return nil, fmt.Errorf("read classads: %w", err)
	}

	workerID := uuid.New().String()
	cache := NewSourceCache(CacheConfig{Opener: cfg.Opener, Capacity: cfg.CacheCapacity})

	n := &Node{
		id:        workerID,
		client:    NewClient(cfg.MasterURL),
		cache:     cache,
		processor: NewProcessor(cache, workerID),
		classAds:  classAds,
		config:    cfg,
		retiring:  make(chan struct{}),
		running:   make(map[string]context.CancelFunc),
	}

	server, err := NewServer(n, cfg.ListenAddr, cfg.AdvertiseHost)
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}
	n.server = server

	return n, nil
}

// ID returns the worker's identifier
func (n *Node) ID() string {
	return n.id
}

// Stats returns the worker's cache and task counters
func (n *Node) Stats() protocol.WorkerStats {
	return protocol.WorkerStats{
		WorkerID:         n.id,
		NumCachedSources: n.cache.Len(),
		CacheCapacity:    n.cache.Cap(),
		CacheHits:        n.cache.Hits(),
		CacheMisses:      n.cache.Misses(),
		TasksDone:        n.processor.TasksDone(),
		ClassAds:         n.classAds,
	}
}

// Start registers with master and processes tasks until ctx is done or
// master retires the worker
func (n *Node) Start(ctx context.Context) error {
	ctx, kill := context.WithCancel(ctx)
	defer kill()

	n.mu.Lock()
	n.kill = kill
	if n.killed {
		kill()
	}
	n.mu.Unlock()

	log.Printf("[WORKER:%s] Starting worker (version: %s, slots: %d, cache: %d)",
		n.id, protocol.Version, n.config.Slots, n.cache.Cap())

	n.server.Start()
	defer n.server.Close()
	defer n.cache.Clear()

	log.Printf("[WORKER:%s] Data server started at %s", n.id, n.server.GetEndpoint())

	if len(n.classAds) > 0 {
		log.Printf("[WORKER:%s] Loaded %d classads (machine: %s)", n.id, len(n.classAds), n.classAds["Machine"])
	}

	if err := n.register(ctx); err != nil {
		log.Printf("[WORKER:%s] Registration failed: %v", n.id, err)
		return fmt.Errorf("registration failed: %w", err)
	}

	log.Printf("[WORKER:%s] Registration successful", n.id)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go n.heartbeatLoop(hbCtx)

	var wg sync.WaitGroup
	for slot := 0; slot < n.config.Slots; slot++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.taskLoop(ctx, slot)
		}()
	}
	wg.Wait()

	log.Printf("[WORKER:%s] Stopped", n.id)

	return nil
}

func (n *Node) register(ctx context.Context) error {
	_, err := n.client.Register(ctx, protocol.WorkerRegistrationRequest{
		ClassAds:     n.classAds,
		WorkerID:     n.id,
		Version:      protocol.Version,
		DataEndpoint: n.server.GetEndpoint(),
		Slots:        n.config.Slots,
	})
	return err
}

// retire stops the task loops from polling; running tasks finish
func (n *Node) retire(reason string) {
	n.retireOnce.Do(func() {
		log.Printf("[WORKER:%s] Retiring: %s", n.id, reason)
		close(n.retiring)
	})
}

// CancelTasks stops the listed tasks if they are running here. Their
// outcomes are not reported. It returns how many were running.
func (n *Node) CancelTasks(taskIDs []string) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	cancelled := 0
	for _, id := range taskIDs {
		if cancel, ok := n.running[id]; ok {
			cancel()
			cancelled++
		}
	}

	if cancelled > 0 {
		log.Printf("[WORKER:%s] Cancelled %d running tasks", n.id, cancelled)
	}
	return cancelled
}

// Kill retires the worker and stops every running task at once. It
// returns how many tasks were running.
func (n *Node) Kill(reason string) int {
	n.retire(reason)

	n.mu.Lock()
	defer n.mu.Unlock()

	n.killed = true
	if n.kill != nil {
		n.kill()
	}
	return len(n.running)
}

// taskLoop polls for and processes tasks one at a time
func (n *Node) taskLoop(ctx context.Context, slot int) {
	ticker := time.NewTicker(n.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[WORKER:%s] Slot %d shutting down", n.id, slot)
			return
		case <-n.retiring:
			return
		case <-ticker.C:
			a, err := n.client.GetNextTask(ctx, n.id)
			if err != nil {
				log.Printf("[WORKER:%s] Error getting next task: %v", n.id, err)
				continue
			}

			switch a.Type {
			case protocol.AssignmentNone:
				continue

			case protocol.AssignmentShutdown:
				n.retire("master requested shutdown")
				return

			case protocol.AssignmentChunk:
				if a.Task == nil {
					log.Printf("[WORKER:%s] Chunk assignment without a task", n.id)
					continue
				}
				n.runTask(ctx, a.Task)

			default:
				log.Printf("[WORKER:%s] Unknown assignment type: %s", n.id, a.Type)
			}
		}
	}
}

func (n *Node) runTask(ctx context.Context, task *protocol.ChunkTask) {
	taskCtx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.running[task.ID] = cancel
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.running, task.ID)
		n.mu.Unlock()
		cancel()
	}()

	req := protocol.TaskCompletionRequest{Version: task.Version, Success: true}

	result, err := n.processor.Process(taskCtx, task.Unit, task.Spec)
	if taskCtx.Err() != nil {
		// Master already gave up on this attempt
		log.Printf("[WORKER:%s] Task %s stopped: %v", n.id, task.ID, context.Cause(taskCtx))
		return
	}
	if err != nil {
		log.Printf("[WORKER:%s] Task %s failed: %v", n.id, task.ID, err)
		req.Success = false
		req.Error = err.Error()
	} else {
		req.Result = result
	}

	resp, err := n.client.CompleteTask(ctx, task.ID, n.id, req)
	if err != nil {
		log.Printf("[WORKER:%s] Failed to report task %s: %v", n.id, task.ID, err)
		return
	}
	if !resp.Acknowledged {
		log.Printf("[WORKER:%s] Task %s completion ignored: %s", n.id, task.ID, resp.Message)
	}
}

// heartbeatLoop sends periodic heartbeats carrying the cache gauge
func (n *Node) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(n.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := n.client.SendHeartbeat(ctx, n.id, n.cache.Len())
			if err != nil {
				log.Printf("[WORKER:%s] Heartbeat request failed: %v", n.id, err)
				continue
			}

			if resp.Kill {
				n.Kill("killed by master")
				return
			}
			n.CancelTasks(resp.Cancel)

			if resp.Retire {
				n.retire("retired by master")
				return
			}

			// Master restarted and lost our registration
			if !resp.OK {
				log.Printf("[WORKER:%s] Heartbeat rejected - master doesn't recognize worker, re-registering", n.id)

				if err := n.register(ctx); err != nil {
					log.Printf("[WORKER:%s] Re-registration failed: %v", n.id, err)
				} else {
					log.Printf("[WORKER:%s] Re-registration successful", n.id)
				}
			}
		}
	}
}
