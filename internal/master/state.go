package master

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"pkg.jsn.cam/chunkdist/internal/driver"
	"pkg.jsn.cam/chunkdist/internal/monitor"
	"pkg.jsn.cam/chunkdist/internal/source"
	"pkg.jsn.cam/chunkdist/internal/worker"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist/protocol"
)

// WorkerInfo tracks information about a registered worker
type WorkerInfo struct {
	ID               string
	Version          string
	DataEndpoint     string
	ClassAds         map[string]string
	Slots            int
	LastHeartbeat    time.Time
	NumCachedSources int
	Running          []string // task IDs in assignment order
	Retiring         protocol.RetireMode
}

// Master coordinates chunk execution across registered workers. It is the
// cluster implementation of substrate.Substrate and runs batches one at a
// time through a driver.Runner.
type Master struct {
	// Configuration
	heartbeatTimeout time.Duration
	healthInterval   time.Duration
	maxRetries       int
	keyQueryTimeout  time.Duration
	storage          Storage

	client  *worker.Client
	runner  *driver.Runner
	monitor *monitor.Monitor

	ctx    context.Context
	cancel context.CancelFunc

	// Run management
	runs         map[string]*protocol.Run
	runQueue     []string
	currentRunID string
	cancelRun    context.CancelFunc

	// Task table
	tasks map[string]*task
	feeds map[string]*feed // by task ID, until claimed by AsCompleted
	idle  []*task          // queued tasks in submission order

	// Worker registry
	workers map[string]*WorkerInfo
	retired map[string]bool     // killed workers, barred from re-registering
	cancels map[string][]string // abandoned task IDs to send, by worker

	mu sync.RWMutex
}

// Config holds master configuration
type Config struct {
	Port             int
	HeartbeatTimeout time.Duration // default 30s
	HealthInterval   time.Duration // default 5s
	MaxRetries       int           // default 3
	KeyQueryTimeout  time.Duration // per worker, default 5s
	StuckThreshold   time.Duration // default monitor.DefaultThreshold
	StuckInterval    time.Duration // default monitor.DefaultInterval
	RetireMode       protocol.RetireMode
	DBPath           string // Path to bbolt database (empty = no persistence)
	Counter          source.Counter
	PlannerWorkers   int
}

// NewMaster creates a new master instance
func NewMaster(cfg Config) (*Master, error) {
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.KeyQueryTimeout == 0 {
		cfg.KeyQueryTimeout = 5 * time.Second
	}

	storage, err := openStorage(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Master{
		heartbeatTimeout: cfg.HeartbeatTimeout,
		healthInterval:   cfg.HealthInterval,
		maxRetries:       cfg.MaxRetries,
		keyQueryTimeout:  cfg.KeyQueryTimeout,
		storage:          storage,
		client:           worker.NewClient(""),
		ctx:              ctx,
		cancel:           cancel,
		runs:             make(map[string]*protocol.Run),
		tasks:            make(map[string]*task),
		feeds:            make(map[string]*feed),
		workers:          make(map[string]*WorkerInfo),
		retired:          make(map[string]bool),
		cancels:          make(map[string][]string),
	}

	m.runner = driver.New(driver.Config{
		Substrate:      m,
		Counter:        cfg.Counter,
		PlannerWorkers: cfg.PlannerWorkers,
	})
	m.monitor = monitor.New(monitor.Config{
		Substrate: m,
		Threshold: cfg.StuckThreshold,
		Interval:  cfg.StuckInterval,
		Mode:      cfg.RetireMode,
	})

	// Restore state from storage
	if err := m.restore(); err != nil {
		log.Printf("[MASTER] Warning: Failed to restore state: %v", err)
	}

	log.Printf("[MASTER] Initialized (ready for run submissions)")
	return m, nil
}

// Close stops the background loops and the current run, then closes storage
func (m *Master) Close() error {
	m.cancel()
	return m.storage.Close()
}

// RegisterWorker registers a worker after checking protocol compatibility
func (m *Master) RegisterWorker(req protocol.WorkerRegistrationRequest) error {
	compatible, err := protocol.IsCompatibleVersion(req.Version, protocol.Version)
	if err != nil {
		return fmt.Errorf("%w: %w", chunkdist.ErrIncompatibleVersion, err)
	}
	if !compatible {
		return fmt.Errorf("%w: %s", chunkdist.ErrIncompatibleVersion,
			protocol.CompatibilityError(req.Version, protocol.Version))
	}
	if req.WorkerID == "" {
		return fmt.Errorf("%w: worker_id required", chunkdist.ErrRegistrationFailed)
	}

	slots := req.Slots
	if slots <= 0 {
		slots = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.retired[req.WorkerID] {
		return fmt.Errorf("%w: worker %s was retired", chunkdist.ErrRegistrationFailed, req.WorkerID)
	}

	// Re-registration keeps the tasks the worker is still running
	var running []string
	if prev, ok := m.workers[req.WorkerID]; ok {
		running = prev.Running
	}

	m.workers[req.WorkerID] = &WorkerInfo{
		ID:            req.WorkerID,
		Version:       req.Version,
		DataEndpoint:  req.DataEndpoint,
		ClassAds:      req.ClassAds,
		Slots:         slots,
		LastHeartbeat: time.Now(),
		Running:       running,
	}
	log.Printf("[MASTER] Worker registered: %s (version: %s, endpoint: %s, slots: %d, total: %d)",
		req.WorkerID, req.Version, req.DataEndpoint, slots, len(m.workers))

	return nil
}

// UpdateHeartbeat records a heartbeat and the worker's cache gauge
func (m *Master) UpdateHeartbeat(workerID string, req protocol.HeartbeatRequest) protocol.HeartbeatResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.retired[workerID] {
		return protocol.HeartbeatResponse{OK: false, Retire: true, Kill: true}
	}

	w, exists := m.workers[workerID]
	if !exists {
		return protocol.HeartbeatResponse{OK: false}
	}

	w.LastHeartbeat = time.Now()
	w.NumCachedSources = req.NumCachedSources

	cancel := m.cancels[workerID]
	delete(m.cancels, workerID)

	return protocol.HeartbeatResponse{OK: true, Retire: w.Retiring != "", Cancel: cancel}
}

// ListWorkers returns all workers with their current status
func (m *Master) ListWorkers() []protocol.WorkerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	workers := make([]protocol.WorkerInfo, 0, len(m.workers))
	now := time.Now()

	for _, w := range m.workers {
		workers = append(workers, protocol.WorkerInfo{
			ID:               w.ID,
			DataEndpoint:     w.DataEndpoint,
			Machine:          w.ClassAds["Machine"],
			Retiring:         w.Retiring,
			RunningTasks:     slices.Clone(w.Running),
			Slots:            w.Slots,
			NumCachedSources: w.NumCachedSources,
			LastHeartbeat:    w.LastHeartbeat,
			Online:           now.Sub(w.LastHeartbeat) < m.heartbeatTimeout,
		})
	}

	slices.SortFunc(workers, func(a, b protocol.WorkerInfo) int {
		return strings.Compare(a.ID, b.ID)
	})

	return workers
}
