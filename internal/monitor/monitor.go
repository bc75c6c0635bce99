// Package monitor retires workers whose head-of-line task has been running
// longer than a threshold.
package monitor

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"pkg.jsn.cam/chunkdist/internal/substrate"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist/protocol"
)

const (
	// DefaultInterval is the time between ticks
	DefaultInterval = 5 * time.Second
	// DefaultThreshold is how long a head task may run before its worker is retired
	DefaultThreshold = 10 * time.Minute
)

// Sample tracks the head task of one worker across ticks
type Sample struct {
	TaskID     string
	StartedAt  time.Time // first tick the task was seen at the head
	ObservedAt time.Time // latest tick
	Flagged    bool      // retire already requested for this task
}

// Substrate is what the monitor needs from the execution system
type Substrate interface {
	substrate.TaskTable
	substrate.Retirer
}

// Config configures a Monitor
type Config struct {
	Substrate Substrate
	Threshold time.Duration       // default 10m
	Interval  time.Duration       // default 5s
	Mode      protocol.RetireMode // default drain
	Clock     func() time.Time    // default time.Now
}

// Monitor samples the live processing table on a fixed interval. It only
// reads scheduler state and requests retirement; it never touches tasks.
type Monitor struct {
	sub       Substrate
	threshold time.Duration
	interval  time.Duration
	mode      protocol.RetireMode
	now       func() time.Time

	mu      sync.Mutex
	samples map[string]Sample // keyed by worker ID
}

// New creates a monitor
func New(cfg Config) *Monitor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Mode == "" {
		cfg.Mode = protocol.RetireDrain
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Monitor{
		sub:       cfg.Substrate,
		threshold: cfg.Threshold,
		interval:  cfg.Interval,
		mode:      cfg.Mode,
		now:       cfg.Clock,
		samples:   make(map[string]Sample),
	}
}

// Run ticks until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("[MONITOR] Started (threshold: %v, interval: %v, mode: %s)", m.threshold, m.interval, m.mode)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[MONITOR] Stopped")
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick samples the table once and retires workers whose head task reached
// the threshold. It returns the workers retired on this tick.
func (m *Monitor) Tick(ctx context.Context) []string {
	table, err := m.sub.LiveProcessingTable(ctx)
	if err != nil {
		log.Printf("[MONITOR] %v", fmt.Errorf("%w: %w", chunkdist.ErrMonitorTransient, err))
		return nil
	}

	now := m.now()

	m.mu.Lock()
	prev := m.samples
	m.mu.Unlock()

	// Rebuilt each tick so vanished workers drop out
	next := make(map[string]Sample, len(table))
	var stuck []string

	for workerID, tasks := range table {
		if len(tasks) == 0 {
			continue
		}
		head := tasks[0]

		s, ok := prev[workerID]
		if !ok || s.TaskID != head {
			s = Sample{TaskID: head, StartedAt: now}
		}
		s.ObservedAt = now

		if !s.Flagged && now.Sub(s.StartedAt) >= m.threshold {
			stuck = append(stuck, workerID)
		}
		next[workerID] = s
	}

	sort.Strings(stuck)
	var retired []string

	for _, workerID := range stuck {
		s := next[workerID]
		log.Printf("[MONITOR] Worker %s stuck on task %s for %v, retiring (%s)",
			workerID, s.TaskID, now.Sub(s.StartedAt), m.mode)

		// Unflagged samples are retried next tick
		if err := m.sub.Retire(ctx, []string{workerID}, m.mode); err != nil {
			log.Printf("[MONITOR] Retire %s failed: %v", workerID, err)
			continue
		}

		s.Flagged = true
		next[workerID] = s
		retired = append(retired, workerID)
	}

	m.mu.Lock()
	m.samples = next
	m.mu.Unlock()

	return retired
}

// Samples returns a copy of the current samples
func (m *Monitor) Samples() map[string]Sample {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Sample, len(m.samples))
	for k, v := range m.samples {
		out[k] = v
	}
	return out
}
