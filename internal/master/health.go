package master

import (
	"log"
	"time"
)

// StartHealthMonitor starts the goroutines that watch worker liveness and
// stuck head-of-line tasks. Both stop when the master is closed.
func (m *Master) StartHealthMonitor() {
	go func() {
		ticker := time.NewTicker(m.healthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.checkWorkerHealth(time.Now())
			}
		}
	}()

	go m.monitor.Run(m.ctx)

	log.Printf("[MASTER] Health monitor started (timeout: %v)", m.heartbeatTimeout)
}

// checkWorkerHealth removes workers whose last heartbeat is older than the
// heartbeat timeout and requeues their tasks
func (m *Master) checkWorkerHealth(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dead []string
	for workerID, w := range m.workers {
		if since := now.Sub(w.LastHeartbeat); since > m.heartbeatTimeout {
			log.Printf("[MASTER] Worker %s is dead (last heartbeat: %v ago)", workerID, since.Round(time.Second))
			dead = append(dead, workerID)
		}
	}

	for _, workerID := range dead {
		w := m.workers[workerID]
		// Not barred: a dead worker that comes back may register again
		m.removeWorker(w, "worker lost")
		log.Printf("[MASTER] Removed dead worker %s", workerID)
	}

	return dead
}
