package master

import (
	"context"
	"log"
	"slices"

	"pkg.jsn.cam/chunkdist/pkg/chunkdist/protocol"
)

// LiveProcessingTable returns, per worker, the IDs of the tasks it is
// running in assignment order. The first entry is the head-of-line task.
func (m *Master) LiveProcessingTable(context.Context) (map[string][]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	table := make(map[string][]string, len(m.workers))
	for id, w := range m.workers {
		table[id] = slices.Clone(w.Running)
	}
	return table, nil
}

// Retire takes workers out of service. Drained workers get no new tasks
// and are told to shut down once their running tasks finish. Killed
// workers are dropped at once, told to abandon their tasks and barred from
// re-registering; their tasks are queued again.
func (m *Master) Retire(_ context.Context, workerIDs []string, mode protocol.RetireMode) error {
	if mode == "" {
		mode = protocol.RetireDrain
	}

	m.mu.Lock()
	var notes []cancelNote
	defer func() {
		m.mu.Unlock()
		m.notifyWorkers(notes)
	}()

	for _, id := range workerIDs {
		w, ok := m.workers[id]
		if !ok {
			continue
		}

		switch mode {
		case protocol.RetireKill:
			m.removeWorker(w, "worker killed")
			m.retired[w.ID] = true
			notes = append(notes, cancelNote{
				workerID: w.ID,
				endpoint: w.DataEndpoint,
				req:      protocol.CancelTasksRequest{Kill: true},
			})
		default:
			if w.Retiring == "" {
				w.Retiring = mode
			}
		}

		log.Printf("[MASTER] Retiring worker %s (%s)", id, mode)
	}

	return nil
}

// removeWorker forgets a worker and requeues everything it was running
// (called with lock held)
func (m *Master) removeWorker(w *WorkerInfo, reason string) {
	running := w.Running
	w.Running = nil

	for _, taskID := range running {
		if t, ok := m.tasks[taskID]; ok && t.Status == protocol.TaskStatusInProgress {
			m.requeueTask(t, reason)
		}
	}

	delete(m.workers, w.ID)
	delete(m.cancels, w.ID)
}
