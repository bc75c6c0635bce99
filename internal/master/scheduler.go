package master

import (
	"context"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/google/uuid"

	"pkg.jsn.cam/chunkdist/internal/substrate"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist/protocol"
)

// task is a queued chunk and the feed its outcome is delivered to
type task struct {
	*protocol.ChunkTask
	feed *feed
}

// feed carries the completions of one Submit call. It closes once every
// task in it is completed, failed or cancelled.
type feed struct {
	ch        chan substrate.Completion
	remaining int
	ids       []string
}

// Submit queues one task per submission
func (m *Master) Submit(_ context.Context, spec chunkdist.TaskSpec, subs []substrate.Submission) ([]substrate.TaskHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return nil, fmt.Errorf("master closed")
	}

	f := &feed{ch: make(chan substrate.Completion, len(subs)), remaining: len(subs)}
	handles := make([]substrate.TaskHandle, len(subs))

	for i, s := range subs {
		t := &task{
			ChunkTask: &protocol.ChunkTask{
				ID:      uuid.New().String(),
				RunID:   m.currentRunID,
				Status:  protocol.TaskStatusIdle,
				Version: uuid.New().String(),
				Unit:    s.Unit,
				Spec:    spec,
				Hint:    s.Hint,
			},
			feed: f,
		}
		m.tasks[t.ID] = t
		m.feeds[t.ID] = f
		m.idle = append(m.idle, t)
		f.ids = append(f.ids, t.ID)
		handles[i] = substrate.TaskHandle{ID: t.ID, Unit: s.Unit}
	}
	if f.remaining == 0 {
		close(f.ch)
	}

	log.Printf("[MASTER] Queued %d tasks (%d idle)", len(subs), len(m.idle))

	return handles, nil
}

// AsCompleted streams the outcomes of handles in completion order
func (m *Master) AsCompleted(ctx context.Context, handles []substrate.TaskHandle) <-chan []substrate.Completion {
	m.mu.Lock()
	var feeds []*feed
	for _, h := range handles {
		if f, ok := m.feeds[h.ID]; ok && !slices.Contains(feeds, f) {
			feeds = append(feeds, f)
		}
	}
	for _, f := range feeds {
		for _, id := range f.ids {
			delete(m.feeds, id)
		}
	}
	m.mu.Unlock()

	ins := make([]<-chan substrate.Completion, len(feeds))
	for i, f := range feeds {
		ins[i] = f.ch
	}

	return substrate.Batch(ctx, substrate.Merge(ctx, ins...), 0)
}

// Cancel drops queued tasks and abandons running ones. Workers running an
// abandoned task are told to stop it; results that still arrive for a
// cancelled task are not acknowledged.
func (m *Master) Cancel(_ context.Context, handles []substrate.TaskHandle) error {
	m.mu.Lock()

	n := 0
	stop := make(map[string][]string) // task IDs by worker
	for _, h := range handles {
		t, ok := m.tasks[h.ID]
		if !ok {
			continue
		}

		switch t.Status {
		case protocol.TaskStatusIdle:
			m.removeIdle(t)
		case protocol.TaskStatusInProgress:
			m.dropRunning(t)
			stop[t.WorkerID] = append(stop[t.WorkerID], t.ID)
		default:
			continue
		}

		t.Status = protocol.TaskStatusCancelled
		m.finish(t, nil)
		n++
	}

	var notes []cancelNote
	for workerID, ids := range stop {
		w, ok := m.workers[workerID]
		if !ok {
			continue
		}
		// Heartbeats carry the list too, in case the push is lost
		m.cancels[workerID] = append(m.cancels[workerID], ids...)
		notes = append(notes, cancelNote{
			workerID: workerID,
			endpoint: w.DataEndpoint,
			req:      protocol.CancelTasksRequest{TaskIDs: ids},
		})
	}

	m.mu.Unlock()

	if n > 0 {
		log.Printf("[MASTER] Cancelled %d tasks", n)
	}
	m.notifyWorkers(notes)

	return nil
}

// cancelNote is a cancel or kill request for one worker's data server
type cancelNote struct {
	workerID string
	endpoint string
	req      protocol.CancelTasksRequest
}

// notifyWorkers pushes cancel requests without waiting for the answers
func (m *Master) notifyWorkers(notes []cancelNote) {
	for _, note := range notes {
		if note.endpoint == "" {
			continue
		}
		go func() {
			ctx, cancel := context.WithTimeout(m.ctx, m.keyQueryTimeout)
			defer cancel()

			if _, err := m.client.CancelTasks(ctx, note.endpoint, note.req); err != nil {
				log.Printf("[MASTER] Cancel request to worker %s failed: %v", note.workerID, err)
			}
		}()
	}
}

// GetNextTask returns the next task for a worker, preferring tasks hinted at it
func (m *Master) GetNextTask(workerID string) protocol.Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.retired[workerID] {
		return protocol.Assignment{Type: protocol.AssignmentShutdown}
	}

	w, exists := m.workers[workerID]
	if !exists {
		return protocol.Assignment{Type: protocol.AssignmentNone}
	}
	if w.Retiring != "" {
		if len(w.Running) == 0 {
			return protocol.Assignment{Type: protocol.AssignmentShutdown}
		}
		return protocol.Assignment{Type: protocol.AssignmentNone}
	}
	if len(w.Running) >= w.Slots {
		return protocol.Assignment{Type: protocol.AssignmentNone}
	}

	i := substrate.Pick(workerID, m.idle, func(t *task) []string { return t.Hint })
	if i < 0 {
		return protocol.Assignment{Type: protocol.AssignmentNone}
	}

	t := m.idle[i]
	m.idle = slices.Delete(m.idle, i, i+1)

	t.Status = protocol.TaskStatusInProgress
	t.WorkerID = workerID
	t.StartTime = time.Now()
	t.Version = uuid.New().String() // New version for idempotency
	w.Running = append(w.Running, t.ID)

	log.Printf("[MASTER] Assigned task %s (%s) to worker %s", t.ID, t.Unit, workerID)

	snapshot := *t.ChunkTask
	return protocol.Assignment{Type: protocol.AssignmentChunk, Task: &snapshot}
}

// CompleteTask records a worker's outcome for a task. It reports whether
// the outcome was accepted.
func (m *Master) CompleteTask(taskID, workerID string, req protocol.TaskCompletionRequest) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.tasks[taskID]
	if !exists {
		log.Printf("[MASTER] Task %s not found", taskID)
		return false
	}

	// Check version for idempotency
	if t.Version != req.Version {
		log.Printf("[MASTER] Task %s version mismatch (expected %s, got %s)",
			taskID, t.Version, req.Version)
		return false
	}

	if t.Status != protocol.TaskStatusInProgress || t.WorkerID != workerID {
		log.Printf("[MASTER] Task %s not in progress on %s (status: %s)", taskID, workerID, t.Status)
		return false
	}

	m.dropRunning(t)

	if req.Success && req.Result != nil {
		t.Status = protocol.TaskStatusCompleted
		t.CompletedAt = time.Now()
		m.finish(t, &substrate.Completion{
			Handle:   substrate.TaskHandle{ID: t.ID, Unit: t.Unit},
			Result:   req.Result,
			WorkerID: workerID,
		})
		return true
	}

	msg := req.Error
	if msg == "" {
		msg = "worker reported failure without a result"
	}
	log.Printf("[MASTER] Task %s failed on worker %s: %s", taskID, workerID, msg)
	m.requeueTask(t, msg)

	return true
}

// requeueTask returns a failed or abandoned attempt to the queue, or fails
// the task once it has used up its retries (called with lock held)
func (m *Master) requeueTask(t *task, reason string) {
	t.RetryCount++
	failedOn := t.WorkerID
	t.WorkerID = ""

	if t.RetryCount < m.maxRetries {
		t.Status = protocol.TaskStatusIdle
		m.idle = append(m.idle, t)
		log.Printf("[MASTER] Requeued task %s (retry %d)", t.ID, t.RetryCount)
		return
	}

	t.Status = protocol.TaskStatusFailed
	t.CompletedAt = time.Now()
	m.finish(t, &substrate.Completion{
		Handle:   substrate.TaskHandle{ID: t.ID, Unit: t.Unit},
		WorkerID: failedOn,
		Err:      &chunkdist.TaskError{TaskID: t.ID, Unit: t.Unit, Msg: reason},
	})
}

// finish delivers a terminal outcome (nil for cancellation) and forgets
// the task (called with lock held)
func (m *Master) finish(t *task, out *substrate.Completion) {
	if out != nil {
		t.feed.ch <- *out // buffered for every task of the feed
	}
	delete(m.tasks, t.ID)

	t.feed.remaining--
	if t.feed.remaining == 0 {
		close(t.feed.ch)
	}
}

func (m *Master) removeIdle(t *task) {
	if i := slices.Index(m.idle, t); i >= 0 {
		m.idle = slices.Delete(m.idle, i, i+1)
	}
}

func (m *Master) dropRunning(t *task) {
	if w, ok := m.workers[t.WorkerID]; ok {
		if i := slices.Index(w.Running, t.ID); i >= 0 {
			w.Running = slices.Delete(w.Running, i, i+1)
		}
	}
}

// TaskCounts returns the number of tasks per status still tracked
func (m *Master) TaskCounts() map[protocol.TaskStatus]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[protocol.TaskStatus]int)
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts
}
