package master

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pkg.jsn.cam/chunkdist/pkg/chunkdist/protocol"
	"pkg.jsn.cam/chunkdist/pkg/httpx"
)

func TestCheckWorkerHealth_RemovesDeadWorkers(t *testing.T) {
	m := createTestMaster(t)
	registerWorker(t, m, "worker-1", 1)
	registerWorker(t, m, "worker-2", 1)
	submit(t, m, sub("a"))

	a := m.GetNextTask("worker-1")

	// worker-2 keeps heartbeating
	later := time.Now().Add(m.heartbeatTimeout + time.Second)
	m.mu.Lock()
	m.workers["worker-2"].LastHeartbeat = later
	m.mu.Unlock()

	dead := m.checkWorkerHealth(later)
	require.Equal(t, []string{"worker-1"}, dead)

	again := m.GetNextTask("worker-2")
	require.Equal(t, a.Task.ID, again.Task.ID, "dead worker's task is requeued")

	// A worker that was only presumed dead may come back
	require.False(t, m.UpdateHeartbeat("worker-1", protocol.HeartbeatRequest{}).OK)
	registerWorker(t, m, "worker-1", 1)
}

func TestCheckWorkerHealth_NothingDead(t *testing.T) {
	m := createTestMaster(t)
	registerWorker(t, m, "worker-1", 1)

	require.Empty(t, m.checkWorkerHealth(time.Now()))
	require.Len(t, m.ListWorkers(), 1)
}

func TestStartHealthMonitor_StopsOnClose(t *testing.T) {
	m, err := NewMaster(Config{HealthInterval: 10 * time.Millisecond, HeartbeatTimeout: 20 * time.Millisecond})
	require.NoError(t, err)

	registerWorker(t, m, "worker-1", 1)
	m.StartHealthMonitor()

	require.Eventually(t, func() bool {
		return len(m.ListWorkers()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Close())
}

func TestQueryAllKeys(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, protocol.CacheKeysResponse{WorkerID: "worker-1", Keys: []string{"a.csv", "b.csv"}})
	}))
	defer good.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.Error(w, http.StatusInternalServerError, "cache on fire")
	}))
	defer broken.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer slow.Close()

	m, err := NewMaster(Config{KeyQueryTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	defer m.Close()

	for id, url := range map[string]string{"worker-1": good.URL, "worker-2": broken.URL, "worker-3": slow.URL} {
		require.NoError(t, m.RegisterWorker(protocol.WorkerRegistrationRequest{
			WorkerID: id, Version: protocol.Version, DataEndpoint: url,
		}))
	}

	keys := m.QueryAllKeys(context.Background())
	require.Len(t, keys, 3, "unreachable workers are reported as holding nothing")
	require.Equal(t, []string{"a.csv", "b.csv"}, keys["worker-1"])
	require.Empty(t, keys["worker-2"])
	require.Empty(t, keys["worker-3"])
}

func TestCancelAndKill_PushedToWorker(t *testing.T) {
	got := make(chan protocol.CancelTasksRequest, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tasks/cancel", r.URL.Path)
		var req protocol.CancelTasksRequest
		if !httpx.Decode(w, r, &req) {
			return
		}
		got <- req
		httpx.JSON(w, http.StatusOK, protocol.CancelTasksResponse{Cancelled: len(req.TaskIDs)})
	}))
	defer srv.Close()

	m := createTestMaster(t)
	require.NoError(t, m.RegisterWorker(protocol.WorkerRegistrationRequest{
		WorkerID: "worker-1", Version: protocol.Version, DataEndpoint: srv.URL, Slots: 1,
	}))
	handles := submit(t, m, sub("a"))
	a := m.GetNextTask("worker-1")

	require.NoError(t, m.Cancel(context.Background(), handles))

	select {
	case req := <-got:
		require.Equal(t, []string{a.Task.ID}, req.TaskIDs)
		require.False(t, req.Kill)
	case <-time.After(5 * time.Second):
		t.Fatal("worker was not told to stop the cancelled task")
	}

	require.NoError(t, m.Retire(context.Background(), []string{"worker-1"}, protocol.RetireKill))

	select {
	case req := <-got:
		require.True(t, req.Kill)
	case <-time.After(5 * time.Second):
		t.Fatal("worker was not told it was killed")
	}
}
