package worker

import (
	"log"
	"net"
	"net/http"
	"strconv"

	"pkg.jsn.cam/chunkdist/pkg/chunkdist/protocol"
	"pkg.jsn.cam/chunkdist/pkg/httpx"
)

// Server exposes a worker's cache to the master
type Server struct {
	node     *Node
	mux      *http.ServeMux
	listener net.Listener
	endpoint string // Full URL (e.g., "http://192.168.1.5:9001")
}

// NewServer creates a data server for node. An empty listenAddr picks an
// ephemeral port on every interface; an empty advertiseHost advertises the
// first non-loopback IPv4 address.
func NewServer(node *Node, listenAddr, advertiseHost string) (*Server, error) {
	if listenAddr == "" {
		listenAddr = ":0"
	}

	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	port := listener.Addr().(*net.TCPAddr).Port

	ip := advertiseHost
	if ip == "" {
		if ip, err = getLocalIP(); err != nil {
			ip = "127.0.0.1"
		}
	}

	s := &Server{
		node:     node,
		mux:      http.NewServeMux(),
		listener: listener,
		endpoint: "http://" + ip + ":" + strconv.Itoa(port),
	}

	s.setupRoutes()

	return s, nil
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /cache/keys", s.handleCacheKeys)
	s.mux.HandleFunc("POST /cache/clear", s.handleCacheClear)
	s.mux.HandleFunc("POST /tasks/cancel", s.handleCancelTasks)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /stats", s.handleStats)
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleCacheKeys(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, protocol.CacheKeysResponse{
		WorkerID: s.node.id,
		Keys:     s.node.cache.Keys(),
		Capacity: s.node.cache.Cap(),
	})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	n := s.node.cache.Len()
	s.node.cache.Clear()

	log.Printf("[WORKER-SERVER] Cleared %d cached sources", n)

	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCancelTasks(w http.ResponseWriter, r *http.Request) {
	var req protocol.CancelTasksRequest
	if !httpx.Decode(w, r, &req) {
		return
	}

	var n int
	if req.Kill {
		n = s.node.Kill("killed by master")
	} else {
		n = s.node.CancelTasks(req.TaskIDs)
	}

	httpx.JSON(w, http.StatusOK, protocol.CancelTasksResponse{Cancelled: n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, s.node.Stats())
}

// Start starts the HTTP server (non-blocking)
func (s *Server) Start() {
	log.Printf("[WORKER-SERVER] Starting data server on %s", s.endpoint)

	go func() {
		if err := http.Serve(s.listener, s.mux); err != nil {
			log.Printf("[WORKER-SERVER] Server stopped: %v", err)
		}
	}()
}

// GetEndpoint returns the full HTTP endpoint URL
func (s *Server) GetEndpoint() string {
	return s.endpoint
}

// Close closes the server
func (s *Server) Close() error {
	return s.listener.Close()
}

// getLocalIP returns the non-loopback local IP of the host
func getLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String(), nil
			}
		}
	}

	return "", net.ErrClosed
}
