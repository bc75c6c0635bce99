package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pkg.jsn.cam/chunkdist/internal/master"
	"pkg.jsn.cam/chunkdist/internal/worker"
	"pkg.jsn.cam/chunkdist/pkg/analyzers"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist"
	"pkg.jsn.cam/chunkdist/pkg/chunkdist/protocol"
)

const usage = `Usage: chunkdist <command> [flags]

Commands:
  master      run the coordinator
  worker      run a worker node
  run         submit a run (or execute it in-process with -local)
  runs        list runs
  status      show one run
  cancel      cancel a run
  workers     list workers
  retire      retire workers
  analyzers   list analyzers
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd {
	case "master":
		err = runMaster(args)
	case "worker":
		err = runWorker(ctx, args)
	case "run":
		err = runBatch(ctx, args)
	case "runs":
		err = listRuns(args)
	case "status":
		err = runStatus(args)
	case "cancel":
		err = cancelRun(args)
	case "workers":
		err = listWorkers(args)
	case "retire":
		err = retireWorkers(args)
	case "analyzers":
		for _, name := range analyzers.List() {
			a, _ := analyzers.Get(name)
			fmt.Printf("%-10s %s\n", name, a.Description())
		}
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		log.Fatal(err)
	}
}

func masterFlag(fs *flag.FlagSet) *string {
	def := os.Getenv("CHUNKDIST_MASTER")
	if def == "" {
		def = "http://localhost:8080"
	}
	return fs.String("master", def, "master URL (env CHUNKDIST_MASTER)")
}

func runMaster(args []string) error {
	fs := flag.NewFlagSet("master", flag.ExitOnError)
	port := fs.Int("port", 8080, "HTTP port")
	dbPath := fs.String("db", "", "bbolt database for run records (empty = in memory)")
	heartbeatTimeout := fs.Duration("heartbeat-timeout", 30*time.Second, "drop workers silent for this long")
	maxRetries := fs.Int("max-retries", 3, "attempts per chunk before it is reported failed")
	keyTimeout := fs.Duration("key-timeout", 5*time.Second, "per-worker cache key query timeout")
	stuckThreshold := fs.Duration("stuck-threshold", 10*time.Minute, "retire workers whose head task runs longer than this")
	stuckInterval := fs.Duration("stuck-interval", 5*time.Second, "stuck monitor tick")
	retireMode := fs.String("retire-mode", string(protocol.RetireDrain), "how stuck workers are retired: drain or kill")
	_ = fs.Parse(args)

	server, err := master.NewServer(master.Config{
		Port:             *port,
		HeartbeatTimeout: *heartbeatTimeout,
		MaxRetries:       *maxRetries,
		KeyQueryTimeout:  *keyTimeout,
		StuckThreshold:   *stuckThreshold,
		StuckInterval:    *stuckInterval,
		RetireMode:       protocol.RetireMode(*retireMode),
		DBPath:           *dbPath,
	})
	if err != nil {
		return err
	}
	defer server.Close()

	return server.Start(*port)
}

func runWorker(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	masterURL := masterFlag(fs)
	listen := fs.String("listen", ":0", "data server listen address")
	advertise := fs.String("advertise", "", "host in the data endpoint URL (default: first non-loopback IP)")
	slots := fs.Int("slots", 1, "concurrent chunks")
	cacheCap := fs.Int("cache", worker.DefaultCacheCapacity, "open sources kept per worker")
	poll := fs.Duration("poll", 500*time.Millisecond, "task poll interval")
	heartbeat := fs.Duration("heartbeat", 10*time.Second, "heartbeat interval")
	_ = fs.Parse(args)

	node, err := worker.NewNode(worker.Config{
		MasterURL:         *masterURL,
		PollInterval:      *poll,
		HeartbeatInterval: *heartbeat,
		Slots:             *slots,
		CacheCapacity:     *cacheCap,
		ListenAddr:        *listen,
		AdvertiseHost:     *advertise,
	})
	if err != nil {
		return err
	}

	return node.Start(ctx)
}

// optionsFlag collects repeated -opt key=value flags
type optionsFlag map[string]string

func (o optionsFlag) String() string {
	parts := make([]string, 0, len(o))
	for k, v := range o {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (o optionsFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("option %q is not key=value", s)
	}
	o[k] = v
	return nil
}

func runBatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	masterURL := masterFlag(fs)
	localMode := fs.Bool("local", false, "execute in-process instead of submitting to a master")
	localWorkers := fs.Int("workers", 4, "in-process workers with -local")
	analyzer := fs.String("analyzer", "count", "analyzer to run ("+strings.Join(analyzers.List(), ", ")+")")
	treeName := fs.String("tree", "", "table name for SQLite sources")
	chunkSize := fs.Uint64("chunk", 100000, "items per chunk")
	tailSkip := fs.Float64("tail-skip", 1.0, "stop once this fraction of chunks completed (1 = wait for all)")
	skipBad := fs.Bool("skip-bad", false, "skip files whose row count cannot be read")
	affinity := fs.Bool("affinity", true, "prefer workers that already hold a file open")
	wait := fs.Bool("wait", true, "wait for a submitted run and print its result")
	opts := optionsFlag{}
	fs.Var(opts, "opt", "analyzer option key=value (repeatable)")
	_ = fs.Parse(args)

	req := protocol.RunRequest{
		Files: fs.Args(),
		Spec: chunkdist.TaskSpec{
			Analyzer: *analyzer,
			Options:  opts,
			TreeName: *treeName,
		},
		ChunkSize:    *chunkSize,
		TailSkip:     *tailSkip,
		SkipBadFiles: *skipBad,
		UseAffinity:  *affinity,
	}

	if *localMode {
		return runLocal(ctx, req, *localWorkers)
	}

	runID, err := submitRunHTTP(*masterURL, req)
	if err != nil {
		return err
	}
	if !*wait {
		return nil
	}

	return waitForRunHTTP(ctx, *masterURL, runID)
}

func listRuns(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	masterURL := masterFlag(fs)
	_ = fs.Parse(args)

	return listRunsHTTP(*masterURL)
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	masterURL := masterFlag(fs)
	runID := fs.String("run", "", "run ID")
	_ = fs.Parse(args)

	if *runID == "" {
		return fmt.Errorf("-run is required")
	}
	return getRunStatusHTTP(*masterURL, *runID)
}

func cancelRun(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	masterURL := masterFlag(fs)
	runID := fs.String("run", "", "run ID")
	_ = fs.Parse(args)

	if *runID == "" {
		return fmt.Errorf("-run is required")
	}
	return cancelRunHTTP(*masterURL, *runID)
}

func listWorkers(args []string) error {
	fs := flag.NewFlagSet("workers", flag.ExitOnError)
	masterURL := masterFlag(fs)
	_ = fs.Parse(args)

	return listWorkersHTTP(*masterURL)
}

func retireWorkers(args []string) error {
	fs := flag.NewFlagSet("retire", flag.ExitOnError)
	masterURL := masterFlag(fs)
	mode := fs.String("mode", string(protocol.RetireDrain), "drain or kill")
	_ = fs.Parse(args)

	if fs.NArg() == 0 {
		return fmt.Errorf("no worker IDs given")
	}
	return retireWorkersHTTP(*masterURL, fs.Args(), protocol.RetireMode(*mode))
}
