package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-qdma"
	"github.com/ehrlich-b/go-qdma/backend"
	"github.com/ehrlich-b/go-qdma/internal/config"
	"github.com/ehrlich-b/go-qdma/internal/logging"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to a YAML config file")
		verbose    = flag.Bool("v", false, "Verbose output")
		requests   = flag.Int("requests", 0, "Number of requests to post")
		sizeStr    = flag.String("size", "", "Request size (e.g., 4K, 1M)")
		workers    = flag.Int("workers", 0, "Number of posting goroutines")
		blocking   = flag.Bool("blocking", false, "Post blocking requests")
		cancelFrac = flag.Float64("cancel", 0, "Fraction of requests to cancel (0-1)")
		direction  = flag.String("direction", "", "Queue direction: h2c or c2h")
		mode       = flag.String("mode", "", "Queue mode: mm or st")
		listen     = flag.String("stats-listen", "", "Serve Prometheus metrics on this address")
	)
	flag.Parse()

	var paths []string
	if *configPath != "" {
		paths = append(paths, *configPath)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Flags override the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "requests":
			cfg.Workload.Requests = *requests
		case "size":
			size, err := parseSize(*sizeStr)
			if err != nil {
				log.Fatalf("Invalid size '%s': %v", *sizeStr, err)
			}
			cfg.Workload.RequestSize = uint64(size)
		case "workers":
			cfg.Workload.Workers = *workers
		case "blocking":
			cfg.Workload.Blocking = *blocking
		case "cancel":
			cfg.Workload.CancelFraction = *cancelFrac
		case "direction":
			cfg.Queue.Direction = *direction
		case "mode":
			cfg.Queue.Mode = *mode
		case "stats-listen":
			cfg.Stats.Listen = *listen
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Set up logging
	logConfig := logging.DefaultConfig()
	logConfig.Format = cfg.Log.Format
	if lvl, err := logging.ParseLevel(cfg.Log.Level); err == nil {
		logConfig.Level = lvl
	}
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)
	defer logger.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()
	dumpStacksOn(syscall.SIGUSR1)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("workload failed", "error", err)
		logger.Close()
		os.Exit(1)
	}
}

type tally struct {
	success  atomic.Uint64
	failed   atomic.Uint64
	canceled atomic.Uint64
	bytes    atomic.Uint64
}

func (t *tally) record(res qdma.Result) {
	switch res.Outcome {
	case qdma.OutcomeSuccess:
		t.success.Add(1)
		t.bytes.Add(res.Bytes)
	case qdma.OutcomeCanceled:
		t.canceled.Add(1)
	default:
		t.failed.Add(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	total := uint64(cfg.Workload.Requests) * cfg.Workload.RequestSize

	iommu := backend.NewIOMMU(0)
	mem := backend.NewMemory(cfg.Engine.MemorySize)
	defer mem.Close()

	sink := &countingWriter{}
	engine, err := backend.NewLoopback(backend.LoopbackOptions{
		IOMMU:      iommu,
		Memory:     mem,
		Sink:       sink,
		Source:     io.LimitReader(zeroReader{}, int64(total)),
		C2HBufSize: cfg.Queue.C2HBufSize,
		Latency:    cfg.Engine.Latency,
		FailEvery:  cfg.Engine.FailEvery,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	registry := metrics.NewRegistry()
	params := qdma.DefaultParams()
	params.QueueIndex = cfg.Queue.QueueIndex()
	params.RingSize = cfg.Queue.RingSize
	params.C2H = cfg.Queue.C2H()
	params.Streaming = cfg.Queue.Streaming()
	params.EnableEOT = cfg.Queue.EOT
	params.C2HBufSize = cfg.Queue.C2HBufSize
	params.PrivDataSize = cfg.Queue.PrivDataSize
	params.MaxDescLen = cfg.Queue.MaxDescLen

	wq, err := qdma.Create(engine, params, &qdma.Options{Logger: logger, Registry: registry})
	if err != nil {
		return fmt.Errorf("create work queue: %w", err)
	}
	defer func() {
		if err := wq.Close(); err != nil {
			logger.Error("error closing work queue", "error", err)
		}
	}()

	info, _ := json.Marshal(wq.Info())
	logger.Info("work queue created", "info", string(info))

	if cfg.Stats.Listen != "" {
		srv := startStats(cfg.Stats, wq, registry, logger)
		defer srv.Close()
	}

	var (
		t       tally
		next    atomic.Int64
		pending sync.WaitGroup
	)
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workload.Workers; w++ {
		g.Go(func() error {
			for {
				i := next.Add(1) - 1
				if i >= int64(cfg.Workload.Requests) {
					return nil
				}
				if err := postOne(gctx, cfg, wq, iommu, i, &t, &pending); err != nil {
					return err
				}
			}
		})
	}
	err = g.Wait()

	waitTimeout(&pending, cfg.Workload.Timeout, logger)
	elapsed := time.Since(start)

	s := wq.Stats()
	snap := wq.MetricsSnapshot()
	fmt.Printf("Requests: %d succeeded, %d failed, %d canceled\n",
		t.success.Load(), t.failed.Load(), t.canceled.Load())
	fmt.Printf("Bytes:    %s moved in %s (%s/s)\n",
		formatSize(int64(t.bytes.Load())), elapsed.Round(time.Millisecond),
		formatSize(int64(float64(t.bytes.Load())/elapsed.Seconds())))
	fmt.Printf("Queue:    submitted=%d completed=%d bytes_completed=%d free=%d/%d\n",
		s.RequestsSubmitted, s.RequestsCompleted, s.BytesCompleted, s.FreeSlots, s.TotalSlots)
	fmt.Printf("Latency:  avg=%s p50=%s p99=%s max_depth=%d\n",
		time.Duration(snap.AvgLatencyNs), time.Duration(snap.LatencyP50Ns),
		time.Duration(snap.LatencyP99Ns), snap.MaxQueueDepth)
	if params.Streaming && !params.C2H {
		fmt.Printf("Sink:     %d bytes\n", sink.n.Load())
	}
	if !params.Streaming {
		ms := mem.Stats()
		fmt.Printf("Memory:   %s card memory, %v bytes allocated\n",
			formatSize(ms["size"].(int64)), ms["allocated"])
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// postOne posts request i, retrying while the queue is full
func postOne(ctx context.Context, cfg *config.Config, wq *qdma.WorkQueue, iommu *backend.IOMMU,
	i int64, t *tally, pending *sync.WaitGroup) error {
	size := cfg.Workload.RequestSize
	buf := make([]byte, size)
	if !cfg.Queue.C2H() {
		for j := range buf {
			buf[j] = byte(i) + byte(j)
		}
	}
	frags := iommu.Fragments(splitBuffer(buf, cfg.Workload.Fragments, qdma.H2CAlignMask+1)...)

	frac := cfg.Workload.CancelFraction
	cancelIt := int(float64(i+1)*frac) > int(float64(i)*frac)

	req := &qdma.Request{
		Fragments: frags,
		Length:    size,
		Write:     !cfg.Queue.C2H(),
		EPAddr:    uint64(i) * size,
		Block:     cfg.Workload.Blocking,
		EOT:       cfg.Queue.EOT && i == int64(cfg.Workload.Requests)-1,
	}

	postCtx := ctx
	if req.Block {
		var cancel context.CancelFunc
		if cancelIt {
			postCtx, cancel = context.WithCancel(ctx)
			cancel()
		} else {
			postCtx, cancel = context.WithTimeout(ctx, cfg.Workload.Timeout)
		}
		defer cancel()
	} else {
		req.Done = func(res qdma.Result) {
			t.record(res)
			iommu.UnmapFragments(frags)
			pending.Done()
		}
	}

	for {
		if !req.Block {
			pending.Add(1)
		}
		n, err := wq.Post(postCtx, req)
		switch {
		case errors.Is(err, qdma.ErrWouldBlock):
			if !req.Block {
				pending.Done()
			}
			select {
			case <-ctx.Done():
				iommu.UnmapFragments(frags)
				return ctx.Err()
			case <-time.After(100 * time.Microsecond):
			}
			continue
		case req.Block:
			iommu.UnmapFragments(frags)
			outcome := qdma.OutcomeSuccess
			if errors.Is(err, context.Canceled) || errors.Is(err, qdma.ErrCanceled) {
				outcome = qdma.OutcomeCanceled
			} else if err != nil {
				outcome = qdma.OutcomeError
			}
			t.record(qdma.Result{Bytes: uint64(n), Outcome: outcome})
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		case err != nil:
			pending.Done()
			iommu.UnmapFragments(frags)
			return fmt.Errorf("post request %d: %w", i, err)
		}

		if cancelIt {
			if err := wq.CancelLatest(); err != nil && !errors.Is(err, qdma.ErrNothingToCancel) {
				return fmt.Errorf("cancel request %d: %w", i, err)
			}
		}
		return nil
	}
}

// splitBuffer cuts buf into at most n pieces; every piece but the last is a
// multiple of align
func splitBuffer(buf []byte, n int, align int) [][]byte {
	if n <= 1 || len(buf) <= align {
		return [][]byte{buf}
	}
	piece := (len(buf)/n + align - 1) / align * align
	if piece == 0 {
		piece = align
	}
	var out [][]byte
	for len(buf) > piece {
		out = append(out, buf[:piece])
		buf = buf[piece:]
	}
	return append(out, buf)
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration, logger *logging.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("timed out waiting for outstanding requests", "timeout", timeout)
	}
}

func startStats(sc config.Stats, wq *qdma.WorkQueue, registry metrics.Registry, logger *logging.Logger) *http.Server {
	pr := prometheus.NewRegistry()
	pr.MustRegister(qdma.NewCollector(wq, sc.Namespace))

	pClient := mp.NewPrometheusProvider(registry, sc.Namespace, "metrics", pr, sc.Interval)
	go pClient.UpdatePrometheusMetrics()

	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: sc.Namespace,
		Name:      "info",
		Help:      "Build information for the qdma-loopback binary",
		ConstLabels: prometheus.Labels{
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	mux := http.NewServeMux()
	mux.Handle(sc.Path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: sc.Listen, Handler: mux}
	go func() {
		logger.Info("prometheus stats listening", "listen", sc.Listen, "path", sc.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("stats server failed", "error", err)
		}
	}()
	return srv
}

func dumpStacksOn(sig os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig)
	go func() {
		for range ch {
			buf := make([]byte, 1024*1024)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])
		}
	}()
}

type countingWriter struct {
	n atomic.Uint64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n.Add(uint64(len(p)))
	return len(p), nil
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// parseSize parses a size string like "64M", "1G", "512K"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	if strings.HasSuffix(s, "K") {
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	} else if strings.HasSuffix(s, "M") {
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	} else if strings.HasSuffix(s, "G") {
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	} else {
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}

	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
