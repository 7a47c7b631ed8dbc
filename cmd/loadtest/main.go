// Command loadtest blasts synthetic tracking hits at a running Forge
// socket and reports ingest-side latency, for sizing the channel
// capacities and pipeline worker count before a deployment.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smartpixl/forge/pkg/pixel"
)

type loadConfig struct {
	SocketPath     string
	FailoverDir    string
	NumHits        int
	Concurrency    int
	ReportInterval time.Duration
}

type loadStats struct {
	sent   atomic.Uint64
	failed atomic.Uint64

	mu        sync.Mutex
	latencies []time.Duration
}

var sampleUAs = []string{
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (X11; Linux x86_64; rv:126.0) Gecko/20100101 Firefox/126.0",
}

func main() {
	socketPath := flag.String("socket", "/tmp/SmartPiXL-Enrichment.sock", "Forge ingest socket")
	failoverDir := flag.String("failover", "./loadtest-failover", "spool directory for failed sends")
	numHits := flag.Int("hits", 10000, "number of hits to send")
	concurrency := flag.Int("concurrency", 8, "concurrent producer connections")
	reportInterval := flag.Duration("report", 5*time.Second, "stats reporting interval")
	flag.Parse()

	cfg := loadConfig{
		SocketPath:     *socketPath,
		FailoverDir:    *failoverDir,
		NumHits:        *numHits,
		Concurrency:    *concurrency,
		ReportInterval: *reportInterval,
	}

	slog.Info("Starting Forge ingest load test",
		"socket", cfg.SocketPath, "hits", cfg.NumHits, "concurrency", cfg.Concurrency)

	stats := runLoad(cfg)
	printResults(stats)
}

func runLoad(cfg loadConfig) *loadStats {
	stats := &loadStats{}
	perWorker := cfg.NumHits / cfg.Concurrency

	stop := make(chan struct{})
	go reportLoop(stats, cfg.ReportInterval, stop)

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			client := pixel.New(cfg.SocketPath, cfg.FailoverDir)
			defer client.Close()

			for i := 0; i < perWorker; i++ {
				rec := syntheticHit(worker, i)
				t0 := time.Now()
				if err := client.Send(rec); err != nil {
					stats.failed.Add(1)
					continue
				}
				lat := time.Since(t0)
				stats.sent.Add(1)
				stats.mu.Lock()
				stats.latencies = append(stats.latencies, lat)
				stats.mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	close(stop)

	elapsed := time.Since(start)
	slog.Info("Load complete", "elapsed", elapsed,
		"throughput_per_sec", float64(stats.sent.Load())/elapsed.Seconds())
	return stats
}

func syntheticHit(worker, seq int) *pixel.Record {
	return &pixel.Record{
		CompanyID:   fmt.Sprintf("%d", 1000+worker%5),
		PixelID:     fmt.Sprintf("load-%d", worker),
		IPAddress:   fmt.Sprintf("198.51.%d.%d", worker%256, seq%254+1),
		UserAgent:   sampleUAs[(worker+seq)%len(sampleUAs)],
		QueryString: fmt.Sprintf("sw=1920&sh=1080&seq=%d&mm=%d", seq, seq%40),
		RequestPath: "/t.gif",
		ReceivedAt:  time.Now().UTC(),
	}
}

func reportLoop(stats *loadStats, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			slog.Info("Progress", "sent", stats.sent.Load(), "failed", stats.failed.Load())
		}
	}
}

func printResults(stats *loadStats) {
	stats.mu.Lock()
	lats := append([]time.Duration(nil), stats.latencies...)
	stats.mu.Unlock()
	sort.Slice(lats, func(i, j int) bool { return lats[i] < lats[j] })

	fmt.Println("\n=== Forge Ingest Load Test Results ===")
	fmt.Printf("Sent:        %d\n", stats.sent.Load())
	fmt.Printf("Failed:      %d\n", stats.failed.Load())
	if len(lats) == 0 {
		return
	}
	fmt.Printf("Min latency: %v\n", lats[0])
	fmt.Printf("Max latency: %v\n", lats[len(lats)-1])
	fmt.Printf("P95 latency: %v\n", percentile(lats, 0.95))
	fmt.Printf("P99 latency: %v\n", percentile(lats, 0.99))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
