package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nicktill/tinyroll/pkg/bulk"
	"github.com/nicktill/tinyroll/pkg/config"
	"github.com/nicktill/tinyroll/pkg/downsample"
	"github.com/nicktill/tinyroll/pkg/progress"
	"github.com/nicktill/tinyroll/pkg/rounding"
	"github.com/nicktill/tinyroll/pkg/server"
	badgerstore "github.com/nicktill/tinyroll/pkg/storage/badger"
	"github.com/nicktill/tinyroll/pkg/task"
	"github.com/nicktill/tinyroll/pkg/task/state"
)

const (
	shutdownTimeout   = 30 * time.Second
	badgerGCInterval  = 10 * time.Minute
	badgerGCDiscard   = 0.5
	serverReadDefault = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to tinyroll.yaml")
	flag.Parse()

	log.Println("Starting tinyroll...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if len(cfg.Shards) == 0 {
		log.Fatal("No shards configured; nothing to downsample")
	}

	round, err := cfg.Downsample.Rounding()
	if err != nil {
		log.Fatalf("Invalid downsample interval: %v", err)
	}

	for _, dir := range []string{cfg.Storage.SourcePath, cfg.Storage.TargetPath, cfg.Storage.StatePath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("Failed to create data directory %s: %v", dir, err)
		}
	}

	// Target index and task-state store are shared across shards
	index, err := badgerstore.OpenIndex(badgerstore.Config{
		Path:        cfg.Storage.TargetPath,
		MaxMemoryMB: cfg.Storage.MaxMemoryMB,
	})
	if err != nil {
		log.Fatalf("Failed to open target index: %v", err)
	}
	defer index.Close()

	states, err := state.OpenBadger(cfg.Storage.StatePath)
	if err != nil {
		log.Fatalf("Failed to open state store: %v", err)
	}
	defer states.Close()
	log.Printf("Target index at %s, state store at %s", cfg.Storage.TargetPath, cfg.Storage.StatePath)

	registry := server.NewRegistry()
	monitor := &server.RunMonitor{}
	hub := progress.NewHub(registry.Snapshots)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	stopGC := make(chan bool)
	wg.Add(1)
	go runBadgerGC(index, stopGC, &wg)

	// Admin API
	router := server.NewRouter(registry, monitor, hub)
	readTimeout, writeTimeout := serverTimeouts(cfg.Server)
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	go func() {
		log.Printf("Admin API listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Run every configured shard; each gets its own task and source shard
	runErr := runShards(ctx, cfg, round, index, states, registry, monitor)
	if runErr != nil {
		log.Printf("Downsampling finished with errors: %v", runErr)
	} else {
		log.Println("Downsampling finished cleanly")
	}

	// Keep serving the admin API until interrupted, so status stays
	// inspectable after the runs complete
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received...")
	cancel()
	close(stopGC)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown warning: %v", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("All background tasks stopped cleanly")
	case <-time.After(5 * time.Second):
		log.Println("Some background tasks did not stop in time (forcing exit)")
	}

	log.Println("tinyroll exited cleanly")
}

// runShards downsamples every configured shard concurrently and waits for
// all of them.
func runShards(ctx context.Context, cfg *config.Config, round rounding.Rounding, index *badgerstore.Index, states *state.BadgerStore, registry *server.Registry, monitor *server.RunMonitor) error {
	engineCfg := downsample.Config{
		Rounding:        round,
		TimestampField:  cfg.Downsample.TimestampField,
		TimestampFormat: cfg.Downsample.TimestampFormat,
		Metrics:         metricConfigs(cfg.Downsample.Metrics),
		Labels:          cfg.Downsample.Labels,
		Bulk: bulk.Config{
			MaxActions:       cfg.Bulk.MaxActions,
			MaxBatchBytes:    cfg.Bulk.MaxBatchBytes,
			MaxInFlightBytes: cfg.Bulk.MaxInFlightBytes,
			MaxRetries:       cfg.Bulk.MaxRetries,
		},
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, shardCfg := range cfg.Shards {
		g.Go(func() error {
			shard, err := badgerstore.OpenShard(badgerstore.Config{
				Path:        filepath.Join(cfg.Storage.SourcePath, shardCfg.ID),
				MaxMemoryMB: cfg.Storage.MaxMemoryMB,
			}, shardCfg.SeriesStartMS, shardCfg.SeriesEndMS)
			if err != nil {
				return fmt.Errorf("failed to open shard %s: %w", shardCfg.ID, err)
			}
			defer shard.Close()

			tk := task.New("downsample-"+shardCfg.ID, shardCfg.ID)
			registry.Add(tk)

			d, err := downsample.NewShardDownsampler(shard, index, states, tk, engineCfg)
			if err != nil {
				return fmt.Errorf("shard %s: %w", shardCfg.ID, err)
			}

			start := time.Now()
			report, err := d.Execute(ctx)
			if err != nil {
				monitor.RecordFailure(err)
				return fmt.Errorf("shard %s: %w", shardCfg.ID, err)
			}
			monitor.RecordSuccess()
			log.Printf("Shard [%s] downsampled: indexed [%d] rollup docs in %v",
				report.ShardID, report.Indexed, time.Since(start).Round(time.Millisecond))
			return nil
		})
	}
	return g.Wait()
}

func metricConfigs(metrics []config.MetricConfig) []downsample.MetricConfig {
	out := make([]downsample.MetricConfig, 0, len(metrics))
	for _, m := range metrics {
		out = append(out, downsample.MetricConfig{
			Field:      m.Field,
			Type:       downsample.MetricType(m.Type),
			Aggregated: m.Aggregated,
		})
	}
	return out
}

func serverTimeouts(cfg config.ServerConfig) (time.Duration, time.Duration) {
	read, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil || read <= 0 {
		read = serverReadDefault
	}
	write, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil || write <= 0 {
		write = serverReadDefault
	}
	return read, write
}

// runBadgerGC reclaims target-index disk space periodically. BadgerDB's LSM
// accumulates dead versions of overwritten rollup docs in the value log.
func runBadgerGC(index *badgerstore.Index, stop chan bool, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(badgerGCInterval)
	defer ticker.Stop()

	log.Printf("BadgerDB GC scheduler started (runs every %v)", badgerGCInterval)

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			if err := index.RunGC(badgerGCDiscard); err != nil {
				// Not an error if no GC was needed
				log.Printf("GC completed in %v (no rewrite needed)", time.Since(start).Round(time.Millisecond))
			} else {
				log.Printf("GC completed in %v (disk space reclaimed)", time.Since(start).Round(time.Millisecond))
			}
		case <-stop:
			log.Println("Stopping BadgerDB GC scheduler")
			return
		}
	}
}
