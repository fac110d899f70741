// NimbusChain Fetch is a distributed satellite-product acquisition service.
// Copyright (C) 2025 NimbusChain Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nimbusfetch/internal/api"
	"nimbusfetch/internal/config"
	"nimbusfetch/internal/download"
	"nimbusfetch/internal/events"
	"nimbusfetch/internal/middleware"
	"nimbusfetch/internal/provider"
	"nimbusfetch/internal/store"
	"nimbusfetch/internal/store/mongo"
	"nimbusfetch/internal/store/sqlite"
	"nimbusfetch/internal/worker"
)

// parseConfig builds the Config from env + flags.
// Flags override environment variables.
func parseConfig() config.Config {
	cfg := config.FromEnv()

	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address (env HTTP_ADDR)")
	flag.StringVar(&cfg.RuntimeRole, "role", cfg.RuntimeRole, "Runtime role: api|worker|all (env RUNTIME_ROLE)")
	flag.StringVar(&cfg.DBBackend, "db-backend", cfg.DBBackend, "Database backend: sqlite|mongodb (env DB_BACKEND)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite DB path (env DB_PATH)")
	flag.StringVar(&cfg.DBURI, "db-uri", cfg.DBURI, "MongoDB connection URI (env DB_URI)")
	flag.StringVar(&cfg.DBName, "db-name", cfg.DBName, "MongoDB database name (env DB_NAME)")
	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Root directory for job output (env DATA_DIR)")
	flag.IntVar(&cfg.MaxJobs, "max-jobs", cfg.MaxJobs, "Concurrent jobs per worker (env MAX_JOBS)")
	flag.DurationVar(&cfg.QueuePollInterval, "queue-poll", cfg.QueuePollInterval, "Queue poll interval (env QUEUE_POLL_SECONDS)")
	flag.DurationVar(&cfg.StaleJobAfter, "stale-after", cfg.StaleJobAfter, "Heartbeat age before requeue (env STALE_JOB_SECONDS)")
	flag.DurationVar(&cfg.HeartbeatInterval, "heartbeat", cfg.HeartbeatInterval, "Worker heartbeat interval (env HEARTBEAT_SECONDS)")
	flag.IntVar(&cfg.MaxConcurrentDownloads, "downloads", cfg.MaxConcurrentDownloads, "Concurrent downloads per job (env MAX_CONCURRENT_DOWNLOADS)")
	flag.IntVar(&cfg.DownloadRetries, "download-retries", cfg.DownloadRetries, "Per-file retry attempts (env DOWNLOAD_RETRIES)")
	flag.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "Shared API key, empty disables auth (env API_KEY)")
	flag.IntVar(&cfg.MaxRequestMB, "max-request-mb", cfg.MaxRequestMB, "Request body cap in MiB (env MAX_REQUEST_MB)")
	flag.BoolVar(&cfg.MetricsEnabled, "metrics", cfg.MetricsEnabled, "Serve Prometheus metrics (env METRICS_ENABLED)")

	flag.Parse()
	return cfg
}

// openStore picks the backend from config.
func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.DBBackend {
	case config.BackendMongoDB:
		return mongo.Open(ctx, cfg.DBURI, cfg.DBName)
	default:
		return sqlite.Open(ctx, cfg.DBPath)
	}
}

// buildRegistry registers every provider whose credentials are configured.
func buildRegistry(cfg config.Config) *provider.Registry {
	registry := provider.NewRegistry()

	if cfg.CopernicusUsername != "" && cfg.CopernicusPassword != "" {
		p, err := provider.NewCopernicus(provider.CopernicusConfig{
			BaseURL:     cfg.CopernicusBaseURL,
			TokenURL:    cfg.CopernicusTokenURL,
			DownloadURL: cfg.CopernicusDownloadURL,
			Username:    cfg.CopernicusUsername,
			Password:    cfg.CopernicusPassword,
			Timeout:     cfg.ConnectTimeout,
		})
		if err != nil {
			log.Printf("copernicus provider disabled: %v", err)
		} else {
			registry.Register(p)
		}
	}
	if cfg.USGSUsername != "" && cfg.USGSToken != "" {
		p, err := provider.NewUSGS(provider.USGSConfig{
			ServiceURL: cfg.USGSServiceURL,
			Username:   cfg.USGSUsername,
			Token:      cfg.USGSToken,
			Timeout:    cfg.ConnectTimeout,
		})
		if err != nil {
			log.Printf("usgs provider disabled: %v", err)
		} else {
			registry.Register(p)
		}
	}
	return registry
}

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[nimbus-fetch] ")

	cfg := parseConfig()
	if err := cfg.Validate(); err != nil {
		log.Printf("invalid configuration: %v", err)
		os.Exit(1)
	}
	cfg.Log(log.Default())

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Printf("failed to open store: %v", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close(context.Background()) }()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	workerDone := make(chan struct{})
	close(workerDone)
	if cfg.RunsWorker() {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			log.Printf("failed to create data dir: %v", err)
			os.Exit(1)
		}
		registry := buildRegistry(cfg)
		if len(registry.Names()) == 0 {
			log.Printf("warning: no provider credentials configured, claim loop stays idle")
		}
		runner := worker.NewRunner(st, registry, worker.RunnerConfig{
			DataRoot:          cfg.DataDir,
			HeartbeatInterval: cfg.HeartbeatInterval,
			Download: download.Config{
				MaxConcurrency: cfg.MaxConcurrentDownloads,
				MaxRetries:     cfg.DownloadRetries,
				ChunkSize:      cfg.DownloadChunkBytes,
				ConnectTimeout: cfg.ConnectTimeout,
				ReadTimeout:    cfg.ReadTimeout,
			},
		}, log.Default())
		exec := worker.NewExecutor(st, runner, worker.ExecutorConfig{
			MaxJobs:        cfg.MaxJobs,
			ProviderLimits: cfg.ProviderLimits,
			ProvidersAllow: registry.Names(),
			PollInterval:   cfg.QueuePollInterval,
			StaleJobAfter:  cfg.StaleJobAfter,
		}, log.Default())

		workerDone = make(chan struct{})
		go func() {
			defer close(workerDone)
			exec.Run(workerCtx)
		}()
	}

	errCh := make(chan error, 1)
	var srv *http.Server
	if cfg.RunsAPI() {
		stream := events.NewStream(st, events.Config{
			HeartbeatInterval: cfg.HeartbeatInterval,
		}, log.Default())
		ap := api.New(st, stream, api.Info{
			RuntimeRole:    cfg.RuntimeRole,
			DBBackend:      cfg.DBBackend,
			MetricsEnabled: cfg.MetricsEnabled,
		}, log.Default())

		mux := http.NewServeMux()
		ap.Register(mux)
		handler := middleware.Chain(mux,
			func(next http.Handler) http.Handler {
				return middleware.Observe("api", log.Default(), next)
			},
			middleware.RequestID,
			middleware.CORS(cfg.CORSOrigins),
			middleware.APIKey(cfg.APIKey, log.Default()),
			middleware.MaxBody(int64(cfg.MaxRequestMB)<<20),
		)

		srv = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			// No WriteTimeout: /v1/events streams indefinitely.
			IdleTimeout: 120 * time.Second,
		}
		go func() {
			log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server error: %w", err)
			}
		}()
	}

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal: %s, initiating graceful shutdown...", sig)
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	workerCancel()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
		}
	}
	select {
	case <-workerDone:
	case <-time.After(30 * time.Second):
		log.Printf("workers did not stop in time, exiting anyway")
	}
	log.Printf("stopped")
}
