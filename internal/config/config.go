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

// Package config holds runtime configuration for the fetch service.
// Values come from environment variables; flags in cmd override them.
package config

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Runtime roles. "all" runs the API and the worker in one process.
const (
	RoleAPI    = "api"
	RoleWorker = "worker"
	RoleAll    = "all"
)

// Database backends.
const (
	BackendSQLite  = "sqlite"
	BackendMongoDB = "mongodb"
)

// Config holds runtime configuration for the fetch service.
// Values can be provided via environment variables and/or flags.
// Flags take precedence over environment variables.
type Config struct {
	HTTPAddr    string // HTTP_ADDR
	RuntimeRole string // RUNTIME_ROLE: api|worker|all

	DBBackend string // DB_BACKEND: sqlite|mongodb
	DBPath    string // DB_PATH (sqlite)
	DBURI     string // DB_URI (mongodb)
	DBName    string // DB_NAME (mongodb)

	DataDir string // DATA_DIR

	MaxJobs           int            // MAX_JOBS
	ProviderLimits    map[string]int // PROVIDER_LIMITS, e.g. "copernicus=2,usgs=4"
	QueuePollInterval time.Duration  // QUEUE_POLL_SECONDS
	StaleJobAfter     time.Duration  // STALE_JOB_SECONDS
	HeartbeatInterval time.Duration  // HEARTBEAT_SECONDS

	MaxConcurrentDownloads int           // MAX_CONCURRENT_DOWNLOADS
	DownloadRetries        int           // DOWNLOAD_RETRIES
	DownloadChunkBytes     int           // DOWNLOAD_CHUNK_BYTES
	ConnectTimeout         time.Duration // CONNECT_TIMEOUT
	ReadTimeout            time.Duration // READ_TIMEOUT

	APIKey         string   // API_KEY (do not log value)
	CORSOrigins    []string // CORS_ORIGINS, comma separated
	MaxRequestMB   int      // MAX_REQUEST_MB
	MetricsEnabled bool     // METRICS_ENABLED

	CopernicusBaseURL     string // COPERNICUS_BASE_URL
	CopernicusTokenURL    string // COPERNICUS_TOKEN_URL
	CopernicusDownloadURL string // COPERNICUS_DOWNLOAD_URL
	CopernicusUsername    string // COPERNICUS_USERNAME
	CopernicusPassword    string // COPERNICUS_PASSWORD (do not log value)

	USGSServiceURL string // USGS_SERVICE_URL
	USGSUsername   string // USGS_USERNAME
	USGSToken      string // USGS_TOKEN (do not log value)
}

// Default returns sane defaults for a single-node deployment.
func Default() Config {
	return Config{
		HTTPAddr:    ":8080",
		RuntimeRole: RoleAll,

		DBBackend: BackendSQLite,
		DBPath:    "./nimbusfetch.db",
		DBURI:     "mongodb://localhost:27017",
		DBName:    "nimbusfetch",

		DataDir: "./var/nimbusfetch/data",

		MaxJobs:           4,
		ProviderLimits:    map[string]int{},
		QueuePollInterval: 2 * time.Second,
		StaleJobAfter:     10 * time.Minute,
		HeartbeatInterval: 15 * time.Second,

		MaxConcurrentDownloads: 4,
		DownloadRetries:        3,
		DownloadChunkBytes:     1 << 20,
		ConnectTimeout:         30 * time.Second,
		ReadTimeout:            5 * time.Minute,

		MaxRequestMB:   1,
		MetricsEnabled: true,

		CopernicusBaseURL:     "https://catalogue.dataspace.copernicus.eu",
		CopernicusTokenURL:    "https://identity.dataspace.copernicus.eu/auth/realms/CDSE/protocol/openid-connect/token",
		CopernicusDownloadURL: "https://zipper.dataspace.copernicus.eu",

		USGSServiceURL: "https://m2m.cr.usgs.gov/api/api/json/stable",
	}
}

// FromEnv builds a Config from the environment on top of the defaults.
func FromEnv() Config {
	def := Default()
	cfg := Config{
		HTTPAddr:    getenv("HTTP_ADDR", def.HTTPAddr),
		RuntimeRole: getenv("RUNTIME_ROLE", def.RuntimeRole),

		DBBackend: getenv("DB_BACKEND", def.DBBackend),
		DBPath:    getenv("DB_PATH", def.DBPath),
		DBURI:     getenv("DB_URI", def.DBURI),
		DBName:    getenv("DB_NAME", def.DBName),

		DataDir: getenv("DATA_DIR", def.DataDir),

		MaxJobs:           getenvInt("MAX_JOBS", def.MaxJobs),
		ProviderLimits:    parseProviderLimits(os.Getenv("PROVIDER_LIMITS")),
		QueuePollInterval: getenvSeconds("QUEUE_POLL_SECONDS", def.QueuePollInterval),
		StaleJobAfter:     getenvSeconds("STALE_JOB_SECONDS", def.StaleJobAfter),
		HeartbeatInterval: getenvSeconds("HEARTBEAT_SECONDS", def.HeartbeatInterval),

		MaxConcurrentDownloads: getenvInt("MAX_CONCURRENT_DOWNLOADS", def.MaxConcurrentDownloads),
		DownloadRetries:        getenvInt("DOWNLOAD_RETRIES", def.DownloadRetries),
		DownloadChunkBytes:     getenvInt("DOWNLOAD_CHUNK_BYTES", def.DownloadChunkBytes),
		ConnectTimeout:         getenvSeconds("CONNECT_TIMEOUT", def.ConnectTimeout),
		ReadTimeout:            getenvSeconds("READ_TIMEOUT", def.ReadTimeout),

		APIKey:         os.Getenv("API_KEY"),
		CORSOrigins:    parseList(os.Getenv("CORS_ORIGINS")),
		MaxRequestMB:   getenvInt("MAX_REQUEST_MB", def.MaxRequestMB),
		MetricsEnabled: getenvBool("METRICS_ENABLED", def.MetricsEnabled),

		CopernicusBaseURL:     getenv("COPERNICUS_BASE_URL", def.CopernicusBaseURL),
		CopernicusTokenURL:    getenv("COPERNICUS_TOKEN_URL", def.CopernicusTokenURL),
		CopernicusDownloadURL: getenv("COPERNICUS_DOWNLOAD_URL", def.CopernicusDownloadURL),
		CopernicusUsername:    os.Getenv("COPERNICUS_USERNAME"),
		CopernicusPassword:    os.Getenv("COPERNICUS_PASSWORD"),

		USGSServiceURL: getenv("USGS_SERVICE_URL", def.USGSServiceURL),
		USGSUsername:   os.Getenv("USGS_USERNAME"),
		USGSToken:      os.Getenv("USGS_TOKEN"),
	}
	return cfg
}

// Validate rejects combinations the service cannot start with.
func (c Config) Validate() error {
	switch c.RuntimeRole {
	case RoleAPI, RoleWorker, RoleAll:
	default:
		return fmt.Errorf("invalid RUNTIME_ROLE %q (want api, worker, or all)", c.RuntimeRole)
	}
	switch c.DBBackend {
	case BackendSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH is required for the sqlite backend")
		}
	case BackendMongoDB:
		if c.DBURI == "" || c.DBName == "" {
			return fmt.Errorf("DB_URI and DB_NAME are required for the mongodb backend")
		}
	default:
		return fmt.Errorf("invalid DB_BACKEND %q (want sqlite or mongodb)", c.DBBackend)
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR must not be empty")
	}
	if c.MaxJobs < 1 {
		return fmt.Errorf("MAX_JOBS must be at least 1")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_SECONDS must be positive")
	}
	// The sweep must never mistake a live heartbeat for a dead owner.
	if 3*c.HeartbeatInterval >= c.StaleJobAfter {
		return fmt.Errorf("HEARTBEAT_SECONDS (%s) must be under a third of STALE_JOB_SECONDS (%s)",
			c.HeartbeatInterval, c.StaleJobAfter)
	}
	for provider, limit := range c.ProviderLimits {
		if limit < 1 {
			return fmt.Errorf("provider limit for %q must be at least 1", provider)
		}
	}
	return nil
}

// RunsAPI reports whether this process serves the control plane.
func (c Config) RunsAPI() bool { return c.RuntimeRole == RoleAPI || c.RuntimeRole == RoleAll }

// RunsWorker reports whether this process executes jobs.
func (c Config) RunsWorker() bool { return c.RuntimeRole == RoleWorker || c.RuntimeRole == RoleAll }

// Log prints the effective configuration without secret values.
func (c Config) Log(logger *log.Logger) {
	if logger == nil {
		return
	}
	logger.Printf("configuration:")
	logger.Printf("  addr=%s role=%s", c.HTTPAddr, c.RuntimeRole)
	logger.Printf("  db_backend=%s", c.DBBackend)
	if c.DBBackend == BackendSQLite {
		logger.Printf("  db_path=%s", c.DBPath)
	} else {
		logger.Printf("  db_uri=%s db_name=%s", redactURI(c.DBURI), c.DBName)
	}
	logger.Printf("  data_dir=%s", c.DataDir)
	logger.Printf("  max_jobs=%d provider_limits=%s", c.MaxJobs, formatLimits(c.ProviderLimits))
	logger.Printf("  queue_poll=%s stale_after=%s heartbeat=%s", c.QueuePollInterval, c.StaleJobAfter, c.HeartbeatInterval)
	logger.Printf("  downloads=%d retries=%d chunk=%d", c.MaxConcurrentDownloads, c.DownloadRetries, c.DownloadChunkBytes)
	logger.Printf("  api_key=%s cors=%v max_request_mb=%d metrics=%v",
		redactedSecret(c.APIKey), c.CORSOrigins, c.MaxRequestMB, c.MetricsEnabled)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// getenvSeconds reads a whole number of seconds.
func getenvSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// parseProviderLimits parses "copernicus=2,usgs=4". Malformed entries are
// skipped rather than failing startup.
func parseProviderLimits(v string) map[string]int {
	limits := map[string]int{}
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || n < 1 {
			continue
		}
		limits[strings.ToLower(strings.TrimSpace(key))] = n
	}
	return limits
}

func parseList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func formatLimits(limits map[string]int) string {
	if len(limits) == 0 {
		return "(none)"
	}
	keys := make([]string, 0, len(limits))
	for k := range limits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, limits[k]))
	}
	return strings.Join(parts, ",")
}

func redactedSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

// redactURI hides credentials embedded in a connection string.
func redactURI(uri string) string {
	at := strings.LastIndex(uri, "@")
	if at < 0 {
		return uri
	}
	scheme := strings.Index(uri, "://")
	if scheme < 0 || scheme+3 > at {
		return uri
	}
	return uri[:scheme+3] + "****" + uri[at:]
}
