package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"golang.org/x/net/http2"
)

// config is the resolved runtime configuration.
type config struct {
	listenAddr      string
	apiBase         *url.URL
	tokenURL        string
	credentialsPath string
	dbPath          string
	adminToken      string
	maxAttempts     int
	disableRefresh  bool
	refreshHorizon  time.Duration
	probeTimeout    time.Duration
	retentionDays   int
	debug           bool
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func mustParse(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		log.Fatalf("invalid URL %q: %v", raw, err)
	}
	return u
}

func buildConfig() config {
	configFile, err := loadConfigFile("config.toml")
	if err != nil {
		log.Printf("warning: failed to load config.toml: %v", err)
	}
	var fileCfg ConfigFile
	if configFile != nil {
		fileCfg = *configFile
	}

	cfg := config{}
	cfg.listenAddr = getConfigString("POOL_LISTEN_ADDR", fileCfg.ListenAddr, "127.0.0.1:8484")
	cfg.apiBase = mustParse(getenv("UPSTREAM_API_BASE", "https://api.anthropic.com"))
	cfg.tokenURL = getenv("UPSTREAM_TOKEN_URL", "https://console.anthropic.com/v1/oauth/token")
	cfg.credentialsPath = getConfigString("POOL_CREDENTIALS_PATH", fileCfg.CredentialsPath, "./data/credentials.json")
	cfg.dbPath = getConfigString("POOL_DB_PATH", fileCfg.DBPath, "./data/events.db")
	cfg.adminToken = getConfigString("POOL_ADMIN_TOKEN", fileCfg.AdminToken, "")
	cfg.maxAttempts = getConfigInt("POOL_MAX_ATTEMPTS", fileCfg.MaxAttempts, 3)
	cfg.disableRefresh = getConfigBool("POOL_DISABLE_REFRESH", fileCfg.DisableRefresh, false)
	cfg.refreshHorizon = time.Duration(getConfigInt("POOL_REFRESH_HORIZON_MINUTES", fileCfg.RefreshHorizon, 5)) * time.Minute
	cfg.probeTimeout = time.Duration(getConfigInt("POOL_PROBE_TIMEOUT_SECONDS", fileCfg.ProbeTimeout, 10)) * time.Second
	cfg.retentionDays = getConfigInt("POOL_EVENT_RETENTION_DAYS", fileCfg.RetentionDays, 30)
	cfg.debug = getConfigBool("POOL_DEBUG", fileCfg.Debug, false)

	flag.StringVar(&cfg.listenAddr, "listen", cfg.listenAddr, "listen address")
	flag.Parse()
	return cfg
}

func main() {
	cfg := buildConfig()

	standard := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
	}
	_ = http2.ConfigureTransport(standard)
	transport := newUpstreamTransport(standard)
	client := &http.Client{Transport: transport, Timeout: 30 * time.Second}

	events, err := newEventStore(cfg.dbPath, cfg.retentionDays)
	if err != nil {
		log.Fatalf("open event store: %v", err)
	}
	defer events.Close()

	store := NewCredentialStore(cfg.credentialsPath)
	tokens := NewTokenClient(cfg.tokenURL, client)
	probe := NewQuotaProbe(cfg.apiBase, client, cfg.probeTimeout, cfg.debug)
	selector := NewAccountSelector(probe)
	pool := NewAccountPool(store, tokens, selector, events, cfg.refreshHorizon, cfg.debug)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := pool.Init(ctx); err != nil {
		cancel()
		log.Fatalf("init pool: %v", err)
	}
	cancel()

	doc, _ := pool.Snapshot()
	if len(doc.Credentials) == 0 {
		log.Printf("warning: no credentials enrolled; use the admin surface to add one")
	}

	h := &proxyHandler{
		cfg:       cfg,
		transport: transport,
		pool:      pool,
		store:     store,
		tokens:    tokens,
		events:    events,
		metrics:   newMetrics(),
		recent:    newRecentErrors(50),
		sessions:  newEnrollSessions(),
		startTime: time.Now(),
	}

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       5 * time.Minute,
	}
	if err := http2.ConfigureServer(srv, &http2.Server{
		MaxConcurrentStreams: 250,
		IdleTimeout:          5 * time.Minute,
	}); err != nil {
		log.Printf("warning: failed to configure HTTP/2 server: %v", err)
	}

	log.Printf("claude-pool proxy listening on %s (%d credentials)", cfg.listenAddr, len(doc.Credentials))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
