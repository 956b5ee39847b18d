// Command wardengate runs the WAF decision core as an HTTP check service:
// an upstream reverse proxy (HAProxy, per the deployment model this
// project targets) calls it once per request and enforces whatever
// verdict comes back. Grounded on the teacher's cmd/elida/main.go for the
// overall boot sequence — load config, build the shared dependencies,
// start background workers, serve — rebuilt around the WAF subsystems
// instead of the LLM-proxy's backend pool and policy engine.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"wardengate/internal/behavior"
	"wardengate/internal/cluster"
	"wardengate/internal/config"
	"wardengate/internal/dispatcher"
	"wardengate/internal/engine"
	"wardengate/internal/geoip"
	"wardengate/internal/kvstore"
	"wardengate/internal/profile"
	"wardengate/internal/redaction"
	"wardengate/internal/reputation"
	"wardengate/internal/signature"
	"wardengate/internal/telemetry"
	"wardengate/internal/timingtoken"
	"wardengate/internal/trustedproxy"
	"wardengate/internal/vhost"
)

func main() {
	configPath := flag.String("config", "/etc/wardengate/config.yaml", "path to configuration file")
	geoDBPath := flag.String("geoip-db", "", "path to a MaxMind GeoLite2 database (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.Logging)

	if cfg.Cluster.InstanceID == "" {
		cfg.Cluster.InstanceID = uuid.NewString()
	}

	telProvider, err := telemetry.NewProvider(telemetry.Config(cfg.Telemetry))
	if err != nil {
		slog.Error("initializing telemetry", "error", err)
		os.Exit(1)
	}
	shutdownCtx, shutdownCancel := telemetry.ContextWithTimeout(5 * time.Second)
	defer shutdownCancel()
	defer telProvider.Shutdown(shutdownCtx)

	store, err := buildStore(cfg.Store)
	if err != nil {
		slog.Error("connecting to shared store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}

	profiles := profile.NewStore(store)
	signatures := signature.NewStore(store)
	vhosts := vhost.NewStore(store)

	matcher, endpoints, err := vhosts.LoadMatcher(context.Background())
	if err != nil {
		slog.Error("loading endpoint matcher", "error", err)
		os.Exit(1)
	}
	slog.Info("loaded endpoint definitions", "count", len(endpoints))

	flowRegistry, err := vhosts.LoadFlowRegistry(context.Background())
	if err != nil {
		slog.Error("loading behavioral flow registry", "error", err)
		os.Exit(1)
	}
	slog.Info("loaded behavioral flow definitions", "count", len(flowRegistry.IDs()))

	proxies := trustedproxy.NewResolver(cfg.TrustedProxies)

	timingCfg := timingtoken.Config{
		Enabled:       cfg.Timing.Enabled,
		CookieBase:    cfg.Timing.CookieBase,
		CookieTTL:     cfg.Timing.CookieTTL,
		MinTimeBlock:  cfg.Timing.MinTimeBlock,
		MinTimeFlag:   cfg.Timing.MinTimeFlag,
		StartMethods:  []string{"GET"},
		EndMethods:    []string{"POST", "PUT", "PATCH"},
		ScoreNoCookie: cfg.Timing.ScoreNoCookie,
		ScoreTooFast:  cfg.Timing.ScoreTooFast,
		ScoreSuspect:  cfg.Timing.ScoreSuspect,
	}
	var issuer *timingtoken.Issuer
	if timingCfg.Enabled {
		key := timingtoken.ResolveKey(keyCacheAdapter{store}, []byte(cfg.Timing.SecretKey), cfg.Cluster.InstanceID)
		issuer, err = timingtoken.NewIssuer(key)
		if err != nil {
			slog.Error("initializing timing token issuer", "error", err)
			os.Exit(1)
		}
	}

	deps := engine.NewDependencies()
	deps.TimingIssuer = issuer
	deps.TimingConfig = timingCfg
	deps.BehaviorTrack = behavior.NewTracker(store)
	deps.BehaviorConfig = behavior.Config{
		MinSamples:      cfg.Behavioral.MinSamples,
		StdDevThreshold: cfg.Behavioral.StdDevThreshold,
		ScoreAddition:   cfg.Behavioral.ScoreAddition,
	}
	deps.Reputation = reputation.NewChecker(reputation.Config{
		BlockScore: cfg.VhostDefaults.BlockScore,
		FlagScore:  cfg.VhostDefaults.FlagScore,
	}, store, nil)
	if *geoDBPath != "" {
		lookup, err := geoip.Open(*geoDBPath)
		if err != nil {
			slog.Warn("geoip database unavailable, geoip defense nodes fail open", "error", err)
		} else {
			deps.GeoIP = lookup
			defer lookup.Close()
		}
	}

	var redactor redaction.Redactor = redaction.NewPatternRedactor()

	d := &dispatcher.Dispatcher{
		Proxies:     proxies,
		Endpoints:   matcher,
		EndpointDB:  endpoints,
		Profiles:    profiles,
		Signatures:  signatures,
		Engine:      deps,
		Timing:      issuer,
		TimingCfg:   timingCfg,
		BehaviorCfg: deps.BehaviorConfig,
		CookieSec:   true,
		Redactor:    redactor,
		Vhosts:      vhosts,
		Flows:       flowRegistry,
	}

	coordinator := cluster.NewCoordinator(store, cfg.Cluster.InstanceID)
	coordinator.AddLeaderTask(func(ctx context.Context) error {
		ids, err := signatures.BuiltinIDs(ctx)
		if err != nil {
			return err
		}
		slog.Debug("leader maintenance tick", "builtin_signature_count", len(ids))
		return nil
	})
	coordinator.AddLeaderTask(func(ctx context.Context) error {
		now := time.Now()
		for _, flowID := range flowRegistry.IDs() {
			if _, err := deps.BehaviorTrack.LearnBaseline(ctx, deps.BehaviorConfig, flowID, now, cfg.Behavioral.LearningPeriodDays); err != nil {
				slog.Warn("baseline learning failed", "flow_id", flowID, "error", err)
			}
		}
		return nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Cluster.Enabled {
		go coordinator.Run(ctx)
	}

	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      newHandler(d, telProvider, cfg.ExposeWAFHeaders),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("wardengate listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutCtx)
}

func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// keyCacheAdapter satisfies timingtoken.KeyCache's non-context methods
// over the context-aware kvstore.Store, since key resolution happens once
// at startup with no request context to thread through.
type keyCacheAdapter struct {
	kv kvstore.Store
}

func (a keyCacheAdapter) Get(key string) ([]byte, bool, error) {
	return a.kv.Get(context.Background(), key)
}

func (a keyCacheAdapter) SetNX(key string, value []byte, ttl time.Duration) (bool, error) {
	return a.kv.SetNX(context.Background(), key, value, ttl)
}

func buildStore(cfg config.StoreConfig) (kvstore.Store, error) {
	if cfg.Backend == "memory" {
		return kvstore.NewMemoryStore(), nil
	}
	return kvstore.NewRedisStore(kvstore.RedisConfig{
		Addr:     addr(cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func addr(host string, port int) string {
	return host + ":" + itoa(port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// checkRequest is the wire shape the upstream proxy's ext-authz-style
// check call sends: the request fields Dispatch needs, already extracted
// from the real HTTP request by the caller.
type checkRequest struct {
	Method       string            `json:"method"`
	Path         string            `json:"path"`
	VhostID      string            `json:"vhost_id"`
	PeerAddr     string            `json:"peer_addr"`
	ForwardedFor string            `json:"forwarded_for"`
	Headers      map[string]string `json:"headers"`
	UserAgent    string            `json:"user_agent"`
	ContentType  string            `json:"content_type"`
	Body         []byte            `json:"body"`
	TimingCookie string            `json:"timing_cookie"`
}

type checkResponse struct {
	Action       string   `json:"action"`
	StatusCode   int      `json:"status_code,omitempty"`
	DelaySeconds float64  `json:"delay_seconds,omitempty"`
	Score        float64  `json:"score"`
	SetCookie    string   `json:"set_cookie,omitempty"`
	Diagnostics  []string `json:"diagnostics,omitempty"`
}

func newHandler(d *dispatcher.Dispatcher, tel *telemetry.Provider, exposeWAFHeaders bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/check", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req checkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed check request", http.StatusBadRequest)
			return
		}

		ctx, span := tel.StartRequestSpan(r.Context(), req.VhostID, req.Method, req.Path)
		verdict := d.Dispatch(ctx, dispatcher.Input{
			Method:       req.Method,
			Path:         req.Path,
			VhostID:      req.VhostID,
			PeerAddr:     req.PeerAddr,
			ForwardedFor: req.ForwardedFor,
			Headers:      req.Headers,
			UserAgent:    req.UserAgent,
			ContentType:  req.ContentType,
			Body:         req.Body,
			TimingCookie: req.TimingCookie,
			Now:          time.Now(),
		})
		tel.EndRequestSpan(span, req.Path, string(verdict.Action), verdict.Score, nil)

		resp := checkResponse{
			Action:       string(verdict.Action),
			StatusCode:   verdict.StatusCode,
			DelaySeconds: verdict.DelaySeconds,
			Score:        verdict.Score,
			Diagnostics:  verdict.Diagnostics,
		}
		if verdict.SetCookie != nil {
			resp.SetCookie = verdict.SetCookie.String()
		}

		// spec.md §6: reserved response headers, gated by expose_waf_headers.
		if exposeWAFHeaders {
			w.Header().Set("X-WAF-Decision", string(verdict.Action))
			w.Header().Set("X-WAF-Score", formatScore(verdict.Score))
			if len(verdict.Diagnostics) > 0 {
				w.Header().Set("X-WAF-Flags", strings.Join(verdict.Diagnostics, ","))
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})
	return mux
}

func formatScore(score float64) string {
	return strconv.FormatFloat(score, 'f', -1, 64)
}
