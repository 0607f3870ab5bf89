package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"remittance/internal/config"
	"remittance/internal/history"
	"remittance/internal/idempotency"
	"remittance/internal/ledger"
	"remittance/internal/sigauth"
	"remittance/internal/token"
)

// HealthChecker is implemented by dependencies that can be probed.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// NotifyStats exposes delivery counters of the notification dispatcher.
type NotifyStats interface {
	Dropped() uint64
	Failed() uint64
	DLQDepth() int
}

// Options wires the server to its collaborators. Config, Ledger and Store
// are required.
type Options struct {
	Config  *config.AppConfig
	Ledger  *ledger.Ledger
	Store   idempotency.Store
	History history.Store

	// Asset is the escrowed token; it is the default sweep asset.
	Asset    common.Address
	Decimals int32

	// DevToken enables the faucet/approve/balance endpoints against an
	// in-memory token whose spender is Custody.
	DevToken *token.Token
	Custody  common.Address

	// KeyScope prefixes every stored idempotency key. A ledger that does
	// not survive restarts sets a per-boot scope so stored responses never
	// name entry ids from an earlier run.
	KeyScope string

	Notify    NotifyStats
	RPCHealth HealthChecker
	DBHealth  HealthChecker
	Logger    *slog.Logger
	Now       func() time.Time
}

type Server struct {
	cfg      *config.AppConfig
	ledger   *ledger.Ledger
	store    idempotency.Store
	keyScope string
	history  history.Store
	asset    common.Address
	decimals int32
	devToken *token.Token
	custody  common.Address
	notify   NotifyStats
	rpc      HealthChecker
	db       HealthChecker
	logger   *slog.Logger
	now      func() time.Time

	verifier   *sigauth.Verifier
	metrics    *metricsRegistry
	httpServer *http.Server

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	s := &Server{
		cfg:      opts.Config,
		ledger:   opts.Ledger,
		store:    opts.Store,
		keyScope: opts.KeyScope,
		history:  opts.History,
		asset:    opts.Asset,
		decimals: opts.Decimals,
		devToken: opts.DevToken,
		custody:  opts.Custody,
		notify:   opts.Notify,
		rpc:      opts.RPCHealth,
		db:       opts.DBHealth,
		logger:   logger,
		now:      now,
		inflight: make(map[string]struct{}),
	}
	if s.db == nil {
		if checker, ok := opts.Store.(HealthChecker); ok {
			s.db = checker
		}
	}

	s.verifier = &sigauth.Verifier{
		MaxSkew:      opts.Config.Service.AuthClockSkew,
		Now:          now,
		MaxBodyBytes: maxBodyBytes,
		OnError:      respondError,
	}
	s.metrics = newMetricsRegistry(opts.Ledger, opts.Decimals, opts.Notify)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(opts.Config.Service.HTTPPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware, s.logRequests, s.recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondAPIError(w, errNotFound)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Handle("/metrics", s.metrics.handler())
		r.Get("/stats", s.handleStats)

		r.Get("/escrows/{id}", s.handleGetEntry)
		r.Get("/escrows/{id}/withdrawable", s.handleWithdrawable)
		r.Get("/accounts/{address}/sent", s.handleSent)
		r.Get("/accounts/{address}/received", s.handleReceived)
		if s.history != nil {
			r.Get("/accounts/{address}/history", s.handleHistory)
		}
		if s.devToken != nil {
			r.Get("/token", s.handleTokenInfo)
			r.Get("/token/balances/{address}", s.handleTokenBalance)
		}

		r.Group(func(r chi.Router) {
			r.Use(s.verifier.Middleware, attachCaller)

			r.With(s.idempotent(true)).Post("/escrows", s.handleDeposit)
			r.With(s.idempotent(false)).Post("/escrows/{id}/withdraw", s.handleWithdraw)
			r.With(s.idempotent(false)).Post("/escrows/{id}/reclaim", s.handleReclaim)
			r.With(s.idempotent(false)).Post("/admin/sweep", s.handleSweep)

			if s.devToken != nil {
				r.Post("/token/faucet", s.handleFaucet)
				r.Post("/token/approve", s.handleApprove)
			}
		})
	})
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type dependencyHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

func probe(ctx context.Context, checker HealthChecker) dependencyHealth {
	if checker == nil {
		return dependencyHealth{Connected: true}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := checker.Ping(ctx); err != nil {
		return dependencyHealth{Error: err.Error()}
	}
	return dependencyHealth{
		Connected: true,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rpcInfo := probe(r.Context(), s.rpc)
	dbInfo := probe(r.Context(), s.db)
	healthy := rpcInfo.Connected && dbInfo.Connected

	queueDepth := 0
	if s.notify != nil {
		queueDepth = s.notify.DLQDepth()
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	respondJSON(w, code, struct {
		Status     string           `json:"status"`
		RPC        dependencyHealth `json:"rpc"`
		Database   dependencyHealth `json:"database"`
		QueueDepth int              `json:"queue_depth"`
		Entries    uint64           `json:"entries"`
	}{
		Status:     status,
		RPC:        rpcInfo,
		Database:   dbInfo,
		QueueDepth: queueDepth,
		Entries:    s.ledger.EntryCount(),
	})
}
