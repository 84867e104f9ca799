// Package server assembles the relay's HTTP surface.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ongoingai/airelay/internal/config"
	"github.com/ongoingai/airelay/internal/ledger"
	"github.com/ongoingai/airelay/internal/observability"
	"github.com/ongoingai/airelay/internal/pathutil"
	"github.com/ongoingai/airelay/internal/version"
)

const (
	serverReadTimeout = 60 * time.Second
	serverIdleTimeout = 120 * time.Second
)

// Options wires the handlers mounted by New. Nil optional handlers are not
// mounted.
type Options struct {
	// Relay serves every provider prefix.
	Relay    http.Handler
	Prefixes []string

	Metrics     http.Handler
	MetricsPath string
	Feed        http.Handler
	FeedPath    string

	// Ledger reports sink queue health on /health when set.
	Ledger    func() ledger.Diagnostics
	StartedAt time.Time
	Logger    *slog.Logger
	Telemetry *observability.Runtime
}

// New returns the root handler.
func New(options Options) http.Handler {
	startedAt := options.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler(startedAt, options.Ledger))
	for _, prefix := range options.Prefixes {
		prefix = pathutil.NormalizePrefix(prefix)
		if prefix == "" || options.Relay == nil {
			continue
		}
		r.Post(prefix+"/*", options.Relay.ServeHTTP)
	}
	if options.Metrics != nil && options.MetricsPath != "" {
		r.Method(http.MethodGet, options.MetricsPath, options.Metrics)
	}
	if options.Feed != nil && options.FeedPath != "" {
		r.Method(http.MethodGet, options.FeedPath, options.Feed)
	}

	return AccessLog(options.Logger, options.Telemetry.WrapHTTPHandler(r))
}

// NewHTTPServer returns the listener configuration. Writes are unbounded
// because streams may run for minutes.
func NewHTTPServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Address(),
		Handler:           handler,
		ReadHeaderTimeout: config.Duration(cfg.ReadHeaderTimeoutMS),
		ReadTimeout:       serverReadTimeout,
		IdleTimeout:       serverIdleTimeout,
	}
}

type healthResponse struct {
	Status    string        `json:"status"`
	Message   string        `json:"message"`
	Version   version.Info  `json:"version"`
	UptimeSec int64         `json:"uptime_sec"`
	Ledger    *ledgerHealth `json:"ledger,omitempty"`
}

type ledgerHealth struct {
	QueueDepth    int              `json:"queue_depth"`
	QueueCapacity int              `json:"queue_capacity"`
	Pressure      string           `json:"pressure"`
	Rejected      int64            `json:"rejected"`
	WriteFailed   int64            `json:"write_failed"`
	Failures      map[string]int64 `json:"failures_by_class,omitempty"`
}

func healthHandler(startedAt time.Time, diagnostics func() ledger.Diagnostics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := healthResponse{
			Status:    "ok",
			Message:   "Proxy is running",
			Version:   version.Get(),
			UptimeSec: int64(time.Since(startedAt).Seconds()),
		}
		if diagnostics != nil {
			d := diagnostics()
			response.Ledger = &ledgerHealth{
				QueueDepth:    d.QueueDepth,
				QueueCapacity: d.QueueCapacity,
				Pressure:      d.Pressure,
				Rejected:      d.Rejected,
				WriteFailed:   d.WriteFailed,
				Failures:      d.FailuresByClass,
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}
