// Package server exposes the controller over HTTP: device registration,
// connection and authority control, actuator writes, discovery, a
// websocket event stream and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/HerbHall/pnvantage/internal/component"
	"github.com/HerbHall/pnvantage/internal/event"
	"github.com/HerbHall/pnvantage/internal/profinet/dcp"
	"github.com/HerbHall/pnvantage/internal/registry"
	"github.com/HerbHall/pnvantage/internal/version"
	"github.com/HerbHall/pnvantage/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Controller is the device API served over HTTP. *ar.Manager satisfies it.
type Controller interface {
	AddDevice(ctx context.Context, spec registry.DeviceSpec) (models.RTU, error)
	RemoveDevice(ctx context.Context, name string) error
	Connect(ctx context.Context, name string) error
	Disconnect(ctx context.Context, name string) error
	WriteActuator(ctx context.Context, name string, slot int, cmd models.Command, duty uint8) error
	WriteActuatorEpoch(ctx context.Context, name string, slot int, cmd models.Command, duty uint8, epoch uint32) error
	RequestAuthority(ctx context.Context, name string) error
	ReleaseAuthority(ctx context.Context, name string) error
	ReadRecord(ctx context.Context, name string, index uint16) ([]byte, error)
	WriteRecord(ctx context.Context, name string, index uint16, data []byte) error
	Snapshot(name string) (models.RTU, error)
	Devices() []models.RTU
}

// Scanner runs one discovery round. *dcp.Scheduler satisfies it.
type Scanner interface {
	Scan(ctx context.Context) []dcp.Device
}

// EventSource feeds the websocket stream. *event.Bus satisfies it.
type EventSource interface {
	SubscribeAll(h event.Handler) func()
}

// Options wires the server to the rest of the controller. Nil fields
// disable the routes that need them.
type Options struct {
	Controller Controller
	Scanner    Scanner
	Events     EventSource
	Components *component.Registry
	Gatherer   prometheus.Gatherer

	// RateLimit bounds mutating requests per second across all clients.
	// Zero means unlimited.
	RateLimit rate.Limit
	Burst     int
}

// Server is the pnvantage HTTP API.
type Server struct {
	httpServer *http.Server
	opts       Options
	logger     *zap.Logger
	mux        *http.ServeMux
	limiter    *rate.Limiter

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New creates a new Server instance.
func New(addr string, opts Options, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
			BaseContext:  func(net.Listener) context.Context { return baseCtx },
		},
		opts:       opts,
		logger:     logger.Named("server"),
		mux:        mux,
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(opts.RateLimit, burst)
	}

	s.registerCoreRoutes()
	if opts.Controller != nil {
		s.registerDeviceRoutes()
	}
	if opts.Scanner != nil {
		s.mux.HandleFunc("POST /api/v1/discover", s.limited(s.handleDiscover))
	}
	if opts.Events != nil {
		s.mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	}
	if opts.Gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	return s
}

// registerCoreRoutes sets up routes that are always available.
func (s *Server) registerCoreRoutes() {
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
}

func (s *Server) registerDeviceRoutes() {
	s.mux.HandleFunc("GET /api/v1/rtus", s.handleListRTUs)
	s.mux.HandleFunc("POST /api/v1/rtus", s.limited(s.handleAddRTU))
	s.mux.HandleFunc("GET /api/v1/rtus/{name}", s.handleGetRTU)
	s.mux.HandleFunc("DELETE /api/v1/rtus/{name}", s.limited(s.handleRemoveRTU))
	s.mux.HandleFunc("POST /api/v1/rtus/{name}/connect", s.limited(s.handleConnect))
	s.mux.HandleFunc("POST /api/v1/rtus/{name}/disconnect", s.limited(s.handleDisconnect))
	s.mux.HandleFunc("POST /api/v1/rtus/{name}/authority", s.limited(s.handleAuthority))
	s.mux.HandleFunc("PUT /api/v1/rtus/{name}/slots/{slot}", s.limited(s.handleWriteSlot))
	s.mux.HandleFunc("GET /api/v1/rtus/{name}/records/{index}", s.handleReadRecord)
	s.mux.HandleFunc("PUT /api/v1/rtus/{name}/records/{index}", s.limited(s.handleWriteRecord))
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server and ends open event
// streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	s.cancelBase()
	return s.httpServer.Shutdown(ctx)
}

// limited rejects the request with 429 when the mutation budget is spent.
func (s *Server) limited(h http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			RateLimited(w, "request rate exceeded", r.URL.Path)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Pnvantage-Version", version.Short())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type componentStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"service": "pnvantage",
		"version": version.Map(),
	}
	if s.opts.Components != nil {
		all := s.opts.Components.All()
		list := make([]componentStatus, 0, len(all))
		for _, c := range all {
			running := s.opts.Components.Running(c.Name())
			if !running {
				resp["status"] = "degraded"
			}
			list = append(list, componentStatus{Name: c.Name(), Running: running})
		}
		resp["components"] = list
	}
	writeJSON(w, http.StatusOK, resp)
}
