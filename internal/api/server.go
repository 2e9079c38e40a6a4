// Package api serves the conductor's REST API.
//
// Routes live under /v1 and exchange api/v1alpha1 JSON bodies. Errors are
// mapped onto status codes by errdefs.HTTPStatus and returned as an
// ErrorResponse. The same mux serves /healthz, /readyz and /metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/imamik/metalconductor/api/v1alpha1"
	"github.com/imamik/metalconductor/internal/conductor"
)

// Conductor is the service the API fronts.
type Conductor interface {
	Name() string
	Ready() error

	CreateNode(ctx context.Context, in *v1alpha1.Node) (*v1alpha1.Node, error)
	GetNode(ctx context.Context, ident string) (*v1alpha1.Node, error)
	ListNodes(ctx context.Context, opts conductor.ListOptions) ([]*v1alpha1.Node, error)
	UpdateNode(ctx context.Context, ident string, patch v1alpha1.NodePatch) (*v1alpha1.Node, error)
	DeleteNode(ctx context.Context, ident string) error

	SetProvisionState(ctx context.Context, ident string, req v1alpha1.ProvisionRequest) error
	SetPowerState(ctx context.Context, ident string, target v1alpha1.PowerTarget) error
	SetMaintenance(ctx context.Context, ident string, on bool, reason string) (*v1alpha1.Node, error)
	ListNodeSteps(ctx context.Context, ident string, kind v1alpha1.StepKind) ([]v1alpha1.StepInfo, error)
	ListVendorMethods(ctx context.Context, ident string) ([]v1alpha1.VendorMethodInfo, error)
	VendorPassthru(ctx context.Context, ident, method, httpMethod string, payload map[string]any) (any, bool, error)
	Heartbeat(ctx context.Context, ident string, hb v1alpha1.HeartbeatRequest) error

	CreatePort(ctx context.Context, in *v1alpha1.Port) (*v1alpha1.Port, error)
	GetPort(ctx context.Context, ident string) (*v1alpha1.Port, error)
	ListPorts(ctx context.Context, nodeIdent string) ([]*v1alpha1.Port, error)
	DeletePort(ctx context.Context, ident string) error
	CreatePortGroup(ctx context.Context, in *v1alpha1.PortGroup) (*v1alpha1.PortGroup, error)
	GetPortGroup(ctx context.Context, id string) (*v1alpha1.PortGroup, error)
	ListPortGroups(ctx context.Context, nodeIdent string) ([]*v1alpha1.PortGroup, error)
	DeletePortGroup(ctx context.Context, id string) error
	CreateChassis(ctx context.Context, in *v1alpha1.Chassis) (*v1alpha1.Chassis, error)
	GetChassis(ctx context.Context, id string) (*v1alpha1.Chassis, error)
	ListChassis(ctx context.Context) ([]*v1alpha1.Chassis, error)
	DeleteChassis(ctx context.Context, id string) error

	ListInterfaces() v1alpha1.InterfaceList
	Members() []v1alpha1.Conductor
	Join(ctx context.Context, name string)
	Leave(ctx context.Context, name string)
}

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Server routes HTTP requests to a Conductor.
type Server struct {
	c      Conductor
	mux    *http.ServeMux
	logger logr.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l logr.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer creates a Server for c.
func NewServer(c Conductor, opts ...Option) *Server {
	s := &Server{c: c, mux: http.NewServeMux(), logger: log.Log.WithName("api")}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	m := s.mux

	m.HandleFunc("POST /v1/nodes", s.createNode)
	m.HandleFunc("GET /v1/nodes", s.listNodes)
	m.HandleFunc("GET /v1/nodes/{node}", s.getNode)
	m.HandleFunc("PATCH /v1/nodes/{node}", s.updateNode)
	m.HandleFunc("DELETE /v1/nodes/{node}", s.deleteNode)
	m.HandleFunc("PUT /v1/nodes/{node}/states/provision", s.setProvisionState)
	m.HandleFunc("PUT /v1/nodes/{node}/states/power", s.setPowerState)
	m.HandleFunc("PUT /v1/nodes/{node}/maintenance", s.setMaintenance(true))
	m.HandleFunc("DELETE /v1/nodes/{node}/maintenance", s.setMaintenance(false))
	m.HandleFunc("GET /v1/nodes/{node}/steps", s.listSteps)
	m.HandleFunc("GET /v1/nodes/{node}/vendor_passthru/methods", s.listVendorMethods)
	m.HandleFunc("GET /v1/nodes/{node}/vendor_passthru", s.vendorPassthru)
	m.HandleFunc("POST /v1/nodes/{node}/vendor_passthru", s.vendorPassthru)
	m.HandleFunc("PUT /v1/nodes/{node}/vendor_passthru", s.vendorPassthru)
	m.HandleFunc("DELETE /v1/nodes/{node}/vendor_passthru", s.vendorPassthru)

	m.HandleFunc("POST /v1/heartbeat/{node}", s.heartbeat)

	m.HandleFunc("POST /v1/ports", s.createPort)
	m.HandleFunc("GET /v1/ports", s.listPorts)
	m.HandleFunc("GET /v1/ports/{port}", s.getPort)
	m.HandleFunc("DELETE /v1/ports/{port}", s.deletePort)
	m.HandleFunc("POST /v1/portgroups", s.createPortGroup)
	m.HandleFunc("GET /v1/portgroups", s.listPortGroups)
	m.HandleFunc("GET /v1/portgroups/{portgroup}", s.getPortGroup)
	m.HandleFunc("DELETE /v1/portgroups/{portgroup}", s.deletePortGroup)
	m.HandleFunc("POST /v1/chassis", s.createChassis)
	m.HandleFunc("GET /v1/chassis", s.listChassis)
	m.HandleFunc("GET /v1/chassis/{chassis}", s.getChassis)
	m.HandleFunc("DELETE /v1/chassis/{chassis}", s.deleteChassis)

	m.HandleFunc("GET /v1/drivers/interfaces", s.listInterfaces)
	m.HandleFunc("GET /v1/conductors", s.listConductors)
	m.HandleFunc("POST /v1/conductors", s.joinConductor)
	m.HandleFunc("DELETE /v1/conductors/{name}", s.leaveConductor)

	s.handleChecks("/healthz", map[string]healthz.Checker{"ping": healthz.Ping})
	s.handleChecks("/readyz", map[string]healthz.Checker{
		"ring": func(*http.Request) error { return s.c.Ready() },
	})
	m.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
}

// handleChecks serves the aggregated checks at prefix and each check below it.
func (s *Server) handleChecks(prefix string, checks map[string]healthz.Checker) {
	h := http.StripPrefix(prefix, &healthz.Handler{Checks: checks})
	s.mux.Handle(prefix, h)
	s.mux.Handle(prefix+"/", h)
}

// ServeHTTP attaches a request scoped logger and dispatches the request.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	logger := s.logger.WithValues("method", r.Method, "path", r.URL.Path)
	r = r.WithContext(log.IntoContext(r.Context(), logger))
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	logger.V(1).Info("handled request", "status", rec.status, "duration", time.Since(start))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Run serves h on addr until ctx is done, then shuts down gracefully.
func Run(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server on %s stopped: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server on %s: %w", addr, err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
